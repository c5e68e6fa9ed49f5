package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"deform/internal/models"
	"deform/pkg/transform"
	"deform/pkg/volumeio"
)

func newTransformCmd(a *app) *cobra.Command {
	var interp, output string

	cmd := &cobra.Command{
		Use:   "transform <moving> <field>",
		Short: "Warp a moving image with a displacement field",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			method, err := transform.ParseInterpolator(interp)
			if err != nil {
				return err
			}

			moving, err := volumeio.Read(args[0])
			if err != nil {
				return err
			}
			raw, err := volumeio.Read(args[1])
			if err != nil {
				return err
			}
			field, err := models.FieldFromVolume(raw)
			if err != nil {
				return fmt.Errorf("displacement field: %w", err)
			}

			warped, err := transform.Warp(moving, field, method)
			if err != nil {
				return err
			}
			if err := volumeio.Write(output, warped); err != nil {
				return fmt.Errorf("writing result: %w", err)
			}
			a.logger.Info("Wrote transformed image", "path", output, "interp", interp)
			return nil
		},
	}

	cmd.Flags().StringVarP(&interp, "interp", "i", "linear", "interpolation (linear or nearest)")
	cmd.Flags().StringVarP(&output, "output", "o", "result.mhd", "output image")
	return cmd
}
