package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"deform/internal/models"
	"deform/pkg/jacobian"
	"deform/pkg/visualization"
	"deform/pkg/volumeio"
)

func newJacobianCmd(a *app) *cobra.Command {
	var output, extractSlices string

	cmd := &cobra.Command{
		Use:   "jacobian <field>",
		Short: "Compute the Jacobian determinant of a displacement field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := volumeio.Read(args[0])
			if err != nil {
				return err
			}
			field, err := models.FieldFromVolume(raw)
			if err != nil {
				return fmt.Errorf("displacement field: %w", err)
			}

			det, err := jacobian.Determinant(field)
			if err != nil {
				return err
			}

			s := jacobian.Summarize(det)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Jacobian determinant\n")
			fmt.Fprintf(out, "  min:     %.6f\n", s.Min)
			fmt.Fprintf(out, "  max:     %.6f\n", s.Max)
			fmt.Fprintf(out, "  mean:    %.6f\n", s.Mean)
			fmt.Fprintf(out, "  stddev:  %.6f\n", s.StdDev)
			fmt.Fprintf(out, "  folding: %d of %d voxels\n", s.Folding, det.Size.Len())

			if output != "" {
				if err := volumeio.Write(output, det); err != nil {
					return fmt.Errorf("writing result: %w", err)
				}
				a.logger.Info("Wrote Jacobian", "path", output)
			}
			if extractSlices != "" {
				viewer, err := visualization.ViewerFromVolume(det)
				if err != nil {
					return err
				}
				// identity maps to mid-gray, folding to black
				viewer.SetWindow(0, 2)
				return a.exportSlices(viewer, extractSlices)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the determinant volume")
	cmd.Flags().StringVar(&extractSlices, "extract-slices", "", "directory for determinant slices")
	return cmd
}
