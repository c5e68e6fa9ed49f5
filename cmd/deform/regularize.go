package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"deform/internal/models"
	"deform/pkg/regularize"
	"deform/pkg/volumeio"
)

type regularizeOptions struct {
	constraintMask   string
	constraintValues string
	initial          string
	precision        float64
	output           string
}

func newRegularizeCmd(a *app) *cobra.Command {
	o := &regularizeOptions{}

	cmd := &cobra.Command{
		Use:   "regularize",
		Short: "Build a smooth displacement field from voxel constraints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(a)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.constraintMask, "constraint-mask", "", "voxel constraint mask")
	f.StringVar(&o.constraintValues, "constraint-values", "", "voxel constraint values")
	f.StringVar(&o.initial, "init", "", "initial deformation field (skips seeding)")
	f.Float64Var(&o.precision, "precision", 0, "convergence threshold (default: from settings)")
	f.StringVarP(&o.output, "output", "o", "result_def.mhd", "output displacement field")
	_ = cmd.MarkFlagRequired("constraint-mask")
	_ = cmd.MarkFlagRequired("constraint-values")

	return cmd
}

func (o *regularizeOptions) run(a *app) error {
	mask, err := volumeio.Read(o.constraintMask)
	if err != nil {
		return err
	}
	raw, err := volumeio.Read(o.constraintValues)
	if err != nil {
		return err
	}
	values, err := models.FieldFromVolume(raw)
	if err != nil {
		return fmt.Errorf("constraint values: %w", err)
	}

	solver := regularize.NewSolver(a.settings.Regularization.Precision)
	if o.precision > 0 {
		solver.Precision = o.precision
	}
	solver.Benchmark = a.settings.Features.Benchmark
	solver.Logger = a.logger

	var field *models.DisplacementField
	if o.initial != "" {
		guess, err := volumeio.Read(o.initial)
		if err != nil {
			return err
		}
		if field, err = models.FieldFromVolume(guess); err != nil {
			return fmt.Errorf("initial deformation: %w", err)
		}
	} else {
		field = models.NewDisplacementField(mask.Geometry)
		if err := solver.Initialize(field, mask, values); err != nil {
			return err
		}
	}

	iterations, err := solver.Regularize(field, mask, values)
	if err != nil {
		return err
	}
	a.logger.Info("Regularization converged", "iterations", iterations, "precision", solver.Precision)

	if err := volumeio.Write(o.output, field.Volume()); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	a.logger.Info("Wrote displacement field", "path", o.output)
	return nil
}
