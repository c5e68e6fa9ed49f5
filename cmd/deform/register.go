package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/spatial/r3"

	"deform/internal/models"
	"deform/pkg/registration"
	"deform/pkg/visualization"
	"deform/pkg/volumeio"
)

type registerOptions struct {
	fixed  []string
	moving []string

	fixedMask  string
	movingMask string

	fixedPoints  string
	movingPoints string

	initial          string
	constraintMask   string
	constraintValues string

	output        string
	extractSlices string
}

func newRegisterCmd(a *app) *cobra.Command {
	o := &registerOptions{}

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register moving images to fixed images",
		Long: `Register one or more image pairs. Pairs are formed by the order of the
--fixed and --moving flags. The resulting displacement field is written to --output.`,
		Example: `  deform register -f fixed_t1.mhd -m moving_t1.mhd -f fixed_t2.mhd -m moving_t2.mhd -o def.mhd`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(a)
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&o.fixed, "fixed", "f", nil, "fixed image (repeat for each pair)")
	f.StringArrayVarP(&o.moving, "moving", "m", nil, "moving image (repeat for each pair)")
	f.StringVar(&o.fixedMask, "fixed-mask", "", "fixed mask image")
	f.StringVar(&o.movingMask, "moving-mask", "", "moving mask image")
	f.StringVar(&o.fixedPoints, "fixed-points", "", "fixed landmarks (YAML)")
	f.StringVar(&o.movingPoints, "moving-points", "", "moving landmarks (YAML)")
	f.StringVar(&o.initial, "init", "", "initial deformation field")
	f.StringVar(&o.constraintMask, "constraint-mask", "", "voxel constraint mask")
	f.StringVar(&o.constraintValues, "constraint-values", "", "voxel constraint values")
	f.StringVarP(&o.output, "output", "o", "result_def.mhd", "output displacement field")
	f.StringVar(&o.extractSlices, "extract-slices", "", "directory for displacement magnitude slices")

	return cmd
}

// readOptional reads path, or returns nil when path is empty
func readOptional(path string) (*models.Volume, error) {
	if path == "" {
		return nil, nil
	}
	return volumeio.Read(path)
}

func readLandmarksOptional(path string) ([]r3.Vec, error) {
	if path == "" {
		return nil, nil
	}
	return volumeio.ReadLandmarks(path)
}

func (o *registerOptions) input(threads int) (*registration.Input, error) {
	in := &registration.Input{NumThreads: threads}

	for _, p := range o.fixed {
		v, err := volumeio.Read(p)
		if err != nil {
			return nil, err
		}
		in.Fixed = append(in.Fixed, v)
	}
	for _, p := range o.moving {
		v, err := volumeio.Read(p)
		if err != nil {
			return nil, err
		}
		in.Moving = append(in.Moving, v)
	}

	var err error
	volumes := []struct {
		path string
		dst  **models.Volume
	}{
		{o.fixedMask, &in.FixedMask},
		{o.movingMask, &in.MovingMask},
		{o.initial, &in.InitialDeformation},
		{o.constraintMask, &in.ConstraintMask},
		{o.constraintValues, &in.ConstraintValues},
	}
	for _, v := range volumes {
		if *v.dst, err = readOptional(v.path); err != nil {
			return nil, err
		}
	}

	if in.FixedLandmarks, err = readLandmarksOptional(o.fixedPoints); err != nil {
		return nil, err
	}
	if in.MovingLandmarks, err = readLandmarksOptional(o.movingPoints); err != nil {
		return nil, err
	}
	return in, nil
}

func (o *registerOptions) run(a *app) error {
	in, err := o.input(a.settings.NumThreads)
	if err != nil {
		return err
	}

	field, err := registration.NewPipeline(a.settings, a.logger).Run(in)
	if err != nil {
		return err
	}

	if err := volumeio.Write(o.output, field); err != nil {
		return fmt.Errorf("writing result: %w", err)
	}
	a.logger.Info("Wrote displacement field", "path", o.output)

	if o.extractSlices != "" {
		df, err := models.FieldFromVolume(field)
		if err != nil {
			return err
		}
		viewer, err := visualization.ViewerFromField(df)
		if err != nil {
			return err
		}
		return a.exportSlices(viewer, o.extractSlices)
	}
	return nil
}
