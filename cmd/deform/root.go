package main

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"deform/pkg/config"
	"deform/pkg/parallel"
	"deform/pkg/visualization"
)

var version = "dev"

// app carries the options shared by every subcommand
type app struct {
	settingsPath string
	threads      int
	gpu          bool
	verbose      bool

	settings *config.Settings
	logger   *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:     "deform",
		Short:   "Deformable image registration",
		Long:    `deform registers volumetric images, regularizes displacement fields and inspects the results.`,
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&a.settingsPath, "settings", "s", "deform.yaml",
		"settings file (defaults are used when it does not exist)")
	root.PersistentFlags().IntVarP(&a.threads, "threads", "t", 0,
		"number of worker threads (default: all available)")
	root.PersistentFlags().BoolVar(&a.gpu, "gpu", false, "use the GPU backend")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newRegisterCmd(a),
		newRegularizeCmd(a),
		newTransformCmd(a),
		newJacobianCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	settings, err := config.LoadSettings(a.settingsPath)
	if err != nil {
		return err
	}
	if a.gpu {
		settings.Backend = config.BackendGPU
	}
	if a.threads > 0 {
		settings.NumThreads = a.threads
	}
	if settings.NumThreads > 0 {
		parallel.SetWorkers(settings.NumThreads)
	}

	level := slog.LevelInfo
	if a.verbose || settings.Debug.Level > 0 {
		level = slog.LevelDebug
	}

	a.settings = settings
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

// exportSlices writes JPEG slices of viewer along every axis below dir
func (a *app) exportSlices(viewer *visualization.Viewer, dir string) error {
	for _, axis := range []string{"x", "y", "z"} {
		axisDir := filepath.Join(dir, axis)
		if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
			return fmt.Errorf("saving %s-axis slices: %w", axis, err)
		}
		a.logger.Info("Saved slices", "axis", axis, "dir", axisDir)
	}
	return nil
}
