package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flybeeper/geolog/internal/export"
)

type exportFlags struct {
	format      string
	out         string
	from        string
	to          string
	mergeGap    time.Duration
	minPoints   int
	minTime     time.Duration
	minDistance float64
	maxSpeed    float64
}

func newExportCmd(a *app) *cobra.Command {
	defaults := export.DefaultOptions()
	f := &exportFlags{}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export recorded samples as GPX or KML",
		Long: "Export recorded samples as a GPX or KML track. Segments separated by less than " +
			"--merge-gap are joined, and segments below the minimum points, time or distance are dropped.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runExport(cmd, f)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.format, "format", string(defaults.Format), "Output format: gpx or kml")
	flags.StringVar(&f.out, "out", "-", "Output file (- for stdout)")
	flags.StringVar(&f.from, "from", "", "Start time, RFC3339")
	flags.StringVar(&f.to, "to", "", "End time, RFC3339")
	flags.DurationVar(&f.mergeGap, "merge-gap", defaults.MergeGap, "Join segments separated by less than this gap")
	flags.IntVar(&f.minPoints, "min-points", defaults.MinPoints, "Drop segments with fewer points (0 disables)")
	flags.DurationVar(&f.minTime, "min-time", defaults.MinTime, "Drop segments shorter in time (0 disables)")
	flags.Float64Var(&f.minDistance, "min-distance", defaults.MinDistance, "Drop segments with a smaller bounding box diagonal in meters (0 disables)")
	flags.Float64Var(&f.maxSpeed, "max-speed", defaults.MaxSpeed, "Drop points implying a higher speed in m/s (0 disables)")
	return cmd
}

func (f *exportFlags) options() (export.Options, error) {
	opts := export.DefaultOptions()

	format, err := export.ParseFormat(f.format)
	if err != nil {
		return opts, err
	}
	opts.Format = format

	if f.from != "" {
		if opts.Start, err = time.Parse(time.RFC3339, f.from); err != nil {
			return opts, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if f.to != "" {
		if opts.End, err = time.Parse(time.RFC3339, f.to); err != nil {
			return opts, fmt.Errorf("invalid --to: %w", err)
		}
	}

	opts.MergeGap = f.mergeGap
	opts.MinPoints = f.minPoints
	opts.MinTime = f.minTime
	opts.MinDistance = f.minDistance
	opts.MaxSpeed = f.maxSpeed
	return opts, nil
}

func (a *app) runExport(cmd *cobra.Command, f *exportFlags) error {
	opts, err := f.options()
	if err != nil {
		return err
	}

	storage, err := a.openStorage(cmd.Context())
	if err != nil {
		return err
	}
	defer storage.Close()

	w, closeFn, err := createOutput(cmd, f.out)
	if err != nil {
		return err
	}

	n, err := export.NewExporter(storage).Export(cmd.Context(), w, opts)
	if err != nil {
		closeFn()
		return fmt.Errorf("export: %w", err)
	}
	if err := closeFn(); err != nil {
		return err
	}

	a.logger.WithFields(map[string]interface{}{
		"format":   string(opts.Format),
		"segments": n,
		"file":     f.out,
	}).Info("Export completed")
	return nil
}
