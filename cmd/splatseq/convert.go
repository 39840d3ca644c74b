package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/splatseq/internal/conversion"
	"github.com/banshee-data/splatseq/internal/fsutil"
	"github.com/banshee-data/splatseq/internal/jobdb"
	"github.com/banshee-data/splatseq/internal/timeutil"
)

func newConvertCmd(g *globalOptions) *cobra.Command {
	var (
		output    string
		overwrite bool
		synthetic bool
		frames    int
		noHistory bool
	)
	cmd := &cobra.Command{
		Use:   "convert <video>",
		Short: "Convert a video into a sequence directory",
		Long: "Convert runs the inference model over a video and writes one .ply file\n" +
			"per frame into the output directory (default <video>_gaussians). The\n" +
			"directory only appears once every frame has been written.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			policy, err := parsePolicy(cfg, overwrite)
			if err != nil {
				return err
			}
			video, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			opts := conversion.Options{
				FS:        fsutil.OSFileSystem{},
				Inference: newInference(cfg, fsutil.OSFileSystem{}, synthetic, frames),
				Clock:     timeutil.RealClock{},
				QueueSize: 1,
			}
			if !noHistory {
				db, err := jobdb.Open(cfg.GetDBPath())
				if err != nil {
					return fmt.Errorf("opening job history: %w", err)
				}
				defer db.Close()
				opts.History = db
			}
			runner, err := conversion.NewRunner(opts)
			if err != nil {
				return err
			}

			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()
			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error { return runner.Run(ctx) })

			h, err := runner.Start(conversion.Request{VideoPath: video, OutputDir: output, Policy: policy})
			if err != nil {
				stop()
				eg.Wait()
				return err
			}
			out := cmd.OutOrStdout()
			for p := range h.Updates() {
				if p.Frames > 0 {
					fmt.Fprintf(out, "%5.1f%% %-10s %d/%d\n", 100*p.Fraction, p.Stage, p.Frame, p.Frames)
				} else {
					fmt.Fprintf(out, "%5.1f%% %s\n", 100*p.Fraction, p.Stage)
				}
			}
			res, waitErr := h.Wait(ctx)
			stop()
			if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if waitErr != nil {
				return waitErr
			}
			if res.Status != conversion.StatusSucceeded {
				if res.Err != nil {
					return fmt.Errorf("job %s %s: %w", h.ID, res.Status, res.Err)
				}
				return fmt.Errorf("job %s %s", h.ID, res.Status)
			}
			n := 0
			if res.Sequence != nil {
				n = res.Sequence.Len()
			}
			fmt.Fprintf(out, "wrote %d frames to %s\n", n, res.OutputDir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default <video>_gaussians)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing output directory")
	cmd.Flags().BoolVar(&synthetic, "synthetic", false, "use the built-in synthetic generator instead of the model")
	cmd.Flags().IntVar(&frames, "frames", 0, "frames to generate with --synthetic (default 24)")
	cmd.Flags().BoolVar(&noHistory, "no-history", false, "do not record the job in the history database")
	return cmd
}
