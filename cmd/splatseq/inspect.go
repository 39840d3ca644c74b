package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/splatseq/internal/framestore"
	"github.com/banshee-data/splatseq/internal/fsutil"
	"github.com/banshee-data/splatseq/internal/monitoring"
	"github.com/banshee-data/splatseq/internal/playback"
	"github.com/banshee-data/splatseq/internal/report"
	"github.com/banshee-data/splatseq/internal/security"
	"github.com/banshee-data/splatseq/internal/timeutil"
)

func newDiscoverCmd(g *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "discover <dir>",
		Short: "List the frames of a sequence directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := g.load(); err != nil {
				return err
			}
			seq, err := framestore.NewStore(fsutil.OSFileSystem{}).Discover(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(seq)
			}
			fmt.Fprintf(out, "%s: %d frames, %d bytes", seq.Dir, seq.Len(), seq.TotalBytes())
			if seq.FPS > 0 {
				fmt.Fprintf(out, ", %.2f fps", seq.FPS)
			}
			fmt.Fprintln(out)
			for _, f := range seq.Frames {
				fmt.Fprintf(out, "%6d  %8d  %s\n", f.Index, f.Number, filepath.Base(f.Path))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the sequence as JSON")
	return cmd
}

func newPlotCmd(g *globalOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "plot <dir>",
		Short: "Render per-frame size and vertex count to a PNG",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := g.load(); err != nil {
				return err
			}
			store := framestore.NewStore(fsutil.OSFileSystem{})
			seq, err := store.Discover(args[0])
			if err != nil {
				return err
			}
			if out == "" {
				out = security.SanitizeFilename(filepath.Base(seq.Dir)) + "_frames.png"
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			stats, err := report.PlotSequence(seq, store, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
			failed := 0
			for _, s := range stats {
				if s.Err != nil {
					failed++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d frames, %d failed)\n", out, len(stats), failed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output PNG (default <dir>_frames.png)")
	return cmd
}

func newPlayCmd(g *globalOptions) *cobra.Command {
	var (
		fps      float64
		loop     bool
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "play <dir>",
		Short: "Play a sequence headlessly and report cache behaviour",
		Long: "Play loads a sequence and advances it at the configured rate without a\n" +
			"renderer, logging frame events. It stops after --duration, when a\n" +
			"non-looping sequence reaches its last frame, or on interrupt.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("fps") {
				cfg.PlaybackFPS = &fps
			}
			if cmd.Flags().Changed("loop") {
				cfg.Loop = &loop
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			pl, err := newPipeline(cfg, fsutil.OSFileSystem{}, timeutil.RealClock{})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			eg, ctx := errgroup.WithContext(ctx)
			runCtx, stop := context.WithCancel(ctx)
			defer stop()
			eg.Go(func() error { return pl.player.Run(runCtx) })
			eg.Go(func() error {
				defer stop()
				return playUntilDone(runCtx, pl.player, args[0])
			})
			err = eg.Wait()
			pl.cache.Wait()
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			stats := pl.cache.Stats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "hits %d, misses %d, evictions %d, hit rate %.1f%%\n",
				stats.Hits, stats.Misses, stats.Evictions, 100*stats.HitRate())
			fmt.Fprintf(out, "load latency: %s\n", report.LatencySummary(stats.LoadLatenciesMs))
			return nil
		},
	}
	cmd.Flags().Float64Var(&fps, "fps", 0, "playback rate (default from config)")
	cmd.Flags().BoolVar(&loop, "loop", false, "wrap to the first frame at the end")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until the end or interrupt)")
	return cmd
}

var playLogf = monitoring.Tagged("Play")

// playUntilDone loads dir, starts playback and logs events until the
// player pauses itself at the end or ctx ends.
func playUntilDone(ctx context.Context, p *playback.Player, dir string) error {
	id, events := p.Subscribe()
	defer p.Unsubscribe(id)

	seq, err := p.LoadDir(ctx, dir)
	if err != nil {
		return err
	}
	playLogf("loaded %s: %d frames", seq.Dir, seq.Len())
	if err := p.Play(ctx); err != nil {
		return err
	}
	playing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case playback.EventFrameReady:
				playLogf("frame %d: %d splats", ev.Index, ev.Frame.Len())
			case playback.EventFrameError:
				playLogf("frame %d failed: %v", ev.Index, ev.Err)
			case playback.EventStateChanged:
				if playing && ev.State == playback.StatePaused {
					playLogf("reached end of sequence")
					return nil
				}
				playing = ev.State == playback.StatePlaying
			}
		}
	}
}
