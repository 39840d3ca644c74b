package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/splatseq/internal/control"
	"github.com/banshee-data/splatseq/internal/conversion"
	"github.com/banshee-data/splatseq/internal/jobdb"
	"github.com/banshee-data/splatseq/internal/playback"
)

const defaultServer = "http://localhost:8080"

func newJobsCmd(g *globalOptions) *cobra.Command {
	var (
		server string
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List conversion history",
		Long: "Jobs lists recorded conversions, newest first. By default it reads the\n" +
			"history database directly; with --server it asks a running instance.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			var recs []conversion.Record
			if server != "" {
				recs, err = control.NewClient(server, nil).History(cmd.Context(), limit)
			} else {
				var db *jobdb.DB
				if db, err = jobdb.Open(cfg.GetDBPath()); err != nil {
					return err
				}
				defer db.Close()
				recs, err = db.ListJobs(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), recs)
			}
			writeRecords(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "query a running server instead of the database")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum jobs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeRecords(w io.Writer, recs []conversion.Record) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tFRAMES\tFINISHED\tVIDEO\tERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Status, r.Frames, r.FinishedAt.Local().Format(time.DateTime), r.VideoPath, r.Error)
	}
	tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newCtlCmd(g *globalOptions) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Drive a running player over HTTP",
	}
	cmd.PersistentFlags().StringVar(&server, "server", defaultServer, "control server base URL")

	snapshotCmd := func(use, short string, args cobra.PositionalArgs, call func(c *control.Client, cmd *cobra.Command, args []string) (playback.Snapshot, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  args,
			RunE: func(cmd *cobra.Command, args []string) error {
				snap, err := call(control.NewClient(server, nil), cmd, args)
				if err != nil {
					return err
				}
				writeSnapshot(cmd.OutOrStdout(), snap)
				return nil
			},
		}
	}

	cmd.AddCommand(
		snapshotCmd("state", "Show the player state", cobra.NoArgs,
			func(c *control.Client, cmd *cobra.Command, _ []string) (playback.Snapshot, error) {
				return c.State(cmd.Context())
			}),
		snapshotCmd("play", "Start playback", cobra.NoArgs,
			func(c *control.Client, cmd *cobra.Command, _ []string) (playback.Snapshot, error) {
				return c.Play(cmd.Context())
			}),
		snapshotCmd("pause", "Pause playback", cobra.NoArgs,
			func(c *control.Client, cmd *cobra.Command, _ []string) (playback.Snapshot, error) {
				return c.Pause(cmd.Context())
			}),
		snapshotCmd("seek <index>", "Jump to a frame", cobra.ExactArgs(1),
			func(c *control.Client, cmd *cobra.Command, args []string) (playback.Snapshot, error) {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return playback.Snapshot{}, fmt.Errorf("invalid index %q", args[0])
				}
				return c.Seek(cmd.Context(), n)
			}),
		snapshotCmd("step [delta]", "Move by delta frames (default 1)", cobra.MaximumNArgs(1),
			func(c *control.Client, cmd *cobra.Command, args []string) (playback.Snapshot, error) {
				delta := 1
				if len(args) == 1 {
					var err error
					if delta, err = strconv.Atoi(args[0]); err != nil {
						return playback.Snapshot{}, fmt.Errorf("invalid delta %q", args[0])
					}
				}
				return c.Step(cmd.Context(), delta)
			}),
		snapshotCmd("rate <fps>", "Change the playback rate", cobra.ExactArgs(1),
			func(c *control.Client, cmd *cobra.Command, args []string) (playback.Snapshot, error) {
				fps, err := strconv.ParseFloat(args[0], 64)
				if err != nil {
					return playback.Snapshot{}, fmt.Errorf("invalid rate %q", args[0])
				}
				return c.SetRate(cmd.Context(), fps)
			}),
		&cobra.Command{
			Use:   "load <dir>",
			Short: "Load a sequence directory on the server",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				resp, err := control.NewClient(server, nil).Load(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "loaded %s: %d frames\n", resp.Dir, resp.Frames)
				return nil
			},
		},
	)
	return cmd
}

func writeSnapshot(w io.Writer, s playback.Snapshot) {
	fmt.Fprintf(w, "%s %d/%d at %.2f fps", s.State, s.Index, s.Total, s.Rate)
	if s.Loop {
		fmt.Fprint(w, " (loop)")
	}
	if s.Dir != "" {
		fmt.Fprintf(w, " %s", s.Dir)
	}
	fmt.Fprintln(w)
	if s.LastError != "" {
		fmt.Fprintf(w, "last error: %s\n", s.LastError)
	}
}
