// Command splatseq discovers, plays, converts and serves 4D Gaussian
// Splatting frame sequences.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/banshee-data/splatseq/internal/config"
	"github.com/banshee-data/splatseq/internal/monitoring"
	"github.com/banshee-data/splatseq/internal/version"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	quiet      bool
}

func (g *globalOptions) load() (*config.Config, error) {
	if g.quiet {
		monitoring.SetLogger(nil)
	}
	if g.configPath == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.LoadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:           "splatseq",
		Short:         "Play and produce 4D Gaussian Splatting sequences",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "JSON config file (see "+config.DefaultConfigPath+")")
	root.PersistentFlags().BoolVarP(&g.quiet, "quiet", "q", false, "suppress log output")

	root.AddCommand(
		newDiscoverCmd(g),
		newPlayCmd(g),
		newConvertCmd(g),
		newServeCmd(g),
		newPlotCmd(g),
		newJobsCmd(g),
		newCtlCmd(g),
		newBootstrapCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version.Get())
			},
		},
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		log.Printf("splatseq: %v", err)
		os.Exit(1)
	}
}
