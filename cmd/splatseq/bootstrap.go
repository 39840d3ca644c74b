package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBootstrapCmd(g *globalOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the inference virtualenv and install the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			env := newEnvironment(cfg, dryRun)
			if err := env.Ensure(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inference command: %v\n", env.InferenceCommand(sharpModule))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print commands without running them")
	return cmd
}
