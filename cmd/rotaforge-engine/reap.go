package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rotaforge/engine/internal/workspace"
)

var reapMaxAge time.Duration

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Remove stale workspaces left by interrupted runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := bootstrap()
		if err != nil {
			return err
		}
		defer rt.Close()
		maxAge := reapMaxAge
		if maxAge <= 0 {
			maxAge = rt.cfg.Workspace.ReapMaxAge
		}
		mgr := workspace.NewManager(workspace.Config{
			TempRoot: rt.cfg.Workspace.TempRoot,
			Prefix:   rt.cfg.Workspace.Prefix,
		}, rt.logger)
		removed, err := mgr.ReapStale(maxAge)
		for _, name := range removed {
			fmt.Fprintln(cmd.OutOrStdout(), "removed", name)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d workspace(s) older than %s removed\n", len(removed), maxAge)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reapCmd)
	reapCmd.Flags().DurationVar(&reapMaxAge, "max-age", 0, "minimum age of removed workspaces (default: workspace.reap_max_age)")
}
