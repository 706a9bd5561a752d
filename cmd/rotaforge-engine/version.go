package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"rotaforge/engine/internal/engine"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print engine and API versions",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rotaforge-engine %s (api %s)\n", engine.EngineVersion, engine.APIVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
