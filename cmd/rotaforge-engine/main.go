package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"rotaforge/engine/internal/engine"
)

var (
	configFile   string
	templateRoot string
	debugFlag    bool
)

var rootCmd = &cobra.Command{
	Use:   "rotaforge-engine",
	Short: "Sandboxed, single-flight edit pipeline for the rotation addon",
	Long: `rotaforge-engine accepts natural-language change requests for the rotation
addon, runs them through a tool-calling agent against a disposable copy of the
source tree, validates and builds the result, and returns TellMeWhen.lua.

One request runs at a time; concurrent requests are rejected, never queued.`,
	Version:       engine.EngineVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("rotaforge-engine {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: rotaforge.{yaml,json,toml} in the data dir or cwd)")
	rootCmd.PersistentFlags().StringVar(&templateRoot, "template", "", "addon source tree (overrides template.root)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "write debug logs to <data>/logs/engine.log")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
