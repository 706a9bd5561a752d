package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rotaforge/engine/internal/engine"
	"rotaforge/engine/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server on stdio",
	Long: `Start a Model Context Protocol server on stdin/stdout.

Tools: submit_edit, get_history, gate_status.

This command is normally launched by an MCP client, not run by hand.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	rt, err := bootstrap()
	if err != nil {
		return err
	}
	defer rt.Close()
	eng, err := rt.openEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	eng.StartReaper(ctx)
	rt.logger.Info("mcp.starting", "version", engine.EngineVersion, "provider", eng.ProviderID())
	return mcpserver.Serve(ctx, eng, engine.EngineVersion, rt.logger)
}
