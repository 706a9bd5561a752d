package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rotaforge/engine/internal/engine"
	"rotaforge/engine/internal/rpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve JSON-RPC 2.0 over stdin/stdout",
	Long: `Serve newline-delimited JSON-RPC 2.0 on stdin/stdout.

Methods: EngineGetInfo, EditSubmit, HistoryGet, GateStatus, WorkspaceReap.
Stage changes are pushed as EditStageChanged notifications. A background
reaper removes workspaces left behind by crashed runs.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	server := rpc.NewServer(engine.APIVersion, os.Stdin, os.Stdout, rt.logger)
	eng.SetNotifier(server.Notify)
	server.RegisterMethod("EngineGetInfo", eng.EngineGetInfo)
	server.RegisterMethod("EditSubmit", eng.EditSubmit)
	server.RegisterMethod("HistoryGet", eng.HistoryGet)
	server.RegisterMethod("GateStatus", eng.GateStatus)
	server.RegisterMethod("WorkspaceReap", eng.WorkspaceReap)
	rt.logger.Info("engine.serving", "methods", server.Methods(), "provider", eng.ProviderID())

	if err := server.Serve(ctx); err != nil {
		rt.logger.Error("rpc.server_error", "error", err.Error())
		return err
	}
	return nil
}
