package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"rotaforge/engine/internal/config"
	"rotaforge/engine/internal/history"
)

var historyJSON bool

var historyCmd = &cobra.Command{
	Use:   "history [requester]",
	Short: "Show recent outcomes for a requester",
	Long: `Show the most recent outcomes recorded for a requester, oldest first.

Only the sqlite history backend outlives the process; with the memory
backend this command always prints an empty list.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "print entries as JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	rt, err := bootstrap()
	if err != nil {
		return err
	}
	defer rt.Close()
	requester := currentUser()
	if len(args) == 1 {
		requester = args[0]
	}

	var store history.Store = history.NewRing(rt.cfg.History.Capacity)
	if rt.cfg.History.Backend == config.HistorySQLite {
		db, err := history.OpenSQLite(rt.cfg.History.Path, rt.cfg.History.Capacity, rt.logger)
		if err != nil {
			return err
		}
		defer db.Close()
		store = db
	}
	entries, err := store.List(requester)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if historyJSON {
		if entries == nil {
			entries = []history.Entry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintf(w, "No history for %s.\n", requester)
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSTATUS\tPROMPT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.Status, oneLine(e.Prompt, 60))
	}
	return tw.Flush()
}

func oneLine(s string, limit int) string {
	runes := []rune(s)
	for i, r := range runes {
		if r == '\n' || r == '\r' {
			runes[i] = ' '
		}
	}
	if len(runes) > limit {
		return string(runes[:limit-1]) + "…"
	}
	return string(runes)
}
