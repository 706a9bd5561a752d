package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"rotaforge/engine/internal/history"
	"rotaforge/engine/internal/pipeline"
)

var (
	editRequester string
	editClass     string
	editOut       string
	editJSON      bool
)

var editCmd = &cobra.Command{
	Use:   "edit <prompt>",
	Short: "Run one edit request and write the built artifact",
	Example: `  rotaforge-engine edit --class druid "use rake only above 45 energy"
  rotaforge-engine edit --out ./build "skip shred when behind is not possible"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEdit,
}

func init() {
	rootCmd.AddCommand(editCmd)
	editCmd.Flags().StringVar(&editRequester, "requester", "", "requester id recorded in history (default: current user)")
	editCmd.Flags().StringVar(&editClass, "class", "", "class directory to focus on")
	editCmd.Flags().StringVar(&editOut, "out", ".", "directory for the delivered artifact")
	editCmd.Flags().BoolVar(&editJSON, "json", false, "print the outcome as JSON")
}

func runEdit(cmd *cobra.Command, args []string) error {
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

	requester := editRequester
	if requester == "" {
		requester = currentUser()
	}
	out, err := eng.Submit(cmd.Context(), pipeline.Request{
		RequesterID: requester,
		Prompt:      strings.Join(args, " "),
		ClassHint:   editClass,
	})
	if err != nil {
		return err
	}

	var artifactPath string
	if out.Artifact != nil {
		if err := os.MkdirAll(editOut, 0o755); err != nil {
			return err
		}
		artifactPath = filepath.Join(editOut, out.Artifact.Name)
		if err := os.WriteFile(artifactPath, out.Artifact.Data, 0o644); err != nil {
			return err
		}
	}

	w := cmd.OutOrStdout()
	if editJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(eng.EditResult(out))
	}
	fmt.Fprintln(w, out.Message)
	if artifactPath != "" {
		fmt.Fprintf(w, "\nWrote %s (%d bytes)\n", artifactPath, len(out.Artifact.Data))
	}
	for _, change := range out.Changes {
		fmt.Fprintf(w, "  %s +%d -%d\n", change.Path, change.Added, change.Removed)
	}
	if out.Status != history.StatusSuccess && out.Status != history.StatusNoChanges {
		return fmt.Errorf("request %s finished with status %s", out.RequestID, out.Status)
	}
	return nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "local"
}
