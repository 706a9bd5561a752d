package guardrails

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"rotaforge/engine/internal/diff"
	"rotaforge/engine/internal/logging"
)

const DefaultMaxChangedLines = 200

var DefaultProtectedFiles = []string{"core.lua", "main.lua", "settings.lua", "ui.lua"}

// Pattern is a forbidden construct searched for in added lines.
type Pattern struct {
	Name string
	Expr *regexp.Regexp
}

var DefaultForbiddenPatterns = []Pattern{
	{Name: "goto (Lua 5.1 only)", Expr: regexp.MustCompile(`\bgoto\b`)},
	{Name: "os.execute", Expr: regexp.MustCompile(`\bos\s*\.\s*execute\b`)},
	{Name: "io.popen", Expr: regexp.MustCompile(`\bio\s*\.\s*popen\b`)},
	{Name: "loadstring", Expr: regexp.MustCompile(`\bloadstring\b`)},
	{Name: "dofile", Expr: regexp.MustCompile(`\bdofile\b`)},
}

// PolicyValidator checks edited files against the pristine template tree.
type PolicyValidator struct {
	TemplateRoot string
	Subtree      string
	// ProtectedFiles are relative to Subtree.
	ProtectedFiles    []string
	MaxChangedLines   int
	ForbiddenPatterns []Pattern
	Logger            *slog.Logger
}

func (v *PolicyValidator) ValidateChanges(ctx context.Context, root string, changed []string) (Result, error) {
	logger := v.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	subtree := filepath.ToSlash(filepath.Clean(v.Subtree))
	protected := v.ProtectedFiles
	if protected == nil {
		protected = DefaultProtectedFiles
	}
	patterns := v.ForbiddenPatterns
	if patterns == nil {
		patterns = DefaultForbiddenPatterns
	}
	maxLines := v.MaxChangedLines
	if maxLines <= 0 {
		maxLines = DefaultMaxChangedLines
	}

	files := append([]string(nil), changed...)
	sort.Strings(files)
	var problems []string
	totalChanged := 0
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		rel, ok := relativeTo(root, path)
		if !ok {
			problems = append(problems, fmt.Sprintf("%s: outside the workspace", path))
			continue
		}
		if !strings.HasPrefix(rel, subtree+"/") || filepath.Ext(rel) != ".lua" {
			problems = append(problems, fmt.Sprintf("%s: only .lua files under %s may be edited", rel, subtree))
			continue
		}
		for _, name := range protected {
			if rel == subtree+"/"+filepath.ToSlash(name) {
				problems = append(problems, fmt.Sprintf("%s: shared framework file may not be modified", rel))
			}
		}

		before, err := os.ReadFile(filepath.Join(v.TemplateRoot, filepath.FromSlash(rel)))
		if errors.Is(err, fs.ErrNotExist) {
			problems = append(problems, fmt.Sprintf("%s: new files are not allowed", rel))
			continue
		} else if err != nil {
			return Result{}, fmt.Errorf("read template %s: %w", rel, err)
		}
		after, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if errors.Is(err, fs.ErrNotExist) {
			problems = append(problems, fmt.Sprintf("%s: file was deleted", rel))
			continue
		} else if err != nil {
			return Result{}, fmt.Errorf("read %s: %w", rel, err)
		}

		if line, bad := luaSyntaxError(ctx, after); bad {
			problems = append(problems, fmt.Sprintf("%s: Lua syntax error near line %d", rel, line))
		}

		stats := diff.Summarize(string(before), string(after))
		totalChanged += stats.Changed()
		for _, p := range patterns {
			for _, added := range stats.New {
				if p.Expr.MatchString(stripLuaComment(added)) {
					problems = append(problems, fmt.Sprintf("%s: forbidden construct %s", rel, p.Name))
					break
				}
			}
		}
	}
	if totalChanged > maxLines {
		problems = append(problems, fmt.Sprintf("change too large: %d lines changed (limit %d)", totalChanged, maxLines))
	}

	res := Result{Valid: len(problems) == 0, Errors: problems}
	logger.Info("guardrails.validated", "files", len(files), "changed_lines", totalChanged, "valid", res.Valid, "problems", len(problems))
	return res, nil
}

func relativeTo(root, path string) (string, bool) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func stripLuaComment(line string) string {
	if idx := strings.Index(line, "--"); idx >= 0 {
		return line[:idx]
	}
	return line
}
