package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"rotaforge/engine/internal/llm"
	"rotaforge/engine/internal/logging"
	"rotaforge/engine/internal/sandbox"
)

const (
	ReadFile  = "read_file"
	EditFile  = "edit_file"
	ListFiles = "list_files"
)

// NoFilesFound is returned by list_files when nothing matches.
const NoFilesFound = "No files found."

// Definitions are the tools offered to the model on every turn.
var Definitions = []llm.Tool{
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        ReadFile,
			Description: "Read a Lua source file. Path relative to workspace root.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Relative path, e.g. \"source/aio/druid/cat.lua\""}
				},
				"required": ["path"]
			}`),
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        EditFile,
			Description: "Replace exact text in a file. old_string must match exactly. Read the file first.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "Relative path to the file"},
					"old_string": {"type": "string", "description": "Exact text to replace"},
					"new_string": {"type": "string", "description": "Replacement text"}
				},
				"required": ["path", "old_string", "new_string"]
			}`),
		},
	},
	{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        ListFiles,
			Description: "List files matching a glob pattern under the workspace.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"pattern": {"type": "string", "description": "Glob pattern, e.g. \"source/aio/**/*.lua\""}
				},
				"required": ["pattern"]
			}`),
		},
	},
}

// Handler executes tool calls against one workspace.
type Handler struct {
	sb      *sandbox.Sandbox
	logger  *slog.Logger
	mu      sync.Mutex
	changed map[string]struct{}
}

func NewHandler(root, subtree string, logger *slog.Logger) (*Handler, error) {
	sb, err := sandbox.New(root, subtree)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{
		sb:      sb,
		logger:  logger.With("component", "tools"),
		changed: make(map[string]struct{}),
	}, nil
}

// Execute runs one tool call. Errors are meant to be shown to the model, not
// to abort the conversation.
func (h *Handler) Execute(ctx context.Context, call llm.ToolCall) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var (
		out string
		err error
	)
	switch call.Function.Name {
	case ReadFile:
		out, err = h.readFile(call.Function.Arguments)
	case EditFile:
		out, err = h.editFile(call.Function.Arguments)
	case ListFiles:
		out, err = h.listFiles(call.Function.Arguments)
	default:
		err = fmt.Errorf("unknown tool: %s", call.Function.Name)
	}
	if err != nil {
		h.logger.Debug("tools.call_failed", "tool", call.Function.Name, "error", err.Error())
		return "", err
	}
	h.logger.Debug("tools.call_ok", "tool", call.Function.Name, "bytes", len(out))
	return out, nil
}

// ChangedFiles returns the absolute, symlink-resolved paths of every
// successful edit, sorted.
func (h *Handler) ChangedFiles() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.changed))
	for path := range h.changed {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

func (h *Handler) readFile(argsJSON string) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Path == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := h.sb.ReadFile(args.Path)
	if err != nil {
		return "", describe(args.Path, err)
	}
	return string(data), nil
}

func (h *Handler) editFile(argsJSON string) (string, error) {
	var args struct {
		Path      string  `json:"path"`
		OldString *string `json:"old_string"`
		NewString *string `json:"new_string"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if args.Path == "" {
		return "", fmt.Errorf("path is required")
	}
	if args.OldString == nil || *args.OldString == "" {
		return "", fmt.Errorf("old_string is required")
	}
	if args.NewString == nil {
		return "", fmt.Errorf("new_string is required")
	}
	key, err := h.sb.Canonical(args.Path)
	if err != nil {
		return "", describe(args.Path, err)
	}
	data, err := h.sb.ReadFile(args.Path)
	if err != nil {
		return "", describe(args.Path, err)
	}
	content := string(data)
	count := strings.Count(content, *args.OldString)
	if count == 0 {
		return "", fmt.Errorf("old_string not found in %s. Read the file first to get the exact text.", args.Path)
	}
	updated := strings.Replace(content, *args.OldString, *args.NewString, 1)
	if err := h.sb.WriteFile(args.Path, []byte(updated)); err != nil {
		return "", describe(args.Path, err)
	}
	h.mu.Lock()
	h.changed[key] = struct{}{}
	h.mu.Unlock()
	if count > 1 {
		return fmt.Sprintf("Successfully edited %s (old_string occurs %d times; only the first occurrence was replaced)", args.Path, count), nil
	}
	return fmt.Sprintf("Successfully edited %s", args.Path), nil
}

func (h *Handler) listFiles(argsJSON string) (string, error) {
	var args struct {
		Pattern string `json:"pattern"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if strings.TrimSpace(args.Pattern) == "" {
		return "", fmt.Errorf("pattern is required")
	}
	matches, err := h.sb.Glob(args.Pattern)
	if err != nil {
		return "", describe(args.Pattern, err)
	}
	if len(matches) == 0 {
		return NoFilesFound, nil
	}
	return strings.Join(matches, "\n"), nil
}

// pathError keeps the sandbox sentinel reachable while giving the model a
// short message.
type pathError struct {
	msg string
	err error
}

func (e *pathError) Error() string { return e.msg }
func (e *pathError) Unwrap() error { return e.err }

func describe(path string, err error) error {
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		return &pathError{msg: "file not found: " + path, err: err}
	case errors.Is(err, sandbox.ErrPathTraversal):
		return &pathError{msg: "path traversal blocked: " + path, err: err}
	default:
		return err
	}
}
