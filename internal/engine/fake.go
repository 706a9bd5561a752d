package engine

import (
	"context"
	"encoding/json"
	"strings"

	"rotaforge/engine/internal/llm"
	"rotaforge/engine/internal/tools"
)

// Markers in a prompt steer the offline provider.
const (
	fakeEditMarker    = "[edit]"
	fakeNetworkMarker = "[network-error]"
	fakeEditComment   = " -- rotaforge"
)

// fakeClient is an offline provider for demos and end-to-end tests. It lists
// the Lua files and, when asked to edit, appends a comment to the first line
// of the last listed file.
type fakeClient struct{}

func newFakeClient() llm.ToolClient {
	return fakeClient{}
}

func (fakeClient) ChatWithTools(ctx context.Context, _, _ string, messages []llm.ChatMessage, _ []llm.Tool) (llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return llm.ChatResponse{}, err
	}
	prompt := firstUserMessage(messages)
	if strings.Contains(prompt, fakeNetworkMarker) {
		return llm.ChatResponse{}, llm.ErrUnavailable
	}
	last := messages[len(messages)-1]
	if last.Role != llm.RoleTool {
		return llm.ToolTurn(llm.Call("fake-list", tools.ListFiles, map[string]any{"pattern": "**/*.lua"})), nil
	}
	switch last.ToolName {
	case tools.ListFiles:
		path := lastLine(last.Content)
		if !strings.Contains(prompt, fakeEditMarker) || path == "" || last.Content == tools.NoFilesFound {
			return llm.Completion("No changes were needed."), nil
		}
		return llm.ToolTurn(llm.Call("fake-read", tools.ReadFile, map[string]any{"path": path})), nil
	case tools.ReadFile:
		line := firstLine(last.Content)
		if line == "" || strings.HasPrefix(last.Content, "Error:") {
			return llm.Completion("The file was empty; nothing to change."), nil
		}
		return llm.ToolTurn(llm.Call("fake-edit", tools.EditFile, map[string]any{
			"path":       readPath(messages),
			"old_string": line,
			"new_string": line + fakeEditComment,
		})), nil
	default:
		return llm.Completion("Applied the requested change."), nil
	}
}

func firstUserMessage(messages []llm.ChatMessage) string {
	for _, msg := range messages {
		if msg.Role == llm.RoleUser {
			return msg.Content
		}
	}
	return ""
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			return line
		}
	}
	return ""
}

func lastLine(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// readPath returns the path argument of the most recent read_file call.
func readPath(messages []llm.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		for _, call := range messages[i].ToolCalls {
			if call.Function.Name != tools.ReadFile {
				continue
			}
			var args struct {
				Path string `json:"path"`
			}
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err == nil {
				return args.Path
			}
		}
	}
	return ""
}
