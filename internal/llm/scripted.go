package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Scripted is a deterministic ToolClient that replays canned responses in
// order. Once the script is exhausted it repeats Fallback, or answers with a
// plain completion when Fallback is nil.
type Scripted struct {
	mu        sync.Mutex
	Responses []ChatResponse
	Errors    map[int]error
	Fallback  *ChatResponse
	calls     int
	requests  [][]ChatMessage
}

func NewScripted(responses ...ChatResponse) *Scripted {
	return &Scripted{Responses: responses}
}

func (s *Scripted) ChatWithTools(ctx context.Context, _ string, _ string, messages []ChatMessage, _ []Tool) (ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return ChatResponse{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++
	s.requests = append(s.requests, append([]ChatMessage{}, messages...))
	if err, ok := s.Errors[idx]; ok {
		return ChatResponse{}, err
	}
	if idx < len(s.Responses) {
		return s.Responses[idx], nil
	}
	if s.Fallback != nil {
		return *s.Fallback, nil
	}
	return ChatResponse{Content: "Done.", FinishReason: FinishStop}, nil
}

// Calls reports how many turns were requested.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Request returns the conversation sent on the given call.
func (s *Scripted) Request(i int) []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.requests) {
		return nil
	}
	return s.requests[i]
}

// Call builds a tool call with JSON-encoded arguments.
func Call(id, name string, args map[string]any) ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte("{}")
	}
	return ToolCall{
		ID:       id,
		Type:     "function",
		Function: ToolCallFunction{Name: name, Arguments: string(raw)},
	}
}

// ToolTurn is a response that requests the given tool calls.
func ToolTurn(calls ...ToolCall) ChatResponse {
	return ChatResponse{ToolCalls: calls, FinishReason: FinishToolCalls}
}

// Completion is a response that ends the conversation with text.
func Completion(format string, args ...any) ChatResponse {
	return ChatResponse{Content: fmt.Sprintf(format, args...), FinishReason: FinishStop}
}
