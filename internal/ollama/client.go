// Package ollama runs edit turns against a local Ollama server using its
// native tool-calling chat endpoint.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"

	"rotaforge/engine/internal/egress"
	"rotaforge/engine/internal/llm"
)

const (
	ProviderID     = "ollama"
	DefaultBaseURL = "http://127.0.0.1:11434"
	defaultTimeout = 300 * time.Second
)

type Options struct {
	BaseURL     string
	Timeout     time.Duration
	NumCtx      int
	Temperature float64
}

type Client struct {
	api  *ollama.Client
	opts Options
}

// NewClient connects to a local Ollama server. Only loopback addresses are
// reachable through the client's transport.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.NumCtx <= 0 {
		opts.NumCtx = 16384
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	httpClient := &http.Client{
		Timeout:   opts.Timeout,
		Transport: egress.NewLoopbackRoundTripper(http.DefaultTransport),
	}
	return &Client{api: ollama.NewClient(base, httpClient), opts: opts}, nil
}

// wireMessage mirrors the /api/chat message schema.
type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
}

type wireToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func (c *Client) ChatWithTools(ctx context.Context, _ string, model string, messages []llm.ChatMessage, tools []llm.Tool) (llm.ChatResponse, error) {
	req, err := c.buildRequest(model, messages, tools)
	if err != nil {
		return llm.ChatResponse{}, err
	}

	var (
		content   strings.Builder
		toolCalls []llm.ToolCall
		done      string
	)
	err = c.api.Chat(ctx, req, func(resp ollama.ChatResponse) error {
		raw, err := json.Marshal(resp.Message)
		if err != nil {
			return err
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return err
		}
		content.WriteString(msg.Content)
		for _, call := range msg.ToolCalls {
			args := string(call.Function.Arguments)
			if args == "" || args == "null" {
				args = "{}"
			}
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:       fmt.Sprintf("call_%d", len(toolCalls)+1),
				Type:     "function",
				Function: llm.ToolCallFunction{Name: call.Function.Name, Arguments: args},
			})
		}
		if resp.Done {
			done = resp.DoneReason
		}
		return nil
	})
	if err != nil {
		return llm.ChatResponse{}, mapError(err)
	}

	finish := llm.FinishStop
	switch {
	case len(toolCalls) > 0:
		finish = llm.FinishToolCalls
	case done == "length":
		finish = llm.FinishLength
	}
	return llm.ChatResponse{
		Content:      strings.TrimSpace(content.String()),
		ToolCalls:    toolCalls,
		FinishReason: finish,
	}, nil
}

func (c *Client) buildRequest(model string, messages []llm.ChatMessage, tools []llm.Tool) (*ollama.ChatRequest, error) {
	wire := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		out := wireMessage{Role: msg.Role, Content: msg.Content}
		if msg.Role == llm.RoleTool {
			out.ToolName = msg.ToolName
		}
		for _, call := range msg.ToolCalls {
			var wc wireToolCall
			wc.Function.Name = call.Function.Name
			wc.Function.Arguments = json.RawMessage(call.Function.Arguments)
			if !json.Valid(wc.Function.Arguments) {
				wc.Function.Arguments = json.RawMessage("{}")
			}
			out.ToolCalls = append(out.ToolCalls, wc)
		}
		wire = append(wire, out)
	}
	wireTools := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		wireTools = append(wireTools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Function.Name,
				"description": tool.Function.Description,
				"parameters":  tool.Function.Parameters,
			},
		})
	}
	payload := map[string]any{
		"model":    model,
		"messages": wire,
		"stream":   false,
		"options": map[string]any{
			"num_ctx":     c.opts.NumCtx,
			"temperature": c.opts.Temperature,
		},
	}
	if len(wireTools) > 0 {
		payload["tools"] = wireTools
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var req ollama.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("build ollama request: %w", err)
	}
	return &req, nil
}

func mapError(err error) error {
	if errors.Is(err, llm.ErrEgressBlocked) {
		return llm.ErrEgressBlocked
	}
	var status ollama.StatusError
	if errors.As(err, &status) {
		switch {
		case status.StatusCode == http.StatusUnauthorized || status.StatusCode == http.StatusForbidden:
			return llm.ErrUnauthorized
		case status.StatusCode == http.StatusTooManyRequests:
			return llm.ErrRateLimited
		case status.StatusCode >= 500:
			return fmt.Errorf("%w: %s", llm.ErrUnavailable, status.ErrorMessage)
		}
	}
	return fmt.Errorf("ollama chat failed: %w", err)
}
