package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rotaforge/engine/internal/egress"
	"rotaforge/engine/internal/llm"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultVersion   = "2023-06-01"
	defaultMaxTokens = 4096
	defaultTimeout   = 120 * time.Second
)

const ProviderID = "anthropic"

type Options struct {
	BaseURL   string
	MaxTokens int
	Timeout   time.Duration
	// HTTPClient replaces the egress-restricted default client.
	HTTPClient *http.Client
}

// Client implements the Anthropic Messages API for tool-calling turns.
type Client struct {
	baseURL   string
	maxTokens int
	client    *http.Client
}

func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := egress.NewAllowlistRoundTripper(http.DefaultTransport, []string{"api.anthropic.com"})
		httpClient = &http.Client{Timeout: opts.Timeout, Transport: transport}
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		maxTokens: opts.MaxTokens,
		client:    httpClient,
	}
}

// ChatWithTools sends one turn. The system prompt and the last tool carry
// ephemeral cache markers so repeated turns reuse the cached prefix.
func (c *Client) ChatWithTools(ctx context.Context, apiKey, model string, messages []llm.ChatMessage, tools []llm.Tool) (llm.ChatResponse, error) {
	anthropicMessages, systemPrompt := toAnthropicMessages(messages)
	payload := map[string]any{
		"model":      model,
		"max_tokens": c.maxTokens,
		"messages":   anthropicMessages,
	}
	if systemPrompt != "" {
		payload["system"] = []anthropicContent{{
			Type:         "text",
			Text:         systemPrompt,
			CacheControl: ephemeral(),
		}}
	}
	if len(tools) > 0 {
		payload["tools"] = toAnthropicTools(tools)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return llm.ChatResponse{}, err
	}
	respBody, err := c.post(ctx, apiKey, body)
	if err != nil {
		return llm.ChatResponse{}, err
	}
	var response anthropicResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		return llm.ChatResponse{}, fmt.Errorf("decode anthropic response: %w", err)
	}
	text, toolCalls := extractTools(response.Content)
	if text == "" && len(toolCalls) == 0 && response.StopReason == "" {
		return llm.ChatResponse{}, errors.New("anthropic empty response")
	}
	return llm.ChatResponse{
		Content:      text,
		ToolCalls:    toolCalls,
		FinishReason: finishReason(response.StopReason, len(toolCalls)),
	}, nil
}

func (c *Client) post(ctx context.Context, apiKey string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", defaultVersion)
	req.Header.Set("content-type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, llm.ErrEgressBlocked) {
			return nil, llm.ErrEgressBlocked
		}
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, llm.ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, llm.ErrRateLimited
	case resp.StatusCode >= 500:
		return nil, llm.ErrUnavailable
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("anthropic error: %s - %s", resp.Status, strings.TrimSpace(string(errorBody)))
	}
	return io.ReadAll(resp.Body)
}

type cacheControl struct {
	Type string `json:"type"`
}

func ephemeral() *cacheControl {
	return &cacheControl{Type: "ephemeral"}
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type         string        `json:"type"`
	Text         string        `json:"text,omitempty"`
	ID           string        `json:"id,omitempty"`
	Name         string        `json:"name,omitempty"`
	Input        any           `json:"input,omitempty"`
	ToolUseID    string        `json:"tool_use_id,omitempty"`
	Content      string        `json:"content,omitempty"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type anthropicTool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema"`
	CacheControl *cacheControl   `json:"cache_control,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
}

// toAnthropicMessages lifts system messages into the top-level prompt and
// folds consecutive tool results into a single user turn.
func toAnthropicMessages(chat []llm.ChatMessage) ([]anthropicMessage, string) {
	var messages []anthropicMessage
	var systemParts []string
	for _, msg := range chat {
		switch strings.ToLower(strings.TrimSpace(msg.Role)) {
		case llm.RoleSystem:
			if text := strings.TrimSpace(msg.Content); text != "" {
				systemParts = append(systemParts, text)
			}
		case llm.RoleTool:
			result := anthropicContent{
				Type:      "tool_result",
				ToolUseID: msg.ToolCallID,
				Content:   msg.Content,
			}
			if n := len(messages); n > 0 && messages[n-1].Role == llm.RoleUser && isToolResults(messages[n-1]) {
				messages[n-1].Content = append(messages[n-1].Content, result)
				continue
			}
			messages = append(messages, anthropicMessage{Role: llm.RoleUser, Content: []anthropicContent{result}})
		default:
			var content []anthropicContent
			if msg.Content != "" {
				content = append(content, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				input := map[string]any{}
				if call.Function.Arguments != "" {
					_ = json.Unmarshal([]byte(call.Function.Arguments), &input)
				}
				content = append(content, anthropicContent{
					Type:  "tool_use",
					ID:    call.ID,
					Name:  call.Function.Name,
					Input: input,
				})
			}
			messages = append(messages, anthropicMessage{
				Role:    strings.ToLower(strings.TrimSpace(msg.Role)),
				Content: content,
			})
		}
	}
	return messages, strings.Join(systemParts, "\n\n")
}

func isToolResults(msg anthropicMessage) bool {
	for _, item := range msg.Content {
		if item.Type != "tool_result" {
			return false
		}
	}
	return len(msg.Content) > 0
}

func toAnthropicTools(tools []llm.Tool) []anthropicTool {
	result := make([]anthropicTool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, anthropicTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: tool.Function.Parameters,
		})
	}
	if n := len(result); n > 0 {
		result[n-1].CacheControl = ephemeral()
	}
	return result
}

func finishReason(stopReason string, toolCalls int) string {
	switch stopReason {
	case "tool_use":
		return llm.FinishToolCalls
	case "max_tokens":
		return llm.FinishLength
	case "end_turn", "stop_sequence":
		return llm.FinishStop
	}
	if toolCalls > 0 {
		return llm.FinishToolCalls
	}
	return llm.FinishStop
}

func extractTools(contents []anthropicContent) (string, []llm.ToolCall) {
	var buf bytes.Buffer
	var calls []llm.ToolCall
	for _, item := range contents {
		switch item.Type {
		case "text":
			if buf.Len() > 0 && item.Text != "" {
				buf.WriteString("\n")
			}
			buf.WriteString(item.Text)
		case "tool_use":
			args, _ := json.Marshal(item.Input)
			calls = append(calls, llm.ToolCall{
				ID:   item.ID,
				Type: "function",
				Function: llm.ToolCallFunction{
					Name:      item.Name,
					Arguments: string(args),
				},
			})
		}
	}
	return buf.String(), calls
}
