// Package agent drives the bounded tool-calling conversation that edits a
// workspace. The loop is an explicit state machine: Thinking asks the model
// for a turn, ToolUse executes the requested calls, and the run ends in Done,
// Exhausted or Failed.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"rotaforge/engine/internal/llm"
	"rotaforge/engine/internal/logging"
	"rotaforge/engine/internal/tools"
)

const (
	DefaultMaxTurns            = 10
	DefaultMaxToolCallsPerTurn = 50
)

var (
	ErrMaxTurnsExceeded = errors.New("max turns exceeded")
	ErrTransport        = errors.New("agent transport failed")
)

type State string

const (
	StateThinking  State = "thinking"
	StateToolUse   State = "tool_use"
	StateDone      State = "done"
	StateExhausted State = "exhausted"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool {
	return s == StateDone || s == StateExhausted || s == StateFailed
}

type Config struct {
	Client              llm.ToolClient
	APIKey              string
	Model               string
	MaxTurns            int
	MaxToolCallsPerTurn int
	SystemPrompt        string
}

// Task is one edit request against a provisioned workspace.
type Task struct {
	Root      string
	Subtree   string
	Prompt    string
	ClassHint string
}

type Result struct {
	Success      bool
	Summary      string
	FilesChanged []string
	Err          error
	State        State
	Turns        int
	ToolCalls    int
}

type Agent struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Agent {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.MaxToolCallsPerTurn <= 0 {
		cfg.MaxToolCallsPerTurn = DefaultMaxToolCallsPerTurn
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Agent{cfg: cfg, logger: logger.With("component", "agent")}
}

func (a *Agent) MaxTurns() int {
	return a.cfg.MaxTurns
}

// run holds the mutable state of a single Run call.
type run struct {
	agent    *Agent
	handler  *tools.Handler
	messages []llm.ChatMessage
	pending  []llm.ToolCall
	dropped  int
	result   Result
}

// Run executes the task until the model finishes, the turn budget runs out,
// or the reasoning service fails. Files edited before a failure stay edited.
func (a *Agent) Run(ctx context.Context, task Task) Result {
	if a.cfg.Client == nil {
		return Result{State: StateFailed, Err: fmt.Errorf("%w: no reasoning client configured", ErrTransport)}
	}
	handler, err := tools.NewHandler(task.Root, task.Subtree, a.logger)
	if err != nil {
		return Result{State: StateFailed, Err: fmt.Errorf("open workspace: %w", err)}
	}
	r := &run{
		agent:    a,
		handler:  handler,
		messages: a.initialMessages(task),
	}
	started := time.Now()
	a.logger.Info("agent.start",
		"max_turns", a.cfg.MaxTurns,
		"model", a.cfg.Model,
		"api_key", logging.RedactValue(a.cfg.APIKey),
		"class_hint", task.ClassHint,
	)

	state := StateThinking
	for !state.Terminal() {
		next := r.step(ctx, state)
		if next != state {
			a.logger.Debug("agent.transition", "from", state, "to", next, "turn", r.result.Turns)
		}
		state = next
	}

	r.result.State = state
	r.result.FilesChanged = handler.ChangedFiles()
	r.result.Success = state == StateDone
	if state == StateExhausted {
		r.result.Err = fmt.Errorf("%w: reached max turns (%d)", ErrMaxTurnsExceeded, a.cfg.MaxTurns)
	}
	a.logger.Info("agent.finish",
		"state", state,
		"turns", r.result.Turns,
		"tool_calls", r.result.ToolCalls,
		"files_changed", len(r.result.FilesChanged),
		"elapsed_ms", time.Since(started).Milliseconds(),
	)
	return r.result
}

func (r *run) step(ctx context.Context, state State) State {
	switch state {
	case StateThinking:
		return r.think(ctx)
	case StateToolUse:
		return r.useTools(ctx)
	default:
		return state
	}
}

func (r *run) think(ctx context.Context) State {
	a := r.agent
	if r.result.Turns >= a.cfg.MaxTurns {
		a.logger.Warn("agent.turns_exhausted", "max_turns", a.cfg.MaxTurns)
		return StateExhausted
	}
	turn := r.result.Turns
	r.result.Turns++
	a.logger.Info("agent.api_request", "turn", turn, "messages", len(r.messages))
	apiStart := time.Now()
	resp, err := a.cfg.Client.ChatWithTools(ctx, a.cfg.APIKey, a.cfg.Model, r.messages, tools.Definitions)
	if err != nil {
		a.logger.Warn("agent.api_error", "turn", turn, "model", a.cfg.Model, "error", err.Error())
		r.result.Err = fmt.Errorf("%w: %w", ErrTransport, err)
		return StateFailed
	}
	a.logger.Info("agent.api_response", "turn", turn,
		"elapsed_ms", time.Since(apiStart).Milliseconds(),
		"tool_call_count", len(resp.ToolCalls),
		"finish_reason", resp.FinishReason,
		"content_length", len(resp.Content),
	)

	if len(resp.ToolCalls) == 0 {
		r.result.Summary = strings.TrimSpace(resp.Content)
		return StateDone
	}

	calls := resp.ToolCalls
	r.dropped = 0
	if len(calls) > a.cfg.MaxToolCallsPerTurn {
		r.dropped = len(calls) - a.cfg.MaxToolCallsPerTurn
		calls = calls[:a.cfg.MaxToolCallsPerTurn]
		a.logger.Warn("agent.tool_calls_truncated", "turn", turn, "dropped", r.dropped)
	}
	r.messages = append(r.messages, llm.ChatMessage{
		Role:      llm.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: calls,
	})
	r.pending = calls
	return StateToolUse
}

func (r *run) useTools(ctx context.Context) State {
	a := r.agent
	for i, call := range r.pending {
		argsSummary := call.Function.Arguments
		if len(argsSummary) > 200 {
			argsSummary = argsSummary[:200] + "..."
		}
		a.logger.Info("agent.tool_start", "tool", call.Function.Name, "args_summary", argsSummary)

		toolStart := time.Now()
		out, err := r.handler.Execute(ctx, call)
		if err != nil {
			out = fmt.Sprintf("Error: %s", err.Error())
			a.logger.Warn("agent.tool_error", "tool", call.Function.Name, "error", err.Error())
		}
		if i == len(r.pending)-1 && r.dropped > 0 {
			out += fmt.Sprintf("\n\nNote: %d additional tool call(s) were not executed; at most %d calls run per turn.", r.dropped, a.cfg.MaxToolCallsPerTurn)
		}
		r.result.ToolCalls++
		a.logger.Info("agent.tool_complete", "tool", call.Function.Name,
			"elapsed_ms", time.Since(toolStart).Milliseconds(),
			"result_bytes", len(out),
		)
		r.messages = append(r.messages, llm.ChatMessage{
			Role:       llm.RoleTool,
			Content:    out,
			ToolCallID: call.ID,
			ToolName:   call.Function.Name,
		})
	}
	r.pending = nil
	r.dropped = 0
	return StateThinking
}

func (a *Agent) initialMessages(task Task) []llm.ChatMessage {
	system := a.cfg.SystemPrompt
	if strings.TrimSpace(system) == "" {
		system = DefaultSystemPrompt(task.Subtree)
	}
	return []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: UserPrompt(task.Prompt, task.ClassHint, task.Subtree)},
	}
}

// UserPrompt appends the class focus constraint when a hint is present.
func UserPrompt(prompt, classHint, subtree string) string {
	classHint = strings.TrimSpace(classHint)
	if classHint == "" {
		return prompt
	}
	if subtree == "" {
		subtree = "."
	}
	return fmt.Sprintf("%s\n\nFocus ONLY on the %s class files in %s/%s/.", prompt, classHint, subtree, classHint)
}
