// Package engine assembles the edit pipeline from configuration and exposes
// it as RPC-style methods for the stdio surfaces.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"rotaforge/engine/internal/agent"
	"rotaforge/engine/internal/archive"
	"rotaforge/engine/internal/builder"
	"rotaforge/engine/internal/config"
	"rotaforge/engine/internal/gate"
	"rotaforge/engine/internal/guardrails"
	"rotaforge/engine/internal/history"
	"rotaforge/engine/internal/llm"
	"rotaforge/engine/internal/logging"
	"rotaforge/engine/internal/pipeline"
	"rotaforge/engine/internal/workspace"
)

const (
	EngineVersion = "0.1.0"
	APIVersion    = "1"
)

// Notifier pushes an asynchronous event to the connected client.
type Notifier func(method string, params any)

type Engine struct {
	cfg        *config.Config
	providerID string
	pipeline   *pipeline.Pipeline
	gate       *gate.Gate
	workspaces *workspace.Manager
	history    history.Store
	archive    *archive.Store
	notify     Notifier
	logger     *slog.Logger
	closers    []io.Closer
	override   options
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

type options struct {
	client llm.ToolClient
}

// WithToolClient replaces the configured reasoning provider.
func WithToolClient(client llm.ToolClient) Option {
	return func(e *Engine) {
		e.override.client = client
	}
}

func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("engine: nil config")
	}
	e := &Engine{cfg: cfg, logger: logging.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ValidateTemplate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	client := e.override.client
	e.providerID = "custom"
	if client == nil {
		var err error
		client, e.providerID, err = newToolClient(cfg)
		if err != nil {
			return nil, err
		}
	}

	store, err := e.openHistory()
	if err != nil {
		return nil, err
	}
	e.history = store

	systemPrompt := agent.DefaultSystemPrompt(cfg.Template.Subtree)
	if cfg.Agent.SystemPromptFile != "" {
		data, err := os.ReadFile(cfg.Agent.SystemPromptFile)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("read system prompt: %w", err)
		}
		systemPrompt = strings.ReplaceAll(string(data), "{{SUBTREE}}", cfg.Template.Subtree)
	}

	e.gate = gate.New()
	e.workspaces = workspace.NewManager(workspace.Config{
		TempRoot:        cfg.Workspace.TempRoot,
		Prefix:          cfg.Workspace.Prefix,
		TemplateRoot:    cfg.Template.Root,
		EditableSubtree: cfg.Template.Subtree,
		TemplateFiles:   cfg.Template.Files,
		OutputDir:       cfg.Template.Output,
	}, e.logger)

	deps := pipeline.Deps{
		Gate:       e.gate,
		Workspaces: e.workspaces,
		Agent: agent.New(agent.Config{
			Client:              client,
			APIKey:              cfg.Agent.APIKey,
			Model:               cfg.Agent.Model,
			MaxTurns:            cfg.Agent.MaxTurns,
			MaxToolCallsPerTurn: cfg.Agent.MaxToolCallsPerTurn,
			SystemPrompt:        systemPrompt,
		}, e.logger),
		Validator: &guardrails.PolicyValidator{
			TemplateRoot:    cfg.Template.Root,
			Subtree:         cfg.Template.Subtree,
			ProtectedFiles:  cfg.Guardrails.ProtectedFiles,
			MaxChangedLines: cfg.Guardrails.MaxChangedLines,
			Logger:          e.logger,
		},
		Builder: builder.New(builder.Config{
			Command:    cfg.Build.Command,
			Args:       cfg.Build.Args,
			RootEnv:    cfg.Build.RootEnv,
			OutputPath: cfg.Build.Output,
			Timeout:    cfg.Build.Timeout,
		}, e.logger),
		History: store,
		Prompts: guardrails.LengthValidator{Min: cfg.Guardrails.MinPrompt, Max: cfg.Guardrails.MaxPrompt},
		Limiter: guardrails.NewWindowLimiter(cfg.Guardrails.RateLimit, cfg.Guardrails.RateWindow),
		OnStage: e.stageChanged,
		Logger:  e.logger,
	}
	if cfg.Archive.Enabled {
		arch, err := archive.New(cfg.Archive.Dir, e.logger)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("open archive: %w", err)
		}
		e.archive = arch
		deps.Archive = arch
	}
	p, err := pipeline.New(deps, pipeline.Options{
		ArtifactName: artifactName(cfg.Build.Output),
		Subtree:      cfg.Template.Subtree,
		TemplateRoot: cfg.Template.Root,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	e.pipeline = p
	e.logger.Debug("engine.init",
		"data_dir", cfg.DataDir,
		"template_root", cfg.Template.Root,
		"provider", e.providerID,
		"model", cfg.Agent.Model,
		"history_backend", cfg.History.Backend,
		"archive", cfg.Archive.Enabled,
	)
	return e, nil
}

func (e *Engine) openHistory() (history.Store, error) {
	if e.cfg.History.Backend != config.HistorySQLite {
		return history.NewRing(e.cfg.History.Capacity), nil
	}
	store, err := history.OpenSQLite(e.cfg.History.Path, e.cfg.History.Capacity, e.logger)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	e.closers = append(e.closers, store)
	return store, nil
}

func (e *Engine) SetNotifier(notify Notifier) {
	e.notify = notify
}

func (e *Engine) ProviderID() string {
	return e.providerID
}

func (e *Engine) Pipeline() *pipeline.Pipeline {
	return e.pipeline
}

// StartReaper sweeps stale workspaces in the background until ctx ends.
func (e *Engine) StartReaper(ctx context.Context) {
	reaper := &workspace.Reaper{
		Manager:  e.workspaces,
		Interval: e.cfg.Workspace.ReapInterval,
		MaxAge:   e.cfg.Workspace.ReapMaxAge,
	}
	go reaper.Run(ctx)
}

// Submit runs one edit request through the pipeline.
func (e *Engine) Submit(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error) {
	return e.pipeline.Submit(ctx, req)
}

func (e *Engine) History(requesterID string) ([]history.Entry, error) {
	return e.history.List(requesterID)
}

// Reap removes workspaces older than maxAge, or the configured age when
// maxAge is zero.
func (e *Engine) Reap(maxAge time.Duration) ([]string, error) {
	if maxAge <= 0 {
		maxAge = e.cfg.Workspace.ReapMaxAge
	}
	return e.workspaces.ReapStale(maxAge)
}

func (e *Engine) Close() error {
	var errs []error
	for _, c := range e.closers {
		errs = append(errs, c.Close())
	}
	e.closers = nil
	return errors.Join(errs...)
}

func (e *Engine) stageChanged(req pipeline.Request, stage pipeline.Stage) {
	if e.notify == nil {
		return
	}
	e.notify("EditStageChanged", map[string]any{
		"request_id":   req.ID,
		"requester_id": req.RequesterID,
		"stage":        stage,
	})
}

func artifactName(output string) string {
	if i := strings.LastIndexAny(output, `/\`); i >= 0 {
		output = output[i+1:]
	}
	if output == "" {
		return pipeline.DefaultArtifactName
	}
	return output
}
