// Package pipeline runs one admitted edit request end to end: workspace,
// agent edit, change validation, build and delivery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"rotaforge/engine/internal/agent"
	"rotaforge/engine/internal/builder"
	"rotaforge/engine/internal/diff"
	"rotaforge/engine/internal/gate"
	"rotaforge/engine/internal/guardrails"
	"rotaforge/engine/internal/history"
	"rotaforge/engine/internal/logging"
	"rotaforge/engine/internal/workspace"
)

var ErrUnexpected = errors.New("unexpected pipeline failure")

const (
	DefaultMaxSummary   = 1800
	DefaultMaxError     = 1500
	DefaultArtifactName = "TellMeWhen.lua"
	DefaultSubtree      = "source/aio"

	truncatedSuffix = "... (truncated)"
	emptyText       = "(no output)"
)

type Stage string

const (
	StageAdmitted       Stage = "admitted"
	StageWorkspaceReady Stage = "workspace_ready"
	StageEdited         Stage = "edited"
	StageValidated      Stage = "validated"
	StageBuilt          Stage = "built"
	StageDelivered      Stage = "delivered"
)

type Request struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requester_id"`
	SubmittedAt time.Time `json:"submitted_at"`
	Prompt      string    `json:"prompt"`
	ClassHint   string    `json:"class_hint,omitempty"`
}

type Artifact struct {
	Name string `json:"name"`
	Data []byte `json:"-"`
	// ArchivePath is set when a compressed copy was kept.
	ArchivePath string `json:"archive_path,omitempty"`
}

// FileChange is the line delta of one edited file against the template.
type FileChange struct {
	Path    string `json:"path"`
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
}

// Outcome is the terminal result of a submitted request. Stage is the last
// stage the request reached.
type Outcome struct {
	RequestID    string         `json:"request_id"`
	Status       history.Status `json:"status"`
	Stage        Stage          `json:"stage"`
	Message      string         `json:"message"`
	Summary      string         `json:"summary,omitempty"`
	Errors       []string       `json:"errors,omitempty"`
	FilesChanged []string       `json:"files_changed,omitempty"`
	Changes      []FileChange   `json:"changes,omitempty"`
	Artifact     *Artifact      `json:"artifact,omitempty"`
	Duration     time.Duration  `json:"duration_ms"`
	Err          error          `json:"-"`
}

type Workspaces interface {
	Provision(ctx context.Context) (*workspace.Workspace, error)
	Dispose(ws *workspace.Workspace)
}

type Editor interface {
	Run(ctx context.Context, task agent.Task) agent.Result
}

type Builder interface {
	Run(ctx context.Context, root string) builder.Result
}

type Archiver interface {
	Save(requestID, name string, data []byte) (string, error)
}

type Deps struct {
	Gate       *gate.Gate
	Workspaces Workspaces
	Agent      Editor
	Validator  guardrails.ChangeValidator
	Builder    Builder
	History    history.Store
	// Optional.
	Prompts guardrails.PromptValidator
	Limiter guardrails.RateLimiter
	Archive Archiver
	// OnStage is called after every stage transition.
	OnStage func(req Request, stage Stage)
	Logger  *slog.Logger
	Now     func() time.Time
}

type Options struct {
	MaxSummary   int
	MaxError     int
	ArtifactName string
	Subtree      string
	// TemplateRoot enables per-file line deltas in outcomes.
	TemplateRoot string
}

type Pipeline struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

func New(deps Deps, opts Options) (*Pipeline, error) {
	switch {
	case deps.Gate == nil:
		return nil, errors.New("pipeline: gate is required")
	case deps.Workspaces == nil:
		return nil, errors.New("pipeline: workspace manager is required")
	case deps.Agent == nil:
		return nil, errors.New("pipeline: agent is required")
	case deps.Validator == nil:
		return nil, errors.New("pipeline: change validator is required")
	case deps.Builder == nil:
		return nil, errors.New("pipeline: builder is required")
	case deps.History == nil:
		return nil, errors.New("pipeline: history store is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.MaxSummary <= 0 {
		opts.MaxSummary = DefaultMaxSummary
	}
	if opts.MaxError <= 0 {
		opts.MaxError = DefaultMaxError
	}
	if opts.ArtifactName == "" {
		opts.ArtifactName = DefaultArtifactName
	}
	if opts.Subtree == "" {
		opts.Subtree = DefaultSubtree
	}
	return &Pipeline{deps: deps, opts: opts, logger: deps.Logger.With("component", "pipeline")}, nil
}

func (p *Pipeline) Gate() *gate.Gate {
	return p.deps.Gate
}

func (p *Pipeline) History() history.Store {
	return p.deps.History
}

// Submit runs req to completion. Prompt, rate and admission rejections are
// returned as errors and leave no history entry; every admitted request
// yields an Outcome that is recorded before Submit returns.
func (p *Pipeline) Submit(ctx context.Context, req Request) (Outcome, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = p.deps.Now()
	}
	logger := p.logger.With("request_id", req.ID, "requester_id", req.RequesterID)

	if p.deps.Prompts != nil {
		if err := p.deps.Prompts.ValidatePrompt(req.Prompt, req.ClassHint); err != nil {
			logger.Info("pipeline.prompt_rejected", "error", err.Error())
			return Outcome{RequestID: req.ID}, err
		}
	}
	if p.deps.Limiter != nil {
		if err := p.deps.Limiter.Allow(req.RequesterID, req.SubmittedAt); err != nil {
			logger.Info("pipeline.rate_limited", "error", err.Error())
			return Outcome{RequestID: req.ID}, err
		}
	}
	token, err := p.deps.Gate.TryAdmit(req.RequesterID, req.Prompt)
	if err != nil {
		logger.Info("pipeline.admission_rejected", "error", err.Error())
		return Outcome{RequestID: req.ID}, err
	}
	defer p.deps.Gate.Release(token)
	logger.Info("pipeline.admitted", "token_id", token.ID, "class_hint", req.ClassHint, "prompt_chars", len(req.Prompt))
	p.notify(req, StageAdmitted)

	started := p.deps.Now()
	out := p.execute(ctx, req, logger)
	out.RequestID = req.ID
	out.Duration = p.deps.Now().Sub(started)

	entry := history.Entry{
		Timestamp: p.deps.Now(),
		Prompt:    req.Prompt,
		Status:    out.Status,
		Summary:   p.historySummary(out),
	}
	if err := p.deps.History.Append(req.RequesterID, entry); err != nil {
		logger.Warn("pipeline.history_failed", "error", err.Error())
	}
	logger.Info("pipeline.finished", "status", out.Status, "stage", out.Stage, "duration_ms", out.Duration.Milliseconds())
	return out, nil
}

func (p *Pipeline) execute(ctx context.Context, req Request, logger *slog.Logger) (out Outcome) {
	stage := StageAdmitted
	var ws *workspace.Workspace
	defer func() {
		if ws != nil {
			p.deps.Workspaces.Dispose(ws)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("pipeline.panic", "stage", stage, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			out = p.unexpected(stage, fmt.Errorf("%w: %v", ErrUnexpected, r))
		}
	}()

	provisioned, err := p.deps.Workspaces.Provision(ctx)
	if err != nil {
		logger.Warn("pipeline.stage_failed", "stage", stage, "error", err.Error())
		return p.unexpected(stage, err)
	}
	ws = provisioned
	stage = StageWorkspaceReady
	logger.Info("pipeline.stage", "stage", stage, "root", ws.Root)
	p.notify(req, stage)

	res := p.deps.Agent.Run(ctx, agent.Task{
		Root:      ws.Root,
		Subtree:   p.opts.Subtree,
		Prompt:    req.Prompt,
		ClassHint: req.ClassHint,
	})
	if !res.Success {
		err := res.Err
		if err == nil {
			err = fmt.Errorf("%w: agent stopped in state %s", ErrUnexpected, res.State)
		}
		logger.Warn("pipeline.stage_failed", "stage", stage, "agent_state", res.State, "files_changed", len(res.FilesChanged), "error", err.Error())
		text := Truncate(err.Error(), p.opts.MaxError)
		return Outcome{
			Status:       history.StatusError,
			Stage:        stage,
			Message:      "Could not complete the edit:\n" + text,
			Summary:      text,
			FilesChanged: relPaths(ws.Root, res.FilesChanged),
			Err:          err,
		}
	}
	stage = StageEdited
	summary := Truncate(res.Summary, p.opts.MaxSummary)
	changed := relPaths(ws.Root, res.FilesChanged)
	if len(res.FilesChanged) == 0 {
		logger.Info("pipeline.no_changes", "turns", res.Turns)
		return Outcome{
			Status:  history.StatusNoChanges,
			Stage:   stage,
			Message: "No files were modified. The assistant said:\n" + summary,
			Summary: summary,
		}
	}
	changes := p.changes(ws.Root, changed, logger)
	logger.Info("pipeline.stage", "stage", stage, "files_changed", len(changed), "turns", res.Turns, "tool_calls", res.ToolCalls)
	p.notify(req, stage)

	verdict, err := p.deps.Validator.ValidateChanges(ctx, ws.Root, res.FilesChanged)
	if err != nil {
		logger.Warn("pipeline.stage_failed", "stage", stage, "error", err.Error())
		return p.unexpected(stage, err)
	}
	if !verdict.Valid {
		logger.Info("pipeline.rejected", "problems", len(verdict.Errors))
		lines := make([]string, 0, len(verdict.Errors))
		for _, e := range verdict.Errors {
			lines = append(lines, "- "+e)
		}
		return Outcome{
			Status:       history.StatusRejected,
			Stage:        stage,
			Message:      "Safety check failed:\n" + strings.Join(lines, "\n"),
			Summary:      summary,
			Errors:       verdict.Errors,
			FilesChanged: changed,
			Changes:      changes,
			Err:          fmt.Errorf("%w: %s", guardrails.ErrRejected, strings.Join(verdict.Errors, ", ")),
		}
	}
	stage = StageValidated
	p.notify(req, stage)

	build := p.deps.Builder.Run(ctx, ws.Root)
	if !build.Success {
		text := Truncate(build.ErrorText, p.opts.MaxError)
		err := build.Err
		if err == nil {
			err = builder.ErrBuildFailed
		}
		logger.Warn("pipeline.stage_failed", "stage", stage, "error", err.Error())
		return Outcome{
			Status:       history.StatusBuildFailed,
			Stage:        stage,
			Message:      "Build failed after the edits:\n" + text,
			Summary:      text,
			Errors:       []string{text},
			FilesChanged: changed,
			Changes:      changes,
			Err:          err,
		}
	}
	stage = StageBuilt
	p.notify(req, stage)

	data, err := os.ReadFile(build.OutputPath)
	if err != nil {
		logger.Warn("pipeline.stage_failed", "stage", stage, "error", err.Error())
		return p.unexpected(stage, fmt.Errorf("read artifact: %w", err))
	}
	artifact := &Artifact{Name: p.opts.ArtifactName, Data: data}
	if p.deps.Archive != nil {
		path, err := p.deps.Archive.Save(req.ID, artifact.Name, data)
		if err != nil {
			logger.Warn("pipeline.archive_failed", "error", err.Error())
		} else {
			artifact.ArchivePath = path
		}
	}
	stage = StageDelivered
	logger.Info("pipeline.delivered", "artifact", artifact.Name, "bytes", len(data))
	p.notify(req, stage)
	return Outcome{
		Status:       history.StatusSuccess,
		Stage:        stage,
		Message:      "Done! Here's your customized rotation.\n\n" + summary,
		Summary:      summary,
		FilesChanged: changed,
		Changes:      changes,
		Artifact:     artifact,
	}
}

func (p *Pipeline) notify(req Request, stage Stage) {
	if p.deps.OnStage != nil {
		p.deps.OnStage(req, stage)
	}
}

func (p *Pipeline) unexpected(stage Stage, err error) Outcome {
	return Outcome{
		Status:  history.StatusError,
		Stage:   stage,
		Message: "An unexpected error occurred while processing your request.",
		Summary: Truncate(err.Error(), p.opts.MaxError),
		Err:     err,
	}
}

func (p *Pipeline) historySummary(out Outcome) string {
	if out.Status == history.StatusRejected {
		return strings.Join(out.Errors, ", ")
	}
	return out.Summary
}

// changes reports per-file line deltas against the template tree. Files
// missing from the template are reported as fully added.
func (p *Pipeline) changes(root string, rel []string, logger *slog.Logger) []FileChange {
	if p.opts.TemplateRoot == "" {
		return nil
	}
	out := make([]FileChange, 0, len(rel))
	for _, path := range rel {
		before, _ := os.ReadFile(filepath.Join(p.opts.TemplateRoot, filepath.FromSlash(path)))
		after, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(path)))
		if err != nil {
			logger.Debug("pipeline.diff_skipped", "path", path, "error", err.Error())
			continue
		}
		stats := diff.Summarize(string(before), string(after))
		out = append(out, FileChange{Path: path, Added: stats.Added, Removed: stats.Removed})
	}
	return out
}

// Truncate shortens s to at most limit bytes, marking the cut.
func Truncate(s string, limit int) string {
	if s == "" {
		return emptyText
	}
	if len(s) <= limit {
		return s
	}
	cut := limit - len(truncatedSuffix)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedSuffix
}

func relPaths(root string, abs []string) []string {
	if len(abs) == 0 {
		return nil
	}
	out := make([]string, 0, len(abs))
	for _, path := range abs {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}
