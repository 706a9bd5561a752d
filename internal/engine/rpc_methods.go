package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"rotaforge/engine/internal/errinfo"
	"rotaforge/engine/internal/history"
	"rotaforge/engine/internal/pipeline"
)

type EditResult struct {
	RequestID    string                `json:"request_id"`
	Status       history.Status        `json:"status"`
	Stage        pipeline.Stage        `json:"stage"`
	Message      string                `json:"message"`
	Summary      string                `json:"summary,omitempty"`
	Errors       []string              `json:"errors,omitempty"`
	FilesChanged []string              `json:"files_changed,omitempty"`
	Changes      []pipeline.FileChange `json:"changes,omitempty"`
	Artifact     *ArtifactPayload      `json:"artifact,omitempty"`
	DurationMs   int64                 `json:"duration_ms"`
	Error        *errinfo.ErrorInfo    `json:"error,omitempty"`
}

type ArtifactPayload struct {
	Name        string `json:"name"`
	Content     string `json:"content"`
	Bytes       int    `json:"bytes"`
	ArchivePath string `json:"archive_path,omitempty"`
}

type GateStatus struct {
	Busy        bool      `json:"busy"`
	RequesterID string    `json:"requester_id,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	ElapsedMs   int64     `json:"elapsed_ms,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
}

func (e *Engine) EngineGetInfo(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	return map[string]any{
		"engine_version": EngineVersion,
		"api_version":    APIVersion,
		"provider_id":    e.providerID,
		"model":          e.cfg.Agent.Model,
		"template_root":  e.cfg.Template.Root,
		"subtree":        e.cfg.Template.Subtree,
		"max_turns":      e.cfg.Agent.MaxTurns,
	}, nil
}

func (e *Engine) EditSubmit(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		RequesterID string `json:"requester_id"`
		Prompt      string `json:"prompt"`
		ClassHint   string `json:"class_hint"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.InvalidParams("invalid params")
	}
	if strings.TrimSpace(req.RequesterID) == "" {
		return nil, errinfo.InvalidParams("requester_id is required")
	}
	out, err := e.Submit(ctx, pipeline.Request{
		RequesterID: req.RequesterID,
		Prompt:      req.Prompt,
		ClassHint:   req.ClassHint,
	})
	if err != nil {
		info := pipeline.Describe(err, errinfo.PhaseAdmission, e.providerID)
		info.RequesterID = req.RequesterID
		if out.RequestID != "" {
			info.RequestID = out.RequestID
		}
		return nil, info
	}
	return e.EditResult(out), nil
}

// EditResult converts an outcome to its wire form.
func (e *Engine) EditResult(out pipeline.Outcome) EditResult {
	res := EditResult{
		RequestID:    out.RequestID,
		Status:       out.Status,
		Stage:        out.Stage,
		Message:      out.Message,
		Summary:      out.Summary,
		Errors:       out.Errors,
		FilesChanged: out.FilesChanged,
		Changes:      out.Changes,
		DurationMs:   out.Duration.Milliseconds(),
		Error:        out.Info(e.providerID),
	}
	if out.Artifact != nil {
		res.Artifact = &ArtifactPayload{
			Name:        out.Artifact.Name,
			Content:     string(out.Artifact.Data),
			Bytes:       len(out.Artifact.Data),
			ArchivePath: out.Artifact.ArchivePath,
		}
	}
	return res
}

func (e *Engine) HistoryGet(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		RequesterID string `json:"requester_id"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, errinfo.InvalidParams("invalid params")
	}
	if strings.TrimSpace(req.RequesterID) == "" {
		return nil, errinfo.InvalidParams("requester_id is required")
	}
	entries, err := e.History(req.RequesterID)
	if err != nil {
		e.logger.Error("engine.history_failed", "error", err.Error())
		return nil, errinfo.Unexpected("", err.Error())
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return map[string]any{
		"requester_id": req.RequesterID,
		"capacity":     e.cfg.History.Capacity,
		"entries":      entries,
	}, nil
}

func (e *Engine) GateStatus(ctx context.Context, _ json.RawMessage) (any, *errinfo.ErrorInfo) {
	return e.Status(), nil
}

// Status reports the in-flight request, if any.
func (e *Engine) Status() GateStatus {
	token, busy := e.gate.Current()
	if !busy {
		return GateStatus{}
	}
	return GateStatus{
		Busy:        true,
		RequesterID: token.RequesterID,
		StartedAt:   token.StartedAt,
		ElapsedMs:   time.Since(token.StartedAt).Milliseconds(),
		Prompt:      token.Prompt,
	}
}

func (e *Engine) WorkspaceReap(ctx context.Context, params json.RawMessage) (any, *errinfo.ErrorInfo) {
	var req struct {
		MaxAgeSeconds int `json:"max_age_seconds"`
	}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, errinfo.InvalidParams("invalid params")
		}
	}
	if req.MaxAgeSeconds < 0 {
		return nil, errinfo.InvalidParams("max_age_seconds must not be negative")
	}
	removed, err := e.Reap(time.Duration(req.MaxAgeSeconds) * time.Second)
	if err != nil {
		e.logger.Error("engine.reap_failed", "error", err.Error())
		return nil, errinfo.Unexpected(errinfo.PhaseWorkspace, err.Error())
	}
	if removed == nil {
		removed = []string{}
	}
	return map[string]any{"removed": removed}, nil
}
