// Package mcpserver exposes the edit pipeline as Model Context Protocol
// tools.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"rotaforge/engine/internal/engine"
	"rotaforge/engine/internal/errinfo"
	"rotaforge/engine/internal/gate"
	"rotaforge/engine/internal/history"
	"rotaforge/engine/internal/logging"
	"rotaforge/engine/internal/pipeline"
)

const (
	ToolSubmitEdit = "submit_edit"
	ToolGetHistory = "get_history"
	ToolGateStatus = "gate_status"
)

type Backend interface {
	Submit(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
	History(requesterID string) ([]history.Entry, error)
	Status() engine.GateStatus
	ProviderID() string
}

type SubmitInput struct {
	RequesterID string `json:"requester_id" jsonschema:"stable identifier of the person asking for the edit"`
	Prompt      string `json:"prompt" jsonschema:"natural-language description of the rotation change"`
	ClassHint   string `json:"class_hint,omitempty" jsonschema:"optional class directory to focus on, e.g. druid"`
}

type SubmitOutput struct {
	RequestID    string   `json:"request_id"`
	Status       string   `json:"status"`
	Stage        string   `json:"stage"`
	Message      string   `json:"message"`
	FilesChanged []string `json:"files_changed,omitempty"`
	ArtifactName string   `json:"artifact_name,omitempty"`
	Artifact     string   `json:"artifact,omitempty"`
	ErrorCode    string   `json:"error_code,omitempty"`
}

type HistoryInput struct {
	RequesterID string `json:"requester_id" jsonschema:"requester whose recent outcomes to list"`
}

type HistoryEntry struct {
	Timestamp string `json:"timestamp"`
	Prompt    string `json:"prompt"`
	Status    string `json:"status"`
	Summary   string `json:"summary"`
}

type HistoryOutput struct {
	RequesterID string         `json:"requester_id"`
	Entries     []HistoryEntry `json:"entries"`
}

type GateInput struct{}

type GateOutput struct {
	Busy        bool   `json:"busy"`
	RequesterID string `json:"requester_id,omitempty"`
	ElapsedMs   int64  `json:"elapsed_ms,omitempty"`
}

// New builds an MCP server with the edit tools registered.
func New(backend Backend, version string, logger *slog.Logger) *mcp.Server {
	if logger == nil {
		logger = logging.Nop()
	}
	h := &handlers{backend: backend, logger: logger.With("component", "mcp")}
	server := mcp.NewServer(&mcp.Implementation{Name: "rotaforge", Version: version}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolSubmitEdit,
		Description: "Apply a natural-language change to the rotation addon, validate and build it. Only one edit runs at a time.",
	}, h.submitEdit)
	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolGetHistory,
		Description: "List the most recent edit outcomes for a requester, oldest first.",
	}, h.getHistory)
	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolGateStatus,
		Description: "Report whether an edit is in progress and for whom.",
	}, h.gateStatus)
	return server
}

// Serve runs the server over stdin/stdout until the client disconnects.
func Serve(ctx context.Context, backend Backend, version string, logger *slog.Logger) error {
	return New(backend, version, logger).Run(ctx, &mcp.StdioTransport{})
}

type handlers struct {
	backend Backend
	logger  *slog.Logger
}

func (h *handlers) submitEdit(ctx context.Context, _ *mcp.CallToolRequest, in SubmitInput) (*mcp.CallToolResult, SubmitOutput, error) {
	if strings.TrimSpace(in.RequesterID) == "" {
		return nil, SubmitOutput{}, errors.New("requester_id is required")
	}
	h.logger.Info("mcp.submit_edit", "requester_id", in.RequesterID, "class_hint", in.ClassHint)
	out, err := h.backend.Submit(ctx, pipeline.Request{
		RequesterID: in.RequesterID,
		Prompt:      in.Prompt,
		ClassHint:   in.ClassHint,
	})
	if err != nil {
		info := pipeline.Describe(err, errinfo.PhaseAdmission, h.backend.ProviderID())
		return nil, SubmitOutput{}, fmt.Errorf("%s: %s", info.ErrorCode, userMessage(err))
	}
	res := SubmitOutput{
		RequestID:    out.RequestID,
		Status:       string(out.Status),
		Stage:        string(out.Stage),
		Message:      out.Message,
		FilesChanged: out.FilesChanged,
	}
	if out.Artifact != nil {
		res.ArtifactName = out.Artifact.Name
		res.Artifact = string(out.Artifact.Data)
	}
	if info := out.Info(h.backend.ProviderID()); info != nil {
		res.ErrorCode = info.ErrorCode
	}
	return nil, res, nil
}

func (h *handlers) getHistory(ctx context.Context, _ *mcp.CallToolRequest, in HistoryInput) (*mcp.CallToolResult, HistoryOutput, error) {
	if strings.TrimSpace(in.RequesterID) == "" {
		return nil, HistoryOutput{}, errors.New("requester_id is required")
	}
	entries, err := h.backend.History(in.RequesterID)
	if err != nil {
		h.logger.Error("mcp.history_failed", "error", err.Error())
		return nil, HistoryOutput{}, err
	}
	out := HistoryOutput{RequesterID: in.RequesterID, Entries: make([]HistoryEntry, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, HistoryEntry{
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
			Prompt:    e.Prompt,
			Status:    string(e.Status),
			Summary:   e.Summary,
		})
	}
	return nil, out, nil
}

func (h *handlers) gateStatus(ctx context.Context, _ *mcp.CallToolRequest, _ GateInput) (*mcp.CallToolResult, GateOutput, error) {
	st := h.backend.Status()
	return nil, GateOutput{Busy: st.Busy, RequesterID: st.RequesterID, ElapsedMs: st.ElapsedMs}, nil
}

// userMessage renders an admission-time rejection the way a chat reply
// would show it.
func userMessage(err error) string {
	var busy *gate.BusyError
	if errors.As(err, &busy) {
		return fmt.Sprintf("A request is already being processed for %s. Please wait.", busy.Holder)
	}
	return err.Error()
}
