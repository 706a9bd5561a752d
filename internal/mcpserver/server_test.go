package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotaforge/engine/internal/engine"
	"rotaforge/engine/internal/gate"
	"rotaforge/engine/internal/history"
	"rotaforge/engine/internal/pipeline"
)

type fakeBackend struct {
	outcome  pipeline.Outcome
	err      error
	requests []pipeline.Request
	entries  []history.Entry
	status   engine.GateStatus
}

func (f *fakeBackend) Submit(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error) {
	f.requests = append(f.requests, req)
	return f.outcome, f.err
}

func (f *fakeBackend) History(requesterID string) ([]history.Entry, error) {
	return f.entries, nil
}

func (f *fakeBackend) Status() engine.GateStatus {
	return f.status
}

func (f *fakeBackend) ProviderID() string {
	return "fake"
}

func connect(t *testing.T, backend Backend) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	server := New(backend, "test", nil)
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func decode(t *testing.T, res *mcp.CallToolResult, out any) {
	t.Helper()
	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func errorText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if text, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func TestListTools(t *testing.T) {
	session := connect(t, &fakeBackend{})
	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{ToolSubmitEdit, ToolGetHistory, ToolGateStatus}, names)
}

func TestSubmitEdit(t *testing.T) {
	backend := &fakeBackend{outcome: pipeline.Outcome{
		RequestID:    "req-1",
		Status:       history.StatusSuccess,
		Stage:        pipeline.StageDelivered,
		Message:      "Done! Here's your customized rotation.",
		FilesChanged: []string{"source/aio/druid/cat.lua"},
		Artifact:     &pipeline.Artifact{Name: "TellMeWhen.lua", Data: []byte("-- lua")},
	}}
	session := connect(t, backend)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      ToolSubmitEdit,
		Arguments: map[string]any{"requester_id": "alice", "prompt": "raise rake energy to 45", "class_hint": "druid"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError, errorText(res))

	var out SubmitOutput
	decode(t, res, &out)
	assert.Equal(t, "req-1", out.RequestID)
	assert.Equal(t, "success", out.Status)
	assert.Equal(t, "TellMeWhen.lua", out.ArtifactName)
	assert.Equal(t, "-- lua", out.Artifact)
	assert.Empty(t, out.ErrorCode)

	require.Len(t, backend.requests, 1)
	assert.Equal(t, pipeline.Request{RequesterID: "alice", Prompt: "raise rake energy to 45", ClassHint: "druid"}, backend.requests[0])
}

func TestSubmitEditBusy(t *testing.T) {
	backend := &fakeBackend{err: &gate.BusyError{Holder: "bob", Elapsed: time.Minute}}
	session := connect(t, backend)

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      ToolSubmitEdit,
		Arguments: map[string]any{"requester_id": "alice", "prompt": "raise rake energy to 45"},
	})
	if err != nil {
		assert.Contains(t, err.Error(), "Please wait.")
		return
	}
	require.True(t, res.IsError)
	assert.Contains(t, errorText(res), "A request is already being processed for bob. Please wait.")
	assert.Contains(t, errorText(res), "ADMISSION_REJECTED")
}

func TestGetHistoryAndGateStatus(t *testing.T) {
	stamp := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	backend := &fakeBackend{
		entries: []history.Entry{{Timestamp: stamp, Prompt: "p", Status: history.StatusRejected, Summary: "no goto"}},
		status:  engine.GateStatus{Busy: true, RequesterID: "carol", ElapsedMs: 1500},
	}
	session := connect(t, backend)
	ctx := context.Background()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: ToolGetHistory, Arguments: map[string]any{"requester_id": "carol"}})
	require.NoError(t, err)
	require.False(t, res.IsError, errorText(res))
	var hist HistoryOutput
	decode(t, res, &hist)
	require.Len(t, hist.Entries, 1)
	assert.Equal(t, "2026-05-01T12:00:00Z", hist.Entries[0].Timestamp)
	assert.Equal(t, "rejected", hist.Entries[0].Status)

	res, err = session.CallTool(ctx, &mcp.CallToolParams{Name: ToolGateStatus, Arguments: map[string]any{}})
	require.NoError(t, err)
	var status GateOutput
	decode(t, res, &status)
	assert.True(t, status.Busy)
	assert.Equal(t, "carol", status.RequesterID)
}
