package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rotaforge/engine/internal/agent"
	"rotaforge/engine/internal/archive"
	"rotaforge/engine/internal/builder"
	"rotaforge/engine/internal/gate"
	"rotaforge/engine/internal/guardrails"
	"rotaforge/engine/internal/history"
	"rotaforge/engine/internal/llm"
	"rotaforge/engine/internal/workspace"
)

const catLua = `local A = NS.A
local Rake = {
    matches = function(context, state)
        return context.energy >= 40
    end,
}
return Rake
`

const catPath = "source/aio/druid/cat.lua"

func writeTemplate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"source/aio/core.lua": "local NS = {}\nreturn NS\n",
		catPath:               catLua,
		"build.js":            "// build\n",
		"tmw-template.lua":    "-- template\n",
		"package.json":        "{}\n",
	}
	for rel, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}

type countingWorkspaces struct {
	inner Workspaces

	mu          sync.Mutex
	provisioned int
	disposed    int
	roots       []string
}

func (c *countingWorkspaces) Provision(ctx context.Context) (*workspace.Workspace, error) {
	ws, err := c.inner.Provision(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.provisioned++
		c.roots = append(c.roots, ws.Root)
	}
	return ws, err
}

func (c *countingWorkspaces) Dispose(ws *workspace.Workspace) {
	c.mu.Lock()
	c.disposed++
	c.mu.Unlock()
	c.inner.Dispose(ws)
}

type countingBuilder struct {
	inner Builder
	calls int
}

func (b *countingBuilder) Run(ctx context.Context, root string) builder.Result {
	b.calls++
	return b.inner.Run(ctx, root)
}

type editorFunc func(ctx context.Context, task agent.Task) agent.Result

func (f editorFunc) Run(ctx context.Context, task agent.Task) agent.Result {
	return f(ctx, task)
}

type builderFunc func(ctx context.Context, root string) builder.Result

func (f builderFunc) Run(ctx context.Context, root string) builder.Result {
	return f(ctx, root)
}

type harness struct {
	template   string
	workspaces *countingWorkspaces
	builds     *countingBuilder
	history    *history.Ring
	client     *llm.Scripted
	deps       Deps
}

func newHarness(t *testing.T, buildScript string, buildTimeout time.Duration) *harness {
	t.Helper()
	template := writeTemplate(t)
	ws := &countingWorkspaces{inner: workspace.NewManager(workspace.Config{
		TempRoot:     t.TempDir(),
		TemplateRoot: template,
	}, nil)}
	builds := &countingBuilder{inner: builder.New(builder.Config{
		Command: "sh",
		Args:    []string{"-c", buildScript},
		Timeout: buildTimeout,
	}, nil)}
	client := llm.NewScripted()
	ring := history.NewRing(history.DefaultCapacity)
	h := &harness{template: template, workspaces: ws, builds: builds, history: ring, client: client}
	h.deps = Deps{
		Gate:       gate.New(),
		Workspaces: ws,
		Agent:      agent.New(agent.Config{Client: client, Model: "test", MaxTurns: 5}, nil),
		Validator:  &guardrails.PolicyValidator{TemplateRoot: template, Subtree: "source/aio"},
		Builder:    builds,
		History:    ring,
	}
	return h
}

func (h *harness) pipeline(t *testing.T) *Pipeline {
	t.Helper()
	p, err := New(h.deps, Options{TemplateRoot: h.template})
	require.NoError(t, err)
	return p
}

func (h *harness) assertCleanedUp(t *testing.T, p *Pipeline) {
	t.Helper()
	assert.Equal(t, h.workspaces.provisioned, h.workspaces.disposed, "every workspace disposed exactly once")
	for _, root := range h.workspaces.roots {
		_, err := os.Stat(root)
		assert.True(t, os.IsNotExist(err), "workspace %s still exists", root)
	}
	_, busy := p.Gate().Current()
	assert.False(t, busy, "gate released")
}

const copyBuild = "cp source/aio/druid/cat.lua output/TellMeWhen.lua"

func editCall(id, oldText, newText string) llm.ToolCall {
	return llm.Call(id, "edit_file", map[string]any{"path": catPath, "old_string": oldText, "new_string": newText})
}

func request(prompt string) Request {
	return Request{RequesterID: "alice", Prompt: prompt}
}

func TestSubmitDeliversArtifact(t *testing.T) {
	h := newHarness(t, copyBuild, 5*time.Second)
	h.client.Responses = []llm.ChatResponse{
		llm.ToolTurn(llm.Call("c1", "read_file", map[string]any{"path": catPath})),
		llm.ToolTurn(editCall("c2", ">= 40", ">= 45")),
		llm.Completion("Raised the Rake energy threshold to 45."),
	}
	store, err := archive.New(t.TempDir(), nil)
	require.NoError(t, err)
	h.deps.Archive = store
	var stages []Stage
	h.deps.OnStage = func(req Request, stage Stage) { stages = append(stages, stage) }
	p := h.pipeline(t)

	out, err := p.Submit(context.Background(), request("raise rake energy to 45"))
	require.NoError(t, err)
	assert.Equal(t, history.StatusSuccess, out.Status)
	assert.Equal(t, StageDelivered, out.Stage)
	assert.NotEmpty(t, out.RequestID)
	assert.Equal(t, []string{catPath}, out.FilesChanged)
	assert.Equal(t, []FileChange{{Path: catPath, Added: 1, Removed: 1}}, out.Changes)
	require.NotNil(t, out.Artifact)
	assert.Equal(t, DefaultArtifactName, out.Artifact.Name)
	assert.Contains(t, string(out.Artifact.Data), ">= 45")
	assert.True(t, strings.HasPrefix(out.Message, "Done!"))
	assert.Nil(t, out.Info("fake"))
	assert.Equal(t, []Stage{StageAdmitted, StageWorkspaceReady, StageEdited, StageValidated, StageBuilt, StageDelivered}, stages)

	archived, err := store.Load(out.RequestID, DefaultArtifactName)
	require.NoError(t, err)
	assert.Equal(t, out.Artifact.Data, archived)

	entries, err := h.history.List("alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.StatusSuccess, entries[0].Status)
	assert.Equal(t, "Raised the Rake energy threshold to 45.", entries[0].Summary)
	h.assertCleanedUp(t, p)
}

func TestScenarioNoChanges(t *testing.T) {
	h := newHarness(t, copyBuild, 5*time.Second)
	h.client.Responses = []llm.ChatResponse{
		llm.ToolTurn(llm.Call("c1", "list_files", map[string]any{"pattern": "source/aio/**/*.lua"})),
		llm.Completion("The rotation already does that."),
	}
	validated := 0
	h.deps.Validator = guardrails.ValidatorFunc(func(ctx context.Context, root string, changed []string) (guardrails.Result, error) {
		validated++
		return guardrails.Result{Valid: true}, nil
	})
	p := h.pipeline(t)

	out, err := p.Submit(context.Background(), request("make cat rotation better"))
	require.NoError(t, err)
	assert.Equal(t, history.StatusNoChanges, out.Status)
	assert.Equal(t, StageEdited, out.Stage)
	assert.Equal(t, "No files were modified. The assistant said:\nThe rotation already does that.", out.Message)
	assert.Zero(t, validated)
	assert.Zero(t, h.builds.calls)
	assert.Nil(t, out.Info("fake"))

	entries, err := h.history.List("alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.StatusNoChanges, entries[0].Status)
	h.assertCleanedUp(t, p)
}

func TestScenarioRejected(t *testing.T) {
	h := newHarness(t, copyBuild, 5*time.Second)
	h.client.Responses = []llm.ChatResponse{
		llm.ToolTurn(editCall("c1", "return context.energy >= 40", "return context.energy >= 40 and os.execute('x') ~= nil")),
		llm.Completion("Done."),
	}
	p := h.pipeline(t)

	out, err := p.Submit(context.Background(), request("run a shell command when rake is up"))
	require.NoError(t, err)
	assert.Equal(t, history.StatusRejected, out.Status)
	assert.Equal(t, StageEdited, out.Stage)
	require.Len(t, out.Errors, 1)
	assert.Contains(t, out.Errors[0], "forbidden construct os.execute")
	assert.Equal(t, "Safety check failed:\n- "+out.Errors[0], out.Message)
	assert.Zero(t, h.builds.calls)
	assert.ErrorIs(t, out.Err, guardrails.ErrRejected)

	info := out.Info("fake")
	require.NotNil(t, info)
	assert.Equal(t, "VALIDATION_REJECTED", info.ErrorCode)
	assert.Equal(t, "validate", info.Phase)

	entries, err := h.history.List("alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.StatusRejected, entries[0].Status)
	assert.Equal(t, strings.Join(out.Errors, ", "), entries[0].Summary)
	h.assertCleanedUp(t, p)
}

func TestScenarioBuildTimeout(t *testing.T) {
	h := newHarness(t, "exec sleep 30", 200*time.Millisecond)
	h.client.Responses = []llm.ChatResponse{
		llm.ToolTurn(editCall("c1", ">= 40", ">= 50")),
		llm.Completion("Raised to 50."),
	}
	p := h.pipeline(t)

	started := time.Now()
	out, err := p.Submit(context.Background(), request("raise rake energy to 50"))
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 10*time.Second)
	assert.Equal(t, history.StatusBuildFailed, out.Status)
	assert.Equal(t, StageValidated, out.Stage)
	assert.ErrorIs(t, out.Err, builder.ErrBuildTimeout)
	assert.Contains(t, out.Summary, "build timed out after 200ms")
	assert.Nil(t, out.Artifact)

	info := out.Info("fake")
	require.NotNil(t, info)
	assert.Equal(t, "BUILD_FAILED", info.ErrorCode)

	entries, err := h.history.List("alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.StatusBuildFailed, entries[0].Status)
	h.assertCleanedUp(t, p)
}

func TestScenarioMaxTurns(t *testing.T) {
	h := newHarness(t, copyBuild, 5*time.Second)
	loop := llm.ToolTurn(editCall("c1", ">= 40", ">= 41"))
	h.client.Fallback = &loop
	h.deps.Agent = agent.New(agent.Config{Client: h.client, Model: "test", MaxTurns: 3}, nil)
	p := h.pipeline(t)

	out, err := p.Submit(context.Background(), request("keep tweaking rake forever"))
	require.NoError(t, err)
	assert.Equal(t, history.StatusError, out.Status)
	assert.Equal(t, StageWorkspaceReady, out.Stage)
	assert.ErrorIs(t, out.Err, agent.ErrMaxTurnsExceeded)
	assert.Contains(t, out.Message, "reached max turns (3)")
	assert.Equal(t, []string{catPath}, out.FilesChanged, "partial edits are reported")
	assert.Equal(t, 3, h.client.Calls())
	assert.Zero(t, h.builds.calls)

	info := out.Info("fake")
	require.NotNil(t, info)
	assert.Equal(t, "MAX_TURNS_EXCEEDED", info.ErrorCode)

	entries, err := h.history.List("alice")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, history.StatusError, entries[0].Status)
	h.assertCleanedUp(t, p)
}

func TestSubmitRejectsWhileBusy(t *testing.T) {
	h := newHarness(t, copyBuild, 5*time.Second)
	p := h.pipeline(t)
	token, err := p.Gate().TryAdmit("alice", "first request")
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), Request{RequesterID: "bob", Prompt: "second request"})
	require.ErrorIs(t, err, gate.ErrAdmissionRejected)
	var busy *gate.BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "alice", busy.Holder)
	assert.Equal(t, "ADMISSION_REJECTED", Describe(err, "admission", "").ErrorCode)

	entries, err := h.history.List("bob")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, h.workspaces.provisioned)

	p.Gate().Release(token)
	_, busyNow := p.Gate().Current()
	assert.False(t, busyNow)
}

func TestSubmitPromptAndRateChecks(t *testing.T) {
	h := newHarness(t, copyBuild, 5*time.Second)
	h.deps.Prompts = guardrails.LengthValidator{}
	h.deps.Limiter = guardrails.NewWindowLimiter(1, time.Hour)
	p := h.pipeline(t)

	_, err := p.Submit(context.Background(), request("hi"))
	require.ErrorIs(t, err, guardrails.ErrPromptRejected)

	_, err = p.Submit(context.Background(), request("raise rake energy please"))
	require.NoError(t, err)
	_, err = p.Submit(context.Background(), request("raise rake energy again"))
	require.ErrorIs(t, err, guardrails.ErrRateLimited)
	assert.Equal(t, "RATE_LIMITED", Describe(err, "admission", "").ErrorCode)

	entries, err := h.history.List("alice")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the admitted request is recorded")
	h.assertCleanedUp(t, p)
}

func TestWorkspaceDisposedAtEveryStage(t *testing.T) {
	editOnce := func(t *testing.T, h *harness) {
		h.client.Responses = []llm.ChatResponse{
			llm.ToolTurn(editCall("c1", ">= 40", ">= 45")),
			llm.Completion("ok"),
		}
	}
	cases := []struct {
		name   string
		setup  func(t *testing.T, h *harness)
		status history.Status
		stage  Stage
	}{
		{
			name: "agent transport failure",
			setup: func(t *testing.T, h *harness) {
				h.client.Errors = map[int]error{0: llm.ErrUnavailable}
			},
			status: history.StatusError,
			stage:  StageWorkspaceReady,
		},
		{
			name: "agent panic",
			setup: func(t *testing.T, h *harness) {
				h.deps.Agent = editorFunc(func(ctx context.Context, task agent.Task) agent.Result {
					panic("boom")
				})
			},
			status: history.StatusError,
			stage:  StageWorkspaceReady,
		},
		{
			name: "validator error",
			setup: func(t *testing.T, h *harness) {
				editOnce(t, h)
				h.deps.Validator = guardrails.ValidatorFunc(func(ctx context.Context, root string, changed []string) (guardrails.Result, error) {
					return guardrails.Result{}, errors.New("disk gone")
				})
			},
			status: history.StatusError,
			stage:  StageEdited,
		},
		{
			name: "validator panic",
			setup: func(t *testing.T, h *harness) {
				editOnce(t, h)
				h.deps.Validator = guardrails.ValidatorFunc(func(ctx context.Context, root string, changed []string) (guardrails.Result, error) {
					panic("validator exploded")
				})
			},
			status: history.StatusError,
			stage:  StageEdited,
		},
		{
			name: "build failure",
			setup: func(t *testing.T, h *harness) {
				editOnce(t, h)
				h.deps.Builder = builderFunc(func(ctx context.Context, root string) builder.Result {
					return builder.Result{ErrorText: "SyntaxError: unexpected token", Err: builder.ErrBuildFailed}
				})
			},
			status: history.StatusBuildFailed,
			stage:  StageValidated,
		},
		{
			name: "build panic",
			setup: func(t *testing.T, h *harness) {
				editOnce(t, h)
				h.deps.Builder = builderFunc(func(ctx context.Context, root string) builder.Result {
					panic("builder exploded")
				})
			},
			status: history.StatusError,
			stage:  StageValidated,
		},
		{
			name: "artifact unreadable",
			setup: func(t *testing.T, h *harness) {
				editOnce(t, h)
				h.deps.Builder = builderFunc(func(ctx context.Context, root string) builder.Result {
					return builder.Result{Success: true, OutputPath: filepath.Join(root, "output", "missing.lua")}
				})
			},
			status: history.StatusError,
			stage:  StageBuilt,
		},
		{
			name: "archive failure",
			setup: func(t *testing.T, h *harness) {
				editOnce(t, h)
				h.deps.Archive = archiveFunc(func(requestID, name string, data []byte) (string, error) {
					return "", errors.New("read-only")
				})
			},
			status: history.StatusSuccess,
			stage:  StageDelivered,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, copyBuild, 5*time.Second)
			tc.setup(t, h)
			p := h.pipeline(t)

			out, err := p.Submit(context.Background(), request("raise rake energy to 45"))
			require.NoError(t, err)
			assert.Equal(t, tc.status, out.Status)
			assert.Equal(t, tc.stage, out.Stage)
			assert.Equal(t, 1, h.workspaces.provisioned)
			h.assertCleanedUp(t, p)

			entries, err := h.history.List("alice")
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, tc.status, entries[0].Status)
		})
	}
}

type archiveFunc func(requestID, name string, data []byte) (string, error)

func (f archiveFunc) Save(requestID, name string, data []byte) (string, error) {
	return f(requestID, name, data)
}

func TestPanicBecomesUnexpected(t *testing.T) {
	h := newHarness(t, copyBuild, 5*time.Second)
	h.deps.Agent = editorFunc(func(ctx context.Context, task agent.Task) agent.Result {
		panic("boom")
	})
	p := h.pipeline(t)

	out, err := p.Submit(context.Background(), request("raise rake energy to 45"))
	require.NoError(t, err)
	assert.ErrorIs(t, out.Err, ErrUnexpected)
	assert.Equal(t, "An unexpected error occurred while processing your request.", out.Message)
	info := out.Info("fake")
	require.NotNil(t, info)
	assert.Equal(t, "UNEXPECTED", info.ErrorCode)
	assert.Equal(t, "edit", info.Phase)
}

func TestProvisionFailureReleasesGate(t *testing.T) {
	h := newHarness(t, copyBuild, 5*time.Second)
	h.workspaces.inner = workspace.NewManager(workspace.Config{
		TempRoot:     t.TempDir(),
		TemplateRoot: filepath.Join(t.TempDir(), "missing"),
	}, nil)
	p := h.pipeline(t)

	out, err := p.Submit(context.Background(), request("raise rake energy to 45"))
	require.NoError(t, err)
	assert.Equal(t, history.StatusError, out.Status)
	assert.Equal(t, StageAdmitted, out.Stage)
	assert.ErrorIs(t, out.Err, workspace.ErrProvision)
	assert.Equal(t, "PROVISION_FAILED", out.Info("").ErrorCode)
	assert.Zero(t, h.workspaces.disposed)
	h.assertCleanedUp(t, p)
}

func TestConcurrentSubmitAdmitsOne(t *testing.T) {
	h := newHarness(t, copyBuild, 5*time.Second)
	release := make(chan struct{})
	entered := make(chan struct{})
	h.deps.Agent = editorFunc(func(ctx context.Context, task agent.Task) agent.Result {
		close(entered)
		<-release
		return agent.Result{Success: true, Summary: "nothing to do", State: agent.StateDone}
	})
	p := h.pipeline(t)

	done := make(chan Outcome)
	go func() {
		out, _ := p.Submit(context.Background(), request("first long request"))
		done <- out
	}()
	<-entered

	const others = 8
	var wg sync.WaitGroup
	var rejected sync.Map
	for i := 0; i < others; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Submit(context.Background(), Request{RequesterID: "bob", Prompt: "competing request"})
			var busy *gate.BusyError
			if errors.As(err, &busy) && busy.Holder == "alice" {
				rejected.Store(i, true)
			}
		}(i)
	}
	wg.Wait()
	close(release)
	out := <-done

	count := 0
	rejected.Range(func(_, _ any) bool { count++; return true })
	assert.Equal(t, others, count)
	assert.Equal(t, history.StatusNoChanges, out.Status)
	h.assertCleanedUp(t, p)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "(no output)", Truncate("", 10))
	assert.Equal(t, "short", Truncate("short", 10))
	long := strings.Repeat("a", 100)
	got := Truncate(long, 40)
	assert.Len(t, got, 40)
	assert.True(t, strings.HasSuffix(got, "... (truncated)"))
	assert.Equal(t, strings.Repeat("a", 25)+"... (truncated)", got)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Deps{}, Options{})
	assert.Error(t, err)
}
