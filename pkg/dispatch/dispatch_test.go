package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/excelmanus/excelmanus/pkg/interaction"
	"github.com/excelmanus/excelmanus/pkg/llms"
	"github.com/excelmanus/excelmanus/pkg/observability"
	"github.com/excelmanus/excelmanus/pkg/policy"
	"github.com/excelmanus/excelmanus/pkg/session"
	"github.com/excelmanus/excelmanus/pkg/skills"
	"github.com/excelmanus/excelmanus/pkg/tools"
	"github.com/excelmanus/excelmanus/pkg/workspace"
)

type fixture struct {
	deps       *Deps
	dispatcher *Dispatcher
	events     *session.Collector
	ws         *workspace.Workspace
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ws, err := workspace.Open(t.TempDir(), workspace.Options{})
	require.NoError(t, err)

	toolReg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(toolReg))

	skillReg := skills.NewRegistry()
	require.NoError(t, skillReg.RegisterPack(skills.Default()))

	events := &session.Collector{}
	deps := &Deps{
		Tools: toolReg,
		Env: &tools.Env{
			Workspace: ws,
			Tx:        ws.CreateTransaction(workspace.ScopeExcelOnly),
			SessionID: "sess_test",
		},
		State:        session.NewState(),
		Events:       events,
		Interactions: interaction.NewRegistry(200 * time.Millisecond),
		Questions:    interaction.NewQuestionFlow(nil),
		Skills:       skillReg,
		Policy:       PolicyOptions{GreenAutoApprove: true, Sanitize: true},
		Audit:        NewAuditLog(filepath.Join(ws.Root, ".audit.jsonl"), ws.ApprovalsDir(), "sess_test"),
	}
	return &fixture{deps: deps, dispatcher: NewDispatcher(deps), events: events, ws: ws}
}

func call(name, args string) llms.ToolCall {
	return llms.ToolCall{ID: "call_" + name, Name: name, Arguments: json.RawMessage(args)}
}

// answer resolves the next pending interaction as soon as it appears.
func answer(t *testing.T, reg *interaction.Registry, resp interaction.Response) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			for _, p := range reg.Pending() {
				reg.Resolve(p.ID, resp)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestDispatchBadArgumentsBecomeToolResult(t *testing.T) {
	f := newFixture(t)
	out := f.dispatcher.Dispatch(context.Background(), call("write_cells", `[1,2]`))
	assert.True(t, out.IsError)
	assert.Contains(t, out.Result, "not an array")
	assert.False(t, out.Finished)
}

func TestDispatchUnknownTool(t *testing.T) {
	f := newFixture(t)
	out := f.dispatcher.Dispatch(context.Background(), call("summon_demon", `{}`))
	assert.True(t, out.IsError)
	assert.Contains(t, out.Result, "unknown tool")
}

func TestWriteCellsRecordsWrites(t *testing.T) {
	f := newFixture(t)
	out := f.dispatcher.Dispatch(context.Background(), call("write_cells",
		`{"file":"outputs/t.xlsx","cell":"A1","value":"x"}`))
	require.False(t, out.IsError, out.Result)
	assert.Equal(t, []string{"outputs/t.xlsx"}, out.WrittenPaths)
	assert.True(t, f.deps.State.HasWrites())
}

func TestFinishTaskWithoutGateFinishes(t *testing.T) {
	f := newFixture(t)
	out := f.dispatcher.Dispatch(context.Background(), call("finish_task", `{"summary":"done"}`))
	assert.True(t, out.Finished)
	assert.Contains(t, out.Result, "done")
}

type scriptedGate struct {
	accepted bool
	message  string
	tags     []string
}

func (g *scriptedGate) Evaluate(_ context.Context, _ string, tags []string) (bool, string) {
	g.tags = tags
	return g.accepted, g.message
}

func TestFinishTaskConsultsGate(t *testing.T) {
	f := newFixture(t)
	gate := &scriptedGate{accepted: false, message: "not yet"}
	f.deps.Gate = gate

	out := f.dispatcher.Dispatch(context.Background(), call("finish_task",
		`{"summary":"done","task_tags":["formula"]}`))
	assert.False(t, out.Finished)
	assert.Equal(t, "not yet", out.Result)
	assert.Equal(t, []string{"formula"}, gate.tags)
}

func TestAskUserDeliversAnswer(t *testing.T) {
	f := newFixture(t)
	answer(t, f.deps.Interactions, interaction.Response{Text: "the second one"})

	out := f.dispatcher.Dispatch(context.Background(), call("ask_user",
		`{"question":"Which file?","options":["a.xlsx","b.xlsx"]}`))
	require.False(t, out.IsError)
	assert.Equal(t, "User answered: the second one", out.Result)

	require.Len(t, f.events.OfType(session.EventUserQuestion), 1)
	assert.Zero(t, f.deps.Questions.Len(), "answered question leaves the queue")
}

func TestAskUserTimeoutKeepsLoopAlive(t *testing.T) {
	f := newFixture(t)
	out := f.dispatcher.Dispatch(context.Background(), call("ask_user", `{"question":"Anyone?"}`))
	assert.False(t, out.IsError, "a timeout is not a tool error")
	assert.Contains(t, out.Result, "did not answer")
}

func TestHighRiskRejected(t *testing.T) {
	f := newFixture(t)
	answer(t, f.deps.Interactions, interaction.Response{Approved: false, Text: "keep the edits"})

	out := f.dispatcher.Dispatch(context.Background(), call("rollback_to_turn", `{"turn":1}`))
	require.False(t, out.IsError)
	assert.Contains(t, out.Result, "rejected")
	assert.Contains(t, out.Result, "keep the edits")
	require.Len(t, f.events.OfType(session.EventPendingApproval), 1)

	// The decision is archived under the approvals directory.
	entries, err := os.ReadDir(f.ws.ApprovalsDir())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHighRiskApprovedExecutes(t *testing.T) {
	f := newFixture(t)
	answer(t, f.deps.Interactions, interaction.Response{Approved: true})

	out := f.dispatcher.Dispatch(context.Background(), call("rollback_to_turn", `{"turn":9}`))
	require.False(t, out.IsError, out.Result)
	assert.Contains(t, out.Result, "nothing to roll back")
}

func TestHighRiskApproveAllGrantsFullAccess(t *testing.T) {
	f := newFixture(t)
	answer(t, f.deps.Interactions, interaction.Response{Approved: true, ApproveAll: true})

	out := f.dispatcher.Dispatch(context.Background(), call("rollback_to_turn", `{"turn":9}`))
	require.False(t, out.IsError, out.Result)
	assert.True(t, f.deps.State.FullAccess(), "approve-all extends to the rest of the session")

	// The next high-risk call runs without asking again.
	out = f.dispatcher.Dispatch(context.Background(), call("rollback_to_turn", `{"turn":9}`))
	require.False(t, out.IsError, out.Result)
	assert.Len(t, f.events.OfType(session.EventPendingApproval), 1)
}

func TestHighRiskFullAccessSkipsApproval(t *testing.T) {
	f := newFixture(t)
	f.deps.State.SetFullAccess(true)

	out := f.dispatcher.Dispatch(context.Background(), call("rollback_to_turn", `{"turn":1}`))
	require.False(t, out.IsError, out.Result)
	assert.Empty(t, f.events.OfType(session.EventPendingApproval))
}

func TestActivateSkillSwitchesPack(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.deps.Skills.RegisterPack(&skills.Pack{
		Name: "audit", Description: "Read-only review", ToolScopes: []string{"files", "core"},
	}))

	out := f.dispatcher.Dispatch(context.Background(), call("activate_skill", `{"skill":"audit"}`))
	require.False(t, out.IsError)
	assert.Equal(t, "audit", f.deps.State.ActiveSkill())

	out = f.dispatcher.Dispatch(context.Background(), call("activate_skill", `{"skill":"missing"}`))
	assert.True(t, out.IsError)
}

func TestPlanInterceptOnlyInPlanMode(t *testing.T) {
	f := newFixture(t)

	// Outside plan mode task_create falls through to the default handler,
	// which has no direct implementation for it.
	out := f.dispatcher.Dispatch(context.Background(), call("task_create",
		`{"title":"Quarterly cleanup","steps":["dedupe","totals"]}`))
	assert.True(t, out.IsError)

	f.deps.State.SetPlanMode(true)
	out = f.dispatcher.Dispatch(context.Background(), call("task_create",
		`{"title":"Quarterly cleanup","steps":["dedupe","totals"]}`))
	require.False(t, out.IsError)
	assert.Contains(t, out.Result, "Do not execute")

	plan := f.deps.State.Plan()
	require.NotNil(t, plan)
	assert.Equal(t, "Quarterly cleanup", plan.Title)
	assert.Len(t, plan.Steps, 2)
	require.Len(t, f.events.OfType(session.EventPlanProposed), 1)
}

func TestModeSwitchApprovedTogglesPlanMode(t *testing.T) {
	f := newFixture(t)
	answer(t, f.deps.Interactions, interaction.Response{Approved: true})

	out := f.dispatcher.Dispatch(context.Background(), call("suggest_mode_switch",
		`{"mode":"plan","reason":"big refactor"}`))
	require.False(t, out.IsError)
	assert.True(t, f.deps.State.PlanMode())
}

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, imagePath string) (string, error) {
	return "table spec for " + filepath.Base(imagePath), nil
}

func TestExtractTableSpecWithoutRegistry(t *testing.T) {
	f := newFixture(t)
	f.deps.Extractor = stubExtractor{}

	// Env.Files is nil in this fixture; the handler must not touch it.
	out := f.dispatcher.Dispatch(context.Background(), call("extract_table_spec",
		`{"image":"uploads/table.png"}`))
	require.False(t, out.IsError, out.Result)
	assert.Contains(t, out.Result, "table spec for table.png")
}

func TestListFilesWithoutRegistryReadsDisk(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.ws.UploadsDir(), "plain.csv"), []byte("a,b\n"), 0o644))

	out := f.dispatcher.Dispatch(context.Background(), call("list_files", `{}`))
	require.False(t, out.IsError, out.Result)
	assert.Contains(t, out.Result, "uploads/plain.csv")
}

func TestDispatchEmitsToolSpan(t *testing.T) {
	var buf bytes.Buffer
	_, shutdown, err := observability.InitGlobalTracer(context.Background(), observability.TracerConfig{
		Enabled:     true,
		ServiceName: "excelmanus-test",
		Output:      &buf,
	})
	require.NoError(t, err)
	defer observability.InitGlobalTracer(context.Background(), observability.TracerConfig{})

	f := newFixture(t)
	out := f.dispatcher.Dispatch(context.Background(), call("list_files", `{}`))
	require.False(t, out.IsError, out.Result)

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "tool.list_files")
}

func TestCodePolicySanitizesExitCalls(t *testing.T) {
	f := newFixture(t)
	// /bin/sh -c style execution is not available here; a no-op interpreter
	// keeps the test about policy, not about Python.
	f.deps.Sandbox = policy.NewSandbox("/bin/true", f.ws.Root, time.Second)
	f.dispatcher = NewDispatcher(f.deps)

	out := f.dispatcher.Dispatch(context.Background(), call("run_code",
		`"{\"code\": \"print('hi')\\nsys.exit(0)\"}"`))
	require.False(t, out.IsError, out.Result)
	assert.Contains(t, out.Result, "interpreter-exit calls were removed")

	// The audit log recorded the sanitized execution.
	data, err := os.ReadFile(filepath.Join(f.ws.Root, ".audit.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sanitized":true`)
	assert.NotContains(t, string(data), "sys.exit")
}

func TestCodePolicyRejectedCodeDoesNotRun(t *testing.T) {
	f := newFixture(t)
	f.deps.Sandbox = policy.NewSandbox("/bin/true", f.ws.Root, time.Second)
	f.dispatcher = NewDispatcher(f.deps)
	answer(t, f.deps.Interactions, interaction.Response{Approved: false})

	out := f.dispatcher.Dispatch(context.Background(), call("run_code",
		`{"code":"import subprocess\nsubprocess.run(['rm','-rf','/'])"}`))
	require.False(t, out.IsError)
	assert.Contains(t, out.Result, "rejected")
	require.Len(t, f.events.OfType(session.EventPendingApproval), 1)
}

func TestCodePolicyGreenRunsDirectly(t *testing.T) {
	f := newFixture(t)
	f.deps.Sandbox = policy.NewSandbox("/bin/true", f.ws.Root, time.Second)
	f.dispatcher = NewDispatcher(f.deps)

	out := f.dispatcher.Dispatch(context.Background(), call("run_code",
		`{"code":"x = 1 + 1\nprint(x)"}`))
	require.False(t, out.IsError, out.Result)
	assert.Contains(t, out.Result, "Exit code 0")
	assert.Empty(t, f.events.OfType(session.EventPendingApproval))
}
