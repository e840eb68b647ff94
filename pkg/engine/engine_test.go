package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/excelmanus/excelmanus/pkg/config"
	"github.com/excelmanus/excelmanus/pkg/llms"
	"github.com/excelmanus/excelmanus/pkg/session"
	"github.com/excelmanus/excelmanus/pkg/workspace"
)

func toolCall(id, name, args string) llms.ToolCall {
	return llms.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func passVerdict() *llms.Response {
	return &llms.Response{Text: `{"verdict":"pass","confidence":"high"}`}
}

func failVerdict(issue string) *llms.Response {
	return &llms.Response{Text: fmt.Sprintf(`{"verdict":"fail","confidence":"high","issues":[%q]}`, issue)}
}

func newTestEngine(t *testing.T, cfg *config.Config, main, verifier *llms.ScriptedProvider) (*Engine, *session.Collector) {
	t.Helper()
	ws, err := workspace.Open(t.TempDir(), workspace.Options{})
	require.NoError(t, err)

	events := &session.Collector{}
	e, err := New(Options{
		Config:           cfg,
		Workspace:        ws,
		Provider:         main,
		VerifierProvider: verifier,
		Events:           events,
	})
	require.NoError(t, err)
	return e, events
}

func TestRunWriteThenFinish(t *testing.T) {
	cfg := config.Default()
	main := llms.NewScriptedProvider("main",
		&llms.Response{ToolCalls: []llms.ToolCall{
			toolCall("c1", "write_cells", `{"file":"outputs/report.xlsx","cell":"A1","value":"total"}`),
		}},
		&llms.Response{ToolCalls: []llms.ToolCall{
			toolCall("c2", "finish_task", `{"summary":"wrote the header"}`),
		}},
	)
	verifier := llms.NewScriptedProvider("verifier", passVerdict())

	e, events := newTestEngine(t, cfg, main, verifier)
	require.NoError(t, e.Run(context.Background(), "write a header cell"))

	// The write produced a turn checkpoint and a files_changed event.
	cps := e.ws.Versions.TurnCheckpoints()
	require.Len(t, cps, 1)
	assert.Equal(t, []string{"outputs/report.xlsx"}, cps[0].Paths)
	require.Len(t, events.OfType(session.EventFilesChanged), 1)

	done := events.OfType(session.EventTaskDone)
	require.Len(t, done, 1)
	assert.Equal(t, "finish_task", done[0].Fields["reason"])

	// The finish ran through the advisory verifier exactly once.
	assert.Len(t, verifier.Requests(), 1)
	assert.True(t, e.State().HasWrites())

	// The staged copy is still uncommitted; the canonical file does not exist.
	assert.Contains(t, e.tx.StagedRelPaths(), "outputs/report.xlsx")
	assert.NoFileExists(t, e.ws.Root+"/outputs/report.xlsx")
}

func TestRunPlainReplyEndsWithoutFinishTask(t *testing.T) {
	cfg := config.Default()
	main := llms.NewScriptedProvider("main", &llms.Response{Text: "The file has 12 rows."})
	e, events := newTestEngine(t, cfg, main, llms.NewScriptedProvider("verifier"))

	require.NoError(t, e.Run(context.Background(), "how many rows?"))
	done := events.OfType(session.EventTaskDone)
	require.Len(t, done, 1)
	assert.Equal(t, "assistant_reply", done[0].Fields["reason"])
	assert.Empty(t, events.OfType(session.EventToolCallStarted))
}

func TestFinishWithoutWritesWarnsOnce(t *testing.T) {
	cfg := config.Default()
	main := llms.NewScriptedProvider("main",
		&llms.Response{ToolCalls: []llms.ToolCall{
			toolCall("c1", "finish_task", `{"summary":"nothing to change"}`),
		}},
		&llms.Response{ToolCalls: []llms.ToolCall{
			toolCall("c2", "finish_task", `{"summary":"confirmed read-only"}`),
		}},
	)
	verifier := llms.NewScriptedProvider("verifier", passVerdict())
	e, events := newTestEngine(t, cfg, main, verifier)

	require.NoError(t, e.Run(context.Background(), "check the totals"))

	// Two model turns: the first finish bounced with the warning.
	reqs := main.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, llms.RoleTool, last.Role)
	assert.Contains(t, last.Content, "No workspace files were modified")

	assert.True(t, e.State().FinishWarned())
	require.Len(t, events.OfType(session.EventTaskDone), 1)
}

func TestReadOnlyTagSkipsWarningAndVerifier(t *testing.T) {
	cfg := config.Default()
	main := llms.NewScriptedProvider("main",
		&llms.Response{ToolCalls: []llms.ToolCall{
			toolCall("c1", "finish_task", `{"summary":"inspection done","task_tags":["read_only"]}`),
		}},
	)
	verifier := llms.NewScriptedProvider("verifier")
	e, _ := newTestEngine(t, cfg, main, verifier)

	require.NoError(t, e.Run(context.Background(), "look at the sheet"))
	assert.Len(t, main.Requests(), 1)
	assert.Empty(t, verifier.Requests(), "read-only no-write finishes skip verification")
}

func TestBlockingVerifierDowngradesAfterTwoAttempts(t *testing.T) {
	cfg := config.Default()
	finish := `{"summary":"rebuilt the formulas","task_tags":["formula"]}`
	main := llms.NewScriptedProvider("main",
		&llms.Response{ToolCalls: []llms.ToolCall{
			toolCall("c1", "write_cells", `{"file":"outputs/f.xlsx","cell":"A1","value":"=SUM(B:B)"}`),
		}},
		&llms.Response{ToolCalls: []llms.ToolCall{toolCall("c2", "finish_task", finish)}},
		&llms.Response{ToolCalls: []llms.ToolCall{toolCall("c3", "finish_task", finish)}},
		&llms.Response{ToolCalls: []llms.ToolCall{toolCall("c4", "finish_task", finish)}},
	)
	verifier := llms.NewScriptedProvider("verifier",
		failVerdict("A1 formula range is wrong"),
		failVerdict("A1 formula range is still wrong"),
		failVerdict("stubborn to the end"),
	)
	e, events := newTestEngine(t, cfg, main, verifier)

	require.NoError(t, e.Run(context.Background(), "fix the formulas"))

	// Two blocking rejections, then the downgraded advisory pass accepts.
	assert.Equal(t, 2, e.State().VerificationAttempts())
	assert.Len(t, verifier.Requests(), 3)
	require.Len(t, events.OfType(session.EventTaskDone), 1)

	reqs := main.Requests()
	require.Len(t, reqs, 4)
	thirdTurnResult := reqs[2].Messages[len(reqs[2].Messages)-1]
	assert.Contains(t, thirdTurnResult.Content, "Verification failed (attempt 1/2)")
	assert.Contains(t, thirdTurnResult.Content, "formula range is wrong")
}

func TestVerifierErrorFailsOpen(t *testing.T) {
	cfg := config.Default()
	main := llms.NewScriptedProvider("main",
		&llms.Response{ToolCalls: []llms.ToolCall{
			toolCall("c1", "write_cells", `{"file":"outputs/x.xlsx","cell":"A1","value":1}`),
		}},
		&llms.Response{ToolCalls: []llms.ToolCall{
			toolCall("c2", "finish_task", `{"summary":"done"}`),
		}},
	)
	verifier := llms.NewScriptedProvider("verifier")
	verifier.FailAt(0, fmt.Errorf("verifier endpoint unreachable"))

	e, events := newTestEngine(t, cfg, main, verifier)
	require.NoError(t, e.Run(context.Background(), "edit one cell"))
	require.Len(t, events.OfType(session.EventTaskDone), 1)
}

func TestIterationLimitSurfacesAsTaskError(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.MaxIterations = 2
	main := llms.NewScriptedProvider("main",
		&llms.Response{ToolCalls: []llms.ToolCall{toolCall("c1", "list_subagents", `{}`)}},
		&llms.Response{ToolCalls: []llms.ToolCall{toolCall("c2", "list_subagents", `{}`)}},
	)
	e, events := newTestEngine(t, cfg, main, llms.NewScriptedProvider("verifier"))

	err := e.Run(context.Background(), "loop forever")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "iteration limit")
	require.Len(t, events.OfType(session.EventTaskError), 1)
	assert.Empty(t, events.OfType(session.EventTaskDone))
}

func TestLLMFailureAbortsRun(t *testing.T) {
	cfg := config.Default()
	main := llms.NewScriptedProvider("main")
	main.FailAt(0, fmt.Errorf("upstream 500"))
	e, events := newTestEngine(t, cfg, main, llms.NewScriptedProvider("verifier"))

	err := e.Run(context.Background(), "anything")
	require.Error(t, err)
	require.Len(t, events.OfType(session.EventTaskError), 1)
}

func TestSystemPromptCarriesStagingNotice(t *testing.T) {
	cfg := config.Default()
	main := llms.NewScriptedProvider("main",
		&llms.Response{ToolCalls: []llms.ToolCall{
			toolCall("c1", "write_cells", `{"file":"outputs/draft.xlsx","cell":"A1","value":"v"}`),
		}},
		&llms.Response{ToolCalls: []llms.ToolCall{
			toolCall("c2", "finish_task", `{"summary":"drafted"}`),
		}},
	)
	verifier := llms.NewScriptedProvider("verifier", passVerdict())
	e, _ := newTestEngine(t, cfg, main, verifier)

	require.NoError(t, e.Run(context.Background(), "draft it"))

	reqs := main.Requests()
	require.Len(t, reqs, 2)
	assert.NotContains(t, reqs[0].Messages[0].Content, "Staged files")
	assert.Contains(t, reqs[1].Messages[0].Content, "Staged files")
	assert.Contains(t, reqs[1].Messages[0].Content, "outputs/draft.xlsx")
}

func TestCommitStagedPublishesFiles(t *testing.T) {
	cfg := config.Default()
	main := llms.NewScriptedProvider("main",
		&llms.Response{ToolCalls: []llms.ToolCall{
			toolCall("c1", "write_cells", `{"file":"outputs/keep.xlsx","cell":"A1","value":"v"}`),
		}},
		&llms.Response{ToolCalls: []llms.ToolCall{
			toolCall("c2", "finish_task", `{"summary":"ok"}`),
		}},
	)
	verifier := llms.NewScriptedProvider("verifier", passVerdict())
	e, _ := newTestEngine(t, cfg, main, verifier)
	require.NoError(t, e.Run(context.Background(), "write and keep"))

	committed, err := e.CommitStaged()
	require.NoError(t, err)
	assert.Equal(t, []string{"outputs/keep.xlsx"}, committed)
	assert.FileExists(t, e.ws.Root+"/outputs/keep.xlsx")
}
