package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/excelmanus/excelmanus/pkg/observability"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	return ws
}

func writeWorkspaceFile(t *testing.T, ws *Workspace, relKey, content string) string {
	t.Helper()
	abs := filepath.Join(ws.Root, filepath.FromSlash(relKey))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	return abs
}

func readFileString(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestCheckpointDeduplicatesIdenticalContent(t *testing.T) {
	ws := newTestWorkspace(t)
	writeWorkspaceFile(t, ws, "uploads/report.csv", "a,b\n1,2\n")

	v1, created, err := ws.Versions.Checkpoint("uploads/report.csv", ReasonManual, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, v1.OriginalExisted)
	assert.NotEmpty(t, v1.ContentHash)

	v2, created, err := ws.Versions.Checkpoint("uploads/report.csv", ReasonManual, "")
	require.NoError(t, err)
	assert.False(t, created, "identical content must reuse the latest version")
	assert.Equal(t, v1.ID, v2.ID)

	writeWorkspaceFile(t, ws, "uploads/report.csv", "a,b\n3,4\n")
	v3, created, err := ws.Versions.Checkpoint("uploads/report.csv", ReasonManual, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, v1.ID, v3.ID)

	chain := ws.Versions.Versions("uploads/report.csv")
	require.Len(t, chain, 2)
	assert.Equal(t, v1.ID, chain[0].ID, "first element of the chain is the original")
}

func TestCheckpointMissingFileRecordsTombstone(t *testing.T) {
	ws := newTestWorkspace(t)

	v, created, err := ws.Versions.Checkpoint("outputs/new.xlsx", ReasonStaging, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, v.IsTombstone())

	// A second tombstone is deduplicated too.
	_, created, err = ws.Versions.Checkpoint("outputs/new.xlsx", ReasonStaging, "")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestStageCommitPublishesWorkingCopy(t *testing.T) {
	ws := newTestWorkspace(t)
	orig := writeWorkspaceFile(t, ws, "uploads/data.xlsx", "original")

	staged, err := ws.Versions.StageForWrite("uploads/data.xlsx", ScopeExcelOnly)
	require.NoError(t, err)
	assert.NotEqual(t, orig, staged)
	assert.Equal(t, "original", readFileString(t, staged))

	// Second stage of the same file reuses the entry.
	again, err := ws.Versions.StageForWrite("uploads/data.xlsx", ScopeExcelOnly)
	require.NoError(t, err)
	assert.Equal(t, staged, again)

	require.NoError(t, os.WriteFile(staged, []byte("modified"), 0o644))
	assert.Equal(t, "original", readFileString(t, orig), "original untouched before commit")

	require.NoError(t, ws.Versions.CommitStaged("uploads/data.xlsx"))
	assert.Equal(t, "modified", readFileString(t, orig))
	_, stillStaged := ws.Versions.StagedPathFor("uploads/data.xlsx")
	assert.False(t, stillStaged)
	assert.NoFileExists(t, staged)
}

func TestDiscardLeavesOriginalUntouched(t *testing.T) {
	ws := newTestWorkspace(t)
	orig := writeWorkspaceFile(t, ws, "uploads/data.csv", "original")

	staged, err := ws.Versions.StageForWrite("uploads/data.csv", ScopeAll)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(staged, []byte("scratch"), 0o644))

	require.NoError(t, ws.Versions.DiscardStaged("uploads/data.csv"))
	assert.Equal(t, "original", readFileString(t, orig))
	assert.NoFileExists(t, staged)
}

func TestExcelOnlyScopeSkipsNonTabularFiles(t *testing.T) {
	ws := newTestWorkspace(t)
	abs := writeWorkspaceFile(t, ws, "outputs/notes.txt", "text")

	got, err := ws.Versions.StageForWrite("outputs/notes.txt", ScopeExcelOnly)
	require.NoError(t, err)
	assert.Equal(t, abs, got, "non-tabular files bypass staging under excel_only")
	_, staged := ws.Versions.StagedPathFor("outputs/notes.txt")
	assert.False(t, staged)

	// ScopeAll stages everything.
	got, err = ws.Versions.StageForWrite("outputs/notes.txt", ScopeAll)
	require.NoError(t, err)
	assert.NotEqual(t, abs, got)
}

func TestRollbackToTurnRevertsStagedCopyOnly(t *testing.T) {
	ws := newTestWorkspace(t)
	orig := writeWorkspaceFile(t, ws, "uploads/book.csv", "v0")

	staged, err := ws.Versions.StageForWrite("uploads/book.csv", ScopeExcelOnly)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(staged, []byte("v1"), 0o644))
	cp1, err := ws.Versions.CreateTurnCheckpoint(1, []string{"uploads/book.csv"}, []string{"write_cells"})
	require.NoError(t, err)
	require.NotNil(t, cp1)

	require.NoError(t, os.WriteFile(staged, []byte("v2"), 0o644))
	cp2, err := ws.Versions.CreateTurnCheckpoint(2, []string{"uploads/book.csv"}, []string{"write_cells"})
	require.NoError(t, err)
	require.NotNil(t, cp2)

	// Rolling back to turn 2 reverts to the state after turn 1.
	restored, err := ws.Versions.RollbackToTurn(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/book.csv"}, restored)
	assert.Equal(t, "v1", readFileString(t, staged))
	assert.Equal(t, "v0", readFileString(t, orig), "original is never modified by rollback")
	assert.Len(t, ws.Versions.TurnCheckpoints(), 1)

	// Rolling back to turn 1 reverts to the pre-write original.
	restored, err = ws.Versions.RollbackToTurn(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/book.csv"}, restored)
	assert.Equal(t, "v0", readFileString(t, staged))
	assert.Empty(t, ws.Versions.TurnCheckpoints())
}

func TestRollbackUnknownTurnIsNoOp(t *testing.T) {
	ws := newTestWorkspace(t)
	restored, err := ws.Versions.RollbackToTurn(7)
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestTurnCheckpointSkipsUnchangedFiles(t *testing.T) {
	ws := newTestWorkspace(t)
	writeWorkspaceFile(t, ws, "outputs/a.csv", "same")

	cp, err := ws.Versions.CreateTurnCheckpoint(1, []string{"outputs/a.csv"}, nil)
	require.NoError(t, err)
	require.NotNil(t, cp)

	// Nothing changed since the last snapshot, so no checkpoint appears.
	cp, err = ws.Versions.CreateTurnCheckpoint(2, []string{"outputs/a.csv"}, nil)
	require.NoError(t, err)
	assert.Nil(t, cp)
	assert.Len(t, ws.Versions.TurnCheckpoints(), 1)
}

func TestTurnCheckpointRingDropsOldest(t *testing.T) {
	ws, err := Open(t.TempDir(), Options{TurnBufferSize: 3})
	require.NoError(t, err)

	for turn := 1; turn <= 5; turn++ {
		writeWorkspaceFile(t, ws, "outputs/a.txt", time.Now().String()+string(rune('0'+turn)))
		cp, err := ws.Versions.CreateTurnCheckpoint(turn, []string{"outputs/a.txt"}, nil)
		require.NoError(t, err)
		require.NotNil(t, cp)
	}

	turns := ws.Versions.TurnCheckpoints()
	require.Len(t, turns, 3)
	assert.Equal(t, 3, turns[0].Turn)
	assert.Equal(t, 5, turns[2].Turn)

	_, err = ws.Versions.RollbackToTurn(1)
	assert.Error(t, err, "turns evicted from the ring are no longer rollback targets")
}

type countingMetrics struct {
	observability.NoopMetrics
	snapshots     int
	rollbacks     int
	rollbackFiles int
}

func (m *countingMetrics) RecordSnapshot(context.Context, string) { m.snapshots++ }
func (m *countingMetrics) RecordRollback(_ context.Context, files int) {
	m.rollbacks++
	m.rollbackFiles += files
}

func TestVersionEventsReachMetricsRecorder(t *testing.T) {
	rec := &countingMetrics{}
	observability.SetGlobalMetrics(rec)
	t.Cleanup(func() { observability.SetGlobalMetrics(nil) })

	ws := newTestWorkspace(t)
	writeWorkspaceFile(t, ws, "outputs/m.txt", "v1")
	_, err := ws.Versions.CreateTurnCheckpoint(1, []string{"outputs/m.txt"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.snapshots)

	_, err = ws.Versions.RollbackToTurn(1)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.rollbacks)
	assert.Equal(t, 1, rec.rollbackFiles)
}

func TestRestoreRefusesInvalidatedVersions(t *testing.T) {
	ws := newTestWorkspace(t)
	writeWorkspaceFile(t, ws, "uploads/x.csv", "v0")

	v, _, err := ws.Versions.Checkpoint("uploads/x.csv", ReasonManual, "")
	require.NoError(t, err)

	writeWorkspaceFile(t, ws, "uploads/x.csv", "v1")
	ws.Versions.InvalidateUndo([]string{"uploads/x.csv"})

	err = ws.Versions.Restore("uploads/x.csv", v.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalidated")
}

func TestRestoreRecordsNewVersion(t *testing.T) {
	ws := newTestWorkspace(t)
	abs := writeWorkspaceFile(t, ws, "uploads/x.csv", "v0")

	v0, _, err := ws.Versions.Checkpoint("uploads/x.csv", ReasonManual, "")
	require.NoError(t, err)

	writeWorkspaceFile(t, ws, "uploads/x.csv", "v1")
	_, _, err = ws.Versions.Checkpoint("uploads/x.csv", ReasonManual, "")
	require.NoError(t, err)

	require.NoError(t, ws.Versions.Restore("uploads/x.csv", v0.ID))
	assert.Equal(t, "v0", readFileString(t, abs))

	chain := ws.Versions.Versions("uploads/x.csv")
	last := chain[len(chain)-1]
	assert.Equal(t, ReasonRestore, last.Reason)
	assert.Equal(t, v0.ID, last.RefID)
}

func TestGCKeepsChainEndpoints(t *testing.T) {
	ws := newTestWorkspace(t)
	for _, content := range []string{"v0", "v1", "v2", "v3"} {
		writeWorkspaceFile(t, ws, "outputs/gc.txt", content)
		_, _, err := ws.Versions.Checkpoint("outputs/gc.txt", ReasonManual, "")
		require.NoError(t, err)
	}
	require.Len(t, ws.Versions.Versions("outputs/gc.txt"), 4)

	removed := ws.Versions.GC(0)
	assert.Equal(t, 2, removed)

	chain := ws.Versions.Versions("outputs/gc.txt")
	require.Len(t, chain, 2)
	assert.FileExists(t, chain[0].SnapshotPath)
	assert.FileExists(t, chain[1].SnapshotPath)
}

func TestStagingSurvivesReopen(t *testing.T) {
	base := t.TempDir()
	ws, err := Open(base, Options{})
	require.NoError(t, err)

	writeWorkspaceFile(t, ws, "uploads/persist.xlsx", "original")
	staged, err := ws.Versions.StageForWrite("uploads/persist.xlsx", ScopeExcelOnly)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(staged, []byte("in progress"), 0o644))

	reopened, err := Open(base, Options{})
	require.NoError(t, err)

	got, ok := reopened.Versions.StagedPathFor("uploads/persist.xlsx")
	require.True(t, ok, "staging map survives a restart")
	assert.Equal(t, staged, got)
	assert.Equal(t, "in progress", readFileString(t, got))

	chain := reopened.Versions.Versions("uploads/persist.xlsx")
	require.NotEmpty(t, chain, "version chains rehydrate from disk")
	assert.Equal(t, ReasonStaging, chain[0].Reason)
}

func TestPruneStaleStaging(t *testing.T) {
	ws := newTestWorkspace(t)
	writeWorkspaceFile(t, ws, "uploads/old.csv", "x")
	staged, err := ws.Versions.StageForWrite("uploads/old.csv", ScopeAll)
	require.NoError(t, err)

	pruned := ws.Versions.PruneStaleStaging(0)
	assert.Equal(t, 1, pruned)
	assert.NoFileExists(t, staged)
	_, ok := ws.Versions.StagedPathFor("uploads/old.csv")
	assert.False(t, ok)
}
