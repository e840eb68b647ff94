package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesLayout(t *testing.T) {
	base := t.TempDir()
	ws, err := Open(base, Options{UserID: "alice"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "users", "alice"), ws.Root)
	assert.DirExists(t, ws.UploadsDir())
	assert.DirExists(t, ws.OutputsDir())
	assert.DirExists(t, ws.ApprovalsDir())

	// Single tenant mode uses the base directory directly.
	single, err := Open(base, Options{})
	require.NoError(t, err)
	assert.Equal(t, base, single.Root)
}

func TestResolveRejectsEscapes(t *testing.T) {
	ws := newTestWorkspace(t)

	tests := []struct {
		name string
		path string
		ok   bool
	}{
		{"relative inside", "uploads/a.xlsx", true},
		{"dot segments normalized", "uploads/../outputs/b.csv", true},
		{"parent traversal", "../../etc/passwd", false},
		{"absolute outside", "/etc/passwd", false},
		{"empty", "", false},
		{"absolute inside", filepath.Join(ws.Root, "uploads", "ok.csv"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ws.Resolve(tt.path)
			if !tt.ok {
				require.Error(t, err)
				var perr *PathError
				assert.ErrorAs(t, err, &perr)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(got, ws.Root))
		})
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	ws := newTestWorkspace(t)
	outside := t.TempDir()
	link := filepath.Join(ws.Root, "uploads", "link")
	require.NoError(t, os.Symlink(outside, link))

	_, err := ws.Resolve("uploads/link")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symlink")
}

func TestQuotaAccounting(t *testing.T) {
	ws, err := Open(t.TempDir(), Options{QuotaBytes: 100, QuotaFiles: 2})
	require.NoError(t, err)

	writeWorkspaceFile(t, ws, "uploads/a.bin", strings.Repeat("x", 60))
	used, count, err := ws.Usage()
	require.NoError(t, err)
	assert.Equal(t, int64(60), used)
	assert.Equal(t, 1, count)

	// Version snapshots do not count against the quota.
	_, _, err = ws.Versions.Checkpoint("uploads/a.bin", ReasonManual, "")
	require.NoError(t, err)
	used, count, err = ws.Usage()
	require.NoError(t, err)
	assert.Equal(t, int64(60), used)
	assert.Equal(t, 1, count)

	assert.NoError(t, ws.CheckUploadAllowed(40))
	assert.Error(t, ws.CheckUploadAllowed(41))

	// The file-count limit rejects independently of the byte limit.
	writeWorkspaceFile(t, ws, "uploads/b.bin", "x")
	assert.Error(t, ws.CheckUploadAllowed(1))
}

func TestEnforceQuotaReclaimsOldestOutputs(t *testing.T) {
	ws, err := Open(t.TempDir(), Options{QuotaBytes: 100})
	require.NoError(t, err)

	old := writeWorkspaceFile(t, ws, "outputs/old.txt", strings.Repeat("a", 60))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	fresh := writeWorkspaceFile(t, ws, "outputs/new.txt", strings.Repeat("b", 60))

	deleted, err := ws.EnforceQuota()
	require.NoError(t, err)
	assert.Equal(t, []string{old}, deleted)
	assert.NoFileExists(t, old)
	assert.FileExists(t, fresh)
}

func TestEnforceQuotaReclaimsOverFileLimit(t *testing.T) {
	ws, err := Open(t.TempDir(), Options{QuotaBytes: 1 << 20, QuotaFiles: 2})
	require.NoError(t, err)

	old := writeWorkspaceFile(t, ws, "outputs/old.txt", "a")
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))
	keep := writeWorkspaceFile(t, ws, "uploads/keep.csv", "b")
	fresh := writeWorkspaceFile(t, ws, "outputs/new.txt", "c")

	// Three files against a two-file limit: the oldest output goes.
	deleted, err := ws.EnforceQuota()
	require.NoError(t, err)
	assert.Equal(t, []string{old}, deleted)
	assert.FileExists(t, keep)
	assert.FileExists(t, fresh)
}

func TestTransactionReadSeesStagedWrites(t *testing.T) {
	ws := newTestWorkspace(t)
	orig := writeWorkspaceFile(t, ws, "uploads/tx.xlsx", "original")

	tx := ws.CreateTransaction(ScopeExcelOnly)
	assert.Equal(t, orig, tx.ResolveRead("uploads/tx.xlsx"), "no staging yet")

	staged, err := tx.ResolveWrite("uploads/tx.xlsx")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(staged, []byte("draft"), 0o644))

	assert.Equal(t, staged, tx.ResolveRead("uploads/tx.xlsx"), "reads follow staged content")

	committed, err := tx.CommitAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/tx.xlsx"}, committed)
	assert.Equal(t, "draft", readFileString(t, orig))

	_, err = tx.CommitAll()
	assert.Error(t, err, "a closed transaction refuses further work")
}

func TestTransactionCoWRedirectWinsOverStaging(t *testing.T) {
	ws := newTestWorkspace(t)
	orig := writeWorkspaceFile(t, ws, "uploads/cow.xlsx", "original")

	tx := ws.CreateTransaction(ScopeExcelOnly)
	_, err := tx.ResolveWrite("uploads/cow.xlsx")
	require.NoError(t, err)

	copyPath := filepath.Join(ws.OutputsDir(), "cow_copy.xlsx")
	tx.RegisterCoWMappings(map[string]string{orig: copyPath})

	assert.Equal(t, copyPath, tx.ResolveRead("uploads/cow.xlsx"))
	redirect, ok := tx.LookupCoWRedirect(orig)
	require.True(t, ok)
	assert.Equal(t, copyPath, redirect)

	m := tx.StagedFileMap()
	assert.Equal(t, copyPath, m[orig], "cow redirect overrides the staging entry")
}

func TestTransactionStagedRelPaths(t *testing.T) {
	ws := newTestWorkspace(t)
	orig := writeWorkspaceFile(t, ws, "uploads/rel.xlsx", "original")

	tx := ws.CreateTransaction(ScopeExcelOnly)
	_, err := tx.ResolveWrite("uploads/rel.xlsx")
	require.NoError(t, err)

	copyPath := filepath.Join(ws.OutputsDir(), "rel_copy.xlsx")
	tx.RegisterCoWMappings(map[string]string{orig: copyPath})
	assert.Equal(t, []string{"uploads/rel.xlsx"}, tx.StagedRelPaths(),
		"a cow redirect of an already staged file adds no duplicate")

	other := writeWorkspaceFile(t, ws, "uploads/other.xlsx", "x")
	tx.RegisterCoWMappings(map[string]string{other: filepath.Join(ws.OutputsDir(), "other_copy.xlsx")})
	assert.Equal(t, []string{"uploads/other.xlsx", "uploads/rel.xlsx"}, tx.StagedRelPaths())
}

func TestCommitInvalidatesPriorVersions(t *testing.T) {
	ws := newTestWorkspace(t)
	writeWorkspaceFile(t, ws, "uploads/inv.xlsx", "v0")

	tx := ws.CreateTransaction(ScopeExcelOnly)
	staged, err := tx.ResolveWrite("uploads/inv.xlsx")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(staged, []byte("v1"), 0o644))

	chain := ws.Versions.Versions("uploads/inv.xlsx")
	require.NotEmpty(t, chain)
	preCommit := chain[0]

	_, err = tx.CommitAll()
	require.NoError(t, err)

	// The staging-time snapshot describes a pre-commit state an undo must
	// not resurrect.
	err = ws.Versions.Restore("uploads/inv.xlsx", preCommit.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalidated")
}

func TestTransactionRollbackDiscardsEverything(t *testing.T) {
	ws := newTestWorkspace(t)
	orig := writeWorkspaceFile(t, ws, "uploads/rb.csv", "original")

	tx := ws.CreateTransaction(ScopeAll)
	staged, err := tx.ResolveWrite("uploads/rb.csv")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(staged, []byte("scratch"), 0o644))

	require.NoError(t, tx.RollbackAll())
	assert.Equal(t, "original", readFileString(t, orig))
	assert.NoFileExists(t, staged)
}

func TestSandboxEnvContract(t *testing.T) {
	ws := newTestWorkspace(t)
	orig := writeWorkspaceFile(t, ws, "uploads/env.xlsx", "data")

	tx := ws.CreateTransaction(ScopeExcelOnly)
	staged, err := tx.ResolveWrite("uploads/env.xlsx")
	require.NoError(t, err)

	env, err := ws.SandboxEnv(tx)
	require.NoError(t, err)

	vars := make(map[string]string)
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		require.True(t, ok)
		vars[k] = v
	}

	assert.Equal(t, ws.Root, vars[EnvWorkspaceRoot])
	assert.Equal(t, ws.CoWLogPath(), vars[EnvCoWLog])
	assert.Equal(t, "uploads", vars[EnvProtectedDirs], "protected dirs are workspace-relative, comma separated")

	var stagingMap map[string]string
	require.NoError(t, json.Unmarshal([]byte(vars[EnvStagingMap]), &stagingMap))
	assert.Equal(t, staged, stagingMap[orig])
}
