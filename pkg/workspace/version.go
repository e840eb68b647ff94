package workspace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/excelmanus/excelmanus/pkg/observability"
	"github.com/excelmanus/excelmanus/pkg/utils"
)

const (
	metaFileName       = "meta.json"
	stagingSidecarName = "_staging.json"

	// DefaultTurnBufferSize bounds the rollback window.
	DefaultTurnBufferSize = 30
)

// excelExtensions are the workbook and tabular formats the excel_only
// staging scope redirects. Everything else passes through unstaged.
var excelExtensions = map[string]bool{
	".xlsx": true,
	".xlsm": true,
	".xlsb": true,
	".xls":  true,
	".csv":  true,
}

// VersionManager owns the snapshot store for one workspace. Snapshots are
// content addressed: a checkpoint whose hash matches the newest version of
// the same file reuses that version instead of writing a second copy.
//
// Layout under versionsDir:
//
//	{id[:2]}/{id}/{basename}   snapshot bytes
//	{id[:2]}/{id}/meta.json    FileVersion record
//	_staging.json              active StagingEntry sidecar
type VersionManager struct {
	mu          sync.Mutex
	root        string
	versionsDir string
	stagingDir  string
	turnBuffer  int
	log         *slog.Logger

	chains map[string][]*FileVersion
	staged map[string]*StagingEntry
	turns  []*TurnCheckpoint

	// evictedThrough is the highest turn number dropped from the ring.
	// Rollback requests at or below it are refused rather than silently
	// landing on the oldest retained checkpoint.
	evictedThrough int
}

// NewVersionManager opens (or initializes) the version store rooted at
// versionsDir and rehydrates version chains and the staging sidecar from
// disk, so undo survives process restarts.
func NewVersionManager(root, versionsDir, stagingDir string, turnBuffer int) (*VersionManager, error) {
	if turnBuffer <= 0 {
		turnBuffer = DefaultTurnBufferSize
	}
	for _, dir := range []string{versionsDir, stagingDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	m := &VersionManager{
		root:        root,
		versionsDir: versionsDir,
		stagingDir:  stagingDir,
		turnBuffer:  turnBuffer,
		log:         slog.Default().With("component", "versions"),
		chains:      make(map[string][]*FileVersion),
		staged:      make(map[string]*StagingEntry),
	}
	if err := m.loadChains(); err != nil {
		return nil, err
	}
	if err := m.loadStagingSidecar(); err != nil {
		return nil, err
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// Checkpoint snapshots the current content of relKey. If the file does not
// exist a tombstone version is recorded. When the content hash equals the
// newest version of the same file, the existing version is returned and
// created is false.
func (m *VersionManager) Checkpoint(relKey string, reason VersionReason, refID string) (v *FileVersion, created bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpointLocked(relKey, reason, refID)
}

// CheckpointMany snapshots several files under one reference id and returns
// only the versions that were newly created.
func (m *VersionManager) CheckpointMany(relKeys []string, reason VersionReason, refID string) ([]*FileVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*FileVersion
	for _, key := range relKeys {
		v, created, err := m.checkpointLocked(key, reason, refID)
		if err != nil {
			return out, err
		}
		if created {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *VersionManager) checkpointLocked(relKey string, reason VersionReason, refID string) (*FileVersion, bool, error) {
	relKey = filepath.ToSlash(relKey)
	return m.checkpointContentLocked(relKey, m.absPath(relKey), reason, refID)
}

// checkpointContentLocked snapshots the bytes at srcPath under the chain of
// relKey. The two differ when a staging entry is active: the live content of
// a staged file is its working copy, but the version still belongs to the
// canonical path.
func (m *VersionManager) checkpointContentLocked(relKey, srcPath string, reason VersionReason, refID string) (*FileVersion, bool, error) {
	data, readErr := os.ReadFile(srcPath)
	if readErr != nil && !os.IsNotExist(readErr) {
		return nil, false, fmt.Errorf("failed to read %s for snapshot: %w", relKey, readErr)
	}

	id := newVersionID()
	v := &FileVersion{
		ID:        id,
		RelPath:   relKey,
		Reason:    reason,
		RefID:     refID,
		CreatedAt: time.Now().UTC(),
	}

	if readErr == nil {
		sum := blake3.Sum256(data)
		v.ContentHash = hex.EncodeToString(sum[:])
		v.OriginalExisted = true

		if latest := m.latestLocked(relKey); latest != nil && latest.ContentHash == v.ContentHash {
			return latest, false, nil
		}

		dir := m.versionDir(id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, false, fmt.Errorf("failed to create snapshot dir: %w", err)
		}
		snap := filepath.Join(dir, filepath.Base(relKey))
		if err := utils.WriteFileAtomic(snap, data, 0o644); err != nil {
			return nil, false, fmt.Errorf("failed to write snapshot for %s: %w", relKey, err)
		}
		v.SnapshotPath = snap
	} else {
		// Tombstone. Still deduplicate against a trailing tombstone.
		if latest := m.latestLocked(relKey); latest != nil && latest.IsTombstone() {
			return latest, false, nil
		}
		if err := os.MkdirAll(m.versionDir(id), 0o755); err != nil {
			return nil, false, fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	if err := m.writeMeta(v); err != nil {
		return nil, false, err
	}
	m.chains[relKey] = append(m.chains[relKey], v)
	m.log.Debug("snapshot created", "path", relKey, "version", id, "reason", reason)
	observability.GetGlobalMetrics().RecordSnapshot(context.Background(), string(reason))
	return v, true, nil
}

// Versions returns the version chain for relKey, oldest first.
func (m *VersionManager) Versions(relKey string) []*FileVersion {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[filepath.ToSlash(relKey)]
	out := make([]*FileVersion, len(chain))
	copy(out, chain)
	return out
}

// ---------------------------------------------------------------------------
// Staging
// ---------------------------------------------------------------------------

// StageForWrite redirects a write against relKey to a working copy in the
// staging directory and returns the path the tool should write instead.
// Before the copy is made the original content is snapshotted, so the first
// version in every chain is the pre-mutation original. With ScopeExcelOnly,
// non-tabular files are returned unchanged and never staged.
func (m *VersionManager) StageForWrite(relKey string, scope StagingScope) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	relKey = filepath.ToSlash(relKey)
	absPath := m.absPath(relKey)

	if scope == ScopeExcelOnly && !excelExtensions[strings.ToLower(filepath.Ext(relKey))] {
		return absPath, nil
	}
	if entry, ok := m.staged[relKey]; ok {
		return entry.StagedPath, nil
	}

	if _, _, err := m.checkpointLocked(relKey, ReasonStaging, ""); err != nil {
		return "", err
	}

	stagedPath := m.uniqueStagedPath(relKey)
	if _, err := os.Stat(absPath); err == nil {
		if err := utils.CopyFile(absPath, stagedPath); err != nil {
			return "", fmt.Errorf("failed to copy %s into staging: %w", relKey, err)
		}
	} else if err := os.MkdirAll(filepath.Dir(stagedPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to prepare staging dir: %w", err)
	}

	entry := &StagingEntry{
		OriginalPath: absPath,
		StagedPath:   stagedPath,
		RelKey:       relKey,
		CreatedAt:    time.Now().UTC(),
	}
	m.staged[relKey] = entry
	if err := m.saveStagingSidecarLocked(); err != nil {
		return "", err
	}
	m.log.Debug("write staged", "path", relKey, "staged", stagedPath)
	return stagedPath, nil
}

// StagedPathFor reports the active working copy for relKey, if any.
func (m *VersionManager) StagedPathFor(relKey string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.staged[filepath.ToSlash(relKey)]
	if !ok {
		return "", false
	}
	return entry.StagedPath, true
}

// StagedFileMap returns original-to-staged absolute path pairs for every
// active staging entry. The sandbox environment contract serializes this map
// for child processes.
func (m *VersionManager) StagedFileMap() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.staged))
	for _, entry := range m.staged {
		out[entry.OriginalPath] = entry.StagedPath
	}
	return out
}

// StagedRelPaths returns the workspace-relative keys of every active staging
// entry, sorted.
func (m *VersionManager) StagedRelPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.staged))
	for key := range m.staged {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// CommitStaged moves the working copy of relKey back over the original and
// removes the staging entry. Committing a path that is not staged is a no-op.
func (m *VersionManager) CommitStaged(relKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commitLocked(filepath.ToSlash(relKey))
}

// CommitAll commits every active staging entry and returns the original
// paths that changed on disk.
func (m *VersionManager) CommitAll() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.staged))
	for key := range m.staged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var committed []string
	for _, key := range keys {
		if err := m.commitLocked(key); err != nil {
			return committed, err
		}
		committed = append(committed, key)
	}
	return committed, nil
}

func (m *VersionManager) commitLocked(relKey string) error {
	entry, ok := m.staged[relKey]
	if !ok {
		return nil
	}
	if _, err := os.Stat(entry.StagedPath); os.IsNotExist(err) {
		// The tool deleted its working copy. Treat as a discard.
		delete(m.staged, relKey)
		return m.saveStagingSidecarLocked()
	}
	if err := os.MkdirAll(filepath.Dir(entry.OriginalPath), 0o755); err != nil {
		return fmt.Errorf("failed to prepare commit target: %w", err)
	}
	if err := utils.CopyFile(entry.StagedPath, entry.OriginalPath); err != nil {
		return fmt.Errorf("failed to commit %s: %w", relKey, err)
	}
	os.Remove(entry.StagedPath)
	delete(m.staged, relKey)
	m.log.Info("staged write committed", "path", relKey)
	return m.saveStagingSidecarLocked()
}

// DiscardStaged drops the working copy of relKey without touching the
// original.
func (m *VersionManager) DiscardStaged(relKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discardLocked(filepath.ToSlash(relKey))
}

// DiscardAll drops every active staging entry.
func (m *VersionManager) DiscardAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.staged {
		if err := m.discardLocked(key); err != nil {
			return err
		}
	}
	return nil
}

func (m *VersionManager) discardLocked(relKey string) error {
	entry, ok := m.staged[relKey]
	if !ok {
		return nil
	}
	os.Remove(entry.StagedPath)
	delete(m.staged, relKey)
	m.log.Info("staged write discarded", "path", relKey)
	return m.saveStagingSidecarLocked()
}

// PruneStaleStaging discards staging entries older than maxAge and entries
// whose working copy disappeared. Called on workspace open to clear leftovers
// from crashed sessions.
func (m *VersionManager) PruneStaleStaging(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for key, entry := range m.staged {
		stale := entry.CreatedAt.Before(cutoff)
		if _, err := os.Stat(entry.StagedPath); os.IsNotExist(err) {
			stale = true
		}
		if stale {
			os.Remove(entry.StagedPath)
			delete(m.staged, key)
			pruned++
			m.log.Warn("stale staging entry pruned", "path", key)
		}
	}
	if pruned > 0 {
		m.saveStagingSidecarLocked()
	}
	return pruned
}

// ---------------------------------------------------------------------------
// Turn checkpoints and rollback
// ---------------------------------------------------------------------------

// CreateTurnCheckpoint snapshots the given dirty files as one rollback unit.
// Only files whose content actually changed produce versions; if nothing
// changed no checkpoint is recorded and nil is returned. The checkpoint ring
// keeps the most recent turnBuffer entries.
func (m *VersionManager) CreateTurnCheckpoint(turn int, dirtyPaths, toolNames []string) (*TurnCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := &TurnCheckpoint{
		Turn:      turn,
		CreatedAt: time.Now().UTC(),
		ToolNames: toolNames,
	}
	for _, rel := range dirtyPaths {
		key := filepath.ToSlash(rel)
		src := m.absPath(key)
		if entry, ok := m.staged[key]; ok {
			// A staged file's live content is its working copy.
			src = entry.StagedPath
		}
		v, created, err := m.checkpointContentLocked(key, src, ReasonTurn, fmt.Sprintf("turn-%d", turn))
		if err != nil {
			return nil, err
		}
		if !created {
			continue
		}
		cp.VersionIDs = append(cp.VersionIDs, v.ID)
		cp.Paths = append(cp.Paths, key)
	}

	if len(cp.VersionIDs) == 0 {
		return nil, nil
	}

	m.turns = append(m.turns, cp)
	if len(m.turns) > m.turnBuffer {
		dropped := m.turns[:len(m.turns)-m.turnBuffer]
		m.evictedThrough = dropped[len(dropped)-1].Turn
		m.turns = m.turns[len(m.turns)-m.turnBuffer:]
	}
	m.log.Info("turn checkpoint created", "turn", turn, "files", len(cp.Paths))
	return cp, nil
}

// TurnCheckpoints returns the live checkpoint ring, oldest first.
func (m *VersionManager) TurnCheckpoints() []*TurnCheckpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*TurnCheckpoint, len(m.turns))
	copy(out, m.turns)
	return out
}

// RollbackToTurn reverts every file touched at or after turn to its content
// just before that turn's checkpoint, then drops the rolled-back checkpoints.
// Files with an active staging entry have their working copy refreshed; the
// originals were never modified and stay untouched.
func (m *VersionManager) RollbackToTurn(turn int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.evictedThrough > 0 && turn <= m.evictedThrough {
		return nil, fmt.Errorf("turn %d has been evicted from the checkpoint ring (oldest rollback target: turn %d)", turn, m.evictedThrough+1)
	}

	idx := -1
	for i, cp := range m.turns {
		if cp.Turn >= turn {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Nothing at or after the requested turn: no-op.
		return nil, nil
	}

	rolledIDs := make(map[string]bool)
	affected := make(map[string]bool)
	for _, cp := range m.turns[idx:] {
		for _, id := range cp.VersionIDs {
			rolledIDs[id] = true
		}
		for _, p := range cp.Paths {
			affected[p] = true
		}
	}

	keys := make([]string, 0, len(affected))
	for key := range affected {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var restored []string
	for _, key := range keys {
		target := m.pickRollbackVersion(key, rolledIDs)
		if target == nil {
			m.log.Warn("no pre-turn version available, skipping", "path", key)
			continue
		}
		if err := m.restoreContentLocked(key, target); err != nil {
			return restored, err
		}
		restored = append(restored, key)
	}

	// The rolled-back versions describe states that no longer exist. Excise
	// them so a later rollback cannot resurrect an undone write.
	for _, key := range keys {
		chain := m.chains[key]
		kept := chain[:0]
		for _, v := range chain {
			if rolledIDs[v.ID] {
				m.deleteVersionFiles(v)
				continue
			}
			kept = append(kept, v)
		}
		m.chains[key] = kept
	}

	m.turns = m.turns[:idx]
	m.log.Info("rolled back", "turn", turn, "files", len(restored))
	observability.GetGlobalMetrics().RecordRollback(context.Background(), len(restored))
	return restored, nil
}

// pickRollbackVersion returns the newest valid version of key that is not
// part of the rolled-back window, falling back to the oldest recorded
// version when the whole chain is inside the window.
func (m *VersionManager) pickRollbackVersion(key string, rolledIDs map[string]bool) *FileVersion {
	chain := m.chains[key]
	for i := len(chain) - 1; i >= 0; i-- {
		v := chain[i]
		if rolledIDs[v.ID] || v.Invalidated {
			continue
		}
		return v
	}
	if len(chain) > 0 && !chain[0].Invalidated {
		return chain[0]
	}
	return nil
}

// Restore writes the content of versionID back to relKey and records the
// restoration as a new version. Invalidated versions are refused.
func (m *VersionManager) Restore(relKey, versionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	relKey = filepath.ToSlash(relKey)
	var target *FileVersion
	for _, v := range m.chains[relKey] {
		if v.ID == versionID {
			target = v
			break
		}
	}
	if target == nil {
		return fmt.Errorf("version %s not found for %s", versionID, relKey)
	}
	if target.Invalidated {
		return fmt.Errorf("version %s of %s is invalidated and cannot be restored", versionID, relKey)
	}
	if err := m.restoreContentLocked(relKey, target); err != nil {
		return err
	}
	_, _, err := m.checkpointLocked(relKey, ReasonRestore, versionID)
	return err
}

// restoreContentLocked copies the snapshot bytes of v to the live location
// of key: the staged working copy when one exists, the canonical path
// otherwise. A tombstone version deletes the live file.
func (m *VersionManager) restoreContentLocked(key string, v *FileVersion) error {
	dest := m.absPath(key)
	if entry, ok := m.staged[key]; ok {
		dest = entry.StagedPath
	}

	if v.IsTombstone() {
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s during rollback: %w", key, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("failed to prepare restore target: %w", err)
	}
	if err := utils.CopyFile(v.SnapshotPath, dest); err != nil {
		return fmt.Errorf("failed to restore %s from version %s: %w", key, v.ID, err)
	}
	return nil
}

// InvalidateUndo marks every version of the given files as no longer
// restorable. Called after destructive operations the snapshots no longer
// describe, such as an approved overwrite of the originals.
func (m *VersionManager) InvalidateUndo(relKeys []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rel := range relKeys {
		key := filepath.ToSlash(rel)
		for _, v := range m.chains[key] {
			if v.Invalidated {
				continue
			}
			v.Invalidated = true
			if err := m.writeMeta(v); err != nil {
				m.log.Warn("failed to persist invalidation", "version", v.ID, "error", err)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Garbage collection
// ---------------------------------------------------------------------------

// GC removes expired snapshots. The first and the newest version of every
// chain are always kept, as is any version referenced by a live turn
// checkpoint; interior versions older than maxAge are deleted. Returns the
// number of versions removed.
func (m *VersionManager) GC(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pinned := make(map[string]bool)
	for _, cp := range m.turns {
		for _, id := range cp.VersionIDs {
			pinned[id] = true
		}
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for key, chain := range m.chains {
		if len(chain) <= 2 {
			continue
		}
		kept := chain[:1]
		for i := 1; i < len(chain)-1; i++ {
			v := chain[i]
			if pinned[v.ID] || !v.CreatedAt.Before(cutoff) {
				kept = append(kept, v)
				continue
			}
			m.deleteVersionFiles(v)
			removed++
		}
		kept = append(kept, chain[len(chain)-1])
		m.chains[key] = kept
	}
	if removed > 0 {
		m.log.Info("version gc", "removed", removed)
	}
	return removed
}

func (m *VersionManager) deleteVersionFiles(v *FileVersion) {
	dir := m.versionDir(v.ID)
	if err := os.RemoveAll(dir); err != nil {
		m.log.Warn("failed to delete snapshot dir", "version", v.ID, "error", err)
		return
	}
	utils.RemoveEmptyParents(dir, m.versionsDir)
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func (m *VersionManager) absPath(relKey string) string {
	if filepath.IsAbs(relKey) {
		return relKey
	}
	return filepath.Join(m.root, filepath.FromSlash(relKey))
}

func (m *VersionManager) versionDir(id string) string {
	return filepath.Join(m.versionsDir, strings.ToLower(id[:2]), id)
}

func (m *VersionManager) writeMeta(v *FileVersion) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode version meta: %w", err)
	}
	path := filepath.Join(m.versionDir(v.ID), metaFileName)
	if err := utils.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write version meta: %w", err)
	}
	return nil
}

func (m *VersionManager) loadChains() error {
	shards, err := os.ReadDir(m.versionsDir)
	if err != nil {
		return fmt.Errorf("failed to read version store: %w", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(m.versionsDir, shard.Name()))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			metaPath := filepath.Join(m.versionsDir, shard.Name(), entry.Name(), metaFileName)
			data, err := os.ReadFile(metaPath)
			if err != nil {
				m.log.Warn("unreadable version meta, skipping", "dir", entry.Name(), "error", err)
				continue
			}
			var v FileVersion
			if err := json.Unmarshal(data, &v); err != nil {
				m.log.Warn("corrupt version meta, skipping", "dir", entry.Name(), "error", err)
				continue
			}
			m.chains[v.RelPath] = append(m.chains[v.RelPath], &v)
		}
	}
	for _, chain := range m.chains {
		sort.Slice(chain, func(i, j int) bool {
			if !chain[i].CreatedAt.Equal(chain[j].CreatedAt) {
				return chain[i].CreatedAt.Before(chain[j].CreatedAt)
			}
			return chain[i].ID < chain[j].ID
		})
	}
	return nil
}

func (m *VersionManager) latestLocked(relKey string) *FileVersion {
	chain := m.chains[relKey]
	if len(chain) == 0 {
		return nil
	}
	return chain[len(chain)-1]
}

func (m *VersionManager) stagingSidecarPath() string {
	return filepath.Join(m.versionsDir, stagingSidecarName)
}

func (m *VersionManager) saveStagingSidecarLocked() error {
	entries := make([]*StagingEntry, 0, len(m.staged))
	for _, e := range m.staged {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].RelKey < entries[j].RelKey })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode staging sidecar: %w", err)
	}
	if err := utils.WriteFileAtomic(m.stagingSidecarPath(), data, 0o644); err != nil {
		return fmt.Errorf("failed to write staging sidecar: %w", err)
	}
	return nil
}

func (m *VersionManager) loadStagingSidecar() error {
	data, err := os.ReadFile(m.stagingSidecarPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read staging sidecar: %w", err)
	}
	var entries []*StagingEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		m.log.Warn("corrupt staging sidecar, starting empty", "error", err)
		return nil
	}
	for _, e := range entries {
		m.staged[e.RelKey] = e
	}
	return nil
}

func (m *VersionManager) uniqueStagedPath(relKey string) string {
	base := filepath.Base(relKey)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	stamp := time.Now().UTC().Format("20060102_150405")
	return filepath.Join(m.stagingDir, fmt.Sprintf("%s_%s_%s%s", stem, stamp, newVersionID()[:6], ext))
}

func newVersionID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
