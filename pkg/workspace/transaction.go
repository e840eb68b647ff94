package workspace

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Transaction scopes a batch of file mutations to one unit of work. Writes
// inside the transaction are redirected into staging; reads see staged
// content when it exists; CommitAll publishes everything at once and
// RollbackAll drops it. Copy-on-write redirections reported by sandboxed
// code are registered here so later reads in the same session follow them.
type Transaction struct {
	mu       sync.Mutex
	id       string
	scope    StagingScope
	versions *VersionManager
	ws       *Workspace
	log      *slog.Logger

	cowPaths map[string]string
	started  time.Time
	closed   bool
}

func newTransaction(ws *Workspace, scope StagingScope) *Transaction {
	id := "tx_" + newVersionID()
	return &Transaction{
		id:       id,
		scope:    scope,
		versions: ws.Versions,
		ws:       ws,
		log:      slog.Default().With("component", "transaction", "tx", id),
		cowPaths: make(map[string]string),
		started:  time.Now().UTC(),
	}
}

func (t *Transaction) ID() string          { return t.id }
func (t *Transaction) Scope() StagingScope { return t.scope }

// ResolveWrite returns the path a tool must write for relKey: the staged
// working copy when the transaction's scope covers the file, the canonical
// path otherwise.
func (t *Transaction) ResolveWrite(relKey string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", fmt.Errorf("transaction %s already closed", t.id)
	}
	return t.versions.StageForWrite(relKey, t.scope)
}

// ResolveRead returns the path reads of relKey should use. Staged content
// wins over the canonical file, and copy-on-write redirections win over
// both, so a session always reads its own uncommitted writes.
func (t *Transaction) ResolveRead(relKey string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := filepath.ToSlash(relKey)
	abs := t.versions.absPath(key)
	if redirect, ok := t.cowPaths[abs]; ok {
		return redirect
	}
	if staged, ok := t.versions.StagedPathFor(key); ok {
		return staged
	}
	return abs
}

// RegisterCoWMappings records original-to-copy redirections produced by
// sandboxed code, typically parsed from its copy-on-write log.
func (t *Transaction) RegisterCoWMappings(pairs map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for orig, copyPath := range pairs {
		t.cowPaths[orig] = copyPath
		t.log.Debug("cow redirect registered", "original", orig, "copy", copyPath)
	}
}

// LookupCoWRedirect reports the redirect target for an absolute path.
func (t *Transaction) LookupCoWRedirect(absPath string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	redirect, ok := t.cowPaths[absPath]
	return redirect, ok
}

// CoWMappings returns a copy of all registered redirections.
func (t *Transaction) CoWMappings() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.cowPaths))
	for k, v := range t.cowPaths {
		out[k] = v
	}
	return out
}

// StagedFileMap exposes the version manager's active staging map plus this
// transaction's copy-on-write redirections, keyed by absolute original path.
// The sandbox env contract serializes this map; prompts and events use
// StagedRelPaths instead.
func (t *Transaction) StagedFileMap() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.versions.StagedFileMap()
	for orig, copyPath := range t.cowPaths {
		out[orig] = copyPath
	}
	return out
}

// StagedRelPaths returns the workspace-relative paths with uncommitted
// content in this transaction: staged writes plus copy-on-write
// redirections, sorted.
func (t *Transaction) StagedRelPaths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := t.versions.StagedRelPaths()
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		seen[k] = true
	}
	for orig := range t.cowPaths {
		rel, err := t.ws.RelKey(orig)
		if err != nil || seen[rel] {
			continue
		}
		seen[rel] = true
		keys = append(keys, rel)
	}
	sort.Strings(keys)
	return keys
}

// CommitAll publishes every staged write and returns the workspace-relative
// paths that changed. The transaction is closed afterwards.
func (t *Transaction) CommitAll() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("transaction %s already closed", t.id)
	}
	t.closed = true

	committed, err := t.versions.CommitAll()
	if err != nil {
		return committed, fmt.Errorf("commit failed for transaction %s: %w", t.id, err)
	}
	// The committed content is now canonical. Pre-commit snapshots describe
	// states that an undo must not resurrect.
	t.versions.InvalidateUndo(committed)
	sort.Strings(committed)
	t.log.Info("transaction committed", "files", len(committed), "duration", time.Since(t.started))
	return committed, nil
}

// RollbackAll discards every staged write. Originals are untouched.
func (t *Transaction) RollbackAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	if err := t.versions.DiscardAll(); err != nil {
		return fmt.Errorf("rollback failed for transaction %s: %w", t.id, err)
	}
	t.log.Info("transaction rolled back", "duration", time.Since(t.started))
	return nil
}
