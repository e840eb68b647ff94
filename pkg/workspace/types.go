// Package workspace implements the per-user isolated directory tree: the
// content-addressed file version store, write staging with commit/rollback,
// turn checkpoints, and quota enforcement.
package workspace

import (
	"fmt"
	"time"
)

// VersionReason records why a snapshot was taken.
type VersionReason string

const (
	ReasonStaging VersionReason = "staging"
	ReasonAudit   VersionReason = "audit"
	ReasonCoW     VersionReason = "cow"
	ReasonRestore VersionReason = "restore"
	ReasonManual  VersionReason = "manual"
	ReasonTurn    VersionReason = "turn"
)

// FileVersion is one immutable snapshot of one file. A version with an
// empty SnapshotPath and OriginalExisted=false is a tombstone: the file did
// not exist when the snapshot was taken.
type FileVersion struct {
	ID              string        `json:"id"`
	RelPath         string        `json:"rel_path"`
	SnapshotPath    string        `json:"snapshot_path,omitempty"`
	Reason          VersionReason `json:"reason"`
	RefID           string        `json:"ref_id,omitempty"`
	ContentHash     string        `json:"content_hash,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	Invalidated     bool          `json:"invalidated,omitempty"`
	OriginalExisted bool          `json:"original_existed"`
}

// IsTombstone reports whether this version records a missing file.
func (v *FileVersion) IsTombstone() bool {
	return v.SnapshotPath == "" && !v.OriginalExisted
}

// StagingEntry is an active redirection from an original path to a working
// copy in the staging directory. Entries are persisted to a JSON sidecar so
// a crash does not lose the mapping.
type StagingEntry struct {
	OriginalPath string    `json:"original_path"`
	StagedPath   string    `json:"staged_path"`
	RelKey       string    `json:"rel_key"`
	CreatedAt    time.Time `json:"created_at"`
}

// TurnCheckpoint groups the versions created by one tool-loop iteration.
type TurnCheckpoint struct {
	Turn       int       `json:"turn"`
	CreatedAt  time.Time `json:"created_at"`
	VersionIDs []string  `json:"version_ids"`
	Paths      []string  `json:"paths"`
	ToolNames  []string  `json:"tool_names"`
}

// StagingScope controls which files stage_for_write actually redirects.
type StagingScope string

const (
	ScopeAll       StagingScope = "all"
	ScopeExcelOnly StagingScope = "excel_only"
)

// PathError reports a path that was rejected at the workspace boundary.
type PathError struct {
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("path rejected: %s (%s)", e.Path, e.Reason)
}
