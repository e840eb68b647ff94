package workspace

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Environment variables forming the sandbox contract. Child processes read
// these to redirect writes away from protected originals.
const (
	EnvWorkspaceRoot = "EXCELMANUS_WORKSPACE"
	EnvStagingMap    = "EXCELMANUS_STAGING_MAP"
	EnvProtectedDirs = "EXCELMANUS_BENCH_PROTECTED_DIRS"
	EnvCoWLog        = "EXCELMANUS_COW_LOG"
)

const (
	// DefaultQuotaBytes caps one user's workspace at 500 MiB.
	DefaultQuotaBytes int64 = 500 << 20
	// DefaultQuotaFiles caps the number of user-visible files.
	DefaultQuotaFiles = 1000

	uploadsDirName   = "uploads"
	outputsDirName   = "outputs"
	backupsDirName   = "backups"
	approvalsDirName = "approvals"
	versionsDirName  = ".versions"
	cowLogName       = ".cow_log"
	registryDBName   = "files.db"
)

// Options configures Open. Zero values select the defaults.
type Options struct {
	// UserID selects the per-user subtree under baseDir/users. Empty means
	// single tenant: baseDir is the workspace root itself.
	UserID string

	QuotaBytes     int64
	QuotaFiles     int
	TurnBufferSize int

	// StaleStagingAge controls the prune-on-open sweep. Zero keeps the
	// 24 hour default.
	StaleStagingAge time.Duration
}

// Workspace is one user's isolated directory tree together with its version
// store. All agent file access flows through Resolve so nothing escapes the
// root.
type Workspace struct {
	Root     string
	UserID   string
	Versions *VersionManager

	quotaBytes int64
	quotaFiles int
	log        *slog.Logger
}

// Open prepares the directory tree for a user, rehydrates the version store
// and prunes staging leftovers from crashed sessions.
func Open(baseDir string, opts Options) (*Workspace, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("workspace base directory is required")
	}
	root := baseDir
	if opts.UserID != "" {
		root = filepath.Join(baseDir, "users", opts.UserID)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	for _, sub := range []string{
		uploadsDirName,
		outputsDirName,
		filepath.Join(outputsDirName, backupsDirName),
		filepath.Join(outputsDirName, approvalsDirName),
	} {
		if err := os.MkdirAll(filepath.Join(absRoot, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create workspace dir %s: %w", sub, err)
		}
	}

	quota := opts.QuotaBytes
	if quota <= 0 {
		quota = DefaultQuotaBytes
	}
	quotaFiles := opts.QuotaFiles
	if quotaFiles <= 0 {
		quotaFiles = DefaultQuotaFiles
	}

	vm, err := NewVersionManager(
		absRoot,
		filepath.Join(absRoot, outputsDirName, versionsDirName),
		filepath.Join(absRoot, outputsDirName, backupsDirName),
		opts.TurnBufferSize,
	)
	if err != nil {
		return nil, err
	}

	staleAge := opts.StaleStagingAge
	if staleAge <= 0 {
		staleAge = 24 * time.Hour
	}
	vm.PruneStaleStaging(staleAge)

	ws := &Workspace{
		Root:       absRoot,
		UserID:     opts.UserID,
		Versions:   vm,
		quotaBytes: quota,
		quotaFiles: quotaFiles,
		log:        slog.Default().With("component", "workspace", "user", opts.UserID),
	}
	ws.log.Info("workspace opened", "root", absRoot, "quota_mb", quota>>20, "quota_files", quotaFiles)
	return ws, nil
}

// UploadsDir returns the directory user files land in.
func (w *Workspace) UploadsDir() string { return filepath.Join(w.Root, uploadsDirName) }

// OutputsDir returns the directory agent-produced files land in.
func (w *Workspace) OutputsDir() string { return filepath.Join(w.Root, outputsDirName) }

// ApprovalsDir returns the archive for pre-approval file states.
func (w *Workspace) ApprovalsDir() string {
	return filepath.Join(w.Root, outputsDirName, approvalsDirName)
}

// RegistryDBPath returns the location of the file registry database.
func (w *Workspace) RegistryDBPath() string { return filepath.Join(w.Root, registryDBName) }

// QuotaBytes reports the configured byte quota.
func (w *Workspace) QuotaBytes() int64 { return w.quotaBytes }

// QuotaFiles reports the configured file-count quota.
func (w *Workspace) QuotaFiles() int { return w.quotaFiles }

// Resolve turns a user or model supplied path into an absolute path inside
// the workspace root. Absolute paths, parent traversal and symlinks pointing
// outside the root are all rejected.
func (w *Workspace) Resolve(path string) (string, error) {
	if path == "" {
		return "", &PathError{Path: path, Reason: "empty path"}
	}

	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(w.Root, candidate)
	}
	candidate = filepath.Clean(candidate)
	if !w.contains(candidate) {
		return "", &PathError{Path: path, Reason: "outside workspace root"}
	}

	// Follow symlinks on the longest existing ancestor so a link inside
	// the tree cannot point reads or writes outside of it.
	probe := candidate
	for {
		if resolved, err := filepath.EvalSymlinks(probe); err == nil {
			if !w.contains(resolved) {
				return "", &PathError{Path: path, Reason: "symlink escapes workspace root"}
			}
			break
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			break
		}
		probe = parent
	}
	return candidate, nil
}

func (w *Workspace) contains(abs string) bool {
	rel, err := filepath.Rel(w.Root, abs)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// RelKey converts an absolute path inside the root to the slash-separated
// key the version store uses.
func (w *Workspace) RelKey(abs string) (string, error) {
	rel, err := filepath.Rel(w.Root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", &PathError{Path: abs, Reason: "outside workspace root"}
	}
	return filepath.ToSlash(rel), nil
}

// ---------------------------------------------------------------------------
// Quota
// ---------------------------------------------------------------------------

// Usage sums the bytes and counts the user-visible files. Bookkeeping trees
// (version store, staging backups, approval archive) and the registry
// database do not count against the quota.
func (w *Workspace) Usage() (bytes int64, files int, err error) {
	skip := map[string]bool{
		filepath.Join(w.Root, outputsDirName, versionsDirName):  true,
		filepath.Join(w.Root, outputsDirName, backupsDirName):   true,
		filepath.Join(w.Root, outputsDirName, approvalsDirName): true,
	}

	err = filepath.WalkDir(w.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skip[path] {
				return filepath.SkipDir
			}
			return nil
		}
		if path == w.RegistryDBPath() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			bytes += info.Size()
			files++
		}
		return nil
	})
	return bytes, files, err
}

// CheckUploadAllowed rejects an incoming file that would push the workspace
// over either quota limit, bytes or file count.
func (w *Workspace) CheckUploadAllowed(size int64) error {
	used, count, err := w.Usage()
	if err != nil {
		return err
	}
	if used+size > w.quotaBytes {
		return fmt.Errorf("upload of %d bytes would exceed workspace quota (%d of %d bytes used)",
			size, used, w.quotaBytes)
	}
	if count+1 > w.quotaFiles {
		return fmt.Errorf("upload would exceed workspace file limit (%d of %d files used)",
			count, w.quotaFiles)
	}
	return nil
}

// EnforceQuota deletes the oldest output files until both the byte and the
// file-count limits are satisfied. Uploads are never reclaimed automatically.
// Returns the deleted paths.
func (w *Workspace) EnforceQuota() ([]string, error) {
	used, count, err := w.Usage()
	if err != nil {
		return nil, err
	}
	if used <= w.quotaBytes && count <= w.quotaFiles {
		return nil, nil
	}

	type candidate struct {
		path  string
		size  int64
		mtime time.Time
	}
	var candidates []candidate
	skip := map[string]bool{
		filepath.Join(w.Root, outputsDirName, versionsDirName):  true,
		filepath.Join(w.Root, outputsDirName, backupsDirName):   true,
		filepath.Join(w.Root, outputsDirName, approvalsDirName): true,
	}
	err = filepath.WalkDir(w.OutputsDir(), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skip[path] {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err == nil {
			candidates = append(candidates, candidate{path: path, size: info.Size(), mtime: info.ModTime()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.Before(candidates[j].mtime) })

	var deleted []string
	for _, c := range candidates {
		if used <= w.quotaBytes && count <= w.quotaFiles {
			break
		}
		if err := os.Remove(c.path); err != nil {
			w.log.Warn("failed to reclaim file", "path", c.path, "error", err)
			continue
		}
		used -= c.size
		count--
		deleted = append(deleted, c.path)
		w.log.Info("reclaimed over-quota file", "path", c.path, "size", c.size)
	}
	return deleted, nil
}

// ---------------------------------------------------------------------------
// Transactions and sandboxing
// ---------------------------------------------------------------------------

// CreateTransaction starts a new unit of work over this workspace.
func (w *Workspace) CreateTransaction(scope StagingScope) *Transaction {
	if scope == "" {
		scope = ScopeExcelOnly
	}
	return newTransaction(w, scope)
}

// ProtectedDirs lists the workspace-relative directories sandboxed code must
// not write directly. The uploads tree holds user originals; the registry
// database at the root is defended by path resolution instead.
func (w *Workspace) ProtectedDirs() []string {
	return []string{uploadsDirName}
}

// CoWLogPath returns the file sandboxed code appends its copy-on-write
// records to, one "original\tcopy" pair per line.
func (w *Workspace) CoWLogPath() string {
	return filepath.Join(w.Root, outputsDirName, cowLogName)
}

// SandboxEnv builds the environment variables handed to sandboxed child
// processes: the workspace root, the active staging map as a JSON object of
// absolute original-to-staged paths, the protected directories as a
// comma-separated list of workspace-relative paths, and the copy-on-write
// log location.
func (w *Workspace) SandboxEnv(tx *Transaction) ([]string, error) {
	var stagingMap map[string]string
	if tx != nil {
		stagingMap = tx.StagedFileMap()
	} else {
		stagingMap = w.Versions.StagedFileMap()
	}
	encoded, err := json.Marshal(stagingMap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode staging map: %w", err)
	}
	return []string{
		EnvWorkspaceRoot + "=" + w.Root,
		EnvStagingMap + "=" + string(encoded),
		EnvProtectedDirs + "=" + strings.Join(w.ProtectedDirs(), ","),
		EnvCoWLog + "=" + w.CoWLogPath(),
	}, nil
}
