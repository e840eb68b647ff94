// Package files tracks every file the agent knows about: uploads, agent
// outputs and files discovered by workspace scans. The registry is backed by
// database/sql so deployments can point it at SQLite (default), MySQL or
// Postgres, and it keeps provenance so answers can name which tool produced
// which file in which turn.
package files

import (
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	// Database drivers registered for side effects.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/oklog/ulid/v2"
)

// Origin records how a file entered the registry.
type Origin string

const (
	OriginUpload Origin = "upload"
	OriginAgent  Origin = "agent"
	OriginScan   Origin = "scan"
)

// FileType is a coarse classification used by the panorama and tools.
type FileType string

const (
	TypeExcel FileType = "excel"
	TypeCSV   FileType = "csv"
	TypeText  FileType = "text"
	TypeImage FileType = "image"
	TypeOther FileType = "other"
)

// AliasType distinguishes how an alternative name maps to an entry.
type AliasType string

const (
	AliasDisplay  AliasType = "display"
	AliasHistoric AliasType = "historic"
)

// ErrNotFound is returned when no registry entry matches.
var ErrNotFound = errors.New("file not registered")

// SheetInfo describes one worksheet, or the single logical sheet of a CSV.
// Rows and Cols come from the workbook's dimension record; HeaderRow is the
// first row with any content.
type SheetInfo struct {
	Name      string `json:"name"`
	Rows      int    `json:"rows,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	HeaderRow int    `json:"header_row,omitempty"`
}

// Entry is one registered file.
type Entry struct {
	ID           string
	Path         string // workspace-relative, slash separated
	OriginalName string
	Type         FileType
	Size         int64
	Hash         string
	Origin       Origin
	SessionID    string
	Turn         int
	ToolName     string
	ParentID     string
	Sheets       []SheetInfo
	ModTime      time.Time
	CreatedAt    time.Time
	DeletedAt    *time.Time
}

// Registry is the SQL-backed file catalog.
type Registry struct {
	db     *sql.DB
	driver string
	log    *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id            TEXT PRIMARY KEY,
	path          TEXT NOT NULL UNIQUE,
	original_name TEXT NOT NULL,
	type          TEXT NOT NULL,
	size          BIGINT NOT NULL DEFAULT 0,
	hash          TEXT NOT NULL DEFAULT '',
	origin        TEXT NOT NULL,
	session_id    TEXT NOT NULL DEFAULT '',
	turn          INTEGER NOT NULL DEFAULT 0,
	tool_name     TEXT NOT NULL DEFAULT '',
	parent_id     TEXT NOT NULL DEFAULT '',
	sheets        TEXT NOT NULL DEFAULT '[]',
	mod_time      TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	deleted_at    TEXT
);
CREATE TABLE IF NOT EXISTS file_aliases (
	alias_type TEXT NOT NULL,
	value      TEXT NOT NULL,
	file_id    TEXT NOT NULL,
	UNIQUE (alias_type, value)
);
CREATE INDEX IF NOT EXISTS idx_files_origin ON files (origin);
CREATE INDEX IF NOT EXISTS idx_aliases_file ON file_aliases (file_id);
`

// OpenRegistry connects to the catalog database and applies the schema.
// Driver is one of sqlite3, mysql, postgres.
func OpenRegistry(driver, dsn string) (*Registry, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open file registry (%s): %w", driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("file registry unreachable (%s): %w", driver, err)
	}
	r := &Registry{db: db, driver: driver, log: slog.Default().With("component", "files")}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(r.rebind(stmt)); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply registry schema: %w", err)
		}
	}
	return r, nil
}

// OpenSQLite opens the default embedded catalog at path.
func OpenSQLite(path string) (*Registry, error) {
	return OpenRegistry("sqlite3", path)
}

func (r *Registry) Close() error { return r.db.Close() }

// rebind converts ? placeholders to $n for postgres.
func (r *Registry) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// Provenance ties a registration to the session turn that produced it.
type Provenance struct {
	SessionID string
	Turn      int
	ToolName  string
	ParentID  string
}

// RegisterUpload records a user-provided file.
func (r *Registry) RegisterUpload(relPath, originalName string, size int64, hash string, modTime time.Time) (*Entry, error) {
	return r.register(relPath, originalName, size, hash, modTime, OriginUpload, Provenance{})
}

// RegisterAgentOutput records a file a tool produced, with full provenance.
func (r *Registry) RegisterAgentOutput(relPath string, size int64, hash string, modTime time.Time, prov Provenance) (*Entry, error) {
	return r.register(relPath, filepath.Base(relPath), size, hash, modTime, OriginAgent, prov)
}

// RegisterFromScan records a file found on disk that no one registered.
func (r *Registry) RegisterFromScan(relPath string, size int64, hash string, modTime time.Time) (*Entry, error) {
	return r.register(relPath, filepath.Base(relPath), size, hash, modTime, OriginScan, Provenance{})
}

func (r *Registry) register(relPath, originalName string, size int64, hash string, modTime time.Time, origin Origin, prov Provenance) (*Entry, error) {
	relPath = filepath.ToSlash(relPath)
	now := time.Now().UTC()

	if existing, err := r.GetByPath(relPath); err == nil {
		// Same path again: refresh size, hash and mtime, clear soft delete.
		// Origin and provenance stay with the first registration.
		_, err := r.db.Exec(r.rebind(
			`UPDATE files SET size = ?, hash = ?, mod_time = ?, deleted_at = NULL WHERE id = ?`),
			size, hash, modTime.UTC().Format(time.RFC3339Nano), existing.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh registry entry %s: %w", relPath, err)
		}
		existing.Size = size
		existing.Hash = hash
		existing.ModTime = modTime.UTC()
		existing.DeletedAt = nil
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	e := &Entry{
		ID:           newFileID(),
		Path:         relPath,
		OriginalName: originalName,
		Type:         ClassifyPath(relPath),
		Size:         size,
		Hash:         hash,
		Origin:       origin,
		SessionID:    prov.SessionID,
		Turn:         prov.Turn,
		ToolName:     prov.ToolName,
		ParentID:     prov.ParentID,
		Sheets:       []SheetInfo{},
		ModTime:      modTime.UTC(),
		CreatedAt:    now,
	}
	_, err := r.db.Exec(r.rebind(`
		INSERT INTO files (id, path, original_name, type, size, hash, origin,
			session_id, turn, tool_name, parent_id, sheets, mod_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.Path, e.OriginalName, string(e.Type), e.Size, e.Hash, string(e.Origin),
		e.SessionID, e.Turn, e.ToolName, e.ParentID, "[]",
		e.ModTime.Format(time.RFC3339Nano), e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to register %s: %w", relPath, err)
	}

	if originalName != "" && originalName != filepath.Base(relPath) {
		// Uploads are often renamed on disk to avoid collisions. Keep the
		// user's name resolvable.
		if err := r.AddAlias(e.ID, AliasDisplay, originalName); err != nil {
			r.log.Warn("failed to record display alias", "file", relPath, "error", err)
		}
	}
	r.log.Debug("file registered", "path", relPath, "origin", origin, "type", e.Type)
	return e, nil
}

// AddAlias maps an alternative name to an entry. Re-adding an alias points
// it at the new entry.
func (r *Registry) AddAlias(fileID string, aliasType AliasType, value string) error {
	_, err := r.db.Exec(r.rebind(`DELETE FROM file_aliases WHERE alias_type = ? AND value = ?`),
		string(aliasType), value)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(r.rebind(`INSERT INTO file_aliases (alias_type, value, file_id) VALUES (?, ?, ?)`),
		string(aliasType), value, fileID)
	if err != nil {
		return fmt.Errorf("failed to add alias %q: %w", value, err)
	}
	return nil
}

// SetSheets stores the sheet metadata of a workbook entry.
func (r *Registry) SetSheets(fileID string, sheets []SheetInfo) error {
	encoded, err := json.Marshal(sheets)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(r.rebind(`UPDATE files SET sheets = ? WHERE id = ?`), string(encoded), fileID)
	return err
}

// SoftDelete marks an entry as gone without losing its provenance.
func (r *Registry) SoftDelete(relPath string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := r.db.Exec(r.rebind(`UPDATE files SET deleted_at = ? WHERE path = ? AND deleted_at IS NULL`),
		now, filepath.ToSlash(relPath))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

const entryColumns = `id, path, original_name, type, size, hash, origin,
	session_id, turn, tool_name, parent_id, sheets, mod_time, created_at, deleted_at`

func (r *Registry) scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var e Entry
	var typ, origin, sheets, modTime, createdAt string
	var deletedAt sql.NullString
	err := row.Scan(&e.ID, &e.Path, &e.OriginalName, &typ, &e.Size, &e.Hash, &origin,
		&e.SessionID, &e.Turn, &e.ToolName, &e.ParentID, &sheets, &modTime, &createdAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Type = FileType(typ)
	e.Origin = Origin(origin)
	json.Unmarshal([]byte(sheets), &e.Sheets)
	e.ModTime, _ = time.Parse(time.RFC3339Nano, modTime)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if deletedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, deletedAt.String); err == nil {
			e.DeletedAt = &t
		}
	}
	return &e, nil
}

// Get returns an entry by id.
func (r *Registry) Get(id string) (*Entry, error) {
	row := r.db.QueryRow(r.rebind(`SELECT `+entryColumns+` FROM files WHERE id = ?`), id)
	return r.scanEntry(row)
}

// GetByPath returns an entry by its workspace-relative path.
func (r *Registry) GetByPath(relPath string) (*Entry, error) {
	row := r.db.QueryRow(r.rebind(`SELECT `+entryColumns+` FROM files WHERE path = ?`),
		filepath.ToSlash(relPath))
	return r.scanEntry(row)
}

// ListActive returns every non-deleted entry ordered by path.
func (r *Registry) ListActive() ([]*Entry, error) {
	rows, err := r.db.Query(`SELECT ` + entryColumns + ` FROM files WHERE deleted_at IS NULL ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResolveForTool turns whatever name the model produced into a real
// workspace path. Resolution order: exact registered path, alias, unique
// original-name or basename match. An unresolvable input is returned as is
// so path validation produces the actual error.
func (r *Registry) ResolveForTool(input string) string {
	candidate := filepath.ToSlash(strings.TrimSpace(input))
	if candidate == "" {
		return input
	}

	if e, err := r.GetByPath(candidate); err == nil && e.DeletedAt == nil {
		return e.Path
	}

	var fileID string
	err := r.db.QueryRow(r.rebind(`SELECT file_id FROM file_aliases WHERE value = ?`), candidate).Scan(&fileID)
	if err == nil {
		if e, err := r.Get(fileID); err == nil && e.DeletedAt == nil {
			return e.Path
		}
	}

	base := strings.ToLower(filepath.Base(candidate))
	rows, err := r.db.Query(r.rebind(`
		SELECT path FROM files
		WHERE deleted_at IS NULL
		  AND (LOWER(original_name) = ? OR LOWER(path) LIKE ? OR LOWER(path) = ?)`),
		base, "%/"+base, base)
	if err != nil {
		return input
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var p string
		if rows.Scan(&p) == nil {
			matches = append(matches, p)
		}
	}
	if len(matches) == 1 {
		r.log.Debug("fuzzy path resolution", "input", input, "resolved", matches[0])
		return matches[0]
	}
	return input
}

// ResolveForDisplay maps a workspace path back to the name the user knows.
func (r *Registry) ResolveForDisplay(relPath string) string {
	e, err := r.GetByPath(relPath)
	if err != nil || e.OriginalName == "" {
		return filepath.Base(relPath)
	}
	return e.OriginalName
}

// ClassifyPath buckets a path by extension.
func ClassifyPath(path string) FileType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm", ".xlsb", ".xls":
		return TypeExcel
	case ".csv", ".tsv":
		return TypeCSV
	case ".txt", ".md", ".json", ".yaml", ".yml", ".py", ".log":
		return TypeText
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".svg", ".webp":
		return TypeImage
	default:
		return TypeOther
	}
}

func newFileID() string {
	return "file_" + ulid.MustNew(ulid.Now(), rand.Reader).String()
}
