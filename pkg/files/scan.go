package files

import (
	"bufio"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"
	"github.com/zeebo/blake3"
)

// noiseDirs are directory names a workspace scan never descends into.
var noiseDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	"dist":         true,
	"build":        true,
	".worktrees":   true,
	".versions":    true,
	"backups":      true,
	"approvals":    true,
}

// ListFromDisk builds registry-style entries straight from the filesystem,
// for deployments running without a file registry. The same noise rules as
// ScanWorkspace apply.
func ListFromDisk(root string) ([]*Entry, error) {
	var out []*Entry
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (noiseDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".db") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		out = append(out, &Entry{
			Path:    rel,
			Type:    ClassifyPath(rel),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
		return nil
	})
	return out, err
}

// ScanResult summarizes one pass over the workspace.
type ScanResult struct {
	Added   []string
	Updated []string
	Removed []string
	Elapsed time.Duration
}

type statKey struct {
	size  int64
	mtime int64
}

// Scanner reconciles the registry with what is actually on disk. A stat
// cache keyed by size and mtime keeps repeated scans from re-hashing
// unchanged files.
type Scanner struct {
	mu       sync.Mutex
	root     string
	registry *Registry
	log      *slog.Logger
	seen     map[string]statKey
}

func NewScanner(root string, registry *Registry) *Scanner {
	return &Scanner{
		root:     root,
		registry: registry,
		log:      slog.Default().With("component", "scan"),
		seen:     make(map[string]statKey),
	}
}

// ScanWorkspace walks the whole tree. New files are registered with scan
// origin, changed files are refreshed, and registered files that vanished
// are soft deleted.
func (s *Scanner) ScanWorkspace() (*ScanResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &ScanResult{}
	onDisk := make(map[string]bool)

	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != s.root && (noiseDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".db") {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		onDisk[rel] = true

		info, err := d.Info()
		if err != nil {
			return nil
		}
		key := statKey{size: info.Size(), mtime: info.ModTime().UnixNano()}
		if cached, ok := s.seen[rel]; ok && cached == key {
			return nil
		}

		_, existed := s.seen[rel]
		hash, err := hashFile(path)
		if err != nil {
			s.log.Warn("unreadable file skipped", "path", rel, "error", err)
			return nil
		}

		entry, err := s.registry.RegisterFromScan(rel, info.Size(), hash, info.ModTime())
		if err != nil {
			s.log.Warn("failed to register scanned file", "path", rel, "error", err)
			return nil
		}
		s.enrich(path, entry)

		s.seen[rel] = key
		if existed {
			result.Updated = append(result.Updated, rel)
		} else {
			result.Added = append(result.Added, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries, err := s.registry.ListActive()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if onDisk[e.Path] {
			continue
		}
		if err := s.registry.SoftDelete(e.Path); err == nil {
			delete(s.seen, e.Path)
			result.Removed = append(result.Removed, e.Path)
		}
	}

	result.Elapsed = time.Since(start)
	s.log.Debug("workspace scanned",
		"added", len(result.Added), "updated", len(result.Updated),
		"removed", len(result.Removed), "elapsed", result.Elapsed)
	return result, nil
}

// enrich attaches type-specific metadata: per-sheet dimensions and header
// rows for workbooks, a header sample for CSVs.
func (s *Scanner) enrich(absPath string, entry *Entry) {
	switch entry.Type {
	case TypeExcel:
		sheets, err := readSheetInfo(absPath)
		if err != nil {
			s.log.Debug("failed to read workbook sheets", "path", entry.Path, "error", err)
			return
		}
		if err := s.registry.SetSheets(entry.ID, sheets); err != nil {
			s.log.Warn("failed to store sheet metadata", "path", entry.Path, "error", err)
		}
	case TypeCSV:
		header, err := sampleCSVHeader(absPath)
		if err != nil || header == "" {
			return
		}
		info := SheetInfo{Name: header, Cols: 1 + strings.Count(header, ","), HeaderRow: 1}
		if err := s.registry.SetSheets(entry.ID, []SheetInfo{info}); err != nil {
			s.log.Warn("failed to store csv header", "path", entry.Path, "error", err)
		}
	}
}

func readSheetInfo(path string) ([]SheetInfo, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var infos []SheetInfo
	for _, name := range f.GetSheetList() {
		info := SheetInfo{Name: name}
		if dim, err := f.GetSheetDimension(name); err == nil {
			info.Rows, info.Cols = dimensionSize(dim)
		}
		rows, cols, header := measureSheet(f, name)
		// Not every writer keeps the dimension record current; trust
		// whichever source saw more.
		if rows > info.Rows {
			info.Rows = rows
		}
		if cols > info.Cols {
			info.Cols = cols
		}
		info.HeaderRow = header
		infos = append(infos, info)
	}
	return infos, nil
}

// dimensionSize converts a dimension ref like "A1:D20" into row and column
// counts. A single-cell ref counts as 1x1.
func dimensionSize(dim string) (rows, cols int) {
	parts := strings.Split(dim, ":")
	endCol, endRow, err := excelize.CellNameToCoordinates(parts[len(parts)-1])
	if err != nil {
		return 0, 0
	}
	startCol, startRow := 1, 1
	if len(parts) == 2 {
		if c, r, err := excelize.CellNameToCoordinates(parts[0]); err == nil {
			startCol, startRow = c, r
		}
	}
	return endRow - startRow + 1, endCol - startCol + 1
}

// measureSheet streams the sheet's cells, returning the row count, the widest
// row, and the first row with any content. headerRow is zero for an empty
// sheet.
func measureSheet(f *excelize.File, sheet string) (rows, cols, headerRow int) {
	it, err := f.Rows(sheet)
	if err != nil {
		return 0, 0, 0
	}
	defer it.Close()

	for it.Next() {
		rows++
		cells, err := it.Columns()
		if err != nil {
			continue
		}
		if len(cells) > cols {
			cols = len(cells)
		}
		if headerRow == 0 {
			for _, c := range cells {
				if strings.TrimSpace(c) != "" {
					headerRow = rows
					break
				}
			}
		}
	}
	return rows, cols, headerRow
}

// sampleCSVHeader returns the first line, capped to keep panoramas small.
func sampleCSVHeader(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(io.LimitReader(f, 64<<10))
	if !scanner.Scan() {
		return "", scanner.Err()
	}
	header := strings.TrimSpace(scanner.Text())
	if len(header) > 200 {
		header = header[:200]
	}
	return header, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
