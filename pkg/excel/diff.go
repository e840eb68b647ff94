// Package excel computes human-readable change summaries between two
// revisions of a file: per-cell deltas for workbooks, line diffs for text
// and CSV. The engine attaches these summaries to change events so the user
// sees what a tool actually did before deciding to keep it.
package excel

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/xuri/excelize/v2"
)

// maxDeltasPerSheet caps how many cell changes one sheet reports. Beyond
// the cap only the count is kept.
const maxDeltasPerSheet = 200

// CellDelta is one changed cell.
type CellDelta struct {
	Cell string `json:"cell"`
	Old  string `json:"old"`
	New  string `json:"new"`
}

// SheetDiff describes changes within one sheet.
type SheetDiff struct {
	Name      string      `json:"name"`
	Added     bool        `json:"added,omitempty"`
	Removed   bool        `json:"removed,omitempty"`
	Deltas    []CellDelta `json:"deltas,omitempty"`
	Truncated int         `json:"truncated,omitempty"` // deltas beyond the cap
}

// WorkbookDiff is the full comparison of two workbook revisions.
type WorkbookDiff struct {
	Sheets []SheetDiff `json:"sheets"`
}

// Empty reports whether the two revisions are identical.
func (d *WorkbookDiff) Empty() bool {
	for _, s := range d.Sheets {
		if s.Added || s.Removed || len(s.Deltas) > 0 || s.Truncated > 0 {
			return false
		}
	}
	return true
}

// Summary renders the diff for inclusion in events and prompts.
func (d *WorkbookDiff) Summary() string {
	if d.Empty() {
		return "no cell changes"
	}
	var b strings.Builder
	for _, s := range d.Sheets {
		switch {
		case s.Added:
			fmt.Fprintf(&b, "sheet %q added\n", s.Name)
			continue
		case s.Removed:
			fmt.Fprintf(&b, "sheet %q removed\n", s.Name)
			continue
		}
		total := len(s.Deltas) + s.Truncated
		fmt.Fprintf(&b, "sheet %q: %d cells changed\n", s.Name, total)
		for _, delta := range s.Deltas {
			fmt.Fprintf(&b, "  %s: %q -> %q\n", delta.Cell, delta.Old, delta.New)
		}
		if s.Truncated > 0 {
			fmt.Fprintf(&b, "  ... and %d more\n", s.Truncated)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// DiffWorkbooks compares two workbook files cell by cell.
func DiffWorkbooks(oldPath, newPath string) (*WorkbookDiff, error) {
	oldBook, err := openOrEmpty(oldPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", oldPath, err)
	}
	if oldBook != nil {
		defer oldBook.Close()
	}
	newBook, err := openOrEmpty(newPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", newPath, err)
	}
	if newBook != nil {
		defer newBook.Close()
	}

	oldSheets := sheetSet(oldBook)
	newSheets := sheetSet(newBook)

	names := make([]string, 0, len(oldSheets)+len(newSheets))
	seen := make(map[string]bool)
	for _, set := range []map[string]bool{oldSheets, newSheets} {
		for name := range set {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)

	diff := &WorkbookDiff{}
	for _, name := range names {
		switch {
		case !oldSheets[name]:
			diff.Sheets = append(diff.Sheets, SheetDiff{Name: name, Added: true})
		case !newSheets[name]:
			diff.Sheets = append(diff.Sheets, SheetDiff{Name: name, Removed: true})
		default:
			sd, err := diffSheet(oldBook, newBook, name)
			if err != nil {
				return nil, err
			}
			if len(sd.Deltas) > 0 || sd.Truncated > 0 {
				diff.Sheets = append(diff.Sheets, sd)
			}
		}
	}
	return diff, nil
}

func openOrEmpty(path string) (*excelize.File, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return excelize.OpenFile(path)
}

func sheetSet(f *excelize.File) map[string]bool {
	set := make(map[string]bool)
	if f == nil {
		return set
	}
	for _, name := range f.GetSheetList() {
		set[name] = true
	}
	return set
}

func diffSheet(oldBook, newBook *excelize.File, sheet string) (SheetDiff, error) {
	sd := SheetDiff{Name: sheet}

	oldCells, err := sheetCells(oldBook, sheet)
	if err != nil {
		return sd, err
	}
	newCells, err := sheetCells(newBook, sheet)
	if err != nil {
		return sd, err
	}

	refs := make([]string, 0, len(oldCells)+len(newCells))
	seen := make(map[string]bool)
	for _, cells := range []map[string]string{oldCells, newCells} {
		for ref := range cells {
			if !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
	}
	sortCellRefs(refs)

	for _, ref := range refs {
		oldVal := oldCells[ref]
		newVal := newCells[ref]
		if oldVal == newVal {
			continue
		}
		if len(sd.Deltas) >= maxDeltasPerSheet {
			sd.Truncated++
			continue
		}
		sd.Deltas = append(sd.Deltas, CellDelta{Cell: ref, Old: oldVal, New: newVal})
	}
	return sd, nil
}

// sheetCells flattens a sheet into ref -> value, dropping empty cells.
func sheetCells(f *excelize.File, sheet string) (map[string]string, error) {
	out := make(map[string]string)
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}
	for r, row := range rows {
		for c, val := range row {
			if val == "" {
				continue
			}
			ref, err := excelize.CoordinatesToCellName(c+1, r+1)
			if err != nil {
				return nil, err
			}
			out[ref] = val
		}
	}
	return out, nil
}

// sortCellRefs orders A1-style references row-major.
func sortCellRefs(refs []string) {
	sort.Slice(refs, func(i, j int) bool {
		ci, ri, erri := excelize.CellNameToCoordinates(refs[i])
		cj, rj, errj := excelize.CellNameToCoordinates(refs[j])
		if erri != nil || errj != nil {
			return refs[i] < refs[j]
		}
		if ri != rj {
			return ri < rj
		}
		return ci < cj
	})
}

// DiffText produces a compact line-oriented diff of two text revisions.
func DiffText(oldContent, newContent string) string {
	if oldContent == newContent {
		return "no changes"
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffEqual:
			continue
		}
		for _, line := range strings.Split(strings.TrimRight(d.Text, "\n"), "\n") {
			out.WriteString(prefix)
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	return strings.TrimRight(out.String(), "\n")
}

// DiffFiles dispatches on file type: workbooks get a cell diff, everything
// else a text diff. Returns a summary string for events.
func DiffFiles(oldPath, newPath string) (string, error) {
	switch strings.ToLower(filepath.Ext(newPath)) {
	case ".xlsx", ".xlsm", ".xlsb", ".xls":
		diff, err := DiffWorkbooks(oldPath, newPath)
		if err != nil {
			return "", err
		}
		return diff.Summary(), nil
	default:
		oldData, err := os.ReadFile(oldPath)
		if err != nil && !os.IsNotExist(err) {
			return "", err
		}
		newData, err := os.ReadFile(newPath)
		if err != nil && !os.IsNotExist(err) {
			return "", err
		}
		return DiffText(string(oldData), string(newData)), nil
	}
}
