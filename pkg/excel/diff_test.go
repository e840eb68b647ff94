package excel

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func writeWorkbook(t *testing.T, path string, cells map[string]map[string]any) {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	first := true
	for sheet, values := range cells {
		if first {
			require.NoError(t, f.SetSheetName("Sheet1", sheet))
			first = false
		} else {
			_, err := f.NewSheet(sheet)
			require.NoError(t, err)
		}
		for ref, val := range values {
			require.NoError(t, f.SetCellValue(sheet, ref, val))
		}
	}
	require.NoError(t, f.SaveAs(path))
}

func TestDiffWorkbooksCellDeltas(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.xlsx")
	newPath := filepath.Join(dir, "new.xlsx")

	writeWorkbook(t, oldPath, map[string]map[string]any{
		"Data": {"A1": "region", "B1": "revenue", "B2": 100},
	})
	writeWorkbook(t, newPath, map[string]map[string]any{
		"Data": {"A1": "region", "B1": "revenue", "B2": 250, "C1": "growth"},
	})

	diff, err := DiffWorkbooks(oldPath, newPath)
	require.NoError(t, err)
	require.False(t, diff.Empty())
	require.Len(t, diff.Sheets, 1)

	sheet := diff.Sheets[0]
	assert.Equal(t, "Data", sheet.Name)
	require.Len(t, sheet.Deltas, 2)
	assert.Equal(t, CellDelta{Cell: "C1", Old: "", New: "growth"}, sheet.Deltas[0])
	assert.Equal(t, CellDelta{Cell: "B2", Old: "100", New: "250"}, sheet.Deltas[1])

	summary := diff.Summary()
	assert.Contains(t, summary, `sheet "Data": 2 cells changed`)
	assert.Contains(t, summary, `B2: "100" -> "250"`)
}

func TestDiffWorkbooksSheetAddRemove(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old.xlsx")
	newPath := filepath.Join(dir, "new.xlsx")

	writeWorkbook(t, oldPath, map[string]map[string]any{
		"Keep": {"A1": "x"}, "Gone": {"A1": "y"},
	})
	writeWorkbook(t, newPath, map[string]map[string]any{
		"Keep": {"A1": "x"}, "Fresh": {"A1": "z"},
	})

	diff, err := DiffWorkbooks(oldPath, newPath)
	require.NoError(t, err)

	byName := map[string]SheetDiff{}
	for _, s := range diff.Sheets {
		byName[s.Name] = s
	}
	assert.True(t, byName["Fresh"].Added)
	assert.True(t, byName["Gone"].Removed)
	_, hasKeep := byName["Keep"]
	assert.False(t, hasKeep, "unchanged sheets stay out of the diff")
}

func TestDiffWorkbooksMissingOldFile(t *testing.T) {
	dir := t.TempDir()
	newPath := filepath.Join(dir, "new.xlsx")
	writeWorkbook(t, newPath, map[string]map[string]any{"Data": {"A1": 1}})

	diff, err := DiffWorkbooks(filepath.Join(dir, "never.xlsx"), newPath)
	require.NoError(t, err)
	require.Len(t, diff.Sheets, 1)
	assert.True(t, diff.Sheets[0].Added, "a brand new file reports every sheet as added")
}

func TestDiffWorkbooksIdentical(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "same.xlsx")
	writeWorkbook(t, p, map[string]map[string]any{"Data": {"A1": "v"}})

	diff, err := DiffWorkbooks(p, p)
	require.NoError(t, err)
	assert.True(t, diff.Empty())
	assert.Equal(t, "no cell changes", diff.Summary())
}

func TestDiffText(t *testing.T) {
	got := DiffText("a,b\n1,2\n", "a,b\n1,3\n")
	assert.Contains(t, got, "-1,2")
	assert.Contains(t, got, "+1,3")
	assert.NotContains(t, got, "a,b", "unchanged lines are omitted")

	assert.Equal(t, "no changes", DiffText("same", "same"))
}
