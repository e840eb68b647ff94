package files

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func makeEntries(n int) []*Entry {
	out := make([]*Entry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &Entry{
			Path: fmt.Sprintf("uploads/file_%03d.csv", i),
			Type: TypeCSV,
			Size: 1024,
		})
	}
	return out
}

func TestPanoramaEmpty(t *testing.T) {
	assert.Equal(t, "The workspace is empty.", BuildPanorama(nil))
}

func TestPanoramaFullBand(t *testing.T) {
	entries := []*Entry{
		{Path: "uploads/sales.xlsx", OriginalName: "Q3 Sales.xlsx", Type: TypeExcel, Size: 2048, Sheets: []SheetInfo{
			{Name: "Summary", Rows: 20, Cols: 4, HeaderRow: 1},
			{Name: "Raw"},
		}},
		{Path: "outputs/report.csv", Type: TypeCSV, Size: 100, ToolName: "run_code", Turn: 4},
	}
	got := BuildPanorama(entries)
	assert.Contains(t, got, "Workspace files (2):")
	assert.Contains(t, got, `uploaded as "Q3 Sales.xlsx"`)
	assert.Contains(t, got, "sheets: Summary (20x4), Raw")
	assert.Contains(t, got, "produced by run_code in turn 4")
}

func TestPanoramaCompactBand(t *testing.T) {
	got := BuildPanorama(makeEntries(50))
	assert.Contains(t, got, "uploads (user uploads)/")
	assert.Contains(t, got, "file_000.csv")
	assert.NotContains(t, got, "produced by")
}

func TestPanoramaStatsBand(t *testing.T) {
	got := BuildPanorama(makeEntries(150))
	assert.Contains(t, got, "150 files")
	assert.Contains(t, got, "150 csv")
	assert.NotContains(t, got, "file_000.csv", "stats band never lists individual files")
	assert.Less(t, len(strings.Split(got, "\n")), 10)
}
