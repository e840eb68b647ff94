package files

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

const (
	panoramaFullLimit    = 20
	panoramaCompactLimit = 100
)

// semanticDirLabels give the summary band a human reading of well-known
// workspace directories.
var semanticDirLabels = map[string]string{
	"uploads": "user uploads",
	"outputs": "agent outputs",
	".":       "workspace root",
}

// BuildPanorama renders the registry as a prompt-sized overview. Small
// workspaces get a full listing, medium ones a compact per-directory
// listing, and large ones per-directory statistics only, so the panorama
// never dominates the context window.
func BuildPanorama(entries []*Entry) string {
	if len(entries) == 0 {
		return "The workspace is empty."
	}

	sorted := make([]*Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var b strings.Builder
	fmt.Fprintf(&b, "Workspace files (%d):\n", len(sorted))

	switch {
	case len(sorted) <= panoramaFullLimit:
		writeFullBand(&b, sorted)
	case len(sorted) <= panoramaCompactLimit:
		writeCompactBand(&b, sorted)
	default:
		writeStatsBand(&b, sorted)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeFullBand(b *strings.Builder, entries []*Entry) {
	for _, e := range entries {
		fmt.Fprintf(b, "- %s (%s, %s", e.Path, e.Type, humanSize(e.Size))
		if e.OriginalName != "" && e.OriginalName != path.Base(e.Path) {
			fmt.Fprintf(b, ", uploaded as %q", e.OriginalName)
		}
		if e.Type == TypeExcel && len(e.Sheets) > 0 {
			fmt.Fprintf(b, ", sheets: %s", strings.Join(sheetSummaries(e.Sheets), ", "))
		}
		if e.ToolName != "" {
			fmt.Fprintf(b, ", produced by %s in turn %d", e.ToolName, e.Turn)
		}
		b.WriteString(")\n")
	}
}

// sheetSummaries renders sheet metadata as "Name (RowsxCols)", falling back
// to the bare name when dimensions are unknown.
func sheetSummaries(sheets []SheetInfo) []string {
	out := make([]string, 0, len(sheets))
	for _, s := range sheets {
		if s.Rows > 0 && s.Cols > 0 {
			out = append(out, fmt.Sprintf("%s (%dx%d)", s.Name, s.Rows, s.Cols))
			continue
		}
		out = append(out, s.Name)
	}
	return out
}

func writeCompactBand(b *strings.Builder, entries []*Entry) {
	byDir := groupByDir(entries)
	for _, dir := range sortedDirs(byDir) {
		fmt.Fprintf(b, "%s/\n", displayDir(dir))
		for _, e := range byDir[dir] {
			fmt.Fprintf(b, "  %s (%s)\n", path.Base(e.Path), humanSize(e.Size))
		}
	}
}

func writeStatsBand(b *strings.Builder, entries []*Entry) {
	byDir := groupByDir(entries)
	for _, dir := range sortedDirs(byDir) {
		group := byDir[dir]
		var total int64
		counts := make(map[FileType]int)
		for _, e := range group {
			total += e.Size
			counts[e.Type]++
		}
		var kinds []string
		for _, t := range []FileType{TypeExcel, TypeCSV, TypeText, TypeImage, TypeOther} {
			if counts[t] > 0 {
				kinds = append(kinds, fmt.Sprintf("%d %s", counts[t], t))
			}
		}
		fmt.Fprintf(b, "- %s: %d files, %s (%s)\n",
			displayDir(dir), len(group), humanSize(total), strings.Join(kinds, ", "))
	}
}

func groupByDir(entries []*Entry) map[string][]*Entry {
	byDir := make(map[string][]*Entry)
	for _, e := range entries {
		dir := path.Dir(e.Path)
		byDir[dir] = append(byDir[dir], e)
	}
	return byDir
}

func sortedDirs(byDir map[string][]*Entry) []string {
	dirs := make([]string, 0, len(byDir))
	for dir := range byDir {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

func displayDir(dir string) string {
	top := dir
	if i := strings.IndexByte(dir, '/'); i > 0 {
		top = dir[:i]
	}
	if label, ok := semanticDirLabels[top]; ok {
		return fmt.Sprintf("%s (%s)", dir, label)
	}
	return dir
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
