package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/excelmanus/excelmanus/pkg/files"
	"github.com/excelmanus/excelmanus/pkg/session"
)

// buildSystemPrompt assembles the per-iteration system message: the active
// skill's instructions, the workspace file panorama, staging and
// copy-on-write notices, and plan status. Rebuilt fresh every LLM call so
// the model always sees current file state.
func (e *Engine) buildSystemPrompt() string {
	var b strings.Builder

	pack := e.activePack()
	b.WriteString(strings.TrimSpace(pack.Instructions))

	if e.filesReg != nil {
		if entries, err := e.filesReg.ListActive(); err == nil && len(entries) > 0 {
			b.WriteString("\n\n## Workspace files\n")
			b.WriteString(files.BuildPanorama(entries))
		}
	}

	if staged := e.tx.StagedRelPaths(); len(staged) > 0 {
		b.WriteString("\n\n## Staged files\n")
		b.WriteString("These files have uncommitted working copies. Reads and writes are redirected to the staged copy until the task finishes:\n")
		for _, key := range staged {
			fmt.Fprintf(&b, "- %s\n", key)
		}
	}

	if cow := e.tx.CoWMappings(); len(cow) > 0 {
		b.WriteString("\n## Protected-file copies\n")
		b.WriteString("Writes to these protected files were redirected to workspace copies. Use the copy path from now on:\n")
		for _, orig := range sortedKeys(cow) {
			fmt.Fprintf(&b, "- %s -> %s\n", orig, cow[orig])
		}
	}

	if p := e.state.Plan(); p != nil {
		fmt.Fprintf(&b, "\n## Active plan: %s\n", p.Title)
		for i, step := range p.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, step)
		}
	}
	if e.state.PlanMode() {
		b.WriteString("\nPlan mode is active: propose a plan with task_create and wait for approval before editing any file.\n")
	}

	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// writeLogLines renders the session's write operations for the verifier.
func writeLogLines(s *session.State) []string {
	ops := s.WriteLog()
	lines := make([]string, 0, len(ops))
	for _, op := range ops {
		line := fmt.Sprintf("turn %d: %s wrote %s", op.Turn, op.Tool, op.Path)
		if op.Summary != "" {
			line += " (" + op.Summary + ")"
		}
		lines = append(lines, line)
	}
	return lines
}
