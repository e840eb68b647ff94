package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/excelmanus/excelmanus/pkg/llms"
)

// Verification levels, from weakest to strongest.
const (
	LevelSkip     = "skip"
	LevelAdvisory = "advisory"
	LevelBlocking = "blocking"
)

const verifierInstructions = "You verify finished spreadsheet work. You receive the task " +
	"description, a summary of the changes and an inventory of the touched files. Inspect " +
	"the workspace with the read tools if needed, then respond with a JSON object: " +
	`{"verdict":"pass"|"fail","confidence":"low"|"medium"|"high","issues":["..."]}. ` +
	"Only report fail when you found a concrete problem."

// Verdict is the verifier's structured judgment.
type Verdict struct {
	Verdict    string   `json:"verdict"`
	Confidence string   `json:"confidence"`
	Issues     []string `json:"issues,omitempty"`
}

// Blocks reports whether this verdict should push the agent back to work at
// blocking strength: only a confident fail does.
func (v *Verdict) Blocks() bool {
	return v.Verdict == "fail" && v.Confidence == "high"
}

// ChooseLevel picks the verification strength from the task's traits.
// Read-only tasks that wrote nothing skip verification entirely; traits that
// historically correlate with silent corruption verify at blocking strength;
// everything else gets an advisory pass.
func ChooseLevel(taskTags []string, wroteFiles bool, readOnlyHint bool) string {
	if readOnlyHint && !wroteFiles {
		return LevelSkip
	}
	blockingTags := map[string]bool{
		"cross_sheet": true,
		"large_data":  true,
		"formula":     true,
		"multi_file":  true,
	}
	for _, tag := range taskTags {
		if blockingTags[tag] {
			return LevelBlocking
		}
	}
	return LevelAdvisory
}

// Verify runs the verifier subagent against a finished task and parses its
// structured verdict. An error means the verifier itself failed; callers
// treat that as fail-open.
func (r *Runner) Verify(ctx context.Context, taskSummary string, writeLog []string) (*Verdict, error) {
	role, ok := r.roles.Get("verifier")
	if !ok {
		return nil, fmt.Errorf("verifier role not registered")
	}

	var prompt strings.Builder
	prompt.WriteString("Task summary:\n")
	prompt.WriteString(taskSummary)
	prompt.WriteString("\n\nRecorded write operations:\n")
	if len(writeLog) == 0 {
		prompt.WriteString("(none)\n")
	}
	for _, entry := range writeLog {
		prompt.WriteString("- " + entry + "\n")
	}
	prompt.WriteString("\nRespond with the verdict JSON object only.")

	resp, err := r.provider.Generate(ctx, &llms.Request{
		Messages: []llms.Message{
			{Role: llms.RoleSystem, Content: role.Instructions},
			{Role: llms.RoleUser, Content: prompt.String()},
		},
		Tools:          r.tools.Definitions(role.allowsScope),
		ResponseFormat: &llms.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("verifier call failed: %w", err)
	}

	verdict, err := parseVerdict(resp.Text)
	if err != nil {
		return nil, err
	}
	r.log.Info("verification verdict",
		"verdict", verdict.Verdict, "confidence", verdict.Confidence, "issues", len(verdict.Issues))
	return verdict, nil
}

// parseVerdict extracts the verdict object, tolerating prose around the
// JSON, which weaker models produce even under json_object mode.
func parseVerdict(text string) (*Verdict, error) {
	text = strings.TrimSpace(text)
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("verifier response contains no JSON object: %.120s", text)
	}

	var v Verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return nil, fmt.Errorf("unparseable verifier verdict: %w", err)
	}
	switch v.Verdict {
	case "pass", "fail":
	default:
		return nil, fmt.Errorf("verifier verdict must be pass or fail, got %q", v.Verdict)
	}
	return &v, nil
}
