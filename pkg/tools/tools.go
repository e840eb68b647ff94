// Package tools defines the operations the LLM can invoke. Every tool
// carries a JSON-schema parameter description, a write-effect tag the engine
// uses to pre-compute write hints, a scope label skill packs filter on, and
// a result-size cap. Built-in spreadsheet tools live here; control-flow
// tools (finish_task, ask_user, delegate, ...) are declared here but
// executed by the dispatcher's handler strategies.
package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/excelmanus/excelmanus/pkg/files"
	"github.com/excelmanus/excelmanus/pkg/llms"
	"github.com/excelmanus/excelmanus/pkg/registry"
	"github.com/excelmanus/excelmanus/pkg/workspace"
)

// WriteEffect tags what a tool may do to the workspace.
type WriteEffect string

const (
	WriteNone        WriteEffect = "none"
	WriteWorkspace   WriteEffect = "workspace_write"
	WriteDestructive WriteEffect = "workspace_destructive"
)

// DefaultMaxResultChars caps tool results that did not configure their own.
const DefaultMaxResultChars = 20000

// Handler executes one tool invocation and returns the string the LLM sees.
type Handler func(ctx context.Context, inv *Invocation) (string, error)

// Tool is one registered operation.
type Tool struct {
	Name           string
	Description    string
	Parameters     map[string]any
	WriteEffect    WriteEffect
	MaxResultChars int
	Scope          string

	// Audited tools get an audit record even though they run directly.
	Audited bool
	// HighRisk tools need explicit user approval unless the session runs
	// with full access.
	HighRisk bool

	// Handler is nil for control-flow tools the dispatcher executes itself.
	Handler Handler

	schemaOnce sync.Once
	schema     *jsonschemav5.Schema
	schemaErr  error
}

// Definition renders the tool for the LLM provider contract.
func (t *Tool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
	}
}

// ValidateArgs checks parsed arguments against the tool's JSON schema. Tools
// without a schema accept anything.
func (t *Tool) ValidateArgs(args map[string]any) error {
	if t.Parameters == nil {
		return nil
	}
	t.schemaOnce.Do(func() {
		t.schema, t.schemaErr = compileSchema(t.Name, t.Parameters)
	})
	if t.schemaErr != nil {
		// A broken schema is a programming error; do not block the call.
		return nil
	}
	if err := t.schema.Validate(normalizeForValidation(args)); err != nil {
		return fmt.Errorf("invalid arguments for %s: %w", t.Name, err)
	}
	return nil
}

// Truncate bounds a result string to the tool's configured cap.
func (t *Tool) Truncate(result string) string {
	limit := t.MaxResultChars
	if limit <= 0 {
		limit = DefaultMaxResultChars
	}
	if len(result) <= limit {
		return result
	}
	omitted := len(result) - limit
	return result[:limit] + fmt.Sprintf("\n... [result truncated, %d chars omitted]", omitted)
}

// Env is the per-session environment tools execute against.
type Env struct {
	Workspace *workspace.Workspace
	Tx        *workspace.Transaction
	Files     *files.Registry
	SessionID string
}

// Invocation carries one call's arguments and collects its side effects.
type Invocation struct {
	CallID string
	Turn   int
	Args   map[string]any
	Env    *Env

	mu    sync.Mutex
	wrote []string
}

// ReportWrite records a workspace-relative path the call modified. The
// engine turns these into turn checkpoints and files_changed events.
func (inv *Invocation) ReportWrite(relPath string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, p := range inv.wrote {
		if p == relPath {
			return
		}
	}
	inv.wrote = append(inv.wrote, relPath)
}

// WrittenPaths returns the paths reported so far.
func (inv *Invocation) WrittenPaths() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]string, len(inv.wrote))
	copy(out, inv.wrote)
	return out
}

// ResolvePath turns a model-supplied file reference into a workspace
// relative key: registry aliases first, then the path boundary check.
func (inv *Invocation) ResolvePath(input string) (string, error) {
	candidate := input
	if inv.Env.Files != nil {
		candidate = inv.Env.Files.ResolveForTool(input)
	}
	abs, err := inv.Env.Workspace.Resolve(candidate)
	if err != nil {
		return "", err
	}
	return inv.Env.Workspace.RelKey(abs)
}

// Registry holds the tools available to a session.
type Registry struct {
	*registry.BaseRegistry[*Tool]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[*Tool]()}
}

// RegisterTool adds a tool under its own name.
func (r *Registry) RegisterTool(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("tool needs a name")
	}
	return r.Register(t.Name, t)
}

// GetTool returns a tool or an error naming the missing entry.
func (r *Registry) GetTool(name string) (*Tool, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q (available: %s)", name, strings.Join(r.Names(), ", "))
	}
	return t, nil
}

// Definitions renders every registered tool for the provider request,
// filtered by an optional scope predicate.
func (r *Registry) Definitions(allow func(scope string) bool) []llms.ToolDefinition {
	var defs []llms.ToolDefinition
	for _, t := range r.List() {
		if allow != nil && !allow(t.Scope) {
			continue
		}
		defs = append(defs, t.Definition())
	}
	return defs
}

// WriteHintFor classifies a tool name for the engine's pre-call hint:
// read_only, may_write or unknown.
func (r *Registry) WriteHintFor(name string) string {
	t, ok := r.Get(name)
	if !ok {
		return "unknown"
	}
	if t.WriteEffect == WriteNone {
		return "read_only"
	}
	return "may_write"
}
