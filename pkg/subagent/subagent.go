// Package subagent runs short, scoped sub-conversations on behalf of the
// main session: delegated subtasks, parallel fan-outs, and the verifier that
// double-checks finished work. A subagent shares the parent's workspace and
// tool environment but has its own history, a restricted tool scope, and a
// tight iteration cap. Its file writes are reported back so the parent can
// checkpoint them.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/excelmanus/excelmanus/pkg/llms"
	"github.com/excelmanus/excelmanus/pkg/registry"
	"github.com/excelmanus/excelmanus/pkg/tools"
)

// DefaultMaxIterations caps a subagent's tool loop.
const DefaultMaxIterations = 8

// DefaultMaxParallel bounds parallel_delegate fan-outs.
const DefaultMaxParallel = 4

// Role describes one subagent specialization.
type Role struct {
	Name          string
	Description   string
	Instructions  string
	ToolScopes    []string
	MaxIterations int
}

func (r *Role) allowsScope(scope string) bool {
	if len(r.ToolScopes) == 0 {
		return true
	}
	for _, s := range r.ToolScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Request is one delegated subtask.
type Request struct {
	Role   string
	Prompt string
}

// Result is what a subagent run hands back to the parent.
type Result struct {
	Role         string        `json:"role"`
	Success      bool          `json:"success"`
	Output       string        `json:"output,omitempty"`
	Error        string        `json:"error,omitempty"`
	WrittenPaths []string      `json:"written_paths,omitempty"`
	Iterations   int           `json:"iterations"`
	Duration     time.Duration `json:"-"`
}

// Runner executes subagent conversations.
type Runner struct {
	provider llms.Provider
	tools    *tools.Registry
	env      *tools.Env
	roles    *registry.BaseRegistry[*Role]
	parallel int
	log      *slog.Logger
}

func NewRunner(provider llms.Provider, toolReg *tools.Registry, env *tools.Env) *Runner {
	r := &Runner{
		provider: provider,
		tools:    toolReg,
		env:      env,
		roles:    registry.NewBaseRegistry[*Role](),
		parallel: DefaultMaxParallel,
		log:      slog.Default().With("component", "subagent"),
	}
	for _, role := range defaultRoles() {
		r.roles.Register(role.Name, role)
	}
	return r
}

// RegisterRole installs an additional role, replacing any default with the
// same name.
func (r *Runner) RegisterRole(role *Role) {
	r.roles.Replace(role.Name, role)
}

// Roles lists the available role names with descriptions.
func (r *Runner) Roles() string {
	var b strings.Builder
	for _, role := range r.roles.List() {
		fmt.Fprintf(&b, "- %s: %s\n", role.Name, role.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Run executes one delegated subtask to completion.
func (r *Runner) Run(ctx context.Context, req Request) *Result {
	start := time.Now()
	result := &Result{Role: req.Role}

	role, ok := r.roles.Get(req.Role)
	if !ok {
		result.Error = fmt.Sprintf("unknown subagent role %q (available: %s)",
			req.Role, strings.Join(r.roles.Names(), ", "))
		return result
	}

	maxIter := role.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	messages := []llms.Message{
		{Role: llms.RoleSystem, Content: role.Instructions},
		{Role: llms.RoleUser, Content: req.Prompt},
	}
	defs := r.tools.Definitions(role.allowsScope)

	for iter := 1; iter <= maxIter; iter++ {
		resp, err := r.provider.Generate(ctx, &llms.Request{Messages: messages, Tools: defs})
		if err != nil {
			result.Error = fmt.Sprintf("subagent LLM call failed: %v", err)
			result.Iterations = iter
			result.Duration = time.Since(start)
			return result
		}

		messages = append(messages, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			result.Success = true
			result.Output = resp.Text
			result.Iterations = iter
			result.Duration = time.Since(start)
			return result
		}

		for _, call := range resp.ToolCalls {
			if call.Name == "finish_task" {
				result.Success = true
				result.Output = finishSummary(call.Arguments, resp.Text)
				result.Iterations = iter
				result.Duration = time.Since(start)
				return result
			}
			output := r.executeTool(ctx, role, call, result)
			messages = append(messages, llms.Message{
				Role:       llms.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    output,
			})
		}
	}

	result.Error = fmt.Sprintf("subagent %q hit the iteration cap (%d) without finishing", req.Role, maxIter)
	result.Iterations = maxIter
	result.Duration = time.Since(start)
	return result
}

// executeTool runs one direct tool for a subagent. Control-flow tools other
// than finish_task are refused: a subagent cannot ask the user questions or
// delegate further.
func (r *Runner) executeTool(ctx context.Context, role *Role, call llms.ToolCall, result *Result) string {
	tool, err := r.tools.GetTool(call.Name)
	if err != nil {
		return "Error: " + err.Error()
	}
	if !role.allowsScope(tool.Scope) {
		return fmt.Sprintf("Error: tool %s is outside this subagent's scope", call.Name)
	}
	if tool.Handler == nil {
		return fmt.Sprintf("Error: tool %s is not available to subagents", call.Name)
	}

	args, err := parseArgs(call.Arguments)
	if err != nil {
		return "Error: " + err.Error()
	}
	if err := tool.ValidateArgs(args); err != nil {
		return "Error: " + err.Error()
	}

	inv := &tools.Invocation{CallID: call.ID, Args: args, Env: r.env}
	output, err := tool.Handler(ctx, inv)
	for _, p := range inv.WrittenPaths() {
		result.WrittenPaths = append(result.WrittenPaths, p)
	}
	if err != nil {
		return "Error: " + err.Error()
	}
	return tool.Truncate(output)
}

// parseArgs normalizes raw tool-call arguments the same way the dispatcher
// does: object map, JSON object string, or empty.
func parseArgs(raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err == nil {
		return out, nil
	}
	var nested string
	if err := json.Unmarshal(raw, &nested); err == nil {
		if err := json.Unmarshal([]byte(nested), &out); err == nil {
			return out, nil
		}
	}
	return nil, fmt.Errorf("tool arguments must be a JSON object, got: %.80s", trimmed)
}

func finishSummary(raw json.RawMessage, fallback string) string {
	args, err := parseArgs(raw)
	if err == nil {
		if summary, ok := args["summary"].(string); ok && summary != "" {
			return summary
		}
	}
	return fallback
}

// RunParallel fans requests out over a bounded worker group and returns the
// results in request order. Individual failures land in their own Result;
// the fan-out itself never errors.
func (r *Runner) RunParallel(ctx context.Context, reqs []Request) []*Result {
	results := make([]*Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallel)

	for i, req := range reqs {
		g.Go(func() error {
			results[i] = r.Run(gctx, req)
			return nil
		})
	}
	g.Wait()
	return results
}

func defaultRoles() []*Role {
	return []*Role{
		{
			Name:        "analyst",
			Description: "General-purpose helper for reading and summarizing workspace data",
			Instructions: "You are a spreadsheet analyst. Use the available tools to inspect " +
				"the workspace and answer the delegated question. Reply with a concise answer " +
				"or call finish_task with a summary.",
			ToolScopes:    []string{"files", "excel", "core"},
			MaxIterations: DefaultMaxIterations,
		},
		{
			Name:        "editor",
			Description: "Performs delegated spreadsheet edits",
			Instructions: "You are a spreadsheet editor. Perform exactly the requested edits " +
				"with the available tools, then call finish_task describing what you changed.",
			ToolScopes:    []string{"files", "excel", "core"},
			MaxIterations: DefaultMaxIterations,
		},
		{
			Name:          "verifier",
			Description:   "Checks finished work against the task description",
			Instructions:  verifierInstructions,
			ToolScopes:    []string{"files", "excel"},
			MaxIterations: 4,
		},
	}
}
