package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/excelmanus/excelmanus/pkg/interaction"
	"github.com/excelmanus/excelmanus/pkg/session"
	"github.com/excelmanus/excelmanus/pkg/subagent"
	"github.com/excelmanus/excelmanus/pkg/tools"
)

// execute runs a registered tool directly and folds its reported writes
// into the outcome and the session write log.
func execute(ctx context.Context, deps *Deps, call *Call, t *tools.Tool) *Outcome {
	inv := &tools.Invocation{
		CallID: call.ID,
		Turn:   deps.State.Iteration(),
		Args:   call.Args,
		Env:    deps.Env,
	}
	result, err := runTool(ctx, t, inv)
	if err != nil {
		return errorOutcome(err)
	}

	wrote := inv.WrittenPaths()
	for _, p := range wrote {
		deps.State.RecordWriteAction(t.Name, p, result)
	}
	return &Outcome{Result: result, WrittenPaths: wrote}
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Skill activation
// ---------------------------------------------------------------------------

type skillActivationHandler struct{ deps *Deps }

func (h *skillActivationHandler) Name() string             { return "skill_activation" }
func (h *skillActivationHandler) CanHandle(tool string) bool { return tool == "activate_skill" }

func (h *skillActivationHandler) Handle(_ context.Context, call *Call) *Outcome {
	name := stringArg(call.Args, "skill")
	if name == "" {
		return errorOutcome(&ArgumentError{Tool: call.Name, Detail: "missing required argument: skill"})
	}
	pack, err := h.deps.Skills.GetPack(name)
	if err != nil {
		return errorOutcome(err)
	}
	h.deps.State.SetActiveSkill(pack.Name)
	return &Outcome{Result: fmt.Sprintf("Skill pack %q is now active. %s", pack.Name, pack.Description)}
}

// ---------------------------------------------------------------------------
// Delegation
// ---------------------------------------------------------------------------

type delegationHandler struct{ deps *Deps }

func (h *delegationHandler) Name() string { return "delegation" }
func (h *delegationHandler) CanHandle(tool string) bool {
	return tool == "delegate" || tool == "parallel_delegate" || tool == "list_subagents"
}

func (h *delegationHandler) Handle(ctx context.Context, call *Call) *Outcome {
	if h.deps.Subagents == nil {
		return errorOutcome(fmt.Errorf("delegation is not available in this session"))
	}

	switch call.Name {
	case "list_subagents":
		return &Outcome{Result: "Available subagents:\n" + h.deps.Subagents.Roles()}

	case "delegate":
		req := subagent.Request{
			Role:   stringArg(call.Args, "role"),
			Prompt: stringArg(call.Args, "prompt"),
		}
		if req.Role == "" || req.Prompt == "" {
			return errorOutcome(&ArgumentError{Tool: call.Name, Detail: "role and prompt are required"})
		}
		result := h.deps.Subagents.Run(ctx, req)
		return h.mergeResults(result)

	default: // parallel_delegate
		rawTasks, ok := call.Args["tasks"].([]any)
		if !ok || len(rawTasks) == 0 {
			return errorOutcome(&ArgumentError{Tool: call.Name, Detail: "tasks must be a non-empty array"})
		}
		var reqs []subagent.Request
		for _, raw := range rawTasks {
			task, ok := raw.(map[string]any)
			if !ok {
				return errorOutcome(&ArgumentError{Tool: call.Name, Detail: "each task needs role and prompt"})
			}
			reqs = append(reqs, subagent.Request{
				Role:   stringArg(task, "role"),
				Prompt: stringArg(task, "prompt"),
			})
		}
		results := h.deps.Subagents.RunParallel(ctx, reqs)
		return h.mergeResults(results...)
	}
}

// mergeResults folds subagent outcomes into the parent session: written
// paths are recorded so checkpoints and the finish gate see them.
func (h *delegationHandler) mergeResults(results ...*subagent.Result) *Outcome {
	out := &Outcome{}
	var b strings.Builder
	allFailed := true

	for i, r := range results {
		if len(results) > 1 {
			fmt.Fprintf(&b, "[%d/%d] ", i+1, len(results))
		}
		if r.Success {
			allFailed = false
			fmt.Fprintf(&b, "subagent %s finished in %d iteration(s): %s\n", r.Role, r.Iterations, r.Output)
		} else {
			fmt.Fprintf(&b, "subagent %s failed: %s\n", r.Role, r.Error)
		}
		for _, p := range r.WrittenPaths {
			h.deps.State.RecordWriteAction("delegate:"+r.Role, p, "written by subagent")
			out.WrittenPaths = append(out.WrittenPaths, p)
		}
	}

	out.Result = strings.TrimRight(b.String(), "\n")
	out.IsError = allFailed
	return out
}

// ---------------------------------------------------------------------------
// Finish task
// ---------------------------------------------------------------------------

type finishTaskHandler struct{ deps *Deps }

func (h *finishTaskHandler) Name() string             { return "finish_task" }
func (h *finishTaskHandler) CanHandle(tool string) bool { return tool == "finish_task" }

func (h *finishTaskHandler) Handle(ctx context.Context, call *Call) *Outcome {
	summary := stringArg(call.Args, "summary")
	tags := stringSliceArg(call.Args, "task_tags")

	if h.deps.Gate == nil {
		return &Outcome{Result: "Task finished: " + summary, Finished: true}
	}
	accepted, message := h.deps.Gate.Evaluate(ctx, summary, tags)
	return &Outcome{Result: message, Finished: accepted}
}

// ---------------------------------------------------------------------------
// Ask user
// ---------------------------------------------------------------------------

type askUserHandler struct{ deps *Deps }

func (h *askUserHandler) Name() string             { return "ask_user" }
func (h *askUserHandler) CanHandle(tool string) bool { return tool == "ask_user" }

func (h *askUserHandler) Handle(ctx context.Context, call *Call) *Outcome {
	text := stringArg(call.Args, "question")
	if text == "" {
		return errorOutcome(&ArgumentError{Tool: call.Name, Detail: "missing required argument: question"})
	}
	options := stringSliceArg(call.Args, "options")
	multi, _ := call.Args["multi_select"].(bool)

	pending := h.deps.Interactions.Create(interaction.KindQuestion, text, map[string]any{
		"header":       stringArg(call.Args, "header"),
		"options":      options,
		"multi_select": multi,
	})
	if h.deps.Questions != nil {
		h.deps.Questions.Enqueue(&interaction.Question{
			ID:          pending.ID,
			ToolCallID:  call.ID,
			Header:      stringArg(call.Args, "header"),
			Text:        text,
			Options:     options,
			MultiSelect: multi,
			Iteration:   h.deps.State.Iteration(),
		})
	}
	h.deps.emit(session.EventUserQuestion, call.ID, map[string]any{
		"question_id":  pending.ID,
		"header":       stringArg(call.Args, "header"),
		"text":         text,
		"options":      options,
		"multi_select": multi,
	})

	resp, err := h.deps.Interactions.Await(ctx, pending)
	if h.deps.Questions != nil {
		h.deps.Questions.PopCurrent()
	}
	if err != nil {
		// The loop continues; the model decides how to proceed unanswered.
		return &Outcome{Result: fmt.Sprintf("The user did not answer (%v). Proceed with your best judgment or ask again later.", err)}
	}
	if resp.Text == "" {
		return &Outcome{Result: "The user dismissed the question without answering."}
	}
	return &Outcome{Result: "User answered: " + resp.Text}
}

// ---------------------------------------------------------------------------
// Mode switch
// ---------------------------------------------------------------------------

type modeSwitchHandler struct{ deps *Deps }

func (h *modeSwitchHandler) Name() string             { return "mode_switch" }
func (h *modeSwitchHandler) CanHandle(tool string) bool { return tool == "suggest_mode_switch" }

func (h *modeSwitchHandler) Handle(ctx context.Context, call *Call) *Outcome {
	mode := stringArg(call.Args, "mode")
	if mode == "" {
		return errorOutcome(&ArgumentError{Tool: call.Name, Detail: "missing required argument: mode"})
	}
	reason := stringArg(call.Args, "reason")

	prompt := fmt.Sprintf("Switch to %s mode?", mode)
	if reason != "" {
		prompt += " Reason: " + reason
	}
	// Mode switches are always a bounded two-option question.
	options := []string{"Switch to " + mode, "Stay in the current mode"}

	pending := h.deps.Interactions.Create(interaction.KindModeSwitch, prompt, map[string]any{
		"mode":    mode,
		"options": options,
	})
	h.deps.emit(session.EventUserQuestion, call.ID, map[string]any{
		"question_id": pending.ID,
		"text":        prompt,
		"options":     options,
	})

	resp, err := h.deps.Interactions.Await(ctx, pending)
	if err != nil {
		return &Outcome{Result: fmt.Sprintf("No decision on the mode switch (%v); staying in the current mode.", err)}
	}
	if !resp.Approved {
		return &Outcome{Result: "The user declined the mode switch; continue in the current mode."}
	}

	switch mode {
	case "plan":
		h.deps.State.SetPlanMode(true)
	case "execute":
		h.deps.State.SetPlanMode(false)
	}
	return &Outcome{Result: fmt.Sprintf("The user accepted; the session is now in %s mode.", mode)}
}

// ---------------------------------------------------------------------------
// Plan interception
// ---------------------------------------------------------------------------

type planInterceptHandler struct{ deps *Deps }

func (h *planInterceptHandler) Name() string { return "plan_intercept" }

// CanHandle intercepts task_create only while the session is in plan mode;
// otherwise the call falls through to the default path.
func (h *planInterceptHandler) CanHandle(tool string) bool {
	return tool == "task_create" && h.deps.State.PlanMode()
}

func (h *planInterceptHandler) Handle(_ context.Context, call *Call) *Outcome {
	title := stringArg(call.Args, "title")
	if title == "" {
		return errorOutcome(&ArgumentError{Tool: call.Name, Detail: "missing required argument: title"})
	}
	steps := stringSliceArg(call.Args, "steps")

	h.deps.State.SetPlan(&session.Plan{Title: title, Steps: steps})
	h.deps.emit(session.EventPlanProposed, call.ID, map[string]any{
		"title": title,
		"steps": steps,
	})
	return &Outcome{Result: fmt.Sprintf(
		"Plan %q recorded as a proposal (%d steps). Do not execute it: the user reviews plans before work starts.",
		title, len(steps))}
}

// ---------------------------------------------------------------------------
// Table spec extraction
// ---------------------------------------------------------------------------

type extractTableSpecHandler struct{ deps *Deps }

func (h *extractTableSpecHandler) Name() string             { return "extract_table_spec" }
func (h *extractTableSpecHandler) CanHandle(tool string) bool { return tool == "extract_table_spec" }

func (h *extractTableSpecHandler) Handle(ctx context.Context, call *Call) *Outcome {
	if h.deps.Extractor == nil {
		return errorOutcome(fmt.Errorf("the vision pipeline is not configured in this deployment"))
	}
	image := stringArg(call.Args, "image")
	if image == "" {
		return errorOutcome(&ArgumentError{Tool: call.Name, Detail: "missing required argument: image"})
	}
	resolved := image
	if h.deps.Env.Files != nil {
		resolved = h.deps.Env.Files.ResolveForTool(image)
	}
	abs, err := h.deps.Env.Workspace.Resolve(resolved)
	if err != nil {
		return errorOutcome(err)
	}
	spec, err := h.deps.Extractor.Extract(ctx, abs)
	if err != nil {
		return errorOutcome(fmt.Errorf("table extraction failed: %w", err))
	}
	return &Outcome{Result: spec}
}

// ---------------------------------------------------------------------------
// Audit-only
// ---------------------------------------------------------------------------

type auditOnlyHandler struct{ deps *Deps }

func (h *auditOnlyHandler) Name() string { return "audit_only" }

func (h *auditOnlyHandler) CanHandle(tool string) bool {
	t, ok := h.deps.Tools.Get(tool)
	return ok && t.Audited && !t.HighRisk && t.Handler != nil
}

func (h *auditOnlyHandler) Handle(ctx context.Context, call *Call) *Outcome {
	t, _ := h.deps.Tools.Get(call.Name)
	outcome := execute(ctx, h.deps, call, t)
	h.deps.Audit.Record(AuditRecord{
		Tool:      call.Name,
		Arguments: call.Args,
		Iteration: h.deps.State.Iteration(),
		Error:     outcome.IsError,
		Paths:     outcome.WrittenPaths,
	})
	return outcome
}

// ---------------------------------------------------------------------------
// High-risk approval
// ---------------------------------------------------------------------------

type highRiskHandler struct{ deps *Deps }

func (h *highRiskHandler) Name() string { return "high_risk_approval" }

func (h *highRiskHandler) CanHandle(tool string) bool {
	t, ok := h.deps.Tools.Get(tool)
	return ok && t.HighRisk
}

func (h *highRiskHandler) Handle(ctx context.Context, call *Call) *Outcome {
	t, _ := h.deps.Tools.Get(call.Name)

	if h.deps.State.FullAccess() {
		outcome := execute(ctx, h.deps, call, t)
		h.deps.Audit.Record(AuditRecord{
			Tool: call.Name, Arguments: call.Args,
			Iteration: h.deps.State.Iteration(),
			Decision:  "full_access", Error: outcome.IsError, Paths: outcome.WrittenPaths,
		})
		return outcome
	}

	pending := h.deps.Interactions.Create(interaction.KindApproval,
		fmt.Sprintf("The agent wants to run %s. Allow it?", call.Name),
		map[string]any{"tool": call.Name, "arguments": call.Args})
	h.deps.emit(session.EventPendingApproval, call.ID, map[string]any{
		"approval_id": pending.ID,
		"tool":        call.Name,
		"arguments":   call.Args,
	})

	resp, err := h.deps.Interactions.Await(ctx, pending)
	decision := "accepted"
	switch {
	case err != nil:
		decision = "timeout"
	case !resp.Approved:
		decision = "rejected"
	case resp.ApproveAll:
		decision = "accepted_all"
		h.deps.State.SetFullAccess(true)
	}
	h.deps.Audit.Archive(pending.ID, AuditRecord{
		Tool: call.Name, Arguments: call.Args,
		Iteration: h.deps.State.Iteration(), Decision: decision,
	})

	switch decision {
	case "timeout":
		return &Outcome{Result: fmt.Sprintf(
			"Approval for %s expired without a decision (%v). The operation was not performed.", call.Name, err)}
	case "rejected":
		result := "The user rejected this operation."
		if resp.Text != "" {
			result += " Note: " + resp.Text
		}
		return &Outcome{Result: result}
	}
	return execute(ctx, h.deps, call, t)
}

// ---------------------------------------------------------------------------
// Default
// ---------------------------------------------------------------------------

type defaultHandler struct{ deps *Deps }

func (h *defaultHandler) Name() string           { return "default" }
func (h *defaultHandler) CanHandle(string) bool  { return true }

func (h *defaultHandler) Handle(ctx context.Context, call *Call) *Outcome {
	t, err := h.deps.Tools.GetTool(call.Name)
	if err != nil {
		return errorOutcome(err)
	}
	return execute(ctx, h.deps, call, t)
}
