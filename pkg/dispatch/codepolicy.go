package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/excelmanus/excelmanus/pkg/excel"
	"github.com/excelmanus/excelmanus/pkg/files"
	"github.com/excelmanus/excelmanus/pkg/interaction"
	"github.com/excelmanus/excelmanus/pkg/policy"
	"github.com/excelmanus/excelmanus/pkg/session"
)

// codePolicyHandler gates run_code behind risk analysis. Low tiers execute
// directly, recoverable red findings are sanitized and re-analyzed, and
// whatever remains needs explicit user approval.
type codePolicyHandler struct{ deps *Deps }

func (h *codePolicyHandler) Name() string { return "code_policy" }

func (h *codePolicyHandler) CanHandle(tool string) bool {
	return tool == "run_code" && h.deps.Sandbox != nil
}

func (h *codePolicyHandler) Handle(ctx context.Context, call *Call) *Outcome {
	code := stringArg(call.Args, "code")
	if code == "" {
		return errorOutcome(&ArgumentError{Tool: call.Name, Detail: "missing required argument: code"})
	}

	report := policy.Analyze(code)
	execCode := code
	sanitized := false

	if !h.autoApprovable(report.Tier) {
		if cleaned, cleanReport, changed := h.sanitize(code); changed && h.autoApprovable(cleanReport.Tier) {
			execCode = cleaned
			report = cleanReport
			sanitized = true
		} else if outcome := h.requestApproval(ctx, call, report); outcome != nil {
			return outcome
		}
	}

	outcome := h.run(ctx, call, execCode, report)
	if sanitized && !outcome.IsError {
		outcome.Result += "\n(note: interpreter-exit calls were removed before execution)"
	}

	h.deps.Audit.Record(AuditRecord{
		Tool:      call.Name,
		Arguments: map[string]any{"code": execCode, "tier": string(report.Tier), "sanitized": sanitized},
		Iteration: h.deps.State.Iteration(),
		Error:     outcome.IsError,
		Paths:     outcome.WrittenPaths,
	})
	return outcome
}

func (h *codePolicyHandler) sanitize(code string) (string, *policy.Report, bool) {
	if !h.deps.Policy.Sanitize {
		return code, nil, false
	}
	return policy.SanitizeAndReanalyze(code)
}

func (h *codePolicyHandler) autoApprovable(tier policy.Tier) bool {
	if h.deps.State.FullAccess() {
		return true
	}
	switch tier {
	case policy.TierGreen:
		return h.deps.Policy.GreenAutoApprove
	case policy.TierYellow:
		return h.deps.Policy.YellowAutoApprove
	default:
		return false
	}
}

// requestApproval blocks on a user decision. A nil return means approved:
// the caller proceeds to execute. Anything else is the final outcome.
func (h *codePolicyHandler) requestApproval(ctx context.Context, call *Call, report *policy.Report) *Outcome {
	findings := make([]string, 0, len(report.Findings))
	for _, f := range report.Findings {
		findings = append(findings, fmt.Sprintf("%s (%s, line %d)", f.Capability, f.Pattern, f.Line))
	}

	pending := h.deps.Interactions.Create(interaction.KindApproval,
		fmt.Sprintf("The agent wants to run %s-tier code. Allow it?", report.Tier),
		map[string]any{"tool": call.Name, "tier": string(report.Tier), "findings": findings})
	h.deps.emit(session.EventPendingApproval, call.ID, map[string]any{
		"approval_id": pending.ID,
		"tool":        call.Name,
		"tier":        string(report.Tier),
		"findings":    findings,
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
		Tool:      call.Name,
		Arguments: map[string]any{"tier": string(report.Tier), "findings": findings},
		Iteration: h.deps.State.Iteration(),
		Decision:  decision,
	})

	switch decision {
	case "timeout":
		return &Outcome{Result: fmt.Sprintf(
			"Approval for this code expired without a decision (%v). Nothing was executed.", err)}
	case "rejected":
		return &Outcome{Result: fmt.Sprintf(
			"The user rejected running this %s-tier code (%s). Rewrite it without those capabilities or choose another approach.",
			report.Tier, strings.Join(findings, "; "))}
	}
	return nil
}

// run stages the code's write targets, executes it in the sandbox, ingests
// copy-on-write redirections, and reports every file that actually changed
// together with a cell-level diff.
func (h *codePolicyHandler) run(ctx context.Context, call *Call, code string, report *policy.Report) *Outcome {
	ws := h.deps.Env.Workspace
	tx := h.deps.Env.Tx

	// Pre-stage the declared write targets so the sandbox wrapper redirects
	// them, and keep pre-images for the diff afterwards.
	type target struct {
		rel      string
		preImage string
	}
	preDir, err := os.MkdirTemp("", "excelmanus-pre-*")
	if err != nil {
		return errorOutcome(fmt.Errorf("failed to prepare diff scratch: %w", err))
	}
	defer os.RemoveAll(preDir)

	var targets []target
	for i, raw := range policy.ExtractWriteTargets(code) {
		abs, err := ws.Resolve(raw)
		if err != nil {
			// Outside the workspace: the wrapper blocks the write at run
			// time, nothing to track here.
			continue
		}
		rel, err := ws.RelKey(abs)
		if err != nil {
			continue
		}
		if _, err := tx.ResolveWrite(rel); err != nil {
			return errorOutcome(fmt.Errorf("failed to stage %s: %w", rel, err))
		}
		tgt := target{rel: rel}
		live := tx.ResolveRead(rel)
		if _, err := os.Stat(live); err == nil {
			tgt.preImage = filepath.Join(preDir, fmt.Sprintf("%d_%s", i, filepath.Base(rel)))
			if data, err := os.ReadFile(live); err == nil {
				os.WriteFile(tgt.preImage, data, 0o600)
			}
		}
		targets = append(targets, tgt)
	}

	env, err := ws.SandboxEnv(tx)
	if err != nil {
		return errorOutcome(err)
	}
	res, err := h.deps.Sandbox.Run(ctx, code, env)
	if err != nil {
		return errorOutcome(fmt.Errorf("sandbox launch failed: %w", err))
	}

	// Copy-on-write redirections reported by the wrapper become part of the
	// transaction so later reads in this session follow them.
	if pairs, err := policy.ParseCoWLog(ws.CoWLogPath()); err == nil && len(pairs) > 0 {
		tx.RegisterCoWMappings(pairs)
		os.Remove(ws.CoWLogPath())
		for orig, copyPath := range pairs {
			if rel, err := ws.RelKey(copyPath); err == nil {
				h.registerOutput(rel, copyPath, orig)
			}
		}
	}

	outcome := &Outcome{}
	var diffs strings.Builder
	for _, tgt := range targets {
		live := tx.ResolveRead(tgt.rel)
		if !contentChanged(tgt.preImage, live) {
			continue
		}
		outcome.WrittenPaths = append(outcome.WrittenPaths, tgt.rel)
		h.deps.State.RecordWriteAction(call.Name, tgt.rel, "written by sandboxed code")
		h.registerOutput(tgt.rel, live, "")

		summary, err := excel.DiffFiles(tgt.preImage, live)
		if err != nil || summary == "" {
			summary = "content changed"
		}
		h.deps.emit(session.EventExcelDiff, call.ID, map[string]any{
			"path": tgt.rel,
			"diff": summary,
		})
		fmt.Fprintf(&diffs, "%s: %s\n", tgt.rel, summary)
	}

	var b strings.Builder
	if res.TimedOut {
		fmt.Fprintf(&b, "Execution timed out after %s.\n", h.deps.Sandbox.Timeout)
	} else {
		fmt.Fprintf(&b, "Exit code %d.\n", res.ExitCode)
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		fmt.Fprintf(&b, "stdout:\n%s\n", out)
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		fmt.Fprintf(&b, "stderr:\n%s\n", errOut)
	}
	if diffs.Len() > 0 {
		fmt.Fprintf(&b, "File changes (staged):\n%s", diffs.String())
	}

	outcome.Result = strings.TrimRight(b.String(), "\n")
	outcome.IsError = res.ExitCode != 0 || res.TimedOut
	return outcome
}

func (h *codePolicyHandler) registerOutput(rel, livePath, parent string) {
	reg := h.deps.Env.Files
	if reg == nil {
		return
	}
	info, err := os.Stat(livePath)
	if err != nil {
		return
	}
	prov := files.Provenance{
		SessionID: h.deps.Env.SessionID,
		Turn:      h.deps.State.Iteration(),
		ToolName:  "run_code",
	}
	if parent != "" {
		if rel, err := h.deps.Env.Workspace.RelKey(parent); err == nil {
			if e, err := reg.GetByPath(rel); err == nil {
				prov.ParentID = e.ID
			}
		}
	}
	reg.RegisterAgentOutput(rel, info.Size(), "", info.ModTime(), prov)
}

// contentChanged compares a pre-image (may be absent) with the live file.
func contentChanged(preImage, live string) bool {
	liveData, err := os.ReadFile(live)
	if err != nil {
		return false
	}
	if preImage == "" {
		return true
	}
	preData, err := os.ReadFile(preImage)
	if err != nil {
		return true
	}
	return !bytes.Equal(preData, liveData)
}
