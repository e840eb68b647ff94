package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/excelmanus/excelmanus/pkg/subagent"
)

// Evaluate is the finish_task gate. The first no-write finish on a task that
// was expected to write bounces back with a warning; after that, the
// verifier runs at a strength chosen from the task's tags. A blocking fail
// pushes the agent back to work at most MaxBlockingAttempts times, then the
// gate downgrades to advisory so a stubborn verifier cannot trap the
// session. A verifier that errors out never blocks a finish.
func (e *Engine) Evaluate(ctx context.Context, summary string, taskTags []string) (bool, string) {
	wrote := e.state.HasWrites()
	readOnly := hasTag(taskTags, "read_only")

	if !wrote && *e.cfg.Engine.WriteGuard && !readOnly {
		if e.state.MarkFinishWarned() {
			return false, "No workspace files were modified during this task. " +
				"If the task required edits, perform them before finishing. " +
				"If it was genuinely read-only, call finish_task again to confirm."
		}
	}

	level := e.verificationLevel(taskTags, wrote, readOnly)
	if level == subagent.LevelSkip {
		return true, "Task finished: " + summary
	}
	if level == subagent.LevelBlocking &&
		e.state.VerificationAttempts() >= e.cfg.Verifier.MaxBlockingAttempts {
		e.log.Info("blocking verification budget spent, downgrading to advisory")
		level = subagent.LevelAdvisory
	}

	verdict, err := e.subagents.Verify(ctx, summary, writeLogLines(e.state))
	if err != nil {
		e.log.Warn("verifier unavailable, accepting finish", "error", err)
		return true, "Task finished: " + summary + "\n(verification was unavailable and skipped)"
	}

	if level == subagent.LevelBlocking && verdict.Blocks() {
		attempt := e.state.IncVerificationAttempts()
		return false, fmt.Sprintf(
			"Verification failed (attempt %d/%d): %s\nAddress these issues, then call finish_task again.",
			attempt, e.cfg.Verifier.MaxBlockingAttempts, strings.Join(verdict.Issues, "; "))
	}

	msg := "Task finished: " + summary
	if len(verdict.Issues) > 0 {
		msg += "\nVerifier notes: " + strings.Join(verdict.Issues, "; ")
	}
	return true, msg
}

// verificationLevel combines the configured mode with the per-task choice.
// "skip" wins outright; "blocking" raises advisory tasks to blocking.
func (e *Engine) verificationLevel(taskTags []string, wrote, readOnly bool) string {
	if e.cfg.Verifier.Mode == "skip" {
		return subagent.LevelSkip
	}
	level := subagent.ChooseLevel(taskTags, wrote, readOnly)
	if e.cfg.Verifier.Mode == "blocking" && level == subagent.LevelAdvisory {
		level = subagent.LevelBlocking
	}
	return level
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
