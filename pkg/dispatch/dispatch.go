// Package dispatch routes each tool call to the right execution path. The
// dispatcher holds an ordered list of handler strategies; the first whose
// CanHandle matches the tool name wins. Control-flow tools (finish_task,
// ask_user, delegation, code policy) get dedicated handlers; everything else
// falls through to approval gating, auditing, or direct execution.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/excelmanus/excelmanus/pkg/interaction"
	"github.com/excelmanus/excelmanus/pkg/llms"
	"github.com/excelmanus/excelmanus/pkg/observability"
	"github.com/excelmanus/excelmanus/pkg/policy"
	"github.com/excelmanus/excelmanus/pkg/session"
	"github.com/excelmanus/excelmanus/pkg/skills"
	"github.com/excelmanus/excelmanus/pkg/subagent"
	"github.com/excelmanus/excelmanus/pkg/tools"
)

// Call is one normalized tool call in flight.
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Outcome is what a handler hands back to the engine.
type Outcome struct {
	// Result is the string appended to conversation memory as the tool
	// result. Errors are folded in here too: the model sees them and
	// retries, the loop never crashes.
	Result string
	// IsError marks Result as an error message.
	IsError bool
	// Finished is set when finish_task was accepted.
	Finished bool
	// WrittenPaths lists the workspace-relative files the call modified.
	WrittenPaths []string
}

func errorOutcome(err error) *Outcome {
	return &Outcome{Result: "Error: " + err.Error(), IsError: true}
}

// FinishGate decides whether a finish_task call ends the session. The
// engine implements it; see the finish-gate state machine there.
type FinishGate interface {
	Evaluate(ctx context.Context, summary string, taskTags []string) (accepted bool, message string)
}

// TableSpecExtractor is the image-to-spec pipeline contract. The pipeline
// itself lives outside the core.
type TableSpecExtractor interface {
	Extract(ctx context.Context, imagePath string) (string, error)
}

// PolicyOptions tunes the code-policy handler.
type PolicyOptions struct {
	GreenAutoApprove  bool
	YellowAutoApprove bool
	// Sanitize strips recoverable findings and re-analyzes before asking
	// the user for approval.
	Sanitize bool
}

// Deps bundles the session-scoped collaborators every handler may need.
// One Deps belongs to one session; nothing in it is shared across users.
type Deps struct {
	Tools        *tools.Registry
	Env          *tools.Env
	State        *session.State
	Events       session.Emitter
	Interactions *interaction.Registry
	Questions    *interaction.QuestionFlow
	Skills       *skills.Registry
	Subagents    *subagent.Runner
	Sandbox      *policy.Sandbox
	Policy       PolicyOptions
	Gate         FinishGate
	Extractor    TableSpecExtractor
	Audit        *AuditLog
}

func (d *Deps) emit(eventType, toolCallID string, fields map[string]any) {
	if d.Events == nil {
		return
	}
	d.Events.Emit(session.Event{
		Type:       eventType,
		Iteration:  d.State.Iteration(),
		ToolCallID: toolCallID,
		Time:       time.Now(),
		Fields:     fields,
	})
}

// Handler is one routing strategy.
type Handler interface {
	Name() string
	CanHandle(toolName string) bool
	Handle(ctx context.Context, call *Call) *Outcome
}

// Dispatcher routes calls through its ordered handler list.
type Dispatcher struct {
	handlers []Handler
	deps     *Deps
	log      *slog.Logger
}

// NewDispatcher builds the default strategy table, highest priority first.
func NewDispatcher(deps *Deps) *Dispatcher {
	return &Dispatcher{
		deps: deps,
		handlers: []Handler{
			&skillActivationHandler{deps},
			&delegationHandler{deps},
			&finishTaskHandler{deps},
			&askUserHandler{deps},
			&modeSwitchHandler{deps},
			&planInterceptHandler{deps},
			&extractTableSpecHandler{deps},
			&codePolicyHandler{deps},
			&auditOnlyHandler{deps},
			&highRiskHandler{deps},
			&defaultHandler{deps},
		},
		log: slog.Default().With("component", "dispatch"),
	}
}

// Dispatch normalizes the raw call and runs it through the first matching
// handler. Argument failures come back as error outcomes, not Go errors.
func (d *Dispatcher) Dispatch(ctx context.Context, tc llms.ToolCall) *Outcome {
	start := time.Now()

	args, err := ParseArguments(tc.Name, tc.Arguments)
	if err != nil {
		return errorOutcome(err)
	}
	call := &Call{ID: tc.ID, Name: tc.Name, Args: args}

	for _, h := range d.handlers {
		if !h.CanHandle(call.Name) {
			continue
		}
		d.log.Debug("tool call routed", "tool", call.Name, "handler", h.Name())

		spanCtx, span := observability.GetTracer("dispatch").Start(ctx, "tool."+call.Name,
			trace.WithAttributes(
				attribute.String("tool.name", call.Name),
				attribute.String("dispatch.handler", h.Name()),
			))
		outcome := h.Handle(spanCtx, call)
		if outcome.IsError {
			span.SetStatus(codes.Error, outcome.Result)
		}
		span.End()

		var execErr error
		if outcome.IsError {
			execErr = fmt.Errorf("%s", outcome.Result)
		}
		observability.GetGlobalMetrics().RecordToolExecution(ctx, call.Name, time.Since(start), execErr)
		return outcome
	}

	// Unreachable: defaultHandler accepts everything.
	return errorOutcome(fmt.Errorf("no handler for tool %s", tc.Name))
}

// runTool executes a registered tool's handler on its own goroutine so a
// blocking tool cannot wedge the session loop, and harvests the result with
// context cancellation.
func runTool(ctx context.Context, t *tools.Tool, inv *tools.Invocation) (string, error) {
	if t.Handler == nil {
		return "", fmt.Errorf("tool %s has no direct implementation", t.Name)
	}
	if err := t.ValidateArgs(inv.Args); err != nil {
		return "", err
	}

	type toolReturn struct {
		result string
		err    error
	}
	done := make(chan toolReturn, 1)
	go func() {
		result, err := t.Handler(ctx, inv)
		done <- toolReturn{result, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", r.err
		}
		return t.Truncate(r.result), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
