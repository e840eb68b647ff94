// Package engine runs the agent session loop: system prompt assembly, LLM
// calls, tool dispatch, turn checkpoints and the finish gate. One Engine
// serves one user conversation; everything multi-tenant hangs off the
// per-user Workspace it was built with.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/excelmanus/excelmanus/pkg/config"
	"github.com/excelmanus/excelmanus/pkg/dispatch"
	"github.com/excelmanus/excelmanus/pkg/files"
	"github.com/excelmanus/excelmanus/pkg/interaction"
	"github.com/excelmanus/excelmanus/pkg/llms"
	"github.com/excelmanus/excelmanus/pkg/memory"
	"github.com/excelmanus/excelmanus/pkg/observability"
	"github.com/excelmanus/excelmanus/pkg/policy"
	"github.com/excelmanus/excelmanus/pkg/session"
	"github.com/excelmanus/excelmanus/pkg/skills"
	"github.com/excelmanus/excelmanus/pkg/subagent"
	"github.com/excelmanus/excelmanus/pkg/tools"
	"github.com/excelmanus/excelmanus/pkg/utils"
	"github.com/excelmanus/excelmanus/pkg/workspace"
)

const auditLogName = ".audit.jsonl"

// Options bundles everything an Engine needs. Config, Workspace and Provider
// are required; the rest defaults sensibly.
type Options struct {
	Config    *config.Config
	Workspace *workspace.Workspace
	Provider  llms.Provider

	// Files enables registry-backed resolution and the panorama. Optional.
	Files *files.Registry

	// VerifierProvider runs the finish-gate verifier; empty reuses Provider.
	VerifierProvider llms.Provider

	// Events receives the ordered session event stream. Optional.
	Events session.Emitter

	// Tools replaces the default builtin registry. Optional.
	Tools *tools.Registry

	// Skills replaces the default skill registry. Optional.
	Skills *skills.Registry

	// Sandbox replaces the config-built code sandbox. Optional.
	Sandbox *policy.Sandbox

	// Extractor serves extract_table_spec. Optional.
	Extractor dispatch.TableSpecExtractor
}

// Engine drives one conversation through the tool loop.
type Engine struct {
	cfg      *config.Config
	ws       *workspace.Workspace
	tx       *workspace.Transaction
	filesReg *files.Registry
	scanner  *files.Scanner
	provider llms.Provider

	state        *session.State
	conversation *memory.Conversation
	interactions *interaction.Registry
	questions    *interaction.QuestionFlow
	toolReg      *tools.Registry
	skillReg     *skills.Registry
	subagents    *subagent.Runner
	dispatcher   *dispatch.Dispatcher
	events       session.Emitter

	log *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New wires an Engine from its options.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Config == nil:
		return nil, fmt.Errorf("engine: config is required")
	case opts.Workspace == nil:
		return nil, fmt.Errorf("engine: workspace is required")
	case opts.Provider == nil:
		return nil, fmt.Errorf("engine: provider is required")
	}
	cfg := opts.Config
	ws := opts.Workspace

	events := opts.Events
	if events == nil {
		events = session.NopEmitter{}
	}

	state := session.NewState()

	// A nil counter degrades to the chars/4 estimate, which keeps the
	// engine usable when the tokenizer data is unavailable.
	counter, err := utils.NewTokenCounter(cfg.LLM.Model)
	if err != nil {
		counter = nil
	}
	conversation := memory.NewConversation(cfg.Engine.ContextTokenBudget, counter)

	toolReg := opts.Tools
	if toolReg == nil {
		toolReg = tools.NewRegistry()
		if err := tools.RegisterBuiltins(toolReg); err != nil {
			return nil, fmt.Errorf("engine: builtin tools: %w", err)
		}
	}

	skillReg := opts.Skills
	if skillReg == nil {
		skillReg = skills.NewRegistry()
		if err := skillReg.RegisterPack(skills.Default()); err != nil {
			return nil, fmt.Errorf("engine: default skill: %w", err)
		}
	}
	state.SetActiveSkill(skills.Default().Name)

	tx := ws.CreateTransaction(workspace.StagingScope(cfg.Workspace.StagingScope))
	env := &tools.Env{
		Workspace: ws,
		Tx:        tx,
		Files:     opts.Files,
		SessionID: state.ID(),
	}

	var scanner *files.Scanner
	if opts.Files != nil {
		scanner = files.NewScanner(ws.Root, opts.Files)
	}

	verifierProvider := opts.VerifierProvider
	if verifierProvider == nil {
		verifierProvider = opts.Provider
	}
	subagents := subagent.NewRunner(verifierProvider, toolReg, env)

	sandbox := opts.Sandbox
	if sandbox == nil {
		sandbox = policy.NewSandbox(cfg.Policy.PythonBin, ws.Root,
			time.Duration(cfg.Policy.ExecTimeoutSeconds)*time.Second)
	}

	interactions := interaction.NewRegistry(
		time.Duration(cfg.Engine.QuestionTimeoutMinutes) * time.Minute)
	questions := interaction.NewQuestionFlow(nil)

	e := &Engine{
		cfg:          cfg,
		ws:           ws,
		tx:           tx,
		filesReg:     opts.Files,
		scanner:      scanner,
		provider:     opts.Provider,
		state:        state,
		conversation: conversation,
		interactions: interactions,
		questions:    questions,
		toolReg:      toolReg,
		skillReg:     skillReg,
		subagents:    subagents,
		events:       events,
		log:          slog.Default().With("component", "engine", "session_id", state.ID()),
	}

	e.dispatcher = dispatch.NewDispatcher(&dispatch.Deps{
		Tools:        toolReg,
		Env:          env,
		State:        state,
		Events:       events,
		Interactions: interactions,
		Questions:    questions,
		Skills:       skillReg,
		Subagents:    subagents,
		Sandbox:      sandbox,
		Policy: dispatch.PolicyOptions{
			GreenAutoApprove: *cfg.Policy.GreenAutoApprove,
			Sanitize:         *cfg.Policy.SanitizeYellow,
		},
		Gate:      e,
		Extractor: opts.Extractor,
		Audit: dispatch.NewAuditLog(
			filepath.Join(ws.Root, auditLogName), ws.ApprovalsDir(), state.ID()),
	})

	return e, nil
}

// State exposes the session state for frontends and tests.
func (e *Engine) State() *session.State { return e.state }

// Interactions exposes the pending-interaction registry so a frontend can
// resolve questions and approvals.
func (e *Engine) Interactions() *interaction.Registry { return e.interactions }

// Questions exposes the FIFO of user questions awaiting display.
func (e *Engine) Questions() *interaction.QuestionFlow { return e.questions }

// Transaction exposes the session's staging transaction.
func (e *Engine) Transaction() *workspace.Transaction { return e.tx }

// Run processes one user message through the tool loop. It returns when the
// model replies without tool calls, when finish_task is accepted, or on
// error. Staged files survive errors and cancellation; only an accepted
// finish or an explicit commit publishes them.
func (e *Engine) Run(ctx context.Context, userMessage string) error {
	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	defer cancel()

	e.refreshRegistry()
	e.conversation.Append(llms.Message{Role: llms.RoleUser, Content: userMessage})
	e.log.Info("run started", "run_id", runID)

	for iter := 1; iter <= e.cfg.Engine.MaxIterations; iter++ {
		e.state.SetIteration(iter)

		resp, err := e.callModel(ctx, iter)
		if err != nil {
			e.abort(runID, err)
			return err
		}

		e.conversation.Append(llms.Message{
			Role:      llms.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		if len(resp.ToolCalls) == 0 {
			e.emit(session.EventTaskDone, "", map[string]any{
				"run_id": runID, "reason": "assistant_reply",
			})
			return nil
		}

		finished, err := e.runToolCalls(ctx, iter, resp.ToolCalls)
		if err != nil {
			e.abort(runID, err)
			return err
		}
		if finished {
			e.emit(session.EventTaskDone, "", map[string]any{
				"run_id": runID, "reason": "finish_task",
			})
			return nil
		}
	}

	err := fmt.Errorf("iteration limit reached (%d) without finishing", e.cfg.Engine.MaxIterations)
	e.abort(runID, err)
	return err
}

// Cancel aborts the in-flight run. Pending interactions resolve as
// cancelled, queued questions are dropped, staged files stay on disk.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.interactions.CancelAll()
	e.questions.Clear()
}

// CommitStaged publishes every staged file to its canonical path.
func (e *Engine) CommitStaged() ([]string, error) { return e.tx.CommitAll() }

// DiscardStaged drops every staged file, leaving canonicals untouched.
func (e *Engine) DiscardStaged() error { return e.tx.RollbackAll() }

func (e *Engine) callModel(ctx context.Context, iter int) (*llms.Response, error) {
	messages := make([]llms.Message, 0, e.conversation.Len()+1)
	messages = append(messages, llms.Message{
		Role:    llms.RoleSystem,
		Content: e.buildSystemPrompt(),
	})
	messages = append(messages, e.conversation.Messages()...)

	pack := e.activePack()
	defs := e.toolReg.Definitions(pack.AllowsScope)

	model := e.provider.GetModelName()
	e.emit(session.EventLLMCallStarted, "", map[string]any{
		"model": model, "messages": len(messages), "tools": len(defs),
	})

	start := time.Now()
	spanCtx, span := observability.GetTracer("engine").Start(ctx, "llm.generate",
		trace.WithAttributes(attribute.String("llm.model", model)))
	resp, err := e.provider.Generate(spanCtx, &llms.Request{
		Messages:    messages,
		Tools:       defs,
		Temperature: e.cfg.LLM.Temperature,
		MaxTokens:   e.cfg.LLM.MaxTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	tokens := 0
	if resp != nil {
		tokens = resp.Tokens
	}
	observability.GetGlobalMetrics().RecordLLMCall(ctx, model, time.Since(start), tokens, err)
	if err != nil {
		return nil, fmt.Errorf("llm call failed at iteration %d: %w", iter, err)
	}

	e.emit(session.EventLLMCallFinished, "", map[string]any{
		"model": model, "tokens": resp.Tokens, "tool_calls": len(resp.ToolCalls),
	})
	return resp, nil
}

// runToolCalls executes one assistant turn's calls in order, appends each
// result to memory, and checkpoints the turn when anything was written.
func (e *Engine) runToolCalls(ctx context.Context, iter int, calls []llms.ToolCall) (finished bool, err error) {
	var dirty []string
	var toolNames []string

	for _, tc := range calls {
		hint := e.toolReg.WriteHintFor(tc.Name)
		e.state.SetWriteHint(session.WriteHint(hint))
		e.emit(session.EventToolCallStarted, tc.ID, map[string]any{
			"tool": tc.Name, "write_hint": hint,
		})

		outcome := e.dispatcher.Dispatch(ctx, tc)

		e.emit(session.EventToolCallFinished, tc.ID, map[string]any{
			"tool": tc.Name, "is_error": outcome.IsError, "finished": outcome.Finished,
		})
		e.conversation.Append(llms.Message{
			Role:       llms.RoleTool,
			Content:    outcome.Result,
			ToolCallID: tc.ID,
			Name:       tc.Name,
		})

		if len(outcome.WrittenPaths) > 0 {
			dirty = append(dirty, outcome.WrittenPaths...)
			toolNames = append(toolNames, tc.Name)
		}
		if outcome.Finished {
			finished = true
			break
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}
	}

	if len(dirty) > 0 {
		e.checkpointTurn(iter, dirty, toolNames)
	}
	return finished, err
}

func (e *Engine) checkpointTurn(iter int, dirty, toolNames []string) {
	cp, err := e.ws.Versions.CreateTurnCheckpoint(iter, dirty, toolNames)
	if err != nil {
		e.log.Warn("turn checkpoint failed", "turn", iter, "error", err)
	}
	fields := map[string]any{"paths": dirty, "tools": toolNames}
	if cp != nil {
		fields["checkpoint_turn"] = cp.Turn
	}
	e.emit(session.EventFilesChanged, "", fields)
	e.refreshRegistry()
}

// refreshRegistry rescans the workspace so the next panorama reflects files
// that appeared outside tool bookkeeping (uploads, sandbox side effects).
func (e *Engine) refreshRegistry() {
	if e.scanner == nil {
		return
	}
	if _, err := e.scanner.ScanWorkspace(); err != nil {
		e.log.Warn("workspace scan failed", "error", err)
	}
}

func (e *Engine) activePack() *skills.Pack {
	name := e.state.ActiveSkill()
	if name != "" {
		if p, err := e.skillReg.GetPack(name); err == nil {
			return p
		}
	}
	return skills.Default()
}

func (e *Engine) abort(runID string, cause error) {
	e.interactions.CancelAll()
	e.questions.Clear()
	e.emit(session.EventTaskError, "", map[string]any{
		"run_id": runID, "error": cause.Error(),
	})
	e.log.Error("run aborted", "run_id", runID, "error", cause)
}

func (e *Engine) emit(eventType, toolCallID string, fields map[string]any) {
	e.events.Emit(session.Event{
		Type:       eventType,
		Iteration:  e.state.Iteration(),
		ToolCallID: toolCallID,
		Time:       time.Now(),
		Fields:     fields,
	})
}
