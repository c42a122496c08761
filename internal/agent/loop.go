// Package agent implements the tool-calling agent loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/deskpilot/internal/checkpoint"
	"github.com/nugget/deskpilot/internal/events"
	"github.com/nugget/deskpilot/internal/llm"
	"github.com/nugget/deskpilot/internal/session"
	"github.com/nugget/deskpilot/internal/tools"
)

// DefaultMaxIterations bounds model invocations per run when
// Config.MaxIterations is unset.
const DefaultMaxIterations = 10

// State is a step of the run state machine.
type State string

// Run states. A returned Response is always in StateDone or
// StateSuspended.
const (
	StateLoading        State = "LOADING_STATE"
	StateInvokingModel  State = "INVOKING_MODEL"
	StateExecutingTools State = "EXECUTING_TOOLS"
	StateSuspended      State = "SUSPENDED"
	StateTerminal       State = "TERMINAL"
	StatePersisting     State = "PERSISTING"
	StateDone           State = "DONE"
)

// ToolFailurePolicy selects how handler failures are treated.
type ToolFailurePolicy string

const (
	// ToolFailuresFatal fails the run on the first handler error.
	ToolFailuresFatal ToolFailurePolicy = "fatal"
	// ToolFailuresFeedback returns the error to the model as the
	// tool's result.
	ToolFailuresFeedback ToolFailurePolicy = "feedback"
)

// Config controls a Loop.
type Config struct {
	SystemPrompt  string
	Model         string // Used when a request names none
	MaxIterations int
	ToolFailures  ToolFailurePolicy

	// Review, when set, is consulted for every assistant turn that
	// requests tools. Flagged turns suspend the run; this requires a
	// staging store.
	Review ReviewPolicy
}

// Stager persists suspended runs.
type Stager interface {
	Stage(rec *checkpoint.Record) (*checkpoint.Record, error)
	Get(id uuid.UUID) (*checkpoint.Record, error)
	Take(id uuid.UUID) (*checkpoint.Record, error)
}

// Request is an inbound message for a thread.
type Request struct {
	ThreadID string        // Empty starts a new thread
	Messages []llm.Message // Appended to the thread's history
	Model    string        // Optional override of Config.Model
	Tools    []*tools.Tool // Request-scoped tools; override base tools by name
}

// ResumeRequest is a human decision on a suspended run.
type ResumeRequest struct {
	RunID    string
	Approved bool
	Reason   string

	// Tools must resupply the request-scoped tools of the original
	// request; handlers cannot be staged.
	Tools []*tools.Tool
}

// Response is the outcome of a run that did not fail.
type Response struct {
	ThreadID string
	State    State // StateDone or StateSuspended

	// Message is the final assistant message when State is StateDone.
	Message llm.Message
	// RunID and Pending identify the staged run and the tool calls
	// awaiting review when State is StateSuspended.
	RunID   string
	Pending []llm.ToolCall

	Model        string
	Iterations   int
	InputTokens  int
	OutputTokens int
	Version      int64 // Session version after persisting
}

// Loop is the agent loop controller. It is safe for concurrent use;
// runs on the same thread are serialized.
type Loop struct {
	logger   *slog.Logger
	llm      llm.Client
	store    session.Store
	base     *tools.Registry
	executor *tools.Executor
	staging  Stager
	bus      *events.Bus
	locks    session.Locks
	cfg      Config
}

// NewLoop creates an agent loop. base holds the tools available to
// every run and may be nil.
func NewLoop(logger *slog.Logger, client llm.Client, store session.Store, base *tools.Registry, executor *tools.Executor, cfg Config) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if executor == nil {
		executor = &tools.Executor{Dedup: true, Logger: logger}
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ToolFailures == "" {
		cfg.ToolFailures = ToolFailuresFatal
	}
	return &Loop{
		logger:   logger,
		llm:      client,
		store:    store,
		base:     base,
		executor: executor,
		cfg:      cfg,
	}
}

// SetStaging sets the store for suspended runs. Without one, review
// policies are not consulted.
func (l *Loop) SetStaging(s Stager) {
	l.staging = s
}

// SetEventBus sets the bus that receives run lifecycle events.
func (l *Loop) SetEventBus(b *events.Bus) {
	l.bus = b
}

// run is the in-flight state of one Agent Run.
type run struct {
	id        string
	threadID  string
	version   int64
	createdAt time.Time
	history   []llm.Message
	registry  *tools.Registry
	model     string
	iter      int
	start     time.Time

	inputTokens  int
	outputTokens int
}

// Run executes one agent run for req and persists the thread's updated
// history. A run either completes (StateDone), suspends for review
// (StateSuspended), or fails with an error and persists nothing.
func (l *Loop) Run(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: no messages", ErrInvalidRequest)
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = session.NewThreadID()
	}
	model := req.Model
	if model == "" {
		model = l.cfg.Model
	}

	r := &run{
		id:       uuid.NewString(),
		threadID: threadID,
		model:    model,
		start:    time.Now(),
	}
	log := l.runLogger(r)

	// LOADING_STATE
	unlock, err := l.locks.Lock(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := l.store.Load(ctx, threadID)
	if err != nil {
		return nil, l.fail(r, storeError("load", threadID, err))
	}

	reg, err := tools.Resolve(l.base, req.Tools)
	if err != nil {
		return nil, l.fail(r, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}

	r.version = st.Version
	r.createdAt = st.CreatedAt
	r.registry = reg
	r.history = append(st.History, req.Messages...)

	log.Info("agent run started",
		"state", StateLoading,
		"history", len(st.History),
		"messages", len(req.Messages),
		"tools", reg.Len(),
		"version", st.Version,
	)
	l.emit(events.KindRunStart, map[string]any{
		"run_id":    r.id,
		"thread_id": threadID,
		"model":     model,
		"messages":  len(req.Messages),
	})

	resp, err := l.drive(ctx, r)
	if err != nil {
		return nil, l.fail(r, err)
	}
	return resp, nil
}

// Resume applies a decision to a suspended run. On approval the
// proposed tool calls execute and the loop continues; on rejection the
// proposed turn is discarded and the model is invoked again on the
// history as it stood before the proposal.
func (l *Loop) Resume(ctx context.Context, req *ResumeRequest) (*Response, error) {
	if l.staging == nil {
		return nil, ErrRunNotFound
	}
	id, err := uuid.Parse(req.RunID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, req.RunID)
	}

	peek, err := l.staged(id, "")
	if err != nil {
		return nil, err
	}

	unlock, err := l.locks.Lock(ctx, peek.ThreadID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock: a concurrent decision may have consumed
	// the record while this one waited. The record stays staged until
	// the resumed run reaches a durable outcome, so a failed attempt
	// can be decided again.
	rec, err := l.staged(id, peek.ThreadID)
	if err != nil {
		return nil, err
	}

	r := &run{
		id:       rec.ID.String(),
		threadID: rec.ThreadID,
		version:  rec.Version,
		history:  rec.History,
		model:    rec.Model,
		iter:     rec.Iteration,
		start:    time.Now(),
	}
	log := l.runLogger(r)

	reg, err := tools.Resolve(l.base, req.Tools)
	if err != nil {
		return nil, l.fail(r, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}
	if err := missingTool(reg, rec); err != nil {
		return nil, l.fail(r, fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}
	r.registry = reg

	st, err := l.store.Load(ctx, rec.ThreadID)
	if err != nil {
		return nil, l.fail(r, storeError("load", rec.ThreadID, err))
	}
	if st.Version != rec.Version {
		// The thread moved on; this proposal can never be committed.
		if _, err := l.staging.Take(id); err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
			log.Warn("failed to discard stale staged run", "error", err)
		}
		return nil, l.fail(r, fmt.Errorf("%w: thread %s is at version %d, run was staged at %d",
			session.ErrVersionConflict, rec.ThreadID, st.Version, rec.Version))
	}
	r.createdAt = st.CreatedAt

	log.Info("agent run resumed",
		"approved", req.Approved,
		"reason", req.Reason,
		"pending", len(rec.Proposed.ToolCalls),
		"iter", r.iter,
	)
	l.emit(events.KindRunResumed, map[string]any{
		"run_id":    r.id,
		"thread_id": r.threadID,
		"approved":  req.Approved,
	})

	if req.Approved {
		if err := l.executeTools(ctx, r, rec.Proposed); err != nil {
			return nil, l.fail(r, err)
		}
	}

	resp, err := l.drive(ctx, r)
	if err != nil {
		return nil, l.fail(r, err)
	}

	// Committed or re-staged under a new id; the decision is spent.
	if _, err := l.staging.Take(id); err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		log.Warn("failed to discard decided run", "error", err)
	}
	return resp, nil
}

// StagedThread returns the thread a suspended run belongs to.
func (l *Loop) StagedThread(runID string) (string, error) {
	if l.staging == nil {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	id, err := uuid.Parse(runID)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	rec, err := l.staged(id, "")
	if err != nil {
		return "", err
	}
	return rec.ThreadID, nil
}

// staged reads a staging record, mapping a miss to ErrRunNotFound.
func (l *Loop) staged(id uuid.UUID, threadID string) (*checkpoint.Record, error) {
	rec, err := l.staging.Get(id)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
		}
		return nil, storeError("stage", threadID, err)
	}
	return rec, nil
}

// missingTool reports the first tool a staged run depends on that reg
// cannot provide: any proposed call, then anything in the tool set the
// run was started with.
func missingTool(reg *tools.Registry, rec *checkpoint.Record) error {
	for _, call := range rec.Proposed.ToolCalls {
		if _, err := reg.Lookup(call.Function.Name); err != nil {
			return err
		}
	}
	for _, name := range rec.ToolSet {
		if _, err := reg.Lookup(name); err != nil {
			return err
		}
	}
	return nil
}

// drive runs INVOKING_MODEL → (EXECUTING_TOOLS → INVOKING_MODEL)* until
// the model answers without tool calls or the run suspends.
func (l *Loop) drive(ctx context.Context, r *run) (*Response, error) {
	log := l.runLogger(r)

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("run cancelled: %w", err)
		}
		if r.iter >= l.cfg.MaxIterations {
			return nil, &ErrIterationLimitExceeded{ThreadID: r.threadID, Limit: l.cfg.MaxIterations}
		}

		msg, err := l.invoke(ctx, r)
		if err != nil {
			return nil, err
		}

		// TERMINAL
		if !msg.HasToolCalls() {
			r.history = append(r.history, msg)
			return l.persist(ctx, r, msg)
		}

		// Every requested tool must exist before anything runs or is
		// staged for review.
		for _, tc := range msg.ToolCalls {
			if _, err := r.registry.Lookup(tc.Function.Name); err != nil {
				log.Error("model requested unknown tool", "tool", tc.Function.Name, "iter", r.iter)
				return nil, err
			}
		}

		if l.staging != nil && l.cfg.Review != nil {
			if flagged, reason := l.cfg.Review.RequiresReview(msg); flagged {
				return l.suspend(r, msg, reason)
			}
		}

		if err := l.executeTools(ctx, r, msg); err != nil {
			return nil, err
		}
	}
}

// invoke performs one INVOKING_MODEL step and returns the assistant
// message with every tool call carrying a unique ID.
func (l *Loop) invoke(ctx context.Context, r *run) (llm.Message, error) {
	log := l.runLogger(r)
	r.iter++
	iterStart := time.Now()

	messages := make([]llm.Message, 0, len(r.history)+1)
	if l.cfg.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: l.cfg.SystemPrompt})
	}
	messages = append(messages, r.history...)

	log.Info("llm call",
		"state", StateInvokingModel,
		"iter", r.iter,
		"msgs", len(messages),
	)
	l.emit(events.KindLLMCall, map[string]any{
		"run_id": r.id,
		"iter":   r.iter,
		"model":  r.model,
	})

	resp, err := l.llm.Chat(ctx, r.model, messages, r.registry.Definitions())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return llm.Message{}, fmt.Errorf("run cancelled: %w", ctxErr)
		}
		var mf *llm.ErrModelInvocationFailed
		if !errors.As(err, &mf) {
			err = &llm.ErrModelInvocationFailed{Model: r.model, Attempts: 1, Err: err}
		}
		return llm.Message{}, err
	}

	r.inputTokens += resp.InputTokens
	r.outputTokens += resp.OutputTokens

	msg := resp.Message
	msg.Role = llm.RoleAssistant
	msg.ToolCalls = uniqueCallIDs(msg.ToolCalls, r.iter)

	log.Info("llm response",
		"iter", r.iter,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(msg.ToolCalls),
		"elapsed", time.Since(iterStart).Round(time.Millisecond),
	)
	l.emit(events.KindLLMResponse, map[string]any{
		"run_id":     r.id,
		"thread_id":  r.threadID,
		"iter":       r.iter,
		"model":      r.model,
		"tokens_in":  resp.InputTokens,
		"tokens_out": resp.OutputTokens,
		"tool_calls": len(msg.ToolCalls),
	})
	return msg, nil
}

// executeTools performs EXECUTING_TOOLS for msg: the whole batch runs,
// then msg and one tool message per call are appended in request order.
func (l *Loop) executeTools(ctx context.Context, r *run, msg llm.Message) error {
	log := l.runLogger(r)
	log.Debug("executing tools", "state", StateExecutingTools, "calls", len(msg.ToolCalls))

	for _, tc := range msg.ToolCalls {
		l.emit(events.KindToolCall, map[string]any{
			"run_id":  r.id,
			"tool":    tc.Function.Name,
			"call_id": tc.ID,
		})
	}

	toolCtx := tools.WithRunID(tools.WithThreadID(ctx, r.threadID), r.id)
	results, err := l.executor.ExecuteBatch(toolCtx, r.registry, msg.ToolCalls)
	if err != nil {
		return err
	}

	answers := make([]llm.Message, 0, len(results))
	for _, res := range results {
		l.emit(events.KindToolDone, map[string]any{
			"run_id":      r.id,
			"tool":        res.Call.Function.Name,
			"call_id":     res.Call.ID,
			"ok":          res.Err == nil,
			"duration_ms": res.Elapsed.Milliseconds(),
		})

		var execErr *tools.ErrToolExecutionFailed
		if errors.As(res.Err, &execErr) && l.cfg.ToolFailures != ToolFailuresFeedback {
			return res.Err
		}
		if res.Err != nil {
			log.Warn("tool error returned to model",
				"tool", res.Call.Function.Name,
				"call_id", res.Call.ID,
				"error", res.Err,
			)
		}
		answers = append(answers, res.Message)
	}

	r.history = append(r.history, msg)
	r.history = append(r.history, answers...)
	return nil
}

// suspend performs SUSPENDED: the run is staged and the thread lock is
// released when the caller returns.
func (l *Loop) suspend(r *run, msg llm.Message, reason string) (*Response, error) {
	staged, err := l.staging.Stage(&checkpoint.Record{
		ThreadID:  r.threadID,
		Version:   r.version,
		Model:     r.model,
		Iteration: r.iter,
		History:   r.history,
		Proposed:  msg,
		ToolSet:   r.registry.Names(),
		Reason:    reason,
	})
	if err != nil {
		return nil, storeError("stage", r.threadID, err)
	}

	l.runLogger(r).Info("agent run suspended for review",
		"state", StateSuspended,
		"staged_run", staged.ID,
		"reason", reason,
		"pending", len(msg.ToolCalls),
	)

	names := make([]string, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		names = append(names, tc.Function.Name)
	}
	l.emit(events.KindRunSuspended, map[string]any{
		"run_id":    staged.ID.String(),
		"thread_id": r.threadID,
		"tools":     names,
	})

	return &Response{
		ThreadID:     r.threadID,
		State:        StateSuspended,
		RunID:        staged.ID.String(),
		Pending:      msg.ToolCalls,
		Model:        r.model,
		Iterations:   r.iter,
		InputTokens:  r.inputTokens,
		OutputTokens: r.outputTokens,
		Version:      r.version,
	}, nil
}

// persist performs PERSISTING and returns the DONE response.
func (l *Loop) persist(ctx context.Context, r *run, final llm.Message) (*Response, error) {
	saved, err := l.store.Save(ctx, &session.State{
		ThreadID:  r.threadID,
		History:   r.history,
		Version:   r.version,
		ToolSet:   r.registry.Names(),
		CreatedAt: r.createdAt,
	})
	if err != nil {
		return nil, storeError("save", r.threadID, err)
	}

	elapsed := time.Since(r.start)
	l.runLogger(r).Info("agent run completed",
		"state", StateDone,
		"iterations", r.iter,
		"history", len(r.history),
		"version", saved.Version,
		"input_tokens", r.inputTokens,
		"output_tokens", r.outputTokens,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	l.emit(events.KindRunComplete, map[string]any{
		"run_id":     r.id,
		"thread_id":  r.threadID,
		"iterations": r.iter,
		"tokens_in":  r.inputTokens,
		"tokens_out": r.outputTokens,
		"elapsed_ms": elapsed.Milliseconds(),
	})

	return &Response{
		ThreadID:     r.threadID,
		State:        StateDone,
		Message:      final,
		Model:        r.model,
		Iterations:   r.iter,
		InputTokens:  r.inputTokens,
		OutputTokens: r.outputTokens,
		Version:      saved.Version,
	}, nil
}

// fail logs and publishes a run failure and returns err unchanged.
func (l *Loop) fail(r *run, err error) error {
	kind := ErrorKind(err)
	l.runLogger(r).Error("agent run failed",
		"iter", r.iter,
		"kind", kind,
		"error", err,
	)
	l.emit(events.KindRunFailed, map[string]any{
		"run_id":    r.id,
		"thread_id": r.threadID,
		"error":     err.Error(),
		"kind":      kind,
	})
	return err
}

func (l *Loop) emit(kind string, data map[string]any) {
	l.bus.Emit(events.SourceAgent, kind, data)
}

func (l *Loop) runLogger(r *run) *slog.Logger {
	return l.logger.With("run_id", r.id, "thread_id", r.threadID, "model", r.model)
}

// storeError wraps backend failures in ErrStoreUnavailable, leaving
// version conflicts and already-typed errors alone.
func storeError(op, threadID string, err error) error {
	var su *session.ErrStoreUnavailable
	if errors.Is(err, session.ErrVersionConflict) || errors.As(err, &su) {
		return err
	}
	return &session.ErrStoreUnavailable{Op: op, ThreadID: threadID, Err: err}
}

// uniqueCallIDs fills in missing or repeated tool call IDs so every
// result can be matched to exactly one request.
func uniqueCallIDs(calls []llm.ToolCall, iter int) []llm.ToolCall {
	if len(calls) == 0 {
		return calls
	}
	out := make([]llm.ToolCall, len(calls))
	seen := make(map[string]bool, len(calls))
	for i, tc := range calls {
		if tc.ID == "" || seen[tc.ID] {
			tc.ID = fmt.Sprintf("call_%d_%d", iter, i)
		}
		seen[tc.ID] = true
		out[i] = tc
	}
	return out
}
