package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/deskpilot/internal/llm"
)

// DefaultMaxConcurrency bounds concurrent handler invocations per batch
// when Executor.MaxConcurrency is unset.
const DefaultMaxConcurrency = 8

// Executor runs tool calls against a registry.
type Executor struct {
	// MaxConcurrency bounds concurrent handlers within one batch.
	MaxConcurrency int

	// Dedup executes identical (name, arguments) calls within one batch
	// once and delivers the same result to every originating call.
	Dedup bool

	Logger *slog.Logger
}

// Result is the outcome of one tool call in a batch.
type Result struct {
	Call    llm.ToolCall
	Message llm.Message // tool message answering Call; set even when Err is
	Err     error       // *ErrInvalidArguments or *ErrToolExecutionFailed
	Elapsed time.Duration
	Shared  bool // result was produced by an identical call in the batch
}

// Execute runs a single call. On failure the returned error is
// [*ErrToolNotFound], [*ErrInvalidArguments] or
// [*ErrToolExecutionFailed].
func (e *Executor) Execute(ctx context.Context, reg *Registry, call llm.ToolCall) (llm.Message, error) {
	if _, err := reg.Lookup(call.Function.Name); err != nil {
		return llm.Message{}, err
	}
	res := e.run(ctx, reg, call)
	if res.Err != nil {
		return llm.Message{}, res.Err
	}
	return res.Message, nil
}

// ExecuteBatch runs every call from one model response. All names are
// resolved first: if any is missing the batch fails with
// [*ErrToolNotFound] and no handler runs. Otherwise calls run
// concurrently, ExecuteBatch waits for all of them, and results are
// returned in request order. Per-call failures are reported in
// Result.Err, not as the returned error.
func (e *Executor) ExecuteBatch(ctx context.Context, reg *Registry, calls []llm.ToolCall) ([]Result, error) {
	for _, call := range calls {
		if _, err := reg.Lookup(call.Function.Name); err != nil {
			return nil, err
		}
	}

	// Group calls by signature. Without dedup each call is its own group.
	type group struct {
		lead    int
		members []int
	}
	var groups []*group
	bySig := make(map[string]*group)
	for i, call := range calls {
		if e.Dedup {
			sig := call.Function.Name + "\x00" + call.ArgumentsJSON()
			if g, ok := bySig[sig]; ok {
				g.members = append(g.members, i)
				continue
			}
			g := &group{lead: i, members: []int{i}}
			bySig[sig] = g
			groups = append(groups, g)
			continue
		}
		groups = append(groups, &group{lead: i, members: []int{i}})
	}

	results := make([]Result, len(calls))

	limit := e.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	var eg errgroup.Group
	eg.SetLimit(limit)

	for _, g := range groups {
		eg.Go(func() error {
			res := e.run(ctx, reg, calls[g.lead])
			for _, idx := range g.members {
				r := res
				r.Call = calls[idx]
				r.Message.ToolCallID = calls[idx].ID
				r.Shared = idx != g.lead
				results[idx] = r
			}
			return nil
		})
	}
	_ = eg.Wait()

	if len(groups) < len(calls) {
		e.logger().Debug("deduplicated tool calls",
			"calls", len(calls),
			"executions", len(groups),
		)
	}

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// run validates and invokes one call. It assumes the tool exists.
func (e *Executor) run(ctx context.Context, reg *Registry, call llm.ToolCall) (res Result) {
	log := e.logger()
	name := call.Function.Name
	res.Call = call
	res.Message = llm.Message{Role: llm.RoleTool, ToolCallID: call.ID}

	start := time.Now()
	defer func() {
		res.Elapsed = time.Since(start)
		if res.Err != nil {
			res.Message.Content = "Error: " + res.Err.Error()
		}
	}()

	if err := call.ArgumentsError(); err != nil {
		log.Warn("tool arguments undecodable", "tool", name, "call_id", call.ID, "error", err)
		res.Err = &ErrInvalidArguments{Name: name, Err: err}
		return res
	}
	if err := reg.validate(name, call.Function.Arguments); err != nil {
		log.Warn("tool arguments rejected", "tool", name, "call_id", call.ID, "error", err)
		res.Err = err
		return res
	}

	tool, _ := reg.Lookup(name)
	args := call.Function.Arguments
	if args == nil {
		args = map[string]any{}
	}

	content, err := invoke(WithToolCallID(ctx, call.ID), tool.Handler, args)
	if err != nil {
		log.Error("tool execution failed",
			"tool", name,
			"call_id", call.ID,
			"elapsed", time.Since(start).Round(time.Millisecond),
			"error", err,
		)
		res.Err = &ErrToolExecutionFailed{Name: name, CallID: call.ID, Err: err}
		return res
	}

	log.Debug("tool executed",
		"tool", name,
		"call_id", call.ID,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"result_len", len(content),
	)
	res.Message.Content = content
	return res
}

// invoke calls h, converting a panic into an error.
func invoke(ctx context.Context, h Handler, args map[string]any) (content string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, args)
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
