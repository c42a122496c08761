package usage

import (
	"context"
	"log/slog"

	"github.com/nugget/deskpilot/internal/events"
)

// Recorder writes one ledger record per model response published on an
// event bus.
type Recorder struct {
	store   *Store
	pricing Pricing
	logger  *slog.Logger
}

// NewRecorder creates a recorder that prices records with pricing.
func NewRecorder(store *Store, pricing Pricing, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, pricing: pricing, logger: logger.With("component", "usage")}
}

// Run subscribes to bus and records model responses until ctx is
// cancelled.
func (r *Recorder) Run(ctx context.Context, bus *events.Bus) {
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)
	r.consume(ctx, ch)
}

func (r *Recorder) consume(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Kind != events.KindLLMResponse {
				continue
			}
			if err := r.store.Record(ctx, r.record(e)); err != nil {
				r.logger.Warn("usage record failed", "error", err)
			}
		}
	}
}

func (r *Recorder) record(e events.Event) Record {
	model, _ := e.Data["model"].(string)
	runID, _ := e.Data["run_id"].(string)
	threadID, _ := e.Data["thread_id"].(string)
	in := intField(e.Data, "tokens_in")
	out := intField(e.Data, "tokens_out")
	return Record{
		Timestamp:    e.Timestamp,
		RunID:        runID,
		ThreadID:     threadID,
		Model:        model,
		Iteration:    intField(e.Data, "iter"),
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      r.pricing.Cost(model, in, out),
	}
}

func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
