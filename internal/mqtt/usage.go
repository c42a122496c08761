package mqtt

import (
	"sync"
	"time"
)

// DailyUsage tracks run and token counts that reset at local midnight.
// It is safe for concurrent use.
type DailyUsage struct {
	mu        sync.Mutex
	input     int64
	output    int64
	calls     int64
	completed int64
	failed    int64
	suspended int64
	resetDay  int // day-of-year of last reset
	loc       *time.Location
	now       func() time.Time
}

// UsageSnapshot is the published form of [DailyUsage].
type UsageSnapshot struct {
	Date          string `json:"date"`
	InputTokens   int64  `json:"input_tokens"`
	OutputTokens  int64  `json:"output_tokens"`
	ModelCalls    int64  `json:"model_calls"`
	RunsCompleted int64  `json:"runs_completed"`
	RunsFailed    int64  `json:"runs_failed"`
	RunsSuspended int64  `json:"runs_suspended"`
}

// NewDailyUsage creates a new accumulator using the given timezone for
// midnight detection. If loc is nil, [time.Local] is used.
func NewDailyUsage(loc *time.Location) *DailyUsage {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyUsage{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// OnModelCall records token counts from a completed model invocation.
func (d *DailyUsage) OnModelCall(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.calls++
}

// OnRunCompleted counts a run that persisted its history.
func (d *DailyUsage) OnRunCompleted() { d.bump(&d.completed) }

// OnRunFailed counts a run that ended with an error.
func (d *DailyUsage) OnRunFailed() { d.bump(&d.failed) }

// OnRunSuspended counts a run staged for review.
func (d *DailyUsage) OnRunSuspended() { d.bump(&d.suspended) }

func (d *DailyUsage) bump(n *int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	*n++
}

// Snapshot returns the current totals after checking for midnight
// rollover.
func (d *DailyUsage) Snapshot() UsageSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return UsageSnapshot{
		Date:          d.now().In(d.loc).Format(time.DateOnly),
		InputTokens:   d.input,
		OutputTokens:  d.output,
		ModelCalls:    d.calls,
		RunsCompleted: d.completed,
		RunsFailed:    d.failed,
		RunsSuspended: d.suspended,
	}
}

// maybeReset zeroes the accumulators if the local day-of-year has
// changed. Must be called with d.mu held.
func (d *DailyUsage) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.input, d.output, d.calls = 0, 0, 0
		d.completed, d.failed, d.suspended = 0, 0, 0
		d.resetDay = today
	}
}
