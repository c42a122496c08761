// Package events is the in-process bus for run lifecycle and
// dependency health events. Publishing on a nil *Bus does nothing.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the agent loop.
	SourceAgent = "agent"
	// SourceAPI identifies events from the HTTP API.
	SourceAPI = "api"
	// SourceConnwatch identifies dependency health transitions.
	SourceConnwatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindRunStart signals the beginning of an agent run.
	// Data: run_id, thread_id, model, messages.
	KindRunStart = "run_start"
	// KindLLMCall signals the start of a model invocation.
	// Data: run_id, iter, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model invocation.
	// Data: run_id, thread_id, iter, model, tokens_in, tokens_out,
	// tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: run_id, tool, call_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: run_id, tool, call_id, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRunSuspended signals a run is waiting for human review.
	// Data: run_id, thread_id, tools.
	KindRunSuspended = "run_suspended"
	// KindRunResumed signals a staged run received a decision.
	// Data: run_id, thread_id, approved.
	KindRunResumed = "run_resumed"
	// KindRunComplete signals a run persisted its history.
	// Data: run_id, thread_id, iterations, tokens_in, tokens_out,
	// elapsed_ms.
	KindRunComplete = "run_complete"
	// KindRunFailed signals a run terminated with an error.
	// Data: run_id, thread_id, error, kind.
	KindRunFailed = "run_failed"

	// KindThreadIssued signals a new thread id was handed to a client.
	// Data: thread_id.
	KindThreadIssued = "thread_issued"

	// KindServiceReady signals a watched dependency became reachable.
	// Data: service.
	KindServiceReady = "service_ready"
	// KindServiceDown signals a watched dependency became unreachable.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscribers without blocking publishers. A
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]chan Event
	dropped atomic.Uint64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with buffer space.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a subscriber with a buffer of size events. Pair
// every call with [Bus.Unsubscribe].
func (b *Bus) Subscribe(size int) <-chan Event {
	ch := make(chan Event, size)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscriber and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
