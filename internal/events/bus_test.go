package events

import (
	"sync"
	"testing"
	"time"
)

func TestNilBus(t *testing.T) {
	var b *Bus
	// Must not panic.
	b.Publish(Event{Source: SourceAgent, Kind: KindRunStart})
	b.Emit(SourceAgent, KindRunStart, nil)
	if b.SubscriberCount() != 0 || b.Dropped() != 0 {
		t.Error("nil bus should report no subscribers and no drops")
	}
}

func TestEmitStampsTimestamp(t *testing.T) {
	b := New()
	ch := b.Subscribe(8)
	defer b.Unsubscribe(ch)

	before := time.Now()
	b.Emit(SourceAgent, KindRunComplete, map[string]any{"run_id": "r_abc"})

	select {
	case got := <-ch:
		if got.Source != SourceAgent || got.Kind != KindRunComplete {
			t.Errorf("got %s/%s, want %s/%s", got.Source, got.Kind, SourceAgent, KindRunComplete)
		}
		if got.Timestamp.Before(before) {
			t.Errorf("timestamp %v is before emit time %v", got.Timestamp, before)
		}
		if id, _ := got.Data["run_id"].(string); id != "r_abc" {
			t.Errorf("run_id = %v, want r_abc", got.Data["run_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishMultipleSubscribers(t *testing.T) {
	b := New()
	const n = 5
	channels := make([]<-chan Event, n)
	for i := range n {
		channels[i] = b.Subscribe(8)
	}
	defer func() {
		for _, ch := range channels {
			b.Unsubscribe(ch)
		}
	}()

	evt := Event{Source: SourceAPI, Kind: KindThreadIssued}
	b.Publish(evt)

	for i, ch := range channels {
		select {
		case got := <-ch:
			if got.Kind != evt.Kind {
				t.Errorf("subscriber %d: got kind %q, want %q", i, got.Kind, evt.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestDropOnFull(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	fast := b.Subscribe(4)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	for _, kind := range []string{"first", "second", "third"} {
		b.Publish(Event{Kind: kind})
	}

	if got := <-slow; got.Kind != "first" {
		t.Errorf("slow got kind %q, want first", got.Kind)
	}
	select {
	case evt := <-slow:
		t.Errorf("expected empty channel, got event %v", evt)
	default:
	}
	if got := len(fast); got != 3 {
		t.Errorf("fast subscriber buffered %d events, want 3", got)
	}
	if got := b.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch1 := b.Subscribe(4)
	ch2 := b.Subscribe(4)
	if got := b.SubscriberCount(); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}

	b.Unsubscribe(ch1)
	b.Unsubscribe(ch1) // no-op
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("count after unsubscribe = %d, want 1", got)
	}
	if _, ok := <-ch1; ok {
		t.Error("expected channel to be closed after Unsubscribe")
	}

	b.Unsubscribe(ch2)
	b.Publish(Event{Kind: KindRunFailed}) // no subscribers, must not panic
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(64)

	received := make(chan int)
	go func() {
		n := 0
		for range ch {
			n++
		}
		received <- n
	}()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				b.Emit(SourceAgent, KindToolCall, map[string]any{"publisher": i, "seq": j})
			}
		}()
	}
	// Churn subscriptions while publishing.
	for range 20 {
		b.Unsubscribe(b.Subscribe(1))
	}
	wg.Wait()
	b.Unsubscribe(ch)

	// Every emit is either delivered or counted as dropped; the churned
	// subscribers may have added drops of their own.
	if n := <-received; uint64(n)+b.Dropped() < 1000 {
		t.Errorf("delivered %d + dropped %d < 1000 published", n, b.Dropped())
	}
}
