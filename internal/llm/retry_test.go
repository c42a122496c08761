package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

// scriptedClient returns errors from script in order, then succeeds.
type scriptedClient struct {
	script []error
	calls  int
}

func (s *scriptedClient) Chat(_ context.Context, model string, _ []Message, _ []map[string]any) (*ChatResponse, error) {
	s.calls++
	if s.calls <= len(s.script) {
		if err := s.script[s.calls-1]; err != nil {
			return nil, err
		}
	}
	return &ChatResponse{Model: model, Message: Message{Role: RoleAssistant, Content: "ok"}}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetryClient(t *testing.T) {
	transient := &ProviderError{Provider: "test", StatusCode: 503, Err: errors.New("unavailable")}
	permanent := &ProviderError{Provider: "test", StatusCode: 401, Err: errors.New("bad key")}

	tests := []struct {
		name      string
		script    []error
		attempts  int
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", script: nil, attempts: 3, wantCalls: 1},
		{name: "recovers after transient", script: []error{transient, transient}, attempts: 3, wantCalls: 3},
		{name: "gives up after attempts", script: []error{transient, transient, transient}, attempts: 3, wantCalls: 3, wantErr: true},
		{name: "permanent not retried", script: []error{permanent}, attempts: 3, wantCalls: 1, wantErr: true},
		{name: "single attempt", script: []error{transient}, attempts: 1, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &scriptedClient{script: tt.script}
			rc := NewRetryClient(inner,
				WithAttempts(tt.attempts),
				WithBackoff(time.Millisecond),
				WithRetryLogger(quietLogger()),
			)

			resp, err := rc.Chat(context.Background(), "m", nil, nil)
			if inner.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", inner.calls, tt.wantCalls)
			}
			if tt.wantErr {
				var mf *ErrModelInvocationFailed
				if !errors.As(err, &mf) {
					t.Fatalf("err = %v, want *ErrModelInvocationFailed", err)
				}
				if mf.Attempts != tt.wantCalls {
					t.Errorf("Attempts = %d, want %d", mf.Attempts, tt.wantCalls)
				}
				if mf.Model != "m" {
					t.Errorf("Model = %q, want %q", mf.Model, "m")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Message.Content != "ok" {
				t.Errorf("Content = %q, want %q", resp.Message.Content, "ok")
			}
		})
	}
}

func TestRetryClient_ContextCancelledDuringBackoff(t *testing.T) {
	transient := &ProviderError{Provider: "test", StatusCode: 429, Err: errors.New("slow down")}
	inner := &scriptedClient{script: []error{transient, transient, transient}}
	rc := NewRetryClient(inner,
		WithBackoff(time.Hour),
		WithRetryLogger(quietLogger()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := rc.Chat(ctx, "m", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded in chain", err)
	}
	if inner.calls != 1 {
		t.Errorf("calls = %d, want 1", inner.calls)
	}
}

func TestRetryClient_RateLimit(t *testing.T) {
	inner := &scriptedClient{}
	rc := NewRetryClient(inner, WithRateLimit(1000, 1), WithRetryLogger(quietLogger()))

	for range 3 {
		if _, err := rc.Chat(context.Background(), "m", nil, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"rate limited", &ProviderError{Provider: "p", StatusCode: 429, Err: errors.New("x")}, true},
		{"timeout status", &ProviderError{Provider: "p", StatusCode: 408, Err: errors.New("x")}, true},
		{"server error", &ProviderError{Provider: "p", StatusCode: 502, Err: errors.New("x")}, true},
		{"unauthorized", &ProviderError{Provider: "p", StatusCode: 401, Err: errors.New("x")}, false},
		{"bad request", &ProviderError{Provider: "p", StatusCode: 400, Err: errors.New("x")}, false},
		{"provider network", &ProviderError{Provider: "p", Err: io.ErrUnexpectedEOF}, true},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
