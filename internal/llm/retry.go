package llm

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Retry defaults.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 500 * time.Millisecond
)

// RetryClient wraps a Client with a bounded retry policy. Only
// transient failures (see [IsTransient]) are retried; the delay doubles
// after each failed attempt. An optional rate limiter spaces outbound
// requests across all callers sharing the client.
type RetryClient struct {
	client   Client
	attempts int
	backoff  time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// RetryOption configures a RetryClient.
type RetryOption func(*RetryClient)

// WithAttempts sets the total number of attempts, including the first.
// Values below 1 are ignored.
func WithAttempts(n int) RetryOption {
	return func(r *RetryClient) {
		if n >= 1 {
			r.attempts = n
		}
	}
}

// WithBackoff sets the delay before the second attempt.
func WithBackoff(d time.Duration) RetryOption {
	return func(r *RetryClient) { r.backoff = d }
}

// WithRateLimit limits outbound requests to perSecond, allowing bursts
// of burst requests. A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) RetryOption {
	return func(r *RetryClient) {
		if perSecond <= 0 {
			r.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRetryLogger sets the logger used for retry diagnostics.
func WithRetryLogger(l *slog.Logger) RetryOption {
	return func(r *RetryClient) { r.logger = l }
}

// NewRetryClient wraps client with the default policy of
// [DefaultAttempts] attempts starting at [DefaultBackoff].
func NewRetryClient(client Client, opts ...RetryOption) *RetryClient {
	r := &RetryClient{
		client:   client,
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Chat calls the wrapped client, retrying transient failures. Any
// failure it gives up on is returned as [*ErrModelInvocationFailed].
func (r *RetryClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	var lastErr error
	attempt := 0
	for attempt < r.attempts {
		attempt++

		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return nil, &ErrModelInvocationFailed{Model: model, Attempts: attempt - 1, Err: err}
			}
		}

		resp, err := r.client.Chat(ctx, model, messages, tools)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("model call succeeded after retry",
					"model", model,
					"attempts", attempt,
					"last_error", lastErr,
				)
			}
			return resp, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == r.attempts {
			break
		}

		delay := r.backoff << (attempt - 1)
		r.logger.Warn("transient model error, retrying",
			"model", model,
			"attempt", attempt,
			"max_attempts", r.attempts,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &ErrModelInvocationFailed{Model: model, Attempts: attempt, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	return nil, &ErrModelInvocationFailed{Model: model, Attempts: attempt, Err: lastErr}
}
