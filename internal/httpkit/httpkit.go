// Package httpkit builds the outbound HTTP clients shared by the model
// providers, tools, and dependency probes, and holds small helpers for
// turning non-2xx responses into errors.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/nugget/deskpilot/internal/buildinfo"
)

const (
	// DefaultTimeout bounds a whole request when no WithTimeout is given.
	DefaultTimeout = 30 * time.Second

	// ErrorBodyLimit caps how much of a non-2xx body is kept for errors.
	ErrorBodyLimit = 512

	// MaxRetryAfter caps the wait a server can request via Retry-After.
	MaxRetryAfter = 30 * time.Second
)

// ClientOption adjusts a client built by [NewClient].
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout    time.Duration
	userAgent  string
	retryCount int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout replaces [DefaultTimeout].
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent replaces the Deskpilot User-Agent. A header set on the
// request itself still wins.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithRetry enables up to count retries, delay apart, of requests that
// hit a dial error (EHOSTUNREACH, ENETUNREACH, ECONNREFUSED), and of
// GET/HEAD/OPTIONS requests answered with 429 or 503, which wait for the
// server's Retry-After instead. Requests with a body are only retried
// when the body can be rewound via GetBody.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(c *clientConfig) { c.retryCount, c.retryDelay = count, delay }
}

// WithLogger receives a debug line per retry.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport returns a pooled transport honoring proxy environment
// variables. Dials and TLS handshakes time out after 10 seconds and
// response headers after 15.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   5,
	}
}

// NewClient returns a client on a fresh [NewTransport] that stamps
// [buildinfo.UserAgent] on requests lacking one.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := clientConfig{timeout: DefaultTimeout, userAgent: buildinfo.UserAgent()}
	for _, opt := range opts {
		opt(&cfg)
	}

	var rt http.RoundTripper = stampUA(NewTransport(), cfg.userAgent)
	if cfg.retryCount > 0 {
		rt = &retryTransport{base: rt, count: cfg.retryCount, delay: cfg.retryDelay, logger: cfg.logger}
	}
	return &http.Client{Timeout: cfg.timeout, Transport: rt}
}

// roundTripFunc lets a plain function act as an [http.RoundTripper].
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func stampUA(base http.RoundTripper, ua string) http.RoundTripper {
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("User-Agent") != "" {
			return base.RoundTrip(req)
		}
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", ua)
		return base.RoundTrip(req)
	})
}

// retryTransport retries requests that failed before reaching the
// server, and idempotent requests the server throttled (429, 503).
type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	attemptReq := req
	for attempt := 0; ; attempt++ {
		resp, err := t.base.RoundTrip(attemptReq)

		wait, retry := t.backoff(req, resp, err)
		if !retry || attempt >= t.count {
			return resp, err
		}
		reason := "dial error"
		if resp != nil {
			reason = resp.Status
			DrainAndClose(resp.Body, 4096)
		}
		if t.logger != nil {
			t.logger.Debug("retrying request",
				"method", req.Method,
				"host", req.URL.Host,
				"attempt", attempt+1,
				"max_retries", t.count,
				"wait", wait,
				"reason", reason,
				"error", err,
			)
		}

		timer := time.NewTimer(wait)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		attemptReq = req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			attemptReq.Body = body
		}
	}
}

// backoff reports whether the outcome of one attempt is worth retrying
// and how long to wait first.
func (t *retryTransport) backoff(req *http.Request, resp *http.Response, err error) (time.Duration, bool) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return 0, false
	}
	if err != nil {
		return t.delay, isRetryableError(err)
	}
	if !idempotent(req.Method) {
		return 0, false
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return retryAfter(resp.Header.Get("Retry-After"), t.delay, time.Now()), true
	}
	return 0, false
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// retryAfter parses a Retry-After header (delta seconds or HTTP date),
// falling back to def and capping at [MaxRetryAfter].
func retryAfter(header string, def time.Duration, now time.Time) time.Duration {
	wait := def
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
			wait = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(header); err == nil {
			wait = at.Sub(now)
		}
	}
	if wait < 0 {
		wait = 0
	}
	if wait > MaxRetryAfter {
		wait = MaxRetryAfter
	}
	return wait
}

// isRetryableError reports dial failures, where no bytes reached the
// server. A reset connection may already have been processed and is
// not retried.
func isRetryableError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	return errno == syscall.EHOSTUNREACH || errno == syscall.ENETUNREACH || errno == syscall.ECONNREFUSED
}

// StatusError is returned by [CheckResponse] for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return "HTTP " + strconv.Itoa(e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// CheckResponse returns a [*StatusError] carrying a bounded copy of the
// body when resp is not a 2xx response. The body is drained and closed
// in that case; on success the caller still owns it.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	return &StatusError{StatusCode: resp.StatusCode, Body: ReadErrorBody(resp.Body, ErrorBodyLimit)}
}

// DrainAndClose discards at most limit bytes of rc, then closes it, so
// the connection can go back to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	io.CopyN(io.Discard, rc, limit)
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of rc as a string and then
// drains and closes it.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer DrainAndClose(rc, 1024)
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return "(unreadable body: " + err.Error() + ")"
	}
	return string(body)
}
