// Package connwatch monitors the reachability of external dependencies
// (the local model server, the SQLite stores) and reports transitions.
//
// This is distinct from httpkit's transport-level retry, which absorbs
// sub-second dial errors. A watcher probes its service immediately,
// retries with doubling backoff while the service is down, and polls
// at a fixed interval while it is up.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/nugget/deskpilot/internal/events"
	"github.com/nugget/deskpilot/internal/httpkit"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls probe timing.
type Schedule struct {
	InitialDelay time.Duration // First retry after a failure
	MaxDelay     time.Duration // Ceiling for the doubling retry delay
	PollInterval time.Duration // Interval while healthy
	ProbeTimeout time.Duration // Per-probe deadline
}

// DefaultSchedule retries at 2s, 4s, 8s, ... up to 60s and polls every
// 60s while healthy.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.InitialDelay <= 0 {
		s.InitialDelay = d.InitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = d.MaxDelay
	}
	if s.MaxDelay < s.InitialDelay {
		s.MaxDelay = s.InitialDelay
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = d.ProbeTimeout
	}
	return s
}

// Status is the health of one watched service.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Since     time.Time `json:"since,omitempty"` // Time of the last transition
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`
}

// Watcher monitors one service.
type Watcher struct {
	name     string
	probe    ProbeFunc
	schedule Schedule
	onChange func(Status)
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
	probed bool
}

// Status returns the current health status. A service that has not
// been probed yet reports not ready.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.schedule.InitialDelay
	for {
		err := w.check(ctx)
		if ctx.Err() != nil {
			return
		}

		wait := w.schedule.PollInterval
		if err != nil {
			wait = delay
			delay *= 2
			if delay > w.schedule.MaxDelay {
				delay = w.schedule.MaxDelay
			}
		} else {
			delay = w.schedule.InitialDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// check runs one probe and records the outcome, reporting transitions.
// The first probe always counts as a transition.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.schedule.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return err
	}

	now := time.Now()
	w.mu.Lock()
	changed := !w.probed || w.status.Ready != (err == nil)
	w.probed = true
	w.status.LastCheck = now
	if err != nil {
		w.status.Ready = false
		w.status.LastError = err.Error()
		w.status.Failures++
	} else {
		w.status.Ready = true
		w.status.LastError = ""
		w.status.Failures = 0
	}
	if changed {
		w.status.Since = now
	}
	st := w.status
	w.mu.Unlock()

	switch {
	case changed && err == nil:
		w.logger.Info("service ready", "service", w.name)
	case changed:
		w.logger.Warn("service unreachable", "service", w.name, "error", err)
	case err != nil:
		w.logger.Debug("service still unreachable", "service", w.name, "failures", st.Failures, "error", err)
	}
	if changed && w.onChange != nil {
		w.onChange(st)
	}
	return err
}

// Manager coordinates the watchers of one process.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	bus      *events.Bus
	logger   *slog.Logger
}

// NewManager creates a connection watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger.With("component", "connwatch"),
	}
}

// SetEventBus configures the bus that receives service_ready and
// service_down events.
func (m *Manager) SetEventBus(b *events.Bus) {
	m.bus = b
}

// Watch starts a watcher for name in a background goroutine that runs
// until ctx is cancelled or [Manager.Stop] is called. Zero schedule
// fields take their [DefaultSchedule] values. Watching a name twice
// replaces (and stops) the earlier watcher.
func (m *Manager) Watch(ctx context.Context, name string, probe ProbeFunc, schedule Schedule) (*Watcher, error) {
	if name == "" {
		return nil, fmt.Errorf("connwatch: service name is required")
	}
	if probe == nil {
		return nil, fmt.Errorf("connwatch: %s: probe is required", name)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		name:     name,
		probe:    probe,
		schedule: schedule.withDefaults(),
		onChange: m.publish,
		logger:   m.logger,
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   Status{Name: name},
	}

	m.mu.Lock()
	prev := m.watchers[name]
	m.watchers[name] = w
	m.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	go w.run(watchCtx)
	return w, nil
}

func (m *Manager) publish(st Status) {
	if st.Ready {
		m.bus.Emit(events.SourceConnwatch, events.KindServiceReady, map[string]any{
			"service": st.Name,
		})
		return
	}
	m.bus.Emit(events.SourceConnwatch, events.KindServiceDown, map[string]any{
		"service": st.Name,
		"error":   st.LastError,
	})
}

// Status returns the health of every watched service keyed by name.
func (m *Manager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Status, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Unhealthy returns the sorted names of services that are not ready.
func (m *Manager) Unhealthy() []string {
	var names []string
	for name, st := range m.Status() {
		if !st.Ready {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}

// HTTPProbe reports a service healthy when GET url returns 2xx.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		if err := httpkit.CheckResponse(resp); err != nil {
			return err
		}
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil
	}
}
