// Package monitor polls the status of long running operations and turns the
// samples into started/progressing/stopped notifications.
//
// Each observer sees at most one WorkStarted, then any number of
// WorkProgressing, then at most one WorkStopped. An operation that is
// already finished when polling begins produces no notifications at all.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bcdev/calvalus-portal/internal/metrics"
	"github.com/bcdev/calvalus-portal/internal/model"
)

var (
	ErrAlreadyStarted  = errors.New("monitor already started")
	ErrInvalidInterval = errors.New("poll interval must be positive")
)

// Reporter fetches the current status of one operation. A returned error
// is a transport failure, not a failed operation.
type Reporter interface {
	FetchStatus(ctx context.Context) (model.WorkStatus, error)
}

type ReporterFunc func(ctx context.Context) (model.WorkStatus, error)

func (f ReporterFunc) FetchStatus(ctx context.Context) (model.WorkStatus, error) {
	return f(ctx)
}

type Option func(*Monitor)

func WithFailurePolicy(p FailurePolicy) Option {
	return func(m *Monitor) { m.policy = p }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithName labels log lines of this monitor.
func WithName(name string) Option {
	return func(m *Monitor) { m.name = name }
}

// Monitor polls a single Reporter. A Monitor can be started once.
type Monitor struct {
	reporter Reporter
	policy   FailurePolicy
	logger   zerolog.Logger
	name     string

	mu        sync.Mutex
	observers []*observerEntry
	running   bool
	started   bool
	stopped   bool
	last      model.WorkStatus
	failures  int
}

type observerEntry struct {
	o Observer
}

func New(reporter Reporter, opts ...Option) *Monitor {
	m := &Monitor{
		reporter: reporter,
		policy:   FailTerminal,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "monitor").Str("monitor", m.name).Logger()
	return m
}

// AddObserver registers o for all following ticks. The returned function
// removes it again; calling it more than once is harmless.
func (m *Monitor) AddObserver(o Observer) (remove func()) {
	e := &observerEntry{o: o}
	m.mu.Lock()
	m.observers = append(m.observers, e)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, x := range m.observers {
				if x == e {
					m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Start performs the first poll synchronously. If that sample is already
// terminal the returned handle is done and no observer was called.
// Otherwise polling continues in the background, one poll every interval
// after the previous one returned, until a terminal sample is seen, the
// handle is stopped or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) (*Handle, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInterval, interval)
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	m.running = true
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{m: m, cancel: cancel, done: make(chan struct{})}

	if m.tick(ctx) {
		cancel()
		close(h.done)
		return h, nil
	}

	metrics.MonitorsActive.Inc()
	go m.loop(ctx, interval, h)
	return h, nil
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, h *Handle) {
	defer close(h.done)
	defer h.cancel()
	defer metrics.MonitorsActive.Dec()

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug().Msg("polling cancelled")
			return
		case <-timer.C:
		}
		if m.tick(ctx) {
			return
		}
		timer.Reset(interval)
	}
}

// tick polls once and notifies observers. It reports whether polling is over.
func (m *Monitor) tick(ctx context.Context) bool {
	sample, err := m.reporter.FetchStatus(ctx)
	if ctx.Err() != nil {
		// Cancelled by the owner: no notifications.
		return true
	}

	m.mu.Lock()
	if err != nil {
		m.failures++
		if m.policy.retries(m.failures) {
			m.mu.Unlock()
			metrics.MonitorPolls.WithLabelValues("retry").Inc()
			m.logger.Warn().Err(err).Int("consecutive_failures", m.failures).Msg("status fetch failed, retrying")
			return false
		}
		metrics.MonitorPolls.WithLabelValues("error").Inc()
		m.logger.Warn().Err(err).Msg("status fetch failed")
		sample = model.Unknown(err.Error())
	} else {
		m.failures = 0
	}
	m.last = sample

	var started, progressing, stopped bool
	if sample.IsDone() {
		m.stopped = true
		stopped = m.started
	} else {
		started = !m.started
		m.started = true
		progressing = true
	}
	observers := make([]Observer, len(m.observers))
	for i, e := range m.observers {
		observers[i] = e.o
	}
	m.mu.Unlock()

	if sample.IsDone() {
		if err == nil {
			metrics.MonitorPolls.WithLabelValues("terminal").Inc()
		}
		if stopped {
			m.logger.Debug().Str("state", string(sample.State)).Msg("work stopped")
			m.notify(observers, Observer.WorkStopped, sample)
		} else {
			m.logger.Debug().Str("state", string(sample.State)).Msg("already done, not observing")
		}
		return true
	}

	metrics.MonitorPolls.WithLabelValues("progress").Inc()
	if started {
		m.logger.Debug().Msg("work started")
		m.notify(observers, Observer.WorkStarted, sample)
	}
	if progressing {
		m.notify(observers, Observer.WorkProgressing, sample)
	}
	return false
}

func (m *Monitor) notify(observers []Observer, event func(Observer, model.WorkStatus), s model.WorkStatus) {
	for _, o := range observers {
		m.safeCall(o, event, s)
	}
}

func (m *Monitor) safeCall(o Observer, event func(Observer, model.WorkStatus), s model.WorkStatus) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Interface("panic", r).Msg("observer panicked")
		}
	}()
	event(o, s)
}

// Handle controls a started monitor.
type Handle struct {
	m      *Monitor
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop cancels polling without notifying observers. It does not wait for an
// in-flight poll to return; use Done for that.
func (h *Handle) Stop() {
	h.cancel()
}

// Done is closed once polling has ended for any reason.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Active reports whether the poll timer is still running.
func (h *Handle) Active() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Started reports whether WorkStarted was sent.
func (h *Handle) Started() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.started
}

// Stopped reports whether a terminal sample was seen.
func (h *Handle) Stopped() bool {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.stopped
}

// Last returns the most recent sample.
func (h *Handle) Last() model.WorkStatus {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.m.last
}
