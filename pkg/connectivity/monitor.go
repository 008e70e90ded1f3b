package connectivity

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultOnlineJitter spreads reconnect flushes of many clients over this window.
const DefaultOnlineJitter = 30 * time.Second

// FlushFunc starts a flush. It must be safe to call concurrently; overlapping
// calls are collapsed by the flush coordinator.
type FlushFunc func(ctx context.Context)

// Monitor tracks connectivity and turns online transitions into jittered
// flushes. It holds no queue state of its own.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	scheduled *time.Timer
	baseCtx   context.Context
	stopped   bool

	flush    FlushFunc
	jitter   time.Duration
	randFn   func() float64
	onChange func(online bool)
	logger   *zap.SugaredLogger
}

type Option func(*Monitor)

// WithJitter sets the upper bound of the random delay before an online flush.
func WithJitter(d time.Duration) Option {
	return func(m *Monitor) {
		if d >= 0 {
			m.jitter = d
		}
	}
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(m *Monitor) { m.randFn = fn }
}

// WithInitialState sets the connectivity assumed before the first signal.
func WithInitialState(online bool) Option {
	return func(m *Monitor) { m.online = online }
}

// OnChange registers a callback for connectivity transitions.
func OnChange(fn func(online bool)) Option {
	return func(m *Monitor) { m.onChange = fn }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Monitor) { m.logger = l }
}

func NewMonitor(flush FlushFunc, opts ...Option) *Monitor {
	m := &Monitor{
		baseCtx:  context.Background(),
		flush:    flush,
		jitter:   DefaultOnlineJitter,
		randFn:   rand.Float64,
		onChange: func(bool) {},
		logger:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start sets the context used by timer-driven flushes.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.stopped = false
	m.mu.Unlock()
}

// Stop cancels any scheduled flush. Signals received afterwards are ignored.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.scheduled != nil {
		m.scheduled.Stop()
		m.scheduled = nil
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Scheduled reports whether a jittered flush is waiting to fire.
func (m *Monitor) Scheduled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scheduled != nil
}

// SetOnline records a connectivity signal. A transition to online schedules a
// flush after a random delay in [0, jitter); signals arriving while one is
// scheduled do not add another.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	changed := m.online != online
	m.online = online
	if online && changed && m.scheduled == nil {
		delay := time.Duration(m.randFn() * float64(m.jitter))
		m.scheduled = time.AfterFunc(delay, m.fire)
		m.logger.Infow("back online, flush scheduled", "delay", delay)
	}
	m.mu.Unlock()

	if changed {
		if !online {
			m.logger.Info("went offline")
		}
		m.onChange(online)
	}
}

// BackgroundSync handles a background wake signal: it flushes when online.
func (m *Monitor) BackgroundSync(ctx context.Context) {
	if !m.Online() {
		m.logger.Debug("background sync skipped, offline")
		return
	}
	m.flush(ctx)
}

func (m *Monitor) fire() {
	m.mu.Lock()
	m.scheduled = nil
	online, stopped, ctx := m.online, m.stopped, m.baseCtx
	m.mu.Unlock()

	if stopped {
		return
	}
	if !online {
		m.logger.Info("scheduled flush skipped, offline again")
		return
	}
	m.flush(ctx)
}
