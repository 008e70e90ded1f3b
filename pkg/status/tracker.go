// Package status turns queue changes into StatusEvents for open windows,
// in-process subscribers and the configured brokers.
package status

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zoff-tech/clinic-outbox/pkg/broker"
	"github.com/zoff-tech/clinic-outbox/pkg/store"
	"github.com/zoff-tech/clinic-outbox/pkg/telemetry"
	"github.com/zoff-tech/clinic-outbox/schema"
)

const (
	defaultQueueSize      = 256
	defaultPublishTimeout = 5 * time.Second
)

// Tracker implements processor.Observer.
type Tracker struct {
	repo           store.OutboxRepository
	brokers        []broker.MessageBroker
	recorder       telemetry.Recorder
	logger         *zap.SugaredLogger
	publishTimeout time.Duration

	queue chan *schema.StatusEvent
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
	subs   map[int]chan *schema.StatusEvent
	nextID int
}

type Option func(*Tracker)

func WithBrokers(brokers ...broker.MessageBroker) Option {
	return func(t *Tracker) { t.brokers = append(t.brokers, brokers...) }
}

func WithRecorder(r telemetry.Recorder) Option {
	return func(t *Tracker) { t.recorder = r }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(t *Tracker) { t.logger = l }
}

func WithPublishTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.publishTimeout = d
		}
	}
}

// WithQueueSize bounds the events waiting for the brokers. Events beyond it
// are dropped.
func WithQueueSize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.queue = make(chan *schema.StatusEvent, n)
		}
	}
}

func NewTracker(repo store.OutboxRepository, opts ...Option) *Tracker {
	t := &Tracker{
		repo:           repo,
		recorder:       telemetry.NopRecorder{},
		logger:         zap.NewNop().Sugar(),
		publishTimeout: defaultPublishTimeout,
		queue:          make(chan *schema.StatusEvent, defaultQueueSize),
		subs:           make(map[int]chan *schema.StatusEvent),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.wg.Add(1)
	go t.publishLoop()
	return t
}

// Counts tallies the stored operations by status.
func (t *Tracker) Counts(ctx context.Context) (schema.Counts, error) {
	var c schema.Counts
	ops, err := t.repo.GetAll(ctx)
	if err != nil {
		return c, err
	}
	for _, op := range ops {
		c.Add(op.Status)
	}
	return c, nil
}

// Notify publishes et for op together with fresh queue counts.
func (t *Tracker) Notify(ctx context.Context, et schema.EventType, op *schema.Operation) {
	t.emit(ctx, schema.NewStatusEvent(et, op))
}

// NotifyConnectivity publishes a connectivity change.
func (t *Tracker) NotifyConnectivity(ctx context.Context, online bool) {
	ev := schema.NewStatusEvent(schema.EventConnectivity, nil)
	ev.Online = &online
	t.emit(ctx, ev)
}

func (t *Tracker) emit(ctx context.Context, ev *schema.StatusEvent) {
	counts, err := t.Counts(ctx)
	if err != nil {
		t.logger.Warnw("Failed to count operations for status event", "event", ev.Type, "error", err)
	} else {
		ev.Counts = counts
		t.recorder.SetCounts(counts)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for id, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			t.logger.Debugw("Status subscriber is behind, dropping event", "subscriber", id, "event", ev.Type)
		}
	}
	if len(t.brokers) == 0 {
		return
	}
	select {
	case t.queue <- ev:
	default:
		t.logger.Warnw("Status queue is full, dropping event", "event", ev.Type, "operation_id", ev.OperationID)
	}
}

// Subscribe returns a channel of status events and a function that ends the
// subscription. Slow subscribers miss events rather than blocking the queue.
func (t *Tracker) Subscribe(buffer int) (<-chan *schema.StatusEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan *schema.StatusEvent, buffer)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub)
			}
		})
	}
}

func (t *Tracker) publishLoop() {
	defer t.wg.Done()
	for ev := range t.queue {
		for _, b := range t.brokers {
			ctx, cancel := context.WithTimeout(context.Background(), t.publishTimeout)
			if err := b.Publish(ctx, ev); err != nil {
				t.logger.Warnw("Failed to publish status event", "event", ev.Type, "operation_id", ev.OperationID, "error", err)
			}
			cancel()
		}
	}
}

// Close drains queued events to the brokers, then closes them and every
// subscription.
func (t *Tracker) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.queue)
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	t.mu.Unlock()

	t.wg.Wait()

	var firstErr error
	for _, b := range t.brokers {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
