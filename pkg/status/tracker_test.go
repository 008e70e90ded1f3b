package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/clinic-outbox/pkg/store"
	"github.com/zoff-tech/clinic-outbox/schema"
)

type recordingBroker struct {
	mu     sync.Mutex
	events []*schema.StatusEvent
	err    error
	closed bool
}

func (b *recordingBroker) Publish(ctx context.Context, ev *schema.StatusEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return b.err
}

func (b *recordingBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *recordingBroker) types() []schema.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]schema.EventType, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Type)
	}
	return out
}

type countsRecorder struct {
	mu   sync.Mutex
	last schema.Counts
}

func (r *countsRecorder) ObserveAttempt(string, string, time.Duration) {}
func (r *countsRecorder) ObserveFlush(int, time.Duration)              {}
func (r *countsRecorder) ObserveEnqueue(schema.Priority)               {}
func (r *countsRecorder) ObserveEviction(string, int)                  {}
func (r *countsRecorder) SetCounts(c schema.Counts) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = c
}

func seed(t *testing.T, repo store.OutboxRepository, key string, status schema.Status) *schema.Operation {
	t.Helper()
	op := schema.NewOperation("POST", "/api/patients", nil, nil, key, schema.PriorityNormal, 3)
	id, err := repo.AddOperation(context.Background(), op)
	require.NoError(t, err)
	if status != schema.StatusPending {
		require.NoError(t, repo.Update(context.Background(), id, schema.Patch{Status: schema.Ptr(status)}))
	}
	op.Status = status
	return op
}

func TestTracker_NotifyCarriesCounts(t *testing.T) {
	repo := store.NewMemoryRepository()
	seed(t, repo, "a", schema.StatusPending)
	seed(t, repo, "b", schema.StatusPending)
	failed := seed(t, repo, "c", schema.StatusFailed)

	rec := &countsRecorder{}
	b := &recordingBroker{}
	tracker := NewTracker(repo, WithBrokers(b), WithRecorder(rec))

	events, cancel := tracker.Subscribe(4)
	defer cancel()

	tracker.Notify(context.Background(), schema.EventFailed, failed)

	select {
	case ev := <-events:
		assert.Equal(t, schema.EventFailed, ev.Type)
		assert.Equal(t, failed.ID, ev.OperationID)
		assert.Equal(t, schema.StatusFailed, ev.Status)
		assert.Equal(t, schema.Counts{Pending: 2, Failed: 1, Total: 3}, ev.Counts)
	case <-time.After(time.Second):
		t.Fatal("no event delivered to subscriber")
	}

	rec.mu.Lock()
	assert.Equal(t, 3, rec.last.Total)
	rec.mu.Unlock()

	require.NoError(t, tracker.Close())
	assert.Equal(t, []schema.EventType{schema.EventFailed}, b.types())
	assert.True(t, b.closed)
}

func TestTracker_NotifyConnectivity(t *testing.T) {
	tracker := NewTracker(store.NewMemoryRepository())
	defer tracker.Close()

	events, cancel := tracker.Subscribe(1)
	defer cancel()

	tracker.NotifyConnectivity(context.Background(), false)
	ev := <-events
	assert.Equal(t, schema.EventConnectivity, ev.Type)
	require.NotNil(t, ev.Online)
	assert.False(t, *ev.Online)
}

func TestTracker_SlowSubscriberDoesNotBlock(t *testing.T) {
	tracker := NewTracker(store.NewMemoryRepository())
	defer tracker.Close()

	events, cancel := tracker.Subscribe(1)
	for i := 0; i < 5; i++ {
		tracker.Notify(context.Background(), schema.EventFlushStarted, nil)
	}
	assert.Len(t, events, 1)

	cancel()
	cancel()
	_, open := <-events
	for open {
		_, open = <-events
	}
}

func TestTracker_BrokerErrorsAreAbsorbed(t *testing.T) {
	b := &recordingBroker{err: errors.New("broker down")}
	tracker := NewTracker(store.NewMemoryRepository(), WithBrokers(b), WithPublishTimeout(time.Second))

	tracker.Notify(context.Background(), schema.EventFlushFinished, nil)
	tracker.Notify(context.Background(), schema.EventFlushFinished, nil)
	require.NoError(t, tracker.Close())
	assert.Len(t, b.types(), 2)
}

func TestTracker_CloseIsIdempotent(t *testing.T) {
	tracker := NewTracker(store.NewMemoryRepository())
	require.NoError(t, tracker.Close())
	require.NoError(t, tracker.Close())

	// no panic after close
	tracker.Notify(context.Background(), schema.EventEnqueued, nil)
	events, cancel := tracker.Subscribe(1)
	defer cancel()
	_, open := <-events
	assert.False(t, open)
}
