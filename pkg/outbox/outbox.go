// Package outbox is the queue the SPA writes through while the clinic API may
// be unreachable. Writes are persisted first and replayed later, oldest first,
// each carrying a stable idempotency key.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/zoff-tech/clinic-outbox/pkg/connectivity"
	"github.com/zoff-tech/clinic-outbox/pkg/idempotency"
	"github.com/zoff-tech/clinic-outbox/pkg/processor"
	"github.com/zoff-tech/clinic-outbox/pkg/quota"
	"github.com/zoff-tech/clinic-outbox/pkg/status"
	"github.com/zoff-tech/clinic-outbox/pkg/store"
	"github.com/zoff-tech/clinic-outbox/pkg/telemetry"
	"github.com/zoff-tech/clinic-outbox/pkg/transport"
	"github.com/zoff-tech/clinic-outbox/schema"
)

var (
	ErrInvalidOperation = errors.New("invalid operation")
	ErrNotFailed        = errors.New("operation is not failed")
	ErrDisposed         = errors.New("outbox disposed")
)

// Status is the aggregate view rendered by sync indicators.
type Status struct {
	Pending   int  `json:"pending"`
	Syncing   int  `json:"syncing"`
	Failed    int  `json:"failed"`
	Completed int  `json:"completed"`
	Total     int  `json:"total"`
	Flushing  bool `json:"flushing"`
	Online    bool `json:"online"`
	Durable   bool `json:"durable"`
}

type Outbox struct {
	repo      store.OutboxRepository
	processor *processor.OutboxProcessor
	monitor   *connectivity.Monitor
	prober    *connectivity.Prober
	guard     *quota.Guard
	tracker   *status.Tracker
	generator idempotency.Generator
	validate  *validator.Validate
	recorder  telemetry.Recorder
	logger    *zap.SugaredLogger
	now       func() time.Time

	maxRetries     int
	flushOnEnqueue bool

	// rerun asks the running flush for one more cycle.
	rerun atomic.Bool

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	retryTimer  *time.Timer
	retryAt     time.Time
	initialized bool
	disposed    bool
}

// New assembles an outbox over repo, replaying through exec. Call Init before
// expecting any flush and Dispose when done.
func New(repo store.OutboxRepository, exec transport.Executor, opts ...Option) *Outbox {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		repo:           repo,
		generator:      cfg.generator,
		validate:       validator.New(),
		recorder:       cfg.recorder,
		logger:         cfg.logger,
		now:            cfg.now,
		maxRetries:     cfg.maxRetries,
		flushOnEnqueue: cfg.flushOnEnqueue,
		ctx:            ctx,
		cancel:         cancel,
	}

	o.tracker = cfg.tracker
	if o.tracker == nil {
		o.tracker = status.NewTracker(repo, status.WithRecorder(cfg.recorder), status.WithLogger(cfg.logger))
	}

	procOpts := []processor.Option{
		processor.WithCallTimeout(cfg.callTimeout),
		processor.WithRetention(cfg.retention),
		processor.WithClock(cfg.now),
		processor.WithObserver(o.tracker),
		processor.WithRecorder(cfg.recorder),
		processor.WithLogger(cfg.logger),
	}
	if cfg.policy != nil {
		procOpts = append(procOpts, processor.WithPolicy(cfg.policy))
	}
	o.processor = processor.NewOutboxProcessor(repo, exec, procOpts...)

	estimator := cfg.estimator
	if estimator == nil {
		estimator = quota.NewEstimator(repo, cfg.quotaBytes)
	}
	o.guard = quota.NewGuard(repo, estimator,
		quota.WithHighWaterMark(cfg.highWaterMark),
		quota.WithRetention(cfg.retention),
		quota.WithClock(cfg.now),
		quota.WithRecorder(cfg.recorder),
		quota.WithLogger(cfg.logger),
		quota.WithEvictionHook(func(op *schema.Operation, tier string) {
			o.tracker.Notify(context.Background(), schema.EventRemoved, op)
		}),
	)

	monOpts := []connectivity.Option{
		connectivity.WithJitter(cfg.onlineJitter),
		connectivity.WithInitialState(cfg.startOnline),
		connectivity.WithLogger(cfg.logger),
		connectivity.OnChange(func(online bool) {
			o.tracker.NotifyConnectivity(context.Background(), online)
		}),
	}
	if cfg.jitterSource != nil {
		monOpts = append(monOpts, connectivity.WithRand(cfg.jitterSource))
	}
	o.monitor = connectivity.NewMonitor(func(ctx context.Context) {
		if _, err := o.flush(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warnw("flush failed", "error", err)
		}
	}, monOpts...)

	if pinger, ok := exec.(transport.Pinger); ok && cfg.probeInterval > 0 {
		o.prober = connectivity.NewProber(pinger, o.monitor, cfg.probeInterval, cfg.logger)
	}
	return o
}

// Init reclaims claims abandoned by a previous run, starts connectivity
// tracking and, when online, kicks off a first flush.
func (o *Outbox) Init(ctx context.Context) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrDisposed
	}
	if o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.initialized = true
	o.mu.Unlock()

	reclaimed, leaseExpiry, err := o.processor.ReclaimStale(ctx)
	if err != nil {
		return fmt.Errorf("reclaim stale operations: %w", err)
	}
	o.scheduleRetry(leaseExpiry)
	if !store.IsDurable(o.repo) {
		o.logger.Warn("outbox is running on a non-durable store, queued changes will not survive a restart")
	}

	o.monitor.Start(o.ctx)
	if o.prober != nil {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.prober.Run(o.ctx)
		}()
	}

	o.logger.Infow("outbox initialised", "reclaimed", reclaimed, "online", o.monitor.Online(), "durable", store.IsDurable(o.repo))
	if o.monitor.Online() {
		o.kick()
	}
	return nil
}

// Dispose stops timers and background work and closes the status tracker.
// The repository stays open; it belongs to the caller.
func (o *Outbox) Dispose() error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return nil
	}
	o.disposed = true
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	o.mu.Unlock()

	o.cancel()
	o.monitor.Stop()
	o.wg.Wait()
	return o.tracker.Close()
}

type enqueueRequest struct {
	Method         string          `validate:"required,oneof=POST PUT PATCH DELETE"`
	Endpoint       string          `validate:"required,startswith=/|http_url"`
	Priority       schema.Priority `validate:"gte=0,lte=2"`
	MaxRetries     int             `validate:"gte=0,lte=100"`
	IdempotencyKey string
	Headers        map[string]string
}

// EnqueueOption adjusts a single enqueue.
type EnqueueOption func(*enqueueRequest)

func WithHeaders(h map[string]string) EnqueueOption {
	return func(r *enqueueRequest) { r.Headers = h }
}

func WithPriority(p schema.Priority) EnqueueOption {
	return func(r *enqueueRequest) { r.Priority = p }
}

// WithOperationMaxRetries overrides the attempt budget of this operation.
func WithOperationMaxRetries(n int) EnqueueOption {
	return func(r *enqueueRequest) { r.MaxRetries = n }
}

// WithIdempotencyKey reuses a key the caller already issued, for example when
// a form is resubmitted.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(r *enqueueRequest) { r.IdempotencyKey = key }
}

// Enqueue persists a write for later replay and returns its id. Storage
// exhaustion and invalid input are reported here, synchronously.
func (o *Outbox) Enqueue(ctx context.Context, method, endpoint string, payload []byte, opts ...EnqueueOption) (string, error) {
	o.mu.Lock()
	disposed := o.disposed
	o.mu.Unlock()
	if disposed {
		return "", ErrDisposed
	}

	req := enqueueRequest{
		Method:     strings.ToUpper(strings.TrimSpace(method)),
		Endpoint:   strings.TrimSpace(endpoint),
		Priority:   schema.PriorityNormal,
		MaxRetries: o.maxRetries,
	}
	for _, opt := range opts {
		opt(&req)
	}
	if err := o.validate.Struct(req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return "", fmt.Errorf("%w: payload is not valid JSON", ErrInvalidOperation)
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = o.generator.Generate()
	} else if !idempotency.Valid(req.IdempotencyKey) {
		return "", fmt.Errorf("%w: malformed idempotency key", ErrInvalidOperation)
	}

	op := schema.NewOperation(req.Method, req.Endpoint, payload, req.Headers, req.IdempotencyKey, req.Priority, req.MaxRetries)
	op.CreatedAt = o.now().UTC()

	if _, err := o.guard.EnsureCapacity(ctx, op.Size()); err != nil {
		o.logger.Warnw("enqueue rejected", "endpoint", op.Endpoint, "error", err)
		return "", err
	}

	id, err := o.repo.AddOperation(ctx, op)
	if err != nil {
		return "", err
	}

	o.recorder.ObserveEnqueue(op.Priority)
	o.logger.Infow("operation queued", "id", id, "method", op.Method, "endpoint", op.Endpoint, "priority", op.Priority)
	o.tracker.Notify(ctx, schema.EventEnqueued, op)

	if o.flushOnEnqueue && o.monitor.Online() {
		o.kick()
	}
	return id, nil
}

// GetStatus returns queue counts together with flush and connectivity state.
func (o *Outbox) GetStatus(ctx context.Context) (Status, error) {
	counts, err := o.tracker.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Pending:   counts.Pending,
		Syncing:   counts.Syncing,
		Failed:    counts.Failed,
		Completed: counts.Completed,
		Total:     counts.Pending + counts.Syncing + counts.Failed,
		Flushing:  o.processor.Flushing(),
		Online:    o.monitor.Online(),
		Durable:   store.IsDurable(o.repo),
	}, nil
}

// Operation returns one stored operation.
func (o *Outbox) Operation(ctx context.Context, id string) (*schema.Operation, error) {
	return o.repo.Get(ctx, id)
}

// Operations lists stored operations, all of them when st is empty.
func (o *Outbox) Operations(ctx context.Context, st schema.Status) ([]*schema.Operation, error) {
	if st == "" {
		return o.repo.GetAll(ctx)
	}
	return o.repo.GetByStatus(ctx, st)
}

// RetryFailed moves the given failed operations, or every failed operation
// when no id is given, back to pending with a fresh attempt budget.
func (o *Outbox) RetryFailed(ctx context.Context, ids ...string) (int, error) {
	explicit := len(ids) > 0
	if !explicit {
		failed, err := o.repo.GetByStatus(ctx, schema.StatusFailed)
		if err != nil {
			return 0, err
		}
		for _, op := range failed {
			ids = append(ids, op.ID)
		}
	}

	retried := 0
	for _, id := range ids {
		err := o.repo.Update(ctx, id, schema.Patch{
			Status:        schema.Ptr(schema.StatusPending),
			RetryCount:    schema.Ptr(0),
			NextAttemptAt: schema.Ptr(time.Time{}),
			LastError:     schema.Ptr(""),
			From:          schema.Ptr(schema.StatusFailed),
		})
		switch {
		case err == nil:
		case explicit && errors.Is(err, store.ErrStatusConflict):
			return retried, fmt.Errorf("%w: %s", ErrNotFailed, id)
		case explicit:
			return retried, err
		case errors.Is(err, store.ErrDuplicateKey):
			// another active operation holds the key
			o.logger.Warnw("failed operation not retried, key in use", "id", id)
			continue
		case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrNotFound):
			continue
		default:
			return retried, err
		}
		retried++
		if op, err := o.repo.Get(ctx, id); err == nil {
			o.tracker.Notify(ctx, schema.EventRequeued, op)
		}
	}

	if retried > 0 {
		o.logger.Infow("failed operations requeued", "count", retried)
		if o.monitor.Online() {
			o.kick()
		}
	}
	return retried, nil
}

// ClearFailedOperations deletes every failed operation.
func (o *Outbox) ClearFailedOperations(ctx context.Context) (int, error) {
	failed, err := o.repo.GetByStatus(ctx, schema.StatusFailed)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, op := range failed {
		if err := o.repo.Remove(ctx, op.ID); err != nil {
			return removed, err
		}
		removed++
		o.tracker.Notify(ctx, schema.EventRemoved, op)
	}
	if removed > 0 {
		o.logger.Infow("failed operations cleared", "count", removed)
	}
	return removed, nil
}

// SyncNow flushes immediately, without the reconnect jitter. It does not
// wait for a flush that is already running.
func (o *Outbox) SyncNow(ctx context.Context) (processor.Report, error) {
	return o.flush(ctx)
}

// SetOnline feeds a connectivity signal.
func (o *Outbox) SetOnline(online bool) {
	o.monitor.SetOnline(online)
}

// BackgroundSync handles a background wake-up: it flushes when online.
func (o *Outbox) BackgroundSync(ctx context.Context) {
	o.monitor.BackgroundSync(ctx)
}

// PurgeCompleted removes completed operations past their retention.
func (o *Outbox) PurgeCompleted(ctx context.Context) (int, error) {
	return o.guard.PurgeExpired(ctx)
}

// Subscribe streams status events until cancel is called or the outbox is
// disposed.
func (o *Outbox) Subscribe(buffer int) (<-chan *schema.StatusEvent, func()) {
	return o.tracker.Subscribe(buffer)
}

// kick starts a flush in the background. If one is already running it is
// asked to run another cycle so the new work is not left behind.
func (o *Outbox) kick() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed || !o.initialized {
		return
	}
	if o.processor.Flushing() {
		o.rerun.Store(true)
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.flush(o.ctx); err != nil && o.ctx.Err() == nil {
			o.logger.Warnw("flush failed", "error", err)
		}
	}()
}

func (o *Outbox) flush(ctx context.Context) (processor.Report, error) {
	report, err := o.processor.Flush(ctx)
	if !report.Ran {
		return report, nil
	}
	o.scheduleRetry(report.NextAttemptAt)

	for err == nil && ctx.Err() == nil && o.rerun.Swap(false) {
		next, nextErr := o.processor.Flush(ctx)
		if !next.Ran {
			break
		}
		o.scheduleRetry(next.NextAttemptAt)
		report.Processed += next.Processed
		report.Completed += next.Completed
		report.Retried += next.Retried
		report.Failed += next.Failed
		report.Reclaimed += next.Reclaimed
		report.NextAttemptAt = next.NextAttemptAt
		err = nextErr
	}
	return report, err
}

// scheduleRetry arms a timer for the earliest backoff deadline. An earlier
// timer already armed is kept.
func (o *Outbox) scheduleRetry(at time.Time) {
	if at.IsZero() {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return
	}
	if o.retryTimer != nil {
		if !o.retryAt.After(at) {
			return
		}
		o.retryTimer.Stop()
	}

	delay := max(at.Sub(o.now()), 0)
	o.retryAt = at
	o.retryTimer = time.AfterFunc(delay, func() {
		o.mu.Lock()
		o.retryTimer = nil
		o.retryAt = time.Time{}
		o.mu.Unlock()
		if o.monitor.Online() {
			o.kick()
			return
		}
		o.reclaim()
	})
	o.logger.Debugw("retry scheduled", "at", at, "delay", delay)
}

// reclaim returns expired claims to pending while offline, so they are
// visible as queued work and ready for the next flush.
func (o *Outbox) reclaim() {
	o.mu.Lock()
	if o.disposed || !o.initialized {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()
	defer o.wg.Done()

	_, leaseExpiry, err := o.processor.ReclaimStale(o.ctx)
	if err != nil && o.ctx.Err() == nil {
		o.logger.Warnw("failed to reclaim stale claims", "error", err)
	}
	o.scheduleRetry(leaseExpiry)
}
