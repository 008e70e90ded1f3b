package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/clinic-outbox/pkg/retry"
	"github.com/zoff-tech/clinic-outbox/pkg/store"
	"github.com/zoff-tech/clinic-outbox/pkg/telemetry"
	"github.com/zoff-tech/clinic-outbox/pkg/transport"
	"github.com/zoff-tech/clinic-outbox/schema"
)

const (
	DefaultCallTimeout = 30 * time.Second
	maxErrorBody       = 200
)

// Observer is told about every status change made by a flush.
type Observer interface {
	Notify(ctx context.Context, t schema.EventType, op *schema.Operation)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, t schema.EventType, op *schema.Operation)

func (f ObserverFunc) Notify(ctx context.Context, t schema.EventType, op *schema.Operation) {
	f(ctx, t, op)
}

// Report summarises one flush cycle.
type Report struct {
	// Ran is false when another flush was already in progress.
	Ran       bool
	Processed int
	Completed int
	Retried   int
	Failed    int
	Reclaimed int
	// NextAttemptAt is the earliest time a pending operation becomes ready
	// again or a foreign syncing claim can be reclaimed, zero when nothing is
	// waiting.
	NextAttemptAt time.Time
}

// OutboxProcessor replays pending operations. Only one flush runs at a time.
type OutboxProcessor struct {
	repo        store.OutboxRepository
	exec        transport.Executor
	policy      *retry.Policy
	tracer      trace.Tracer
	callTimeout time.Duration
	claimLease  time.Duration
	retention   time.Duration
	now         func() time.Time
	observer    Observer
	recorder    telemetry.Recorder
	logger      *zap.SugaredLogger

	flushing atomic.Bool
}

type Option func(*OutboxProcessor)

func WithPolicy(p *retry.Policy) Option {
	return func(o *OutboxProcessor) { o.policy = p }
}

// WithCallTimeout bounds each replayed call. The claim lease defaults to
// twice this value.
func WithCallTimeout(d time.Duration) Option {
	return func(o *OutboxProcessor) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithClaimLease sets how long a syncing claim is honoured before it is
// considered abandoned.
func WithClaimLease(d time.Duration) Option {
	return func(o *OutboxProcessor) { o.claimLease = d }
}

// WithRetention keeps completed operations for d instead of removing them.
func WithRetention(d time.Duration) Option {
	return func(o *OutboxProcessor) { o.retention = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *OutboxProcessor) { o.now = now }
}

func WithObserver(obs Observer) Option {
	return func(o *OutboxProcessor) { o.observer = obs }
}

func WithRecorder(r telemetry.Recorder) Option {
	return func(o *OutboxProcessor) { o.recorder = r }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(o *OutboxProcessor) { o.logger = l }
}

// NewOutboxProcessor creates a new instance of OutboxProcessor.
func NewOutboxProcessor(repo store.OutboxRepository, exec transport.Executor, opts ...Option) *OutboxProcessor {
	p := &OutboxProcessor{
		repo:        repo,
		exec:        exec,
		policy:      retry.NewPolicy(retry.DefaultBaseDelay, retry.DefaultMaxDelay),
		tracer:      otel.Tracer("clinic-outbox"),
		callTimeout: DefaultCallTimeout,
		now:         time.Now,
		observer:    ObserverFunc(func(context.Context, schema.EventType, *schema.Operation) {}),
		recorder:    telemetry.NopRecorder{},
		logger:      zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.claimLease <= 0 {
		p.claimLease = 2 * p.callTimeout
	}
	return p
}

// Flushing reports whether a flush cycle is running.
func (p *OutboxProcessor) Flushing() bool {
	return p.flushing.Load()
}

// Flush replays every ready pending operation, oldest first. A call made
// while another flush is running returns immediately with Ran set to false.
func (p *OutboxProcessor) Flush(ctx context.Context) (Report, error) {
	if !p.flushing.CompareAndSwap(false, true) {
		p.logger.Debug("flush already in progress")
		return Report{}, nil
	}
	defer p.flushing.Store(false)

	start := time.Now()
	report := Report{Ran: true}
	p.observer.Notify(ctx, schema.EventFlushStarted, nil)
	defer func() {
		p.recorder.ObserveFlush(report.Processed, time.Since(start))
		p.observer.Notify(context.WithoutCancel(ctx), schema.EventFlushFinished, nil)
	}()

	reclaimed, leaseExpiry, err := p.ReclaimStale(ctx)
	if err != nil {
		p.logger.Warnw("failed to reclaim stale claims", "error", err)
	}
	report.Reclaimed = reclaimed
	report.NextAttemptAt = leaseExpiry

	ops, err := p.repo.GetByStatus(ctx, schema.StatusPending)
	if err != nil {
		return report, fmt.Errorf("load pending operations: %w", err)
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			break
		}
		if !op.Ready(p.now()) {
			report.NextAttemptAt = earliest(report.NextAttemptAt, op.NextAttemptAt)
			continue
		}

		outcome, next := p.process(ctx, op)
		switch outcome {
		case outcomeSkipped:
			continue
		case outcomeCompleted:
			report.Completed++
		case outcomeRetried:
			report.Retried++
			report.NextAttemptAt = earliest(report.NextAttemptAt, next)
		case outcomeFailed:
			report.Failed++
		}
		report.Processed++
	}

	p.logger.Infow("flush finished",
		"processed", report.Processed,
		"completed", report.Completed,
		"retried", report.Retried,
		"failed", report.Failed,
		"duration", time.Since(start))
	return report, ctx.Err()
}

// ReclaimStale returns syncing operations whose claim lease has expired to
// pending. The interrupted attempt is not counted. It also reports when the
// earliest claim still inside its lease expires, zero when there is none.
func (p *OutboxProcessor) ReclaimStale(ctx context.Context) (int, time.Time, error) {
	ops, err := p.repo.GetByStatus(ctx, schema.StatusSyncing)
	if err != nil {
		return 0, time.Time{}, err
	}
	cutoff := p.now().Add(-p.claimLease)
	reclaimed := 0
	var nextExpiry time.Time
	for _, op := range ops {
		if op.LastAttemptAt.After(cutoff) {
			nextExpiry = earliest(nextExpiry, op.LastAttemptAt.Add(p.claimLease))
			continue
		}
		err := p.repo.Update(ctx, op.ID, schema.Patch{
			Status: schema.Ptr(schema.StatusPending),
			From:   schema.Ptr(schema.StatusSyncing),
		})
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return reclaimed, nextExpiry, err
		}
		reclaimed++
		op.Status = schema.StatusPending
		p.logger.Infow("reclaimed abandoned claim", "id", op.ID, "last_attempt_at", op.LastAttemptAt)
		p.observer.Notify(ctx, schema.EventRequeued, op)
	}
	return reclaimed, nextExpiry, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCompleted
	outcomeRetried
	outcomeFailed
)

func (p *OutboxProcessor) process(ctx context.Context, op *schema.Operation) (outcome, time.Time) {
	ctx, span := p.tracer.Start(ctx, "ReplayOperation", trace.WithAttributes(
		attribute.String("operation.id", op.ID),
		attribute.String("http.request.method", op.Method),
		attribute.String("operation.endpoint", op.Endpoint),
		attribute.Int("operation.retry_count", op.RetryCount),
	))
	defer span.End()

	if op.RetryCount >= op.MaxRetries {
		// budget lowered after the operation was queued
		return p.fail(ctx, op, op.RetryCount, "retry budget exhausted"), time.Time{}
	}

	attemptAt := p.now()
	err := p.repo.Update(ctx, op.ID, schema.Patch{
		Status:        schema.Ptr(schema.StatusSyncing),
		LastAttemptAt: &attemptAt,
		From:          schema.Ptr(schema.StatusPending),
	})
	if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrNotFound) {
		return outcomeSkipped, time.Time{}
	}
	if err != nil {
		span.RecordError(err)
		p.logger.Errorw("failed to claim operation", "id", op.ID, "error", err)
		return outcomeSkipped, time.Time{}
	}
	op.Status = schema.StatusSyncing
	op.LastAttemptAt = attemptAt
	p.observer.Notify(ctx, schema.EventSyncing, op)

	headers := schema.StampIdempotencyKey(op.Headers, op.IdempotencyKey)

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	started := time.Now()
	resp, callErr := p.exec.Execute(callCtx, transport.Request{
		Method:   op.Method,
		Endpoint: op.Endpoint,
		Payload:  op.Payload,
		Headers:  headers,
	})
	cancel()
	elapsed := time.Since(started)

	// state writes must land even when the caller goes away mid-cycle
	writeCtx := context.WithoutCancel(ctx)

	if ctx.Err() != nil {
		p.requeue(writeCtx, op)
		return outcomeSkipped, time.Time{}
	}

	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
		span.SetAttributes(attribute.Int("http.response.status_code", statusCode))
	}
	decision := retry.Classify(statusCode, callErr)
	if errors.Is(callErr, transport.ErrInvalidRequest) {
		decision = retry.Permanent
	}
	p.recorder.ObserveAttempt(op.Method, decision.String(), elapsed)

	switch decision {
	case retry.Success:
		return p.complete(writeCtx, op), time.Time{}
	case retry.Retry:
		reason := describe(resp, callErr)
		span.SetStatus(codes.Error, reason)
		attempts := op.RetryCount + 1
		if attempts >= op.MaxRetries {
			return p.fail(writeCtx, op, attempts, reason), time.Time{}
		}
		return p.reschedule(writeCtx, op, attempts, reason)
	default:
		reason := describe(resp, callErr)
		span.SetStatus(codes.Error, reason)
		return p.fail(writeCtx, op, op.RetryCount+1, reason), time.Time{}
	}
}

func (p *OutboxProcessor) complete(ctx context.Context, op *schema.Operation) outcome {
	var err error
	if p.retention > 0 {
		done := p.now()
		err = p.repo.Update(ctx, op.ID, schema.Patch{
			Status:      schema.Ptr(schema.StatusCompleted),
			CompletedAt: &done,
			LastError:   schema.Ptr(""),
			From:        schema.Ptr(schema.StatusSyncing),
		})
		op.CompletedAt = done
	} else {
		err = p.repo.Remove(ctx, op.ID)
	}
	if err != nil {
		// the claim stays syncing and is reclaimed once its lease runs out
		p.logger.Errorw("failed to record completion", "id", op.ID, "error", err)
		return outcomeSkipped
	}
	op.Status = schema.StatusCompleted
	op.LastError = ""
	p.logger.Infow("operation synced", "id", op.ID, "method", op.Method, "endpoint", op.Endpoint)
	p.observer.Notify(ctx, schema.EventCompleted, op)
	return outcomeCompleted
}

func (p *OutboxProcessor) reschedule(ctx context.Context, op *schema.Operation, attempts int, reason string) (outcome, time.Time) {
	next := p.policy.NextAttempt(p.now(), attempts)
	err := p.repo.Update(ctx, op.ID, schema.Patch{
		Status:        schema.Ptr(schema.StatusPending),
		RetryCount:    &attempts,
		NextAttemptAt: &next,
		LastError:     &reason,
		From:          schema.Ptr(schema.StatusSyncing),
	})
	if err != nil {
		p.logger.Errorw("failed to reschedule operation", "id", op.ID, "error", err)
		return outcomeSkipped, time.Time{}
	}
	op.Status = schema.StatusPending
	op.RetryCount = attempts
	op.NextAttemptAt = next
	op.LastError = reason
	p.logger.Warnw("operation will be retried",
		"id", op.ID, "retry_count", attempts, "next_attempt_at", next, "error", reason)
	p.observer.Notify(ctx, schema.EventRetrying, op)
	return outcomeRetried, next
}

func (p *OutboxProcessor) fail(ctx context.Context, op *schema.Operation, attempts int, reason string) outcome {
	err := p.repo.Update(ctx, op.ID, schema.Patch{
		Status:     schema.Ptr(schema.StatusFailed),
		RetryCount: &attempts,
		LastError:  &reason,
		From:       schema.Ptr(op.Status),
	})
	if err != nil {
		p.logger.Errorw("failed to mark operation failed", "id", op.ID, "error", err)
		return outcomeSkipped
	}
	op.Status = schema.StatusFailed
	op.RetryCount = attempts
	op.LastError = reason
	p.logger.Errorw("operation failed permanently",
		"id", op.ID, "method", op.Method, "endpoint", op.Endpoint, "retry_count", attempts, "error", reason)
	p.observer.Notify(ctx, schema.EventFailed, op)
	return outcomeFailed
}

// requeue hands an interrupted claim back without counting the attempt.
func (p *OutboxProcessor) requeue(ctx context.Context, op *schema.Operation) {
	err := p.repo.Update(ctx, op.ID, schema.Patch{
		Status: schema.Ptr(schema.StatusPending),
		From:   schema.Ptr(schema.StatusSyncing),
	})
	if err != nil {
		p.logger.Warnw("failed to release interrupted claim", "id", op.ID, "error", err)
		return
	}
	op.Status = schema.StatusPending
	p.observer.Notify(ctx, schema.EventRequeued, op)
}

func describe(resp *transport.Response, err error) string {
	if err != nil {
		return fmt.Sprintf("%s: %v", retry.Reason(err), err)
	}
	if resp == nil {
		return "no response"
	}
	msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
	if body := strings.TrimSpace(string(resp.Body)); body != "" {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		msg += ": " + body
	}
	return msg
}

func earliest(current, candidate time.Time) time.Time {
	if candidate.IsZero() {
		return current
	}
	if current.IsZero() || candidate.Before(current) {
		return candidate
	}
	return current
}
