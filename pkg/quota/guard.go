package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zoff-tech/clinic-outbox/pkg/store"
	"github.com/zoff-tech/clinic-outbox/pkg/telemetry"
	"github.com/zoff-tech/clinic-outbox/schema"
)

// DefaultHighWaterMark is the share of the quota above which cleanup starts.
const DefaultHighWaterMark = 0.9

// ErrStorageExceeded matches every *StorageExceededError.
var ErrStorageExceeded = errors.New("local storage exceeded")

// StorageExceededError rejects an enqueue when cleanup could not make room.
type StorageExceededError struct {
	Usage        int64
	Quota        int64
	UsagePercent float64
}

func (e *StorageExceededError) Error() string {
	return fmt.Sprintf("local storage is %.1f%% full, free some space before queuing more changes", e.UsagePercent)
}

func (e *StorageExceededError) Is(target error) bool {
	return target == ErrStorageExceeded
}

// Result describes one capacity check.
type Result struct {
	OK             bool
	ReclaimedBytes int64
	StillExceeded  bool
	UsagePercent   float64
}

// Eviction tiers, in the order they are tried.
const (
	TierExpiredCompleted = "expired_completed"
	TierFailed           = "failed"
	TierLowPriority      = "low_priority_pending"
)

type Guard struct {
	repo      store.OutboxRepository
	estimator Estimator
	highWater float64
	retention time.Duration
	now       func() time.Time
	onEvict   func(op *schema.Operation, tier string)
	recorder  telemetry.Recorder
	logger    *zap.SugaredLogger
}

type Option func(*Guard)

func WithHighWaterMark(mark float64) Option {
	return func(g *Guard) {
		if mark > 0 && mark <= 1 {
			g.highWater = mark
		}
	}
}

// WithRetention sets how long completed operations are kept before they
// become the first eviction candidates.
func WithRetention(d time.Duration) Option {
	return func(g *Guard) { g.retention = d }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithEvictionHook is called for every operation removed by cleanup.
func WithEvictionHook(fn func(op *schema.Operation, tier string)) Option {
	return func(g *Guard) { g.onEvict = fn }
}

func WithRecorder(r telemetry.Recorder) Option {
	return func(g *Guard) { g.recorder = r }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(g *Guard) { g.logger = l }
}

func NewGuard(repo store.OutboxRepository, estimator Estimator, opts ...Option) *Guard {
	g := &Guard{
		repo:      repo,
		estimator: estimator,
		highWater: DefaultHighWaterMark,
		now:       time.Now,
		onEvict:   func(*schema.Operation, string) {},
		recorder:  telemetry.NopRecorder{},
		logger:    zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EnsureCapacity checks whether size more bytes fit under the high-water mark,
// evicting in tiers when they do not. A rejection is returned both in the
// Result and as a *StorageExceededError.
func (g *Guard) EnsureCapacity(ctx context.Context, size int64) (Result, error) {
	est, err := g.estimator.Estimate(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("estimate storage: %w", err)
	}
	if est.Quota <= 0 {
		return Result{OK: true}, nil
	}

	limit := int64(g.highWater * float64(est.Quota))
	if est.Usage+size <= limit {
		return Result{OK: true, UsagePercent: est.Percent()}, nil
	}

	g.logger.Warnw("storage above high-water mark, cleaning up",
		"usage", est.Usage, "quota", est.Quota, "percent", est.Percent())

	var reclaimed int64
	for _, tier := range []string{TierExpiredCompleted, TierFailed, TierLowPriority} {
		if est.Usage+size-reclaimed <= limit {
			break
		}
		n, err := g.evict(ctx, tier, est.Usage+size-reclaimed-limit)
		reclaimed += n
		if err != nil {
			return Result{ReclaimedBytes: reclaimed}, err
		}
	}

	if reclaimed > 0 {
		if est, err = g.estimator.Estimate(ctx); err != nil {
			return Result{ReclaimedBytes: reclaimed}, fmt.Errorf("estimate storage: %w", err)
		}
	}
	res := Result{
		ReclaimedBytes: reclaimed,
		UsagePercent:   est.Percent(),
	}
	if est.Usage+size > limit {
		res.StillExceeded = true
		return res, &StorageExceededError{Usage: est.Usage, Quota: est.Quota, UsagePercent: est.Percent()}
	}
	res.OK = true
	return res, nil
}

// PurgeExpired removes completed operations past the retention window.
func (g *Guard) PurgeExpired(ctx context.Context) (int, error) {
	candidates, err := g.candidates(ctx, TierExpiredCompleted)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, op := range candidates {
		if err := g.repo.Remove(ctx, op.ID); err != nil {
			return removed, err
		}
		removed++
		g.onEvict(op, TierExpiredCompleted)
	}
	if removed > 0 {
		g.recorder.ObserveEviction(TierExpiredCompleted, removed)
	}
	return removed, nil
}

// evict removes candidates of one tier, oldest first, until need bytes are freed.
func (g *Guard) evict(ctx context.Context, tier string, need int64) (int64, error) {
	candidates, err := g.candidates(ctx, tier)
	if err != nil {
		return 0, err
	}

	var freed int64
	removed := 0
	for _, op := range candidates {
		if freed >= need {
			break
		}
		if tier == TierLowPriority {
			// fence the op out of the flush path; skip it if a flush claimed it first
			err := g.repo.Update(ctx, op.ID, schema.Patch{
				Status:    schema.Ptr(schema.StatusFailed),
				LastError: schema.Ptr("evicted: local storage full"),
				From:      schema.Ptr(schema.StatusPending),
			})
			if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return freed, fmt.Errorf("evict %s: %w", op.ID, err)
			}
		}
		if err := g.repo.Remove(ctx, op.ID); err != nil {
			return freed, fmt.Errorf("evict %s: %w", op.ID, err)
		}
		freed += op.Size()
		removed++
		g.onEvict(op, tier)
		if tier == TierLowPriority {
			g.logger.Warnw("evicted unsynced low priority operation",
				"id", op.ID, "endpoint", op.Endpoint, "created_at", op.CreatedAt)
		}
	}
	if removed > 0 {
		g.recorder.ObserveEviction(tier, removed)
		g.logger.Infow("storage cleanup", "tier", tier, "removed", removed, "bytes", freed)
	}
	return freed, nil
}

func (g *Guard) candidates(ctx context.Context, tier string) ([]*schema.Operation, error) {
	switch tier {
	case TierExpiredCompleted:
		ops, err := g.repo.GetByStatus(ctx, schema.StatusCompleted)
		if err != nil {
			return nil, err
		}
		cutoff := g.now().Add(-g.retention)
		var out []*schema.Operation
		for _, op := range ops {
			if op.CompletedAt.IsZero() || !op.CompletedAt.After(cutoff) {
				out = append(out, op)
			}
		}
		return out, nil
	case TierFailed:
		return g.repo.GetByStatus(ctx, schema.StatusFailed)
	case TierLowPriority:
		ops, err := g.repo.GetByStatus(ctx, schema.StatusPending)
		if err != nil {
			return nil, err
		}
		var out []*schema.Operation
		for _, op := range ops {
			if op.Priority == schema.PriorityLow {
				out = append(out, op)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown eviction tier %q", tier)
}
