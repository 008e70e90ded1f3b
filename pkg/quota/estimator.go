package quota

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/zoff-tech/clinic-outbox/pkg/store"
)

// Estimate is a storage usage snapshot in bytes.
type Estimate struct {
	Usage int64
	Quota int64
}

// Percent returns usage as a percentage of quota.
func (e Estimate) Percent() float64 {
	if e.Quota <= 0 {
		return 0
	}
	return float64(e.Usage) / float64(e.Quota) * 100
}

// Estimator reports how much of the storage quota is in use.
type Estimator interface {
	Estimate(ctx context.Context) (Estimate, error)
}

// EstimatorFunc adapts a function to Estimator.
type EstimatorFunc func(ctx context.Context) (Estimate, error)

func (f EstimatorFunc) Estimate(ctx context.Context) (Estimate, error) {
	return f(ctx)
}

// SQLiteEstimator measures the live pages of a SQLite database file.
type SQLiteEstimator struct {
	db    *sql.DB
	quota int64
}

func NewSQLiteEstimator(db *sql.DB, quota int64) *SQLiteEstimator {
	return &SQLiteEstimator{db: db, quota: quota}
}

func (s *SQLiteEstimator) Estimate(ctx context.Context) (Estimate, error) {
	var pageCount, freelist, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return Estimate{}, fmt.Errorf("sqlite page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&freelist); err != nil {
		return Estimate{}, fmt.Errorf("sqlite freelist_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return Estimate{}, fmt.Errorf("sqlite page_size: %w", err)
	}
	return Estimate{Usage: (pageCount - freelist) * pageSize, Quota: s.quota}, nil
}

// RecordEstimator sums the approximate size of every stored operation. It
// works with any backend, including the in-memory one.
type RecordEstimator struct {
	repo  store.OutboxRepository
	quota int64
}

func NewRecordEstimator(repo store.OutboxRepository, quota int64) *RecordEstimator {
	return &RecordEstimator{repo: repo, quota: quota}
}

func (r *RecordEstimator) Estimate(ctx context.Context) (Estimate, error) {
	ops, err := r.repo.GetAll(ctx)
	if err != nil {
		return Estimate{}, err
	}
	var usage int64
	for _, op := range ops {
		usage += op.Size()
	}
	return Estimate{Usage: usage, Quota: r.quota}, nil
}

// NewEstimator picks the page based estimator for SQLite stores and the
// record based one for everything else.
func NewEstimator(repo store.OutboxRepository, quota int64) Estimator {
	if sqlRepo, ok := repo.(*store.SQLRepository); ok && sqlRepo.Driver() == "sqlite" {
		return NewSQLiteEstimator(sqlRepo.DB(), quota)
	}
	return NewRecordEstimator(repo, quota)
}
