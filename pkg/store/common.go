package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/clinic-outbox/schema"
)

const tracerName = "clinic-outbox"

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func addDBStatsToSpan(span trace.Span, system, statement string, rows int, duration time.Duration) {
	span.SetAttributes(
		attribute.Int("db.rows", rows),
		attribute.String("db.system", system),
		attribute.String("db.statement", statement),
		attribute.Float64("db.execution_time_ms", float64(duration.Milliseconds())),
	)
}

// prepareInsert fills the defaults every backend applies on insert.
func prepareInsert(op *schema.Operation) {
	if op.ID == "" {
		// v7 ids sort by creation, breaking ties between rows stored in the same millisecond
		if id, err := uuid.NewV7(); err == nil {
			op.ID = id.String()
		} else {
			op.ID = uuid.NewString()
		}
	}
	if op.Status == "" {
		op.Status = schema.StatusPending
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = schema.DefaultMaxRetries
	}
	op.RetryCount = 0
}

func checkMigrationRange(from, to int) error {
	if to < 1 || to > CurrentSchemaVersion {
		return fmt.Errorf("unknown target schema version %d", to)
	}
	if from < 0 || from > to {
		return fmt.Errorf("invalid migration range %d -> %d", from, to)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
