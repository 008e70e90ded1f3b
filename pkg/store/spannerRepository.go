package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/zoff-tech/clinic-outbox/schema"
)

// SpannerDDL is the layout the Spanner backend expects. Schema changes on
// Spanner are long running operations and are provisioned outside the agent;
// Migrate only performs data backfills and records the version marker.
var SpannerDDL = []string{
	`CREATE TABLE operations (
	id              STRING(64) NOT NULL,
	method          STRING(16) NOT NULL,
	endpoint        STRING(MAX) NOT NULL,
	payload         BYTES(MAX),
	headers         STRING(MAX) NOT NULL,
	idempotency_key STRING(255) NOT NULL,
	active_key      STRING(255),
	priority        INT64 NOT NULL,
	retry_count     INT64 NOT NULL,
	max_retries     INT64 NOT NULL,
	status          STRING(16) NOT NULL,
	created_at      INT64 NOT NULL,
	last_attempt_at INT64 NOT NULL,
	next_attempt_at INT64 NOT NULL,
	completed_at    INT64 NOT NULL,
	last_error      STRING(MAX) NOT NULL,
) PRIMARY KEY (id)`,
	`CREATE INDEX idx_operations_status_created ON operations (status, created_at)`,
	`CREATE UNIQUE NULL_FILTERED INDEX idx_operations_active_key ON operations (active_key)`,
	`CREATE TABLE schema_migrations (
	version     INT64 NOT NULL,
	applied_at  INT64 NOT NULL,
	description STRING(MAX) NOT NULL,
) PRIMARY KEY (version)`,
}

var spannerBackfills = map[int]struct {
	description string
	statements  []string
}{
	1: {"create operations table", nil},
	2: {"add retry bookkeeping", []string{
		`UPDATE operations SET status = 'pending' WHERE status = 'syncing'`,
	}},
	3: {"index status order and active idempotency keys", []string{
		`UPDATE operations SET active_key = idempotency_key WHERE status IN ('pending', 'syncing')`,
		`UPDATE operations SET active_key = NULL WHERE status NOT IN ('pending', 'syncing')`,
	}},
}

type SpannerRepository struct {
	client *spanner.Client
}

func NewSpannerRepository(client *spanner.Client) *SpannerRepository {
	return &SpannerRepository{client: client}
}

func (s *SpannerRepository) AddOperation(ctx context.Context, op *schema.Operation) (string, error) {
	ctx, span := tracer().Start(ctx, "AddOperation")
	defer span.End()

	prepareInsert(op)
	headers, err := encodeHeaders(op.Headers)
	if err != nil {
		return "", err
	}

	_, err = s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		taken, err := s.activeKeyTaken(ctx, txn, op.IdempotencyKey, op.ID)
		if err != nil {
			return err
		}
		if taken && op.Status.Active() {
			return ErrDuplicateKey
		}

		var activeKey spanner.NullString
		if op.Status.Active() {
			activeKey = spanner.NullString{StringVal: op.IdempotencyKey, Valid: true}
		}
		stmt := spanner.Statement{
			SQL: `INSERT INTO operations (` + operationColumns + `, active_key)
              VALUES (@id, @method, @endpoint, @payload, @headers, @key, @priority, @retryCount, @maxRetries,
                      @status, @createdAt, @lastAttemptAt, @nextAttemptAt, @completedAt, @lastError, @activeKey)`,
			Params: map[string]interface{}{
				"id":            op.ID,
				"method":        op.Method,
				"endpoint":      op.Endpoint,
				"payload":       []byte(op.Payload),
				"headers":       headers,
				"key":           op.IdempotencyKey,
				"priority":      int64(op.Priority),
				"retryCount":    int64(op.RetryCount),
				"maxRetries":    int64(op.MaxRetries),
				"status":        string(op.Status),
				"createdAt":     toMillis(op.CreatedAt),
				"lastAttemptAt": toMillis(op.LastAttemptAt),
				"nextAttemptAt": toMillis(op.NextAttemptAt),
				"completedAt":   toMillis(op.CompletedAt),
				"lastError":     op.LastError,
				"activeKey":     activeKey,
			},
		}
		_, err = txn.Update(ctx, stmt)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	return op.ID, nil
}

func (s *SpannerRepository) Get(ctx context.Context, id string) (*schema.Operation, error) {
	ops, err := s.query(ctx, "Get", spanner.Statement{
		SQL:    `SELECT ` + operationColumns + ` FROM operations WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	})
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, ErrNotFound
	}
	return ops[0], nil
}

func (s *SpannerRepository) GetAll(ctx context.Context) ([]*schema.Operation, error) {
	return s.query(ctx, "GetAll", spanner.Statement{
		SQL: `SELECT ` + operationColumns + ` FROM operations ORDER BY created_at, id`,
	})
}

func (s *SpannerRepository) GetByStatus(ctx context.Context, status schema.Status) ([]*schema.Operation, error) {
	return s.query(ctx, "GetByStatus", spanner.Statement{
		SQL:    `SELECT ` + operationColumns + ` FROM operations WHERE status = @status ORDER BY created_at, id`,
		Params: map[string]interface{}{"status": string(status)},
	})
}

func (s *SpannerRepository) query(ctx context.Context, name string, stmt spanner.Statement) ([]*schema.Operation, error) {
	ctx, span := tracer().Start(ctx, name)
	defer span.End()
	startTime := time.Now()

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var ops []*schema.Operation
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		op, err := decodeSpannerRow(row)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	addDBStatsToSpan(span, "spanner", name, len(ops), time.Since(startTime))
	return ops, nil
}

func (s *SpannerRepository) Update(ctx context.Context, id string, patch schema.Patch) error {
	ctx, span := tracer().Start(ctx, "Update")
	defer span.End()

	params := map[string]interface{}{"id": id}
	var sets []string
	if patch.Status != nil {
		sets = append(sets, "status = @status",
			"active_key = CASE WHEN @active THEN idempotency_key ELSE NULL END")
		params["status"] = string(*patch.Status)
		params["active"] = patch.Status.Active()
	}
	if patch.RetryCount != nil {
		sets = append(sets, "retry_count = @retryCount")
		params["retryCount"] = int64(*patch.RetryCount)
	}
	if patch.LastAttemptAt != nil {
		sets = append(sets, "last_attempt_at = @lastAttemptAt")
		params["lastAttemptAt"] = toMillis(*patch.LastAttemptAt)
	}
	if patch.NextAttemptAt != nil {
		sets = append(sets, "next_attempt_at = @nextAttemptAt")
		params["nextAttemptAt"] = toMillis(*patch.NextAttemptAt)
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = @completedAt")
		params["completedAt"] = toMillis(*patch.CompletedAt)
	}
	if patch.LastError != nil {
		sets = append(sets, "last_error = @lastError")
		params["lastError"] = *patch.LastError
	}
	if len(sets) == 0 {
		_, err := s.Get(ctx, id)
		return err
	}

	sql := `UPDATE operations SET ` + strings.Join(sets, ", ") + ` WHERE id = @id`
	if patch.From != nil {
		sql += ` AND status = @from`
		params["from"] = string(*patch.From)
	}

	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		if patch.Status != nil && patch.Status.Active() {
			key, found, err := s.keyOf(ctx, txn, id)
			if err != nil {
				return err
			}
			if !found {
				return ErrNotFound
			}
			taken, err := s.activeKeyTaken(ctx, txn, key, id)
			if err != nil {
				return err
			}
			if taken {
				return ErrDuplicateKey
			}
		}

		count, err := txn.Update(ctx, spanner.Statement{SQL: sql, Params: params})
		if err != nil {
			return err
		}
		if count == 0 {
			if _, found, err := s.keyOf(ctx, txn, id); err != nil {
				return err
			} else if !found {
				return ErrNotFound
			}
			return ErrStatusConflict
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *SpannerRepository) Remove(ctx context.Context, id string) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL:    `DELETE FROM operations WHERE id = @id`,
			Params: map[string]interface{}{"id": id},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerRepository) Migrate(ctx context.Context, fromVersion, toVersion int) error {
	if err := checkMigrationRange(fromVersion, toVersion); err != nil {
		return err
	}
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > CurrentSchemaVersion || fromVersion > current {
		return fmt.Errorf("%w: stored v%d, requested v%d -> v%d", ErrSchemaMismatch, current, fromVersion, toVersion)
	}

	for v := current + 1; v <= toVersion; v++ {
		step := spannerBackfills[v]
		_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
			for _, sql := range step.statements {
				if _, err := txn.Update(ctx, spanner.Statement{SQL: sql}); err != nil {
					return err
				}
			}
			_, err := txn.Update(ctx, spanner.Statement{
				SQL: `INSERT INTO schema_migrations (version, applied_at, description) VALUES (@version, @appliedAt, @description)`,
				Params: map[string]interface{}{
					"version":     int64(v),
					"appliedAt":   time.Now().UnixMilli(),
					"description": step.description,
				},
			})
			return err
		})
		if err != nil {
			return fmt.Errorf("migration v%d (%s): %w", v, step.description, err)
		}
	}
	return nil
}

func (s *SpannerRepository) SchemaVersion(ctx context.Context) (int, error) {
	iter := s.client.Single().Query(ctx, spanner.Statement{
		SQL: `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	})
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var version int64
	if err := row.Columns(&version); err != nil {
		return 0, err
	}
	return int(version), nil
}

func (s *SpannerRepository) Close() error {
	s.client.Close()
	return nil
}

func (s *SpannerRepository) activeKeyTaken(ctx context.Context, txn *spanner.ReadWriteTransaction, key, exceptID string) (bool, error) {
	iter := txn.Query(ctx, spanner.Statement{
		SQL:    `SELECT id FROM operations WHERE active_key = @key AND id != @id LIMIT 1`,
		Params: map[string]interface{}{"key": key, "id": exceptID},
	})
	defer iter.Stop()

	_, err := iter.Next()
	if err == iterator.Done {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SpannerRepository) keyOf(ctx context.Context, txn *spanner.ReadWriteTransaction, id string) (string, bool, error) {
	iter := txn.Query(ctx, spanner.Statement{
		SQL:    `SELECT idempotency_key FROM operations WHERE id = @id`,
		Params: map[string]interface{}{"id": id},
	})
	defer iter.Stop()

	row, err := iter.Next()
	if err == iterator.Done {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	var key string
	if err := row.Columns(&key); err != nil {
		return "", false, err
	}
	return key, true, nil
}

func decodeSpannerRow(row *spanner.Row) (*schema.Operation, error) {
	var (
		op                                  schema.Operation
		payload                             []byte
		headers                             string
		priority, retryCount, maxRetries    int64
		status                              string
		created, lastAttempt, next, finish int64
	)
	if err := row.Columns(
		&op.ID,
		&op.Method,
		&op.Endpoint,
		&payload,
		&headers,
		&op.IdempotencyKey,
		&priority,
		&retryCount,
		&maxRetries,
		&status,
		&created,
		&lastAttempt,
		&next,
		&finish,
		&op.LastError); err != nil {
		return nil, err
	}

	decoded, err := scanOperation(valueScanner{
		op.ID, op.Method, op.Endpoint, payload, headers, op.IdempotencyKey,
		int(priority), int(retryCount), int(maxRetries), status,
		created, lastAttempt, next, finish, op.LastError,
	})
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

// valueScanner replays decoded column values through scanOperation so every
// backend converts rows the same way.
type valueScanner []any

func (v valueScanner) Scan(dest ...any) error {
	if len(dest) != len(v) {
		return fmt.Errorf("scan: %d destinations for %d values", len(dest), len(v))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = v[i].(string)
		case *[]byte:
			*p, _ = v[i].([]byte)
		case *int:
			*p = v[i].(int)
		case *int64:
			*p = v[i].(int64)
		default:
			return fmt.Errorf("scan: unsupported destination %T", d)
		}
	}
	return nil
}
