package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zoff-tech/clinic-outbox/schema"
)

const operationColumns = `id, method, endpoint, payload, headers, idempotency_key, priority, retry_count, max_retries, status, created_at, last_attempt_at, next_attempt_at, completed_at, last_error`

// SQLRepository stores operations in a relational table. It backs both the
// embedded SQLite store and the shared Postgres store.
type SQLRepository struct {
	db      *sql.DB // using database/sql
	dialect dialect
}

type txKey struct{}

// NewSQLiteRepository opens (creating if needed) the SQLite file at path.
func NewSQLiteRepository(ctx context.Context, path string) (*SQLRepository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", ErrStorageUnavailable)
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
			}
		}
	}

	db, err := sqlOpen("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(1)

	if err := initSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &SQLRepository{db: db, dialect: sqliteDialect}, nil
}

// NewPostgresRepository wraps an open Postgres handle.
func NewPostgresRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db, dialect: postgresDialect}
}

func initSQLite(ctx context.Context, db *sql.DB) error {
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if mode := strings.ToLower(journalMode); mode != "wal" && mode != "memory" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return nil
}

// DB exposes the handle for storage estimation.
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// Driver names the SQL engine behind the repository.
func (r *SQLRepository) Driver() string {
	return r.dialect.name
}

func (r *SQLRepository) AddOperation(ctx context.Context, op *schema.Operation) (string, error) {
	prepareInsert(op)
	headers, err := encodeHeaders(op.Headers)
	if err != nil {
		return "", err
	}

	err = r.withTransaction(ctx, "AddOperation", func(ctx context.Context, tx *sql.Tx) (int, error) {
		_, err := tx.ExecContext(ctx, r.dialect.rebind(
			`INSERT INTO operations (`+operationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			op.ID, op.Method, op.Endpoint, []byte(op.Payload), headers, op.IdempotencyKey,
			int(op.Priority), op.RetryCount, op.MaxRetries, string(op.Status),
			toMillis(op.CreatedAt), toMillis(op.LastAttemptAt), toMillis(op.NextAttemptAt),
			toMillis(op.CompletedAt), op.LastError)
		if err != nil {
			if r.dialect.isUniqueViolation(err) {
				return 0, ErrDuplicateKey
			}
			return 0, err
		}
		return 1, nil
	})
	if err != nil {
		return "", err
	}
	return op.ID, nil
}

func (r *SQLRepository) Get(ctx context.Context, id string) (*schema.Operation, error) {
	var op *schema.Operation
	err := r.withTransaction(ctx, "Get", func(ctx context.Context, tx *sql.Tx) (int, error) {
		row := tx.QueryRowContext(ctx, r.dialect.rebind(
			`SELECT `+operationColumns+` FROM operations WHERE id = ?`), id)
		var err error
		op, err = scanOperation(row)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (r *SQLRepository) GetAll(ctx context.Context) ([]*schema.Operation, error) {
	return r.list(ctx, "GetAll",
		`SELECT `+operationColumns+` FROM operations ORDER BY created_at ASC, id ASC`)
}

func (r *SQLRepository) GetByStatus(ctx context.Context, status schema.Status) ([]*schema.Operation, error) {
	return r.list(ctx, "GetByStatus",
		`SELECT `+operationColumns+` FROM operations WHERE status = ? ORDER BY created_at ASC, id ASC`,
		string(status))
}

func (r *SQLRepository) list(ctx context.Context, spanName, query string, args ...any) ([]*schema.Operation, error) {
	var ops []*schema.Operation
	err := r.withTransaction(ctx, spanName, func(ctx context.Context, tx *sql.Tx) (int, error) {
		rows, err := tx.QueryContext(ctx, r.dialect.rebind(query), args...)
		if err != nil {
			return 0, err
		}
		defer rows.Close()

		for rows.Next() {
			op, err := scanOperation(rows)
			if err != nil {
				return 0, err
			}
			ops = append(ops, op)
		}
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return len(ops), nil
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func (r *SQLRepository) Update(ctx context.Context, id string, patch schema.Patch) error {
	sets, args := patchAssignments(patch)

	return r.withTransaction(ctx, "Update", func(ctx context.Context, tx *sql.Tx) (int, error) {
		if len(sets) == 0 {
			return 0, r.exists(ctx, tx, id)
		}

		query := `UPDATE operations SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
		args = append(args, id)
		if patch.From != nil {
			query += ` AND status = ?`
			args = append(args, string(*patch.From))
		}

		res, err := tx.ExecContext(ctx, r.dialect.rebind(query), args...)
		if err != nil {
			if r.dialect.isUniqueViolation(err) {
				return 0, ErrDuplicateKey
			}
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		if n == 0 {
			if err := r.exists(ctx, tx, id); err != nil {
				return 0, err
			}
			return 0, ErrStatusConflict
		}
		return int(n), nil
	})
}

func (r *SQLRepository) Remove(ctx context.Context, id string) error {
	return r.withTransaction(ctx, "Remove", func(ctx context.Context, tx *sql.Tx) (int, error) {
		res, err := tx.ExecContext(ctx, r.dialect.rebind(`DELETE FROM operations WHERE id = ?`), id)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		return int(n), nil
	})
}

// Migrate applies every version in (stored, to] inside one transaction and
// records each in schema_migrations. Re-running a finished migration is a no-op.
func (r *SQLRepository) Migrate(ctx context.Context, fromVersion, toVersion int) error {
	if err := checkMigrationRange(fromVersion, toVersion); err != nil {
		return err
	}

	return r.withTransaction(ctx, "Migrate", func(ctx context.Context, tx *sql.Tx) (int, error) {
		current, err := r.schemaVersion(ctx, tx)
		if err != nil {
			return 0, err
		}
		if current > CurrentSchemaVersion || fromVersion > current {
			return 0, fmt.Errorf("%w: stored v%d, requested v%d -> v%d",
				ErrSchemaMismatch, current, fromVersion, toVersion)
		}

		applied := 0
		for _, m := range sqlMigrations(r.dialect) {
			if m.version <= current || m.version > toVersion {
				continue
			}
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return 0, fmt.Errorf("migration v%d (%s): %w", m.version, m.description, err)
				}
			}
			if _, err := tx.ExecContext(ctx, r.dialect.rebind(
				`INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)`),
				m.version, time.Now().UnixMilli(), m.description); err != nil {
				return 0, fmt.Errorf("record migration v%d: %w", m.version, err)
			}
			applied++
		}
		return applied, nil
	})
}

func (r *SQLRepository) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	err := r.withTransaction(ctx, "SchemaVersion", func(ctx context.Context, tx *sql.Tx) (int, error) {
		var err error
		version, err = r.schemaVersion(ctx, tx)
		return 1, err
	})
	return version, err
}

func (r *SQLRepository) schemaVersion(ctx context.Context, tx *sql.Tx) (int, error) {
	if _, err := tx.ExecContext(ctx, createMigrationsTable); err != nil {
		return 0, err
	}
	var version int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func (r *SQLRepository) exists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, r.dialect.rebind(`SELECT 1 FROM operations WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *SQLRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) (int, error)) error {
	ctx, span := tracer().Start(ctx, spanName)
	defer span.End()
	start := time.Now()

	tx, nested := ctx.Value(txKey{}).(*sql.Tx)
	if !nested {
		var err error
		tx, err = r.db.BeginTx(ctx, nil)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		ctx = context.WithValue(ctx, txKey{}, tx)
	}

	rows, err := fn(ctx, tx)
	if err != nil {
		span.RecordError(err)
		if !nested {
			_ = tx.Rollback()
		}
		return err
	}
	if !nested {
		if err := tx.Commit(); err != nil {
			span.RecordError(err)
			return err
		}
	}

	addDBStatsToSpan(span, r.dialect.name, spanName, rows, time.Since(start))
	return nil
}

func patchAssignments(p schema.Patch) ([]string, []any) {
	var sets []string
	var args []any
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *p.RetryCount)
	}
	if p.LastAttemptAt != nil {
		sets = append(sets, "last_attempt_at = ?")
		args = append(args, toMillis(*p.LastAttemptAt))
	}
	if p.NextAttemptAt != nil {
		sets = append(sets, "next_attempt_at = ?")
		args = append(args, toMillis(*p.NextAttemptAt))
	}
	if p.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, toMillis(*p.CompletedAt))
	}
	if p.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *p.LastError)
	}
	return sets, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(s rowScanner) (*schema.Operation, error) {
	var (
		op                                  schema.Operation
		payload                             []byte
		headers                             string
		priority                            int
		status                              string
		created, lastAttempt, next, finish int64
	)
	if err := s.Scan(&op.ID, &op.Method, &op.Endpoint, &payload, &headers, &op.IdempotencyKey,
		&priority, &op.RetryCount, &op.MaxRetries, &status,
		&created, &lastAttempt, &next, &finish, &op.LastError); err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		op.Payload = payload
	}
	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &op.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of %s: %w", op.ID, err)
		}
	}
	op.Priority = schema.Priority(priority)
	op.Status = schema.Status(status)
	op.CreatedAt = fromMillis(created)
	op.LastAttemptAt = fromMillis(lastAttempt)
	op.NextAttemptAt = fromMillis(next)
	op.CompletedAt = fromMillis(finish)
	return &op, nil
}

func encodeHeaders(h map[string]string) (string, error) {
	if h == nil {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
