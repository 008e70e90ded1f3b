package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/clinic-outbox/schema"
)

func newPostgresMock(t *testing.T) (*SQLRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(db), mock
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, "UPDATE t SET a = $1 WHERE id = $2 AND status = $3",
		rebindDollar("UPDATE t SET a = ? WHERE id = ? AND status = ?"))
	assert.Equal(t, "SELECT 1", rebindDollar("SELECT 1"))
}

func TestPostgres_AddOperation(t *testing.T) {
	repo, mock := newPostgresMock(t)

	op := newTestOperation("key-1", time.UnixMilli(1700000000000))
	op.ID = "op-1"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO operations (` + operationColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`)).
		WithArgs("op-1", "POST", "/api/appointments", sqlmock.AnyArg(), sqlmock.AnyArg(), "key-1",
			int(schema.PriorityNormal), 0, 3, "pending", int64(1700000000000), int64(0), int64(0), int64(0), "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, err := repo.AddOperation(context.Background(), op)
	assert.NoError(t, err)
	assert.Equal(t, "op-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AddOperation_DuplicateKey(t *testing.T) {
	repo, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO operations`).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
	mock.ExpectRollback()

	_, err := repo.AddOperation(context.Background(), newTestOperation("key-1", time.Now()))
	assert.ErrorIs(t, err, ErrDuplicateKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetByStatus(t *testing.T) {
	repo, mock := newPostgresMock(t)

	rows := sqlmock.NewRows([]string{"id", "method", "endpoint", "payload", "headers", "idempotency_key",
		"priority", "retry_count", "max_retries", "status", "created_at", "last_attempt_at",
		"next_attempt_at", "completed_at", "last_error"}).
		AddRow("1", "POST", "/api/patients", []byte(`{"a":1}`), `{"Idempotency-Key":"k1"}`, "k1",
			2, 0, 5, "pending", int64(1000), int64(0), int64(0), int64(0), "").
		AddRow("2", "DELETE", "/api/patients/3", nil, `{}`, "k2",
			0, 2, 5, "pending", int64(2000), int64(1500), int64(2500), int64(0), "HTTP 503")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ` + operationColumns + ` FROM operations WHERE status = $1 ORDER BY created_at ASC, id ASC`)).
		WithArgs("pending").
		WillReturnRows(rows)
	mock.ExpectCommit()

	ops, err := repo.GetByStatus(context.Background(), schema.StatusPending)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	assert.Equal(t, "1", ops[0].ID)
	assert.Equal(t, schema.PriorityHigh, ops[0].Priority)
	assert.Equal(t, "k1", ops[0].Headers[schema.IdempotencyHeader])
	assert.JSONEq(t, `{"a":1}`, string(ops[0].Payload))
	assert.True(t, ops[0].LastAttemptAt.IsZero())

	assert.Equal(t, "2", ops[1].ID)
	assert.Nil(t, ops[1].Payload)
	assert.Equal(t, 2, ops[1].RetryCount)
	assert.Equal(t, int64(2500), ops[1].NextAttemptAt.UnixMilli())
	assert.Equal(t, "HTTP 503", ops[1].LastError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateClaim(t *testing.T) {
	repo, mock := newPostgresMock(t)
	now := time.UnixMilli(1700000000000)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE operations SET status = $1, last_attempt_at = $2 WHERE id = $3 AND status = $4`)).
		WithArgs("syncing", int64(1700000000000), "1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Update(context.Background(), "1", schema.Patch{
		Status:        schema.Ptr(schema.StatusSyncing),
		LastAttemptAt: &now,
		From:          schema.Ptr(schema.StatusPending),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateConflict(t *testing.T) {
	repo, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE operations SET status = $1 WHERE id = $2 AND status = $3`)).
		WithArgs("syncing", "1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM operations WHERE id = $1`)).
		WithArgs("1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectRollback()

	err := repo.Update(context.Background(), "1", schema.Patch{
		Status: schema.Ptr(schema.StatusSyncing),
		From:   schema.Ptr(schema.StatusPending),
	})
	assert.ErrorIs(t, err, ErrStatusConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateNotFound(t *testing.T) {
	repo, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE operations SET retry_count = $1, last_error = $2 WHERE id = $3`)).
		WithArgs(0, "", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM operations WHERE id = $1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"one"}))
	mock.ExpectRollback()

	err := repo.Update(context.Background(), "missing", schema.Patch{
		RetryCount: schema.Ptr(0),
		LastError:  schema.Ptr(""),
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Remove(t *testing.T) {
	repo, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM operations WHERE id = $1`)).
		WithArgs("1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, repo.Remove(context.Background(), "1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MigrateNoOpWhenCurrent(t *testing.T) {
	repo, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(CurrentSchemaVersion))
	mock.ExpectCommit()

	assert.NoError(t, repo.Migrate(context.Background(), 0, CurrentSchemaVersion))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MigrateAppliesMissingVersion(t *testing.T) {
	repo, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))
	for _, stmt := range sqlMigrations(postgresDialect)[2].statements {
		mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO schema_migrations (version, applied_at, description) VALUES ($1, $2, $3)`)).
		WithArgs(3, sqlmock.AnyArg(), "index status order and active idempotency keys").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	assert.NoError(t, repo.Migrate(context.Background(), 2, CurrentSchemaVersion))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MigrateMismatch(t *testing.T) {
	repo, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS schema_migrations`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectRollback()

	err := repo.Migrate(context.Background(), 2, CurrentSchemaVersion)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}
