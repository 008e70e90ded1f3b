package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/clinic-outbox/schema"
)

func newSQLiteRepo(t *testing.T) (*SQLRepository, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "outbox.db")
	repo, err := NewSQLiteRepository(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	require.NoError(t, Upgrade(context.Background(), repo))
	return repo, path
}

func newTestOperation(key string, created time.Time) *schema.Operation {
	op := schema.NewOperation("POST", "/api/appointments", []byte(`{"slot":"09:00"}`),
		map[string]string{"X-Clinic": "7"}, key, schema.PriorityNormal, 3)
	op.CreatedAt = created
	return op
}

func TestSQLite_AddAndGet(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	ctx := context.Background()

	op := newTestOperation("key-1", time.Now().UTC().Truncate(time.Millisecond))
	id, err := repo.AddOperation(ctx, op)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "/api/appointments", got.Endpoint)
	assert.JSONEq(t, `{"slot":"09:00"}`, string(got.Payload))
	assert.Equal(t, "key-1", got.IdempotencyKey)
	assert.Equal(t, "key-1", got.Headers[schema.IdempotencyHeader])
	assert.Equal(t, "7", got.Headers["X-Clinic"])
	assert.Equal(t, schema.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, schema.PriorityNormal, got.Priority)
	assert.True(t, op.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, got.LastAttemptAt.IsZero())

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_GetByStatusOrdersByCreation(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	third, err := repo.AddOperation(ctx, newTestOperation("c", base.Add(2*time.Second)))
	require.NoError(t, err)
	first, err := repo.AddOperation(ctx, newTestOperation("a", base))
	require.NoError(t, err)
	second, err := repo.AddOperation(ctx, newTestOperation("b", base.Add(time.Second)))
	require.NoError(t, err)

	ops, err := repo.GetByStatus(ctx, schema.StatusPending)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, []string{first, second, third}, []string{ops[0].ID, ops[1].ID, ops[2].ID})

	failed, err := repo.GetByStatus(ctx, schema.StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestSQLite_DuplicateActiveKey(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	ctx := context.Background()

	id, err := repo.AddOperation(ctx, newTestOperation("same", time.Now()))
	require.NoError(t, err)

	_, err = repo.AddOperation(ctx, newTestOperation("same", time.Now()))
	assert.ErrorIs(t, err, ErrDuplicateKey)

	// the key is released once the holder is no longer active
	require.NoError(t, repo.Update(ctx, id, schema.Patch{Status: schema.Ptr(schema.StatusFailed)}))
	second, err := repo.AddOperation(ctx, newTestOperation("same", time.Now()))
	require.NoError(t, err)

	err = repo.Update(ctx, id, schema.Patch{Status: schema.Ptr(schema.StatusPending)})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	require.NoError(t, repo.Remove(ctx, second))
	assert.NoError(t, repo.Update(ctx, id, schema.Patch{Status: schema.Ptr(schema.StatusPending)}))
}

func TestSQLite_UpdatePrecondition(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	ctx := context.Background()

	id, err := repo.AddOperation(ctx, newTestOperation("k", time.Now()))
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	claim := schema.Patch{
		Status:        schema.Ptr(schema.StatusSyncing),
		LastAttemptAt: &now,
		From:          schema.Ptr(schema.StatusPending),
	}
	require.NoError(t, repo.Update(ctx, id, claim))
	assert.ErrorIs(t, repo.Update(ctx, id, claim), ErrStatusConflict)
	assert.ErrorIs(t, repo.Update(ctx, "missing", claim), ErrNotFound)

	next := now.Add(4 * time.Second)
	require.NoError(t, repo.Update(ctx, id, schema.Patch{
		Status:        schema.Ptr(schema.StatusPending),
		RetryCount:    schema.Ptr(1),
		NextAttemptAt: &next,
		LastError:     schema.Ptr("HTTP 503"),
	}))

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "HTTP 503", got.LastError)
	assert.True(t, now.Equal(got.LastAttemptAt))
	assert.True(t, next.Equal(got.NextAttemptAt))

	assert.NoError(t, repo.Update(ctx, id, schema.Patch{}))
	assert.ErrorIs(t, repo.Update(ctx, "missing", schema.Patch{}), ErrNotFound)
}

func TestSQLite_Remove(t *testing.T) {
	repo, _ := newSQLiteRepo(t)
	ctx := context.Background()

	id, err := repo.AddOperation(ctx, newTestOperation("k", time.Now()))
	require.NoError(t, err)
	require.NoError(t, repo.Remove(ctx, id))
	require.NoError(t, repo.Remove(ctx, id))

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	repo, path := newSQLiteRepo(t)
	ctx := context.Background()

	id, err := repo.AddOperation(ctx, newTestOperation("k", time.Now()))
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	reopened, err := NewSQLiteRepository(ctx, path)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, Upgrade(ctx, reopened))

	got, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "k", got.IdempotencyKey)
}

func TestSQLite_MigrateFromV1(t *testing.T) {
	ctx := context.Background()
	repo, err := NewSQLiteRepository(ctx, filepath.Join(t.TempDir(), "legacy.db"))
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.Migrate(ctx, 0, 1))
	version, err := repo.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, version)

	created := time.Now().Add(-time.Hour).UnixMilli()
	_, err = repo.DB().ExecContext(ctx,
		`INSERT INTO operations (id, method, endpoint, payload, headers, idempotency_key, status, created_at)
		 VALUES ('legacy-1', 'POST', '/api/patients', '{"a":1}', '{"Idempotency-Key":"old"}', 'old', 'syncing', ?),
		        ('legacy-2', 'PUT', '/api/patients/1', NULL, '{}', 'dup', 'pending', ?),
		        ('legacy-3', 'PUT', '/api/patients/1', NULL, '{}', 'dup', 'pending', ?)`,
		created, created+1, created+2)
	require.NoError(t, err)

	require.NoError(t, repo.Migrate(ctx, 1, CurrentSchemaVersion))
	// idempotent
	require.NoError(t, repo.Migrate(ctx, 1, CurrentSchemaVersion))
	require.NoError(t, repo.Migrate(ctx, 0, CurrentSchemaVersion))

	version, err = repo.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	legacy := all[0]
	assert.Equal(t, "legacy-1", legacy.ID)
	assert.Equal(t, schema.StatusPending, legacy.Status)
	assert.Equal(t, 0, legacy.RetryCount)
	assert.Equal(t, schema.DefaultMaxRetries, legacy.MaxRetries)
	assert.Equal(t, schema.PriorityNormal, legacy.Priority)
	assert.JSONEq(t, `{"a":1}`, string(legacy.Payload))

	assert.Equal(t, schema.StatusPending, all[1].Status)
	assert.Equal(t, schema.StatusFailed, all[2].Status)
	assert.Equal(t, "duplicate idempotency key", all[2].LastError)

	// the active key index is in place
	_, err = repo.AddOperation(ctx, newTestOperation("old", time.Now()))
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestSQLite_MigrateRejectsUnknownState(t *testing.T) {
	ctx := context.Background()
	repo, err := NewSQLiteRepository(ctx, filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	defer repo.Close()

	assert.ErrorIs(t, repo.Migrate(ctx, 2, CurrentSchemaVersion), ErrSchemaMismatch)
	assert.Error(t, repo.Migrate(ctx, 0, CurrentSchemaVersion+1))
	assert.Error(t, repo.Migrate(ctx, 3, 2))
}

func TestNewSQLiteRepository_EmptyPath(t *testing.T) {
	_, err := NewSQLiteRepository(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}
