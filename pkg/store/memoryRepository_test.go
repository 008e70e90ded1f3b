package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/clinic-outbox/schema"
)

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	id, err := repo.AddOperation(ctx, newTestOperation("k", time.Now()))
	require.NoError(t, err)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	got.Status = schema.StatusFailed
	got.Headers["X-Clinic"] = "changed"

	again, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, again.Status)
	assert.Equal(t, "7", again.Headers["X-Clinic"])
}

func TestMemoryRepository_ActiveKeyAndPreconditions(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	id, err := repo.AddOperation(ctx, newTestOperation("k", time.Now()))
	require.NoError(t, err)
	_, err = repo.AddOperation(ctx, newTestOperation("k", time.Now()))
	assert.ErrorIs(t, err, ErrDuplicateKey)

	claim := schema.Patch{Status: schema.Ptr(schema.StatusSyncing), From: schema.Ptr(schema.StatusPending)}
	require.NoError(t, repo.Update(ctx, id, claim))
	assert.ErrorIs(t, repo.Update(ctx, id, claim), ErrStatusConflict)
	assert.ErrorIs(t, repo.Update(ctx, "missing", claim), ErrNotFound)

	require.NoError(t, repo.Update(ctx, id, schema.Patch{Status: schema.Ptr(schema.StatusFailed)}))
	other, err := repo.AddOperation(ctx, newTestOperation("k", time.Now()))
	require.NoError(t, err)
	assert.ErrorIs(t, repo.Update(ctx, id, schema.Patch{Status: schema.Ptr(schema.StatusPending)}), ErrDuplicateKey)

	require.NoError(t, repo.Remove(ctx, other))
	assert.NoError(t, repo.Update(ctx, id, schema.Patch{Status: schema.Ptr(schema.StatusPending)}))
}

func TestMemoryRepository_Ordering(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	base := time.Now()

	late, _ := repo.AddOperation(ctx, newTestOperation("b", base.Add(time.Minute)))
	early, _ := repo.AddOperation(ctx, newTestOperation("a", base))

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, early, all[0].ID)
	assert.Equal(t, late, all[1].ID)
}

func TestMemoryRepository_Migrate(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	assert.ErrorIs(t, repo.Migrate(ctx, 1, CurrentSchemaVersion), ErrSchemaMismatch)
	require.NoError(t, Upgrade(ctx, repo))
	require.NoError(t, Upgrade(ctx, repo))

	version, err := repo.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
	assert.False(t, IsDurable(repo))
}
