package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/zoff-tech/clinic-outbox/pkg/config"
	"github.com/zoff-tech/clinic-outbox/pkg/logging"
)

func TestNewRepository_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	originalOpen := sqlOpen
	defer func() { sqlOpen = originalOpen }()
	sqlOpen = func(driverName, dataSourceName string) (*sql.DB, error) {
		assert.Equal(t, "postgres", driverName)
		assert.Equal(t, "postgres://clinic@localhost/outbox", dataSourceName)
		return db, nil
	}

	repo, err := NewRepository(context.Background(), config.DbSettings{
		Type: "postgres",
		DSN:  "postgres://clinic@localhost/outbox",
	})
	require.NoError(t, err)
	assert.IsType(t, &SQLRepository{}, repo)
	assert.Equal(t, "postgresql", repo.(*SQLRepository).Driver())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRepository_PostgresPingFails(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	mock.ExpectClose()

	originalOpen := sqlOpen
	defer func() { sqlOpen = originalOpen }()
	sqlOpen = func(string, string) (*sql.DB, error) { return db, nil }

	_, err = NewRepository(context.Background(), config.DbSettings{Type: "postgres"})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestNewRepository_Mongo(t *testing.T) {
	originalClient := NewMongoClient
	defer func() { NewMongoClient = originalClient }()
	NewMongoClient = func(ctx context.Context, uri string) (*mongo.Client, error) {
		return nil, errors.New("server selection timeout")
	}

	_, err := NewRepository(context.Background(), config.DbSettings{Type: "mongo", URI: "mongodb://localhost"})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestNewRepository_Unsupported(t *testing.T) {
	_, err := NewRepository(context.Background(), config.DbSettings{Type: "cassandra"})
	assert.EqualError(t, err, "unsupported DB type: cassandra")
}

func TestNewRepository_SQLiteAndMemory(t *testing.T) {
	ctx := context.Background()

	repo, err := NewRepository(ctx, config.DbSettings{Type: "sqlite", Path: filepath.Join(t.TempDir(), "o.db")})
	require.NoError(t, err)
	defer repo.Close()
	assert.True(t, IsDurable(repo))

	mem, err := NewRepository(ctx, config.DbSettings{Type: "memory"})
	require.NoError(t, err)
	assert.False(t, IsDurable(mem))
}

func TestOpen_UpgradesDurableStore(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, config.DbSettings{Type: "sqlite", Path: filepath.Join(t.TempDir(), "o.db")}, logging.Nop())
	require.NoError(t, err)
	defer repo.Close()

	version, err := repo.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestOpen_FallsBackToMemory(t *testing.T) {
	originalOpen := sqlOpen
	defer func() { sqlOpen = originalOpen }()
	sqlOpen = func(string, string) (*sql.DB, error) { return nil, errors.New("disk quota exceeded") }

	path := filepath.Join(t.TempDir(), "outbox.db")
	repo, err := Open(context.Background(), config.DbSettings{
		Type:             "sqlite",
		Path:             path,
		FallbackToMemory: true,
	}, logging.Nop())
	require.NoError(t, err)
	assert.False(t, IsDurable(repo))

	_, err = Open(context.Background(), config.DbSettings{Type: "sqlite", Path: path}, logging.Nop())
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}
