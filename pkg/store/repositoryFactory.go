package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cloud.google.com/go/spanner"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/zoff-tech/clinic-outbox/pkg/config"

	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite"
)

var sqlOpen = sql.Open

var NewSpannerRepositoryFactory = func(client *spanner.Client) OutboxRepository {
	return NewSpannerRepository(client)
}

var NewMongoClient = func(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return client, nil
}

// NewRepository opens the store selected by cfg.Type.
func NewRepository(ctx context.Context, cfg config.DbSettings) (OutboxRepository, error) {
	switch cfg.Type {
	case "sqlite":
		return NewSQLiteRepository(ctx, cfg.Path)
	case "postgres":
		db, err := sqlOpen("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return NewPostgresRepository(db), nil
	case "mongo":
		client, err := NewMongoClient(ctx, cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return NewMongoRepository(client, cfg.DBName, cfg.Collection), nil
	case "spanner":
		client, err := spanner.NewClient(ctx, cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return NewSpannerRepositoryFactory(client), nil
	case "memory":
		return NewMemoryRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported DB type: %s", cfg.Type)
	}
}

// Open opens the configured store and brings its schema up to date. When the
// store is unavailable and cfg.FallbackToMemory is set, it degrades to a
// MemoryRepository and logs the downgrade.
func Open(ctx context.Context, cfg config.DbSettings, logger *zap.SugaredLogger) (OutboxRepository, error) {
	repo, err := NewRepository(ctx, cfg)
	if err == nil {
		if err = Upgrade(ctx, repo); err == nil {
			return repo, nil
		}
		_ = repo.Close()
		err = fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !cfg.FallbackToMemory || cfg.Type == "memory" {
		return nil, err
	}

	logger.Warnw("durable storage unavailable, operations will not survive a restart",
		"type", cfg.Type, "error", err)
	mem := NewMemoryRepository()
	if err := Upgrade(ctx, mem); err != nil {
		return nil, err
	}
	return mem, nil
}

// Upgrade migrates repo from its stored version to CurrentSchemaVersion.
func Upgrade(ctx context.Context, repo OutboxRepository) error {
	current, err := repo.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	return repo.Migrate(ctx, current, CurrentSchemaVersion)
}
