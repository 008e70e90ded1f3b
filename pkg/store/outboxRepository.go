package store

import (
	"context"
	"errors"

	"github.com/zoff-tech/clinic-outbox/schema"
)

// CurrentSchemaVersion is the layout every backend migrates to at startup.
const CurrentSchemaVersion = 3

var (
	ErrNotFound           = errors.New("operation not found")
	ErrDuplicateKey       = errors.New("idempotency key already used by an active operation")
	ErrStatusConflict     = errors.New("operation status changed concurrently")
	ErrStorageUnavailable = errors.New("operation storage unavailable")
	ErrSchemaMismatch     = errors.New("stored schema version does not match the requested migration")
)

// OutboxRepository persists queued operations.
type OutboxRepository interface {
	// AddOperation stores op as pending and returns its id. The write is
	// durable when AddOperation returns.
	AddOperation(ctx context.Context, op *schema.Operation) (string, error)
	// Get returns one operation or ErrNotFound.
	Get(ctx context.Context, id string) (*schema.Operation, error)
	// GetAll returns every operation ordered by creation time.
	GetAll(ctx context.Context) ([]*schema.Operation, error)
	// GetByStatus returns operations in status ordered by creation time.
	GetByStatus(ctx context.Context, status schema.Status) ([]*schema.Operation, error)
	// Update applies patch atomically. It returns ErrNotFound for an unknown id
	// and ErrStatusConflict when the patch precondition does not hold.
	Update(ctx context.Context, id string, patch schema.Patch) error
	// Remove deletes an operation. Removing an unknown id is not an error.
	Remove(ctx context.Context, id string) error
	// Migrate upgrades the stored layout from one version to another.
	Migrate(ctx context.Context, fromVersion, toVersion int) error
	// SchemaVersion returns the version recorded by the last migration.
	SchemaVersion(ctx context.Context) (int, error)
	Close() error
}

// IsDurable reports whether r survives a restart.
func IsDurable(r OutboxRepository) bool {
	_, ok := r.(*MemoryRepository)
	return !ok
}
