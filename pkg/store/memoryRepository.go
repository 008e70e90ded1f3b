package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zoff-tech/clinic-outbox/schema"
)

// MemoryRepository keeps operations in process memory. It is the degrade
// mode used when no durable store can be opened; nothing survives a restart.
type MemoryRepository struct {
	mu      sync.RWMutex
	ops     map[string]*schema.Operation
	version int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{ops: make(map[string]*schema.Operation)}
}

func (m *MemoryRepository) AddOperation(_ context.Context, op *schema.Operation) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareInsert(op)
	if _, ok := m.ops[op.ID]; ok {
		return "", ErrDuplicateKey
	}
	if op.Status.Active() && m.activeKeyTaken(op.IdempotencyKey, op.ID) {
		return "", ErrDuplicateKey
	}
	m.ops[op.ID] = op.Clone()
	return op.ID, nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (*schema.Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	return op.Clone(), nil
}

func (m *MemoryRepository) GetAll(_ context.Context) ([]*schema.Operation, error) {
	return m.filter(func(*schema.Operation) bool { return true }), nil
}

func (m *MemoryRepository) GetByStatus(_ context.Context, status schema.Status) ([]*schema.Operation, error) {
	return m.filter(func(op *schema.Operation) bool { return op.Status == status }), nil
}

func (m *MemoryRepository) Update(_ context.Context, id string, patch schema.Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	op, ok := m.ops[id]
	if !ok {
		return ErrNotFound
	}
	if !patch.Matches(op) {
		return ErrStatusConflict
	}
	if patch.Status != nil && patch.Status.Active() && !op.Status.Active() &&
		m.activeKeyTaken(op.IdempotencyKey, op.ID) {
		return ErrDuplicateKey
	}
	patch.Apply(op)
	return nil
}

func (m *MemoryRepository) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ops, id)
	return nil
}

func (m *MemoryRepository) Migrate(_ context.Context, fromVersion, toVersion int) error {
	if err := checkMigrationRange(fromVersion, toVersion); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if fromVersion > m.version {
		return fmt.Errorf("%w: stored v%d, requested v%d -> v%d", ErrSchemaMismatch, m.version, fromVersion, toVersion)
	}
	if toVersion > m.version {
		m.version = toVersion
	}
	return nil
}

func (m *MemoryRepository) SchemaVersion(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version, nil
}

func (m *MemoryRepository) Close() error {
	return nil
}

func (m *MemoryRepository) activeKeyTaken(key, exceptID string) bool {
	for id, other := range m.ops {
		if id != exceptID && other.IdempotencyKey == key && other.Status.Active() {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) filter(keep func(*schema.Operation) bool) []*schema.Operation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*schema.Operation, 0, len(m.ops))
	for _, op := range m.ops {
		if keep(op) {
			out = append(out, op.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
