package idempotency

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDGenerator_Unique(t *testing.T) {
	gen := UUIDGenerator{}
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		key := gen.Generate()
		_, dup := seen[key]
		require.False(t, dup, "duplicate key %s", key)
		seen[key] = struct{}{}
	}
}

func TestUUIDGenerator_Version7(t *testing.T) {
	key := UUIDGenerator{}.Generate()
	id, err := uuid.Parse(key)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.True(t, Valid(key))
}

func TestGeneratorFunc(t *testing.T) {
	var g Generator = GeneratorFunc(func() string { return "fixed" })
	assert.Equal(t, "fixed", g.Generate())
}

func TestValid(t *testing.T) {
	assert.False(t, Valid(""))
	assert.False(t, Valid("has space"))
	assert.False(t, Valid(string(make([]byte, 300))))
	assert.True(t, Valid("order-123_abc"))
}
