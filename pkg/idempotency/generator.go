package idempotency

import "github.com/google/uuid"

// Generator produces idempotency keys. A key is generated once per logical
// write and reused for every retry of it.
type Generator interface {
	Generate() string
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func() string

func (f GeneratorFunc) Generate() string { return f() }

// UUIDGenerator issues time-ordered UUIDv7 keys.
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Valid reports whether key looks like something the generator produced or a
// caller supplied: non-empty, printable and short enough for a header.
func Valid(key string) bool {
	if key == "" || len(key) > 255 {
		return false
	}
	for _, r := range key {
		if r < 0x21 || r > 0x7e {
			return false
		}
	}
	return true
}
