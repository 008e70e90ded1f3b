package schema

import "time"

// Patch is a partial update of an Operation. Nil fields are left untouched.
// When From is set the update only applies while the stored status equals it.
type Patch struct {
	Status        *Status
	RetryCount    *int
	LastAttemptAt *time.Time
	NextAttemptAt *time.Time
	CompletedAt   *time.Time
	LastError     *string

	From *Status
}

// Ptr returns a pointer to v, handy when building patches.
func Ptr[T any](v T) *T {
	return &v
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Status == nil && p.RetryCount == nil && p.LastAttemptAt == nil &&
		p.NextAttemptAt == nil && p.CompletedAt == nil && p.LastError == nil
}

// Matches reports whether the precondition holds for op.
func (p Patch) Matches(op *Operation) bool {
	return p.From == nil || op.Status == *p.From
}

// Apply writes the set fields onto op.
func (p Patch) Apply(op *Operation) {
	if p.Status != nil {
		op.Status = *p.Status
	}
	if p.RetryCount != nil {
		op.RetryCount = *p.RetryCount
	}
	if p.LastAttemptAt != nil {
		op.LastAttemptAt = *p.LastAttemptAt
	}
	if p.NextAttemptAt != nil {
		op.NextAttemptAt = *p.NextAttemptAt
	}
	if p.CompletedAt != nil {
		op.CompletedAt = *p.CompletedAt
	}
	if p.LastError != nil {
		op.LastError = *p.LastError
	}
}
