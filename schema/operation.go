package schema

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"time"
)

// IdempotencyHeader is the request header carrying an operation's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// DefaultMaxRetries is the attempt budget applied when an operation does not set one.
const DefaultMaxRetries = 5

// Status represents the lifecycle state of a queued operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// Active reports whether the operation still competes for its idempotency key.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusSyncing
}

// Terminal reports whether normal flush logic will never move the operation again.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusCompleted
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusFailed, StatusCompleted:
		return true
	}
	return false
}

// ParseStatus converts a string into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status: %q", v)
	}
	return s, nil
}

// Priority orders operations for eviction. Low priority writes are the first
// pending operations dropped under storage pressure.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority converts "low", "normal" or "high" into a Priority.
func ParsePriority(v string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority: %q", v)
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Operation is a single queued mutating API call.
type Operation struct {
	ID             string            `json:"id" bson:"id"`
	Method         string            `json:"method" bson:"method"`
	Endpoint       string            `json:"endpoint" bson:"endpoint"`
	Payload        json.RawMessage   `json:"payload,omitempty" bson:"payload"`
	Headers        map[string]string `json:"headers,omitempty" bson:"headers"`
	IdempotencyKey string            `json:"idempotencyKey" bson:"idempotency_key"`
	Priority       Priority          `json:"priority" bson:"priority"`
	RetryCount     int               `json:"retryCount" bson:"retry_count"`
	MaxRetries     int               `json:"maxRetries" bson:"max_retries"`
	Status         Status            `json:"status" bson:"status"`
	CreatedAt      time.Time         `json:"createdAt" bson:"created_at"`
	LastAttemptAt  time.Time         `json:"lastAttemptAt,omitzero" bson:"last_attempt_at"`
	NextAttemptAt  time.Time         `json:"nextAttemptAt,omitzero" bson:"next_attempt_at"`
	CompletedAt    time.Time         `json:"completedAt,omitzero" bson:"completed_at"`
	LastError      string            `json:"lastError,omitempty" bson:"last_error"`
}

// StampIdempotencyKey returns a copy of headers carrying key as the only
// idempotency header, whatever the casing of the ones it replaces.
func StampIdempotencyKey(headers map[string]string, key string) map[string]string {
	h := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		if http.CanonicalHeaderKey(k) == IdempotencyHeader {
			continue
		}
		h[k] = v
	}
	h[IdempotencyHeader] = key
	return h
}

// NewOperation creates a pending Operation with its idempotency key stamped into the headers.
func NewOperation(
	method, endpoint string,
	payload []byte,
	headers map[string]string,
	idempotencyKey string,
	priority Priority,
	maxRetries int,
) *Operation {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	h := StampIdempotencyKey(headers, idempotencyKey)

	var body json.RawMessage
	if len(payload) > 0 {
		body = append(json.RawMessage(nil), payload...)
	}

	return &Operation{
		Method:         strings.ToUpper(method),
		Endpoint:       endpoint,
		Payload:        body,
		Headers:        h,
		IdempotencyKey: idempotencyKey,
		Priority:       priority,
		RetryCount:     0,
		MaxRetries:     maxRetries,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	if o.Headers != nil {
		c.Headers = maps.Clone(o.Headers)
	}
	if o.Payload != nil {
		c.Payload = append(json.RawMessage(nil), o.Payload...)
	}
	return &c
}

// Ready reports whether a pending operation's backoff has elapsed.
func (o *Operation) Ready(now time.Time) bool {
	return o.Status == StatusPending && !o.NextAttemptAt.After(now)
}

// Size approximates the bytes the operation occupies once persisted.
func (o *Operation) Size() int64 {
	n := len(o.ID) + len(o.Method) + len(o.Endpoint) + len(o.Payload) +
		len(o.IdempotencyKey) + len(o.LastError) + len(o.Status) + 64
	for k, v := range o.Headers {
		n += len(k) + len(v)
	}
	return int64(n)
}
