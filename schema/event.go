package schema

import "time"

// EventType names a status change broadcast to open windows and brokers.
type EventType string

const (
	EventEnqueued      EventType = "operation.enqueued"
	EventSyncing       EventType = "operation.syncing"
	EventCompleted     EventType = "operation.completed"
	EventRetrying      EventType = "operation.retrying"
	EventFailed        EventType = "operation.failed"
	EventRequeued      EventType = "operation.requeued"
	EventRemoved       EventType = "operation.removed"
	EventFlushStarted  EventType = "flush.started"
	EventFlushFinished EventType = "flush.finished"
	EventConnectivity  EventType = "connectivity.changed"
)

// Counts aggregates operations by status.
type Counts struct {
	Pending   int `json:"pending"`
	Syncing   int `json:"syncing"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// Add tallies a single operation status.
func (c *Counts) Add(s Status) {
	switch s {
	case StatusPending:
		c.Pending++
	case StatusSyncing:
		c.Syncing++
	case StatusFailed:
		c.Failed++
	case StatusCompleted:
		c.Completed++
	}
	c.Total++
}

// StatusEvent is the envelope published on every status change.
type StatusEvent struct {
	Type        EventType `json:"type"`
	OperationID string    `json:"operationId,omitempty"`
	Endpoint    string    `json:"endpoint,omitempty"`
	Status      Status    `json:"status,omitempty"`
	RetryCount  int       `json:"retryCount,omitempty"`
	Error       string    `json:"error,omitempty"`
	Online      *bool     `json:"online,omitempty"`
	Counts      Counts    `json:"counts"`
	Timestamp   int64     `json:"timestamp"`
}

// NewStatusEvent builds an event for op (which may be nil for queue-wide events).
func NewStatusEvent(t EventType, op *Operation) *StatusEvent {
	e := &StatusEvent{
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
	}
	if op != nil {
		e.OperationID = op.ID
		e.Endpoint = op.Endpoint
		e.Status = op.Status
		e.RetryCount = op.RetryCount
		e.Error = op.LastError
	}
	return e
}
