package broker

import (
	"context"

	"github.com/zoff-tech/clinic-outbox/schema"
)

// MessageBroker delivers status events to listeners outside the agent.
type MessageBroker interface {
	// Publish sends one status event. Implementations must not retain ev.
	Publish(ctx context.Context, ev *schema.StatusEvent) error
	// Close cleans up any resources (connections).
	Close() error
}
