package broker

import (
	"context"
	"encoding/json"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/clinic-outbox/pkg/config"
	"github.com/zoff-tech/clinic-outbox/schema"
)

const defaultStatusTopic = "outbox-status"

// PubSubBrokerCreator defines a function type for creating Pub/Sub clients.
type PubSubBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error)

// NewPubSubClient is the default implementation of PubSubBrokerCreator.
var NewPubSubClient PubSubBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, opts ...option.ClientOption) (MessageBroker, error) {
	client, err := pubsub.NewClient(ctx, settings.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	topic := settings.Topic
	if topic == "" {
		topic = defaultStatusTopic
	}
	t := client.Topic(topic)
	t.EnableMessageOrdering = true
	return &pubSubBroker{client: client, topic: t}, nil
}

type pubSubBroker struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

func (p *pubSubBroker) Publish(ctx context.Context, ev *schema.StatusEvent) error {
	ctx, span := otel.Tracer("clinic-outbox").Start(ctx, "PublishStatus",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("pubsub"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(p.topic.ID()),
		),
	)
	defer span.End()

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	attributes := map[string]string{"event_type": string(ev.Type)}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))

	message := &pubsub.Message{
		Data:       data,
		Attributes: attributes,
		// events of one operation arrive in order
		OrderingKey: ev.OperationID,
	}

	res := p.topic.Publish(ctx, message)
	if _, err := res.Get(ctx); err != nil { // wait for server ack
		span.RecordError(err)
		if ev.OperationID != "" {
			p.topic.ResumePublish(ev.OperationID)
		}
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(data)),
	)
	return nil
}

func (p *pubSubBroker) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
