package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/clinic-outbox/pkg/config"
	"github.com/zoff-tech/clinic-outbox/schema"
)

const (
	defaultStatusExchange = "outbox.status"
	defaultPoolSize       = 2
)

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger *zap.SugaredLogger) (MessageBroker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger *zap.SugaredLogger) (MessageBroker, error) {
	if settings.PoolSize < 0 {
		return nil, errors.New("poolSize must not be negative")
	}
	if settings.PoolSize == 0 {
		settings.PoolSize = defaultPoolSize
	}
	if settings.Exchange == "" {
		settings.Exchange = defaultStatusExchange
	}

	broker := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		reconnectTicker: time.NewTicker(5 * time.Second), // Retry every 5 seconds
		stopReconnect:   make(chan struct{}),
		logger:          logger,
	}

	// Initialize the connection and channel pool
	if err := broker.connectAndInitialize(ctx); err != nil {
		broker.reconnectTicker.Stop()
		return nil, err
	}

	// Start connection recovery in a separate goroutine
	go broker.recoverConnection()

	return broker, nil
}

type rabbitMqBroker struct {
	connection      amqpConnection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	settings        *config.BrokerSettings
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
	logger          *zap.SugaredLogger
}

// Publish sends ev to the fanout exchange, routed by its event type.
func (r *rabbitMqBroker) Publish(ctx context.Context, ev *schema.StatusEvent) error {
	tracer := otel.Tracer("clinic-outbox")
	ctx, span := tracer.Start(ctx, "PublishStatus",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String("fanout"),
			semconv.MessagingDestinationKey.String(r.settings.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(string(ev.Type)),
		),
	)
	defer span.End()

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	// Inject the trace context into the message headers
	traceHeaders := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(traceHeaders))

	amqpHeaders := make(amqp.Table, len(traceHeaders))
	for k, v := range traceHeaders {
		amqpHeaders[k] = v
	}

	// Get a channel from the pool
	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer r.releaseChannel(pooledChan)

	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	err = pooledChan.channel.ExchangeDeclare(
		r.settings.Exchange, // name of the exchange
		"fanout",            // every window and service gets every event
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	err = pooledChan.channel.Publish(
		r.settings.Exchange, string(ev.Type), false, false,
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   ev.OperationID,
			Timestamp:   time.UnixMilli(ev.Timestamp),
			Body:        body,
			Headers:     amqpHeaders,
		},
	)
	if err != nil {
		span.RecordError(err)
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(body)),
	)

	return nil
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Stop the connection recovery goroutine
	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	// Close all channels in the pool
	close(r.channelPool)
	for pooledChan := range r.channelPool {
		pooledChan.channel.Close()
	}

	// Close the connection
	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}
