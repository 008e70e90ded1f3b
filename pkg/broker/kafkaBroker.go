package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zoff-tech/clinic-outbox/pkg/config"
	"github.com/zoff-tech/clinic-outbox/schema"
)

type KafkaBrokerCreator func(settings *config.BrokerSettings, logger *zap.SugaredLogger) (MessageBroker, error)

// NewKafkaBroker creates a synchronous producer for the status topic.
var NewKafkaBroker KafkaBrokerCreator = func(settings *config.BrokerSettings, logger *zap.SugaredLogger) (MessageBroker, error) {
	if len(settings.Brokers) == 0 {
		return nil, errors.New("kafka broker list is empty")
	}
	producer, err := newSyncProducer(settings.Brokers)
	if err != nil {
		return nil, err
	}
	return newKafkaBroker(producer, settings.Topic, logger), nil
}

func newSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.ClientID = "clinic-outbox"

	kafkaConfig.Net.DialTimeout = 10 * time.Second
	kafkaConfig.Net.ReadTimeout = 15 * time.Second
	kafkaConfig.Net.WriteTimeout = 15 * time.Second
	kafkaConfig.Net.KeepAlive = 30 * time.Second

	kafkaConfig.Metadata.Timeout = 10 * time.Second
	kafkaConfig.Metadata.Retry.Max = 1
	kafkaConfig.Metadata.Retry.Backoff = 1 * time.Second
	kafkaConfig.Metadata.RefreshFrequency = 1 * time.Minute

	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Return.Errors = true
	kafkaConfig.Producer.Retry.Max = 0
	kafkaConfig.Producer.Timeout = 10 * time.Second
	// same key, same partition: events of one operation stay ordered
	kafkaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka sync producer: %w", err)
	}
	return producer, nil
}

type kafkaBroker struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.SugaredLogger
}

func newKafkaBroker(producer sarama.SyncProducer, topic string, logger *zap.SugaredLogger) *kafkaBroker {
	if topic == "" {
		topic = defaultStatusTopic
	}
	return &kafkaBroker{producer: producer, topic: topic, logger: logger}
}

func (k *kafkaBroker) Publish(ctx context.Context, ev *schema.StatusEvent) error {
	ctx, span := otel.Tracer("clinic-outbox").Start(ctx, "PublishStatus",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("kafka"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(k.topic),
		),
	)
	defer span.End()

	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := []sarama.RecordHeader{{Key: []byte("event_type"), Value: []byte(ev.Type)}}
	for key, v := range carrier {
		headers = append(headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(v)})
	}

	msg := &sarama.ProducerMessage{
		Topic:     k.topic,
		Value:     sarama.ByteEncoder(value),
		Headers:   headers,
		Timestamp: time.UnixMilli(ev.Timestamp),
	}
	if ev.OperationID != "" {
		msg.Key = sarama.StringEncoder(ev.OperationID)
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		var kerr sarama.KError
		if errors.As(err, &kerr) {
			k.logger.Warnw("Kafka rejected status event", "event", ev.Type, "kafka_error", kerr.Error(), "code", int16(kerr))
		}
		return err
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(value)),
		attribute.Int("messaging.kafka.partition", int(partition)),
	)
	k.logger.Debugw("Status event sent", "topic", k.topic, "partition", partition, "offset", offset)
	return nil
}

func (k *kafkaBroker) Close() error {
	return k.producer.Close()
}
