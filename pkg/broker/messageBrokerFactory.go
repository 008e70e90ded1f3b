package broker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zoff-tech/clinic-outbox/pkg/config"
)

// NewBroker creates the status sink described by cfg.
func NewBroker(ctx context.Context, cfg config.BrokerSettings, logger *zap.SugaredLogger) (MessageBroker, error) {
	switch cfg.Type {
	case "websocket":
		return NewHub(logger), nil
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, &cfg, logger)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, &cfg)
	case "kafka":
		return NewKafkaBroker(&cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}

// NewBrokers creates every configured sink. On error the ones already
// created are closed.
func NewBrokers(ctx context.Context, settings []config.BrokerSettings, logger *zap.SugaredLogger) ([]MessageBroker, error) {
	brokers := make([]MessageBroker, 0, len(settings))
	for _, cfg := range settings {
		b, err := NewBroker(ctx, cfg, logger)
		if err != nil {
			for _, created := range brokers {
				_ = created.Close()
			}
			return nil, fmt.Errorf("%s broker: %w", cfg.Type, err)
		}
		brokers = append(brokers, b)
	}
	return brokers, nil
}
