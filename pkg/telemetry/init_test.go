package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/zoff-tech/clinic-outbox/pkg/config"
)

func TestInit_Success(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "test-service",
		TracingURL:  "localhost:4318", // Mock OTLP endpoint
	}

	shutdown, err := Init(context.Background(), cfg, zap.NewNop().Sugar())
	assert.NoError(t, err)
	assert.NotNil(t, shutdown)

	assert.NotNil(t, otel.GetTracerProvider())
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "traceparent")

	shutdown()
}

func TestInit_InvalidTracingURL(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "test-service",
		TracingURL:  "",
	}

	shutdown, err := Init(context.Background(), cfg, zap.NewNop().Sugar())
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}

func TestInit_EmptyServiceName(t *testing.T) {
	cfg := config.Observability{
		ServiceName: "",
		TracingURL:  "localhost:4318",
	}

	shutdown, err := Init(context.Background(), cfg, zap.NewNop().Sugar())
	assert.Error(t, err)
	assert.Nil(t, shutdown)
}
