package config

import "time"

// DbSettings selects and addresses the operation store.
type DbSettings struct {
	Type       string `mapstructure:"type" validate:"required,oneof=sqlite postgres mongo spanner memory"`
	Path       string `mapstructure:"path" validate:"required_if=Type sqlite"`
	DSN        string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	URI        string `mapstructure:"uri" validate:"required_if=Type mongo,required_if=Type spanner"`
	DBName     string `mapstructure:"db_name" validate:"required_if=Type mongo"`
	Collection string `mapstructure:"collection"`
	// FallbackToMemory keeps the agent running on a non-durable store when the
	// configured one cannot be opened.
	FallbackToMemory bool `mapstructure:"fallback_to_memory"`
}

// TransportSettings configures the HTTP client replaying operations.
type TransportSettings struct {
	BaseURL               string            `mapstructure:"base_url" validate:"required,url"`
	UserAgent             string            `mapstructure:"user_agent"`
	Headers               map[string]string `mapstructure:"headers"`
	HealthPath            string            `mapstructure:"health_path"`
	CallTimeout           time.Duration     `mapstructure:"call_timeout" validate:"gt=0"`
	ConnectTimeout        time.Duration     `mapstructure:"connect_timeout"`
	TLSHandshakeTimeout   time.Duration     `mapstructure:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration     `mapstructure:"response_header_timeout"`
	IdleConnTimeout       time.Duration     `mapstructure:"idle_conn_timeout"`
	MaxIdleConns          int               `mapstructure:"max_idle_conns"`
	MaxConnsPerHost       int               `mapstructure:"max_conns_per_host"`
	InsecureSkipVerify    bool              `mapstructure:"insecure_skip_verify"`
}

type RetrySettings struct {
	BaseDelay  time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	MaxDelay   time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	Jitter     time.Duration `mapstructure:"jitter" validate:"gte=0"`
	Ceiling    time.Duration `mapstructure:"ceiling" validate:"gt=0"`
	MaxRetries int           `mapstructure:"max_retries" validate:"gt=0"`
	// CompletedRetention keeps completed operations around for inspection.
	// Zero removes them as soon as they succeed.
	CompletedRetention time.Duration `mapstructure:"completed_retention" validate:"gte=0"`
}

type ConnectivitySettings struct {
	StartOnline        bool          `mapstructure:"start_online"`
	OnlineJitter       time.Duration `mapstructure:"online_jitter" validate:"gte=0"`
	ProbeInterval      time.Duration `mapstructure:"probe_interval" validate:"gte=0"`
	BackgroundSyncSpec string        `mapstructure:"background_sync_spec"`
	PurgeSpec          string        `mapstructure:"purge_spec"`
}

type QuotaSettings struct {
	Bytes         int64   `mapstructure:"bytes" validate:"gt=0"`
	HighWaterMark float64 `mapstructure:"high_water_mark" validate:"gt=0,lte=1"`
}

// BrokerSettings holds configuration for one status notification sink.
type BrokerSettings struct {
	Type      string   `mapstructure:"type" validate:"required,oneof=websocket rabbitmq gcp-pubsub kafka"`
	URL       string   `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange  string   `mapstructure:"exchange"`
	ProjectID string   `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // Optional for brokers like GCP Pub/Sub
	Topic     string   `mapstructure:"topic"`
	Brokers   []string `mapstructure:"brokers" validate:"required_if=Type kafka"`
	PoolSize  int      `mapstructure:"pool_size"`
}

type ServerSettings struct {
	Address        string `mapstructure:"address" validate:"required"`
	EventsAddress  string `mapstructure:"events_address"`
	AllowedOrigins string `mapstructure:"allowed_origins"`
}

type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url" validate:"omitempty,hostname_port"`
}
