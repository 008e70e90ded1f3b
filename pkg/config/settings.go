package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Settings struct {
	Environment   string               `mapstructure:"environment"`
	LogLevel      string               `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error fatal"`
	Database      DbSettings           `mapstructure:"database"`
	Transport     TransportSettings    `mapstructure:"transport"`
	Retry         RetrySettings        `mapstructure:"retry"`
	Connectivity  ConnectivitySettings `mapstructure:"connectivity"`
	Quota         QuotaSettings        `mapstructure:"quota"`
	Brokers       []BrokerSettings     `mapstructure:"brokers" validate:"dive"`
	Server        ServerSettings       `mapstructure:"server"`
	Observability Observability        `mapstructure:"observability"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// LoadFromFile reads outbox.yaml from path, merges outbox.<ENVIRONMENT>.yaml
// on top of it and applies OUTBOX_* environment variables last. A .env file in
// path or the working directory is loaded into the environment first.
func LoadFromFile(path string) (*Settings, error) {
	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	v := newViper()
	v.SetConfigName("outbox")
	v.AddConfigPath(path) // path to config
	v.AddConfigPath(".")  // current directory

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := mergeConfig(v, path, "outbox."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	v.SetDefault("environment", env)
	return load(v)
}

// LoadFromReader reads YAML settings from r and applies environment overrides.
func LoadFromReader(r io.Reader) (*Settings, error) {
	v := newViper()
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return load(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	return v
}

func load(v *viper.Viper) (*Settings, error) {
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	cfg := &Settings{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper) error {
	v.AutomaticEnv()
	v.SetEnvPrefix("OUTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like OUTBOX_DATABASE_TYPE

	// Keys without defaults are invisible to AutomaticEnv during Unmarshal.
	for _, key := range []string{
		"database.dsn",
		"database.uri",
		"database.db_name",
		"transport.base_url",
		"transport.user_agent",
		"observability.tracing_url",
	} {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "outbox.db")
	v.SetDefault("database.collection", "operations")
	v.SetDefault("database.fallback_to_memory", true)

	v.SetDefault("transport.call_timeout", 30*time.Second)
	v.SetDefault("transport.connect_timeout", 5*time.Second)
	v.SetDefault("transport.tls_handshake_timeout", 5*time.Second)
	v.SetDefault("transport.response_header_timeout", 25*time.Second)
	v.SetDefault("transport.idle_conn_timeout", 90*time.Second)
	v.SetDefault("transport.max_idle_conns", 16)
	v.SetDefault("transport.max_conns_per_host", 8)
	v.SetDefault("transport.health_path", "/health")

	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter", time.Second)
	v.SetDefault("retry.ceiling", 60*time.Second)
	v.SetDefault("retry.max_retries", 5)
	v.SetDefault("retry.completed_retention", 0)

	v.SetDefault("connectivity.start_online", true)
	v.SetDefault("connectivity.online_jitter", 30*time.Second)
	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("connectivity.background_sync_spec", "@every 5m")
	v.SetDefault("connectivity.purge_spec", "@every 1h")

	v.SetDefault("quota.bytes", 50<<20)
	v.SetDefault("quota.high_water_mark", 0.9)

	v.SetDefault("server.address", "127.0.0.1:8787")
	v.SetDefault("server.events_address", "127.0.0.1:8788")

	v.SetDefault("observability.service_name", "clinic-outbox")
}

func mergeConfig(v *viper.Viper, path string, name string) error {
	v.SetConfigName(name)
	v.AddConfigPath(path)
	return v.MergeInConfig()
}

func loadDotEnv(path string) error {
	for _, file := range []string{filepath.Join(path, ".env"), ".env"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("load %s: %w", file, err)
		}
		return nil
	}
	return nil
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
