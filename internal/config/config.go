// Package config loads the batchoutbox service configuration from a YAML file,
// an optional .env file and BATCHOUTBOX_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable consulted when no --config flag is given.
const EnvConfigPath = "BATCHOUTBOX_CONFIG"

// Store drivers.
const (
	StoreMemory = "memory"
	StoreMySQL  = "mysql"
	StoreMongo  = "mongo"
)

// Bus drivers.
const (
	BusMemory   = "memory"
	BusRabbitMQ = "rabbitmq"
	BusPubSub   = "pubsub"
	BusRedis    = "redis"
)

// Notifier drivers.
const (
	NotifierLocal = "local"
	NotifierRedis = "redis"
)

var (
	// ErrInvalidConfig is wrapped by every validation failure.
	ErrInvalidConfig = errors.New("batchoutbox config: invalid")
)

// Config is the service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Store     StoreConfig     `yaml:"store"`
	Bus       BusConfig       `yaml:"bus"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Redis     RedisConfig     `yaml:"redis"`
	Writer    WriterConfig    `yaml:"writer"`
	Publisher PublisherConfig `yaml:"publisher"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Address         string   `yaml:"address"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig selects the zap level and encoding.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"` // json | console
}

// StoreConfig selects the outbox store.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	Database    string `yaml:"database"`
	TablePrefix string `yaml:"table_prefix"`
}

// BusConfig selects the message bus.
type BusConfig struct {
	Driver         string        `yaml:"driver"`
	URL            string        `yaml:"url"`
	Exchange       string        `yaml:"exchange"`
	RoutingKey     string        `yaml:"routing_key"`
	RouteByVendor  bool          `yaml:"route_by_vendor"`
	ConfirmTimeout Duration      `yaml:"confirm_timeout"`
	Project        string        `yaml:"project"`
	Topic          string        `yaml:"topic"`
	Stream         string        `yaml:"stream"`
	DedupeTTL      Duration      `yaml:"dedupe_ttl"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker around the bus.
type BreakerConfig struct {
	Enabled     bool     `yaml:"enabled"`
	Failures    uint32   `yaml:"failures"`
	OpenTimeout Duration `yaml:"open_timeout"`
}

// NotifierConfig selects how ingest wakes the publisher.
type NotifierConfig struct {
	Driver  string `yaml:"driver"`
	Channel string `yaml:"channel"`
}

// RedisConfig is shared by the redis bus and notifier.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// WriterConfig tunes ingest.
type WriterConfig struct {
	MaxBatchSize   int      `yaml:"max_batch_size"`
	KnownVendors   []string `yaml:"known_vendors"`
	IngestAttempts int      `yaml:"ingest_attempts"`
}

// PublisherConfig tunes the publisher loop.
type PublisherConfig struct {
	Owner                string   `yaml:"owner"`
	Autostart            bool     `yaml:"autostart"`
	PollInterval         Duration `yaml:"poll_interval"`
	LeaseTTL             Duration `yaml:"lease_ttl"`
	LeaseRenew           Duration `yaml:"lease_renew"`
	MaxAttempts          int      `yaml:"max_attempts"`
	BackoffInitial       Duration `yaml:"backoff_initial"`
	BackoffMax           Duration `yaml:"backoff_max"`
	PublishTimeout       Duration `yaml:"publish_timeout"`
	PendingInterval      Duration `yaml:"pending_interval"`
	ContinueAfterFailure bool     `yaml:"continue_after_failure"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
}

// Duration accepts Go duration strings ("250ms") or plain numbers of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = 0
		return nil
	}

	return d.parse(node.Value)
}

func (d *Duration) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*d = 0
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}

	return fmt.Errorf("invalid duration value: %q", raw)
}

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server:  ServerConfig{Address: ":8080", ShutdownTimeout: Duration(15 * time.Second)},
		Logging: LoggingConfig{Level: "info", Encoding: "json"},
		Store:   StoreConfig{Driver: StoreMemory, Database: "batchoutbox", TablePrefix: "batchoutbox"},
		Bus: BusConfig{
			Driver:         BusMemory,
			ConfirmTimeout: Duration(5 * time.Second),
			Breaker:        BreakerConfig{Failures: 5, OpenTimeout: Duration(30 * time.Second)},
		},
		Notifier: NotifierConfig{Driver: NotifierLocal},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Writer:   WriterConfig{MaxBatchSize: 1000, IngestAttempts: 3},
		Publisher: PublisherConfig{
			Autostart:       true,
			PollInterval:    Duration(5 * time.Second),
			LeaseTTL:        Duration(30 * time.Second),
			MaxAttempts:     5,
			BackoffInitial:  Duration(100 * time.Millisecond),
			BackoffMax:      Duration(5 * time.Second),
			PublishTimeout:  Duration(10 * time.Second),
			PendingInterval: Duration(15 * time.Second),
		},
		Metrics: MetricsConfig{Enabled: true, Namespace: "batchoutbox", Path: "/metrics"},
	}
}

// ResolvePath returns the flag path when set, else BATCHOUTBOX_CONFIG, else "".
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}

	return os.Getenv(EnvConfigPath)
}

// Load reads path (optional), then envFile (optional, missing is fine), applies the
// environment overlay and validates the result.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("batchoutbox config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("batchoutbox config: parse %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("batchoutbox config: load %s: %w", envFile, err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
