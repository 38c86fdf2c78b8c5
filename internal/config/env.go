package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const envPrefix = "BATCHOUTBOX_"

// ApplyEnv overlays BATCHOUTBOX_* variables onto cfg.
func ApplyEnv(cfg *Config) error {
	o := overlay{}

	o.str("SERVER_ADDRESS", &cfg.Server.Address)
	o.duration("SERVER_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	o.str("LOG_LEVEL", &cfg.Logging.Level)
	o.str("LOG_ENCODING", &cfg.Logging.Encoding)

	o.str("STORE_DRIVER", &cfg.Store.Driver)
	o.str("STORE_DSN", &cfg.Store.DSN)
	o.str("STORE_DATABASE", &cfg.Store.Database)
	o.str("STORE_TABLE_PREFIX", &cfg.Store.TablePrefix)

	o.str("BUS_DRIVER", &cfg.Bus.Driver)
	o.str("BUS_URL", &cfg.Bus.URL)
	o.str("BUS_EXCHANGE", &cfg.Bus.Exchange)
	o.str("BUS_ROUTING_KEY", &cfg.Bus.RoutingKey)
	o.boolean("BUS_ROUTE_BY_VENDOR", &cfg.Bus.RouteByVendor)
	o.duration("BUS_CONFIRM_TIMEOUT", &cfg.Bus.ConfirmTimeout)
	o.str("BUS_PROJECT", &cfg.Bus.Project)
	o.str("BUS_TOPIC", &cfg.Bus.Topic)
	o.str("BUS_STREAM", &cfg.Bus.Stream)
	o.duration("BUS_DEDUPE_TTL", &cfg.Bus.DedupeTTL)
	o.boolean("BUS_BREAKER_ENABLED", &cfg.Bus.Breaker.Enabled)
	o.duration("BUS_BREAKER_OPEN_TIMEOUT", &cfg.Bus.Breaker.OpenTimeout)
	if v, ok := lookup("BUS_BREAKER_FAILURES"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		o.record("BUS_BREAKER_FAILURES", err)
		if err == nil {
			cfg.Bus.Breaker.Failures = uint32(n)
		}
	}

	o.str("NOTIFIER_DRIVER", &cfg.Notifier.Driver)
	o.str("NOTIFIER_CHANNEL", &cfg.Notifier.Channel)

	o.str("REDIS_ADDR", &cfg.Redis.Addr)
	o.str("REDIS_PASSWORD", &cfg.Redis.Password)
	o.integer("REDIS_DB", &cfg.Redis.DB)

	o.integer("MAX_BATCH_SIZE", &cfg.Writer.MaxBatchSize)
	o.list("KNOWN_VENDORS", &cfg.Writer.KnownVendors)
	o.integer("INGEST_ATTEMPTS", &cfg.Writer.IngestAttempts)

	o.str("PUBLISHER_OWNER", &cfg.Publisher.Owner)
	o.boolean("PUBLISHER_AUTOSTART", &cfg.Publisher.Autostart)
	o.duration("POLL_INTERVAL", &cfg.Publisher.PollInterval)
	o.duration("LEASE_TTL", &cfg.Publisher.LeaseTTL)
	o.duration("LEASE_RENEW", &cfg.Publisher.LeaseRenew)
	o.integer("MAX_ATTEMPTS", &cfg.Publisher.MaxAttempts)
	o.duration("BACKOFF_INITIAL", &cfg.Publisher.BackoffInitial)
	o.duration("BACKOFF_MAX", &cfg.Publisher.BackoffMax)
	o.duration("PUBLISH_TIMEOUT", &cfg.Publisher.PublishTimeout)
	o.duration("PENDING_INTERVAL", &cfg.Publisher.PendingInterval)
	o.boolean("CONTINUE_AFTER_FAILURE", &cfg.Publisher.ContinueAfterFailure)

	o.boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
	o.str("METRICS_NAMESPACE", &cfg.Metrics.Namespace)
	o.str("METRICS_PATH", &cfg.Metrics.Path)

	return o.err
}

type overlay struct {
	err error
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)

	return v, v != ""
}

func (o *overlay) record(name string, err error) {
	if err != nil && o.err == nil {
		o.err = fmt.Errorf("%w: %s%s: %w", ErrInvalidConfig, envPrefix, name, err)
	}
}

func (o *overlay) str(name string, dst *string) {
	if v, ok := lookup(name); ok {
		*dst = v
	}
}

func (o *overlay) integer(name string, dst *int) {
	v, ok := lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	o.record(name, err)
	if err == nil {
		*dst = n
	}
}

func (o *overlay) boolean(name string, dst *bool) {
	v, ok := lookup(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	o.record(name, err)
	if err == nil {
		*dst = b
	}
}

func (o *overlay) duration(name string, dst *Duration) {
	v, ok := lookup(name)
	if !ok {
		return
	}
	var d Duration
	err := d.parse(v)
	o.record(name, err)
	if err == nil {
		*dst = d
	}
}

func (o *overlay) list(name string, dst *[]string) {
	v, ok := lookup(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}
