package config

import (
	"fmt"
	"strings"
)

// Validate normalizes driver names, fills zero values with defaults and rejects
// combinations the service cannot run with.
func (c *Config) Validate() error {
	def := Default()

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Bus.Driver = strings.ToLower(strings.TrimSpace(c.Bus.Driver))
	c.Notifier.Driver = strings.ToLower(strings.TrimSpace(c.Notifier.Driver))

	if c.Server.Address == "" {
		c.Server.Address = def.Server.Address
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	switch c.Logging.Encoding {
	case "":
		c.Logging.Encoding = def.Logging.Encoding
	case "json", "console":
	default:
		return fmt.Errorf("%w: logging.encoding %q", ErrInvalidConfig, c.Logging.Encoding)
	}

	switch c.Store.Driver {
	case "":
		c.Store.Driver = StoreMemory
	case StoreMemory:
	case StoreMySQL, StoreMongo:
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store.dsn is required for %s", ErrInvalidConfig, c.Store.Driver)
		}
	default:
		return fmt.Errorf("%w: store.driver %q", ErrInvalidConfig, c.Store.Driver)
	}
	if c.Store.Database == "" {
		c.Store.Database = def.Store.Database
	}
	if c.Store.TablePrefix == "" {
		c.Store.TablePrefix = def.Store.TablePrefix
	}

	switch c.Bus.Driver {
	case "":
		c.Bus.Driver = BusMemory
	case BusMemory, BusRedis:
	case BusRabbitMQ:
		if c.Bus.URL == "" {
			return fmt.Errorf("%w: bus.url is required for rabbitmq", ErrInvalidConfig)
		}
	case BusPubSub:
		if c.Bus.Project == "" || c.Bus.Topic == "" {
			return fmt.Errorf("%w: bus.project and bus.topic are required for pubsub", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: bus.driver %q", ErrInvalidConfig, c.Bus.Driver)
	}
	if c.Bus.ConfirmTimeout <= 0 {
		c.Bus.ConfirmTimeout = def.Bus.ConfirmTimeout
	}
	if c.Bus.Breaker.Failures == 0 {
		c.Bus.Breaker.Failures = def.Bus.Breaker.Failures
	}
	if c.Bus.Breaker.OpenTimeout <= 0 {
		c.Bus.Breaker.OpenTimeout = def.Bus.Breaker.OpenTimeout
	}

	switch c.Notifier.Driver {
	case "":
		c.Notifier.Driver = NotifierLocal
	case NotifierLocal, NotifierRedis:
	default:
		return fmt.Errorf("%w: notifier.driver %q", ErrInvalidConfig, c.Notifier.Driver)
	}
	if (c.Bus.Driver == BusRedis || c.Notifier.Driver == NotifierRedis) && c.Redis.Addr == "" {
		return fmt.Errorf("%w: redis.addr is required", ErrInvalidConfig)
	}

	if c.Writer.MaxBatchSize <= 0 {
		c.Writer.MaxBatchSize = def.Writer.MaxBatchSize
	}
	if c.Writer.IngestAttempts <= 0 {
		c.Writer.IngestAttempts = def.Writer.IngestAttempts
	}

	p := &c.Publisher
	if p.PollInterval <= 0 {
		p.PollInterval = def.Publisher.PollInterval
	}
	if p.LeaseTTL <= 0 {
		p.LeaseTTL = def.Publisher.LeaseTTL
	}
	if p.LeaseRenew >= p.LeaseTTL {
		return fmt.Errorf("%w: publisher.lease_renew must be shorter than lease_ttl", ErrInvalidConfig)
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.Publisher.MaxAttempts
	}
	if p.BackoffInitial <= 0 {
		p.BackoffInitial = def.Publisher.BackoffInitial
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = def.Publisher.BackoffMax
	}
	if p.BackoffMax < p.BackoffInitial {
		return fmt.Errorf("%w: publisher.backoff_max is below backoff_initial", ErrInvalidConfig)
	}
	if p.PublishTimeout <= 0 {
		p.PublishTimeout = def.Publisher.PublishTimeout
	}
	if p.PendingInterval < 0 {
		return fmt.Errorf("%w: publisher.pending_interval must not be negative", ErrInvalidConfig)
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = def.Metrics.Namespace
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = def.Metrics.Path
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("%w: metrics.path must start with /", ErrInvalidConfig)
	}

	return nil
}
