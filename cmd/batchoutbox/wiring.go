package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	_ "github.com/go-sql-driver/mysql"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"github.com/velmie/batchoutbox"
	"github.com/velmie/batchoutbox/breaker"
	"github.com/velmie/batchoutbox/internal/config"
	"github.com/velmie/batchoutbox/internal/zaplog"
	"github.com/velmie/batchoutbox/membus"
	"github.com/velmie/batchoutbox/memstore"
	"github.com/velmie/batchoutbox/mongo"
	"github.com/velmie/batchoutbox/mysql"
	"github.com/velmie/batchoutbox/pubsub"
	"github.com/velmie/batchoutbox/rabbitmq"
	"github.com/velmie/batchoutbox/redis"
)

const connectTimeout = 10 * time.Second

// outboxStore is what the service needs from a backend.
type outboxStore interface {
	batchoutbox.Store
	batchoutbox.PendingCounter
}

// closers run in reverse registration order.
type closers []func(context.Context) error

func (c *closers) add(fn func(context.Context) error) {
	*c = append(*c, fn)
}

func (c closers) close(ctx context.Context) error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func loadConfig(flags *globalFlags) (config.Config, *zaplog.Logger, error) {
	cfg, err := config.Load(config.ResolvePath(flags.configPath), flags.envFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, _, err := zaplog.New(zaplog.Config{Level: cfg.Logging.Level, Encoding: cfg.Logging.Encoding})
	if err != nil {
		return config.Config{}, nil, err
	}

	return cfg, logger, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, cl *closers) (outboxStore, error) {
	switch cfg.Driver {
	case config.StoreMySQL:
		db, err := sql.Open("mysql", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		cl.add(func(context.Context) error { return db.Close() })

		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return nil, fmt.Errorf("ping mysql: %w", err)
		}

		return mysql.NewStore(db, mysql.WithTablePrefix(cfg.TablePrefix))

	case config.StoreMongo:
		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		client, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		cl.add(client.Disconnect)

		store, err := mongo.NewStore(client, cfg.Database, mongo.WithCollectionPrefix(cfg.TablePrefix))
		if err != nil {
			return nil, err
		}
		if err := store.EnsureIndexes(connectCtx); err != nil {
			return nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}

		return store, nil

	default:
		return memstore.New(), nil
	}
}

func redisClient(cfg config.RedisConfig, cl *closers) *goredis.Client {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	cl.add(func(context.Context) error { return client.Close() })

	return client
}

func openBus(ctx context.Context, cfg config.Config, logger batchoutbox.Logger, rc func() *goredis.Client, cl *closers) (batchoutbox.Bus, error) {
	var (
		bus batchoutbox.Bus
		err error
	)

	switch cfg.Bus.Driver {
	case config.BusRabbitMQ:
		bus, err = openRabbitMQ(cfg.Bus, cl)
	case config.BusPubSub:
		bus, err = openPubSub(ctx, cfg.Bus, cl)
	case config.BusRedis:
		opts := []redis.BusOption{}
		if cfg.Bus.Stream != "" {
			opts = append(opts, redis.WithStream(cfg.Bus.Stream))
		}
		if cfg.Bus.DedupeTTL > 0 {
			opts = append(opts, redis.WithDedupe("", cfg.Bus.DedupeTTL.Duration()))
		}
		bus, err = redis.NewBus(rc(), opts...)
	default:
		logger.Warn("batchoutbox using in-memory bus; messages are not delivered anywhere")
		bus = membus.New()
	}
	if err != nil {
		return nil, err
	}

	if cfg.Bus.Breaker.Enabled {
		bcfg := breaker.DefaultConfig()
		bcfg.ConsecutiveFailures = cfg.Bus.Breaker.Failures
		bcfg.Timeout = cfg.Bus.Breaker.OpenTimeout.Duration()
		bcfg.Logger = logger
		bus = breaker.Wrap(bus, bcfg)
	}

	return bus, nil
}

func openRabbitMQ(cfg config.BusConfig, cl *closers) (*rabbitmq.Bus, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	cl.add(func(context.Context) error { return conn.Close() })

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	opts := []rabbitmq.Option{
		rabbitmq.WithExchange(cfg.Exchange, cfg.RoutingKey),
		rabbitmq.WithConfirmTimeout(cfg.ConfirmTimeout.Duration()),
		rabbitmq.WithChannelProvider(func() (rabbitmq.Channel, error) {
			next, err := conn.Channel()
			if err != nil {
				return nil, err
			}

			return next, nil
		}),
	}
	if cfg.RouteByVendor {
		opts = append(opts, rabbitmq.WithVendorRouting())
	}

	bus, err := rabbitmq.New(ch, opts...)
	if err != nil {
		return nil, err
	}
	cl.add(func(context.Context) error { return bus.Close() })

	return bus, nil
}

func openPubSub(ctx context.Context, cfg config.BusConfig, cl *closers) (*pubsub.Bus, error) {
	client, err := gpubsub.NewClient(ctx, cfg.Project)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	cl.add(func(context.Context) error { return client.Close() })

	bus, err := pubsub.New(client.Topic(cfg.Topic))
	if err != nil {
		return nil, err
	}
	cl.add(func(context.Context) error {
		bus.Stop()
		return nil
	})

	return bus, nil
}
