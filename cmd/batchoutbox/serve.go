package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/velmie/batchoutbox"
	"github.com/velmie/batchoutbox/api"
	"github.com/velmie/batchoutbox/internal/config"
	"github.com/velmie/batchoutbox/internal/zaplog"
	"github.com/velmie/batchoutbox/prommetrics"
	"github.com/velmie/batchoutbox/redis"
)

const readHeaderTimeout = 10 * time.Second

func newServeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the batch publisher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(flags)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zaplog.Logger) error {
	var cl closers
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := cl.close(closeCtx); err != nil {
			logger.Warn("batchoutbox shutdown cleanup failed", "err", err)
		}
	}()

	store, err := openStore(ctx, cfg.Store, &cl)
	if err != nil {
		return err
	}

	var rc *goredis.Client
	sharedRedis := func() *goredis.Client {
		if rc == nil {
			rc = redisClient(cfg.Redis, &cl)
		}
		return rc
	}

	bus, err := openBus(ctx, cfg, logger.Named("bus"), sharedRedis, &cl)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	var metrics batchoutbox.Metrics = batchoutbox.NopMetrics{}
	if cfg.Metrics.Enabled {
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		pm, err := prommetrics.New(registry, cfg.Metrics.Namespace)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		metrics = pm
	}

	var (
		notifier batchoutbox.Notifier
		wakeups  batchoutbox.WakeSource
	)
	switch cfg.Notifier.Driver {
	case config.NotifierRedis:
		rn, err := redis.NewNotifier(sharedRedis(), cfg.Notifier.Channel, logger.Named("notifier"))
		if err != nil {
			return err
		}
		go func() {
			if err := rn.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("batchoutbox redis notifier stopped", "err", err)
			}
		}()
		notifier, wakeups = rn, rn
	default:
		local := batchoutbox.NewChannelNotifier()
		notifier, wakeups = local, local
	}

	writer := batchoutbox.NewWriter(store,
		batchoutbox.WithMaxBatchSize(cfg.Writer.MaxBatchSize),
		batchoutbox.WithIngestRetry(cfg.Writer.IngestAttempts, 0),
		batchoutbox.WithKnownVendors(cfg.Writer.KnownVendors...),
		batchoutbox.WithNotifier(notifier),
		batchoutbox.WithWriterLogger(logger.Named("writer")),
		batchoutbox.WithWriterMetrics(metrics),
	)

	pcfg := cfg.Publisher
	publisher := batchoutbox.NewPublisher(store, bus,
		batchoutbox.WithOwner(pcfg.Owner),
		batchoutbox.WithPollInterval(pcfg.PollInterval.Duration()),
		batchoutbox.WithLease(pcfg.LeaseTTL.Duration(), pcfg.LeaseRenew.Duration()),
		batchoutbox.WithMaxAttempts(pcfg.MaxAttempts),
		batchoutbox.WithBackoff(batchoutbox.Backoff{
			Initial: pcfg.BackoffInitial.Duration(),
			Max:     pcfg.BackoffMax.Duration(),
			Jitter:  true,
		}),
		batchoutbox.WithPublishTimeout(pcfg.PublishTimeout.Duration()),
		batchoutbox.WithPendingInterval(pcfg.PendingInterval.Duration()),
		batchoutbox.WithContinueAfterFailure(pcfg.ContinueAfterFailure),
		batchoutbox.WithWakeups(wakeups),
		batchoutbox.WithLogger(logger.Named("publisher")),
		batchoutbox.WithMetrics(metrics),
	)
	processor := batchoutbox.NewProcessor(publisher, batchoutbox.SystemClock{}, logger.Named("processor"))
	operator := batchoutbox.NewOperator(store, batchoutbox.OperatorConfig{
		Logger:   logger.Named("operator"),
		Notifier: notifier,
	})

	srv, err := api.New(api.Config{
		Ingester:   writer,
		Reader:     store,
		Controller: processor,
		Resolver:   operator,
		Logger:     logger.Named("api"),
	})
	if err != nil {
		return err
	}
	if cfg.Metrics.Enabled {
		srv.Router().Handle(cfg.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	if pcfg.Autostart {
		if err := processor.Start(ctx); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           srv,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("batchoutbox http listening", "addr", cfg.Server.Address, "store", cfg.Store.Driver, "bus", cfg.Bus.Driver)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("batchoutbox http shutdown failed", "err", err)
	}
	if processor.State() != batchoutbox.StateStopped {
		if err := processor.Stop(shutdownCtx); err != nil {
			logger.Warn("batchoutbox processor stop failed", "err", err)
		}
	}
	logger.Info("batchoutbox stopped")

	return nil
}
