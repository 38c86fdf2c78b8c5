// Command batchoutbox-retention removes finished batches from a MySQL batch outbox.
//
// It wraps mysql.RetentionMaintainer for use in cron jobs or as a long-running sidecar,
// so the service itself never runs DELETE statements.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	_ "github.com/go-sql-driver/mysql"

	"github.com/velmie/batchoutbox"
	"github.com/velmie/batchoutbox/internal/zaplog"
	"github.com/velmie/batchoutbox/mysql"
)

const (
	exitUsage       = 2
	nextTickBackoff = 30 * time.Second
)

type options struct {
	dsn               string
	prefix            string
	retention         time.Duration
	checkEvery        time.Duration
	cron              string
	limit             int
	lockName          string
	includeOverridden bool
	once              bool
	verbose           bool
}

func (o options) validate() error {
	if o.dsn == "" {
		return errors.New("dsn is required")
	}
	if o.retention <= 0 {
		return errors.New("retention must be positive")
	}
	if o.cron != "" && !gronx.IsValid(o.cron) {
		return fmt.Errorf("invalid cron expression: %q", o.cron)
	}

	return nil
}

func main() {
	var opts options

	flag.StringVar(&opts.dsn, "dsn", "", "MySQL DSN, e.g. user:pass@tcp(host:3306)/db?parseTime=true")
	flag.StringVar(&opts.prefix, "prefix", "batchoutbox", "Table prefix of the batch outbox")
	flag.DurationVar(&opts.retention, "retention", 0, "Delete batches finished longer ago than this")
	flag.DurationVar(&opts.checkEvery, "check-every", time.Hour, "How often to run when no cron schedule is given")
	flag.StringVar(&opts.cron, "cron", "", "Cron expression for runs, e.g. \"0 2 * * *\" (overrides -check-every)")
	flag.IntVar(&opts.limit, "limit", 0, "Max batches deleted per run (0 uses default)")
	flag.StringVar(&opts.lockName, "lock-name", "", "Advisory lock name (optional)")
	flag.BoolVar(&opts.includeOverridden, "include-overridden", false, "Delete skipped failed batches as well")
	flag.BoolVar(&opts.once, "once", false, "Run once and exit")
	flag.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")
	flag.Parse()

	if err := opts.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	level := "info"
	if opts.verbose {
		level = "debug"
	}
	logger, _, err := zaplog.New(zaplog.Config{Level: level, Encoding: "json"})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := sql.Open("mysql", opts.dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	maintainer, err := mysql.NewRetentionMaintainer(db, mysql.RetentionMaintainerConfig{
		TablePrefix:       opts.prefix,
		Retention:         opts.retention,
		CheckEvery:        opts.checkEvery,
		Limit:             opts.limit,
		IncludeOverridden: opts.includeOverridden,
		LockName:          opts.lockName,
		Clock:             batchoutbox.SystemClock{},
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("init maintainer: %w", err)
	}

	switch {
	case opts.once:
		result, err := maintainer.Ensure(ctx)
		if err != nil {
			return fmt.Errorf("retention: %w", err)
		}
		logger.Info("batchoutbox retention done",
			"committed", result.Committed,
			"overridden", result.Overridden,
			"items", result.Items,
		)

		return nil

	case opts.cron != "":
		return runCron(ctx, opts.cron, maintainer, logger)

	default:
		if err := maintainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("run maintainer: %w", err)
		}

		return nil
	}
}

type ensurer interface {
	Ensure(ctx context.Context) (mysql.RetentionResult, error)
}

// runCron sleeps until each tick of expr and runs one retention pass per tick.
func runCron(ctx context.Context, expr string, m ensurer, logger batchoutbox.Logger) error {
	logger.Info("batchoutbox retention scheduled", "cron", expr)

	for {
		next, err := gronx.NextTickAfter(expr, time.Now().UTC(), false)
		if err != nil {
			logger.Error("batchoutbox retention next tick failed", "cron", expr, "err", err)
			next = time.Now().Add(nextTickBackoff)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if _, err := m.Ensure(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("batchoutbox retention failed", "err", err)
		}
	}
}
