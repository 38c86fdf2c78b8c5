package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/batchoutbox"
)

const (
	defaultRetentionLimit      = 1000
	defaultRetentionEvery      = time.Hour
	defaultRetentionLockPrefix = "batchoutbox:retention:"
)

// RetentionOptions defines which finished batches to delete.
type RetentionOptions struct {
	// Before removes batches finished before this timestamp (required).
	Before time.Time
	// Limit caps the number of batches deleted per call (0 uses the default).
	Limit int
	// IncludeOverridden also removes failed batches an operator skipped, using overridden_at for cutoff.
	IncludeOverridden bool
}

// RetentionResult reports how many batches and items were removed.
type RetentionResult struct {
	Committed  int64
	Overridden int64
	Items      int64
}

// RetentionMaintainerConfig controls periodic deletion of finished batches.
type RetentionMaintainerConfig struct {
	// TablePrefix is the store table prefix. Use schema.prefix for a non-default schema.
	TablePrefix string
	// Retention removes batches finished before now-retention (required).
	Retention time.Duration
	// CheckEvery is the interval between runs.
	CheckEvery time.Duration
	// Limit caps the number of batches deleted per run (0 uses the default).
	Limit int
	// IncludeOverridden removes skipped failed batches in addition to committed ones.
	IncludeOverridden bool
	// LockName is the advisory lock name. Defaults to batchoutbox:retention:<prefix>.
	LockName string
	// Clock overrides time source (useful for tests).
	Clock batchoutbox.Clock
	// Logger receives warnings about retention failures.
	Logger batchoutbox.Logger
}

// RetentionMaintainer deletes finished batches together with their items.
// Unresolved failed batches and incomplete batches are never touched.
type RetentionMaintainer struct {
	store *Store
	cfg   RetentionMaintainerConfig
}

// NewRetentionMaintainer creates a maintainer with defaults applied.
func NewRetentionMaintainer(db *sql.DB, cfg RetentionMaintainerConfig) (*RetentionMaintainer, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if cfg.Retention <= 0 {
		return nil, ErrRetentionInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = batchoutbox.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = batchoutbox.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultRetentionEvery
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultRetentionLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrRetentionLimitInvalid
	}

	store, err := NewStore(db, WithTablePrefix(cfg.TablePrefix))
	if err != nil {
		return nil, err
	}
	cfg.TablePrefix = store.cfg.TablePrefix
	if cfg.LockName == "" {
		cfg.LockName = defaultRetentionLockPrefix + cfg.TablePrefix
	}

	return &RetentionMaintainer{store: store, cfg: cfg}, nil
}

// Purge removes committed batches (and optionally overridden failed batches) older than opts.Before.
func (s *Store) Purge(ctx context.Context, opts RetentionOptions) (RetentionResult, error) {
	if opts.Before.IsZero() {
		return RetentionResult{}, ErrRetentionBeforeRequired
	}
	limit := opts.Limit
	if limit == 0 {
		limit = defaultRetentionLimit
	}
	if limit < 0 {
		return RetentionResult{}, ErrRetentionLimitInvalid
	}

	var result RetentionResult
	committed, items, err := s.purgeWhere(ctx, "status = 'committed' AND committed_at <= ?", opts.Before, limit)
	if err != nil {
		return result, err
	}
	result.Committed = committed
	result.Items += items

	remaining := limit - int(committed)
	if opts.IncludeOverridden && remaining > 0 {
		overridden, items, err := s.purgeWhere(ctx, "status = 'failed' AND overridden_at IS NOT NULL AND overridden_at <= ?", opts.Before, remaining)
		if err != nil {
			return result, err
		}
		result.Overridden = overridden
		result.Items += items
	}

	return result, nil
}

// purgeWhere deletes up to limit matching batches and their items in one transaction.
func (s *Store) purgeWhere(ctx context.Context, cond string, before time.Time, limit int) (int64, int64, error) {
	var batches, items int64
	err := s.withTx(ctx, batchoutbox.ErrTransientStore, func(tx *sql.Tx) error {
		// #nosec G201 -- table names are sanitized and cond is a package constant.
		selectIDs := fmt.Sprintf("SELECT id FROM %s WHERE %s ORDER BY batch_sequence LIMIT ? FOR UPDATE", s.names.batches, cond)
		rows, err := tx.QueryContext(ctx, selectIDs, before.UTC(), limit)
		if err != nil {
			return fmt.Errorf("batchoutbox mysql: retention select failed: %w", err)
		}

		var ids []any
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()

				return fmt.Errorf("batchoutbox mysql: retention scan failed: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("batchoutbox mysql: retention rows failed: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		in := makePlaceholders(len(ids))
		res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE batch_id IN (%s)", s.names.items, in), ids...)
		if err != nil {
			return fmt.Errorf("batchoutbox mysql: retention delete items failed: %w", err)
		}
		if items, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("batchoutbox mysql: retention rows failed: %w", err)
		}

		res, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", s.names.batches, in), ids...)
		if err != nil {
			return fmt.Errorf("batchoutbox mysql: retention delete batches failed: %w", err)
		}
		if batches, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("batchoutbox mysql: retention rows failed: %w", err)
		}

		return nil
	})

	return batches, items, err
}

// Run periodically purges finished batches until the context is canceled.
func (m *RetentionMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	if _, err := m.Ensure(ctx); err != nil {
		m.cfg.Logger.Warn("batchoutbox retention failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Ensure(ctx); err != nil {
				m.cfg.Logger.Warn("batchoutbox retention failed", "err", err)
			}
		}
	}
}

// Ensure executes a single retention pass under an advisory lock.
func (m *RetentionMaintainer) Ensure(ctx context.Context) (RetentionResult, error) {
	conn, err := m.store.db.Conn(ctx)
	if err != nil {
		return RetentionResult{}, fmt.Errorf("batchoutbox mysql: retention conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := m.tryLock(ctx, conn)
	if err != nil {
		return RetentionResult{}, err
	}
	if !locked {
		m.cfg.Logger.Debug("batchoutbox retention lock held by another session")

		return RetentionResult{}, nil
	}
	defer m.releaseLock(ctx, conn)

	before := m.cfg.Clock.Now().Add(-m.cfg.Retention)
	result, err := m.store.Purge(ctx, RetentionOptions{
		Before:            before,
		Limit:             m.cfg.Limit,
		IncludeOverridden: m.cfg.IncludeOverridden,
	})
	if err != nil {
		return result, err
	}
	if result.Committed+result.Overridden > 0 {
		m.cfg.Logger.Info("batchoutbox retention purged batches",
			"committed", result.Committed,
			"overridden", result.Overridden,
			"items", result.Items,
		)
	}

	return result, nil
}

func (m *RetentionMaintainer) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("batchoutbox mysql: acquire retention lock failed: %w", err)
	}
	if !got.Valid || got.Int64 == 0 {
		return false, nil
	}

	return true, nil
}

func (m *RetentionMaintainer) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.cfg.LockName).Scan(&released); err != nil {
		m.cfg.Logger.Warn("batchoutbox retention release lock failed", "err", err)
	}
}
