package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/velmie/batchoutbox"
)

// Executor allows creating a batch within an existing transaction.
// It must be bound to a single connection, such as *sql.Tx or *sql.Conn.
type Executor interface {
	// ExecContext executes a statement with the provided context.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	// QueryRowContext runs a query expected to return at most one row.
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store implements the batch outbox on MySQL 8.0+.
//
// Batch sequences come from a counter row incremented with LAST_INSERT_ID inside the ingest
// transaction. Publisher writes lock the batch row with SELECT ... FOR UPDATE and verify the
// lease fence before changing anything.
type Store struct {
	db      *sql.DB
	cfg     Config
	names   tableNames
	queries queries
}

var (
	_ batchoutbox.Store             = (*Store)(nil)
	_ batchoutbox.SequenceAllocator = (*Store)(nil)
	_ batchoutbox.PendingCounter    = (*Store)(nil)
)

// NewStore constructs a MySQL store with validated configuration.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	names, err := newTableNames(cfg.TablePrefix)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:      db,
		cfg:     cfg,
		names:   names,
		queries: newQueries(names),
	}, nil
}

// MustNewStore constructs a MySQL store or panics on error.
func MustNewStore(db *sql.DB, opts ...Option) *Store {
	store, err := NewStore(db, opts...)
	if err != nil {
		panic(err)
	}

	return store
}

// AllocateNext increments counter and returns its new value.
func (s *Store) AllocateNext(ctx context.Context, counter string) (int64, error) {
	var value int64
	err := s.withTx(ctx, batchoutbox.ErrAllocationConflict, func(tx *sql.Tx) error {
		var err error
		value, err = s.allocate(ctx, tx, counter)

		return err
	})

	return value, err
}

func (s *Store) allocate(ctx context.Context, exec Executor, counter string) (int64, error) {
	if _, err := exec.ExecContext(ctx, s.queries.allocate, counter); err != nil {
		return 0, fmt.Errorf("batchoutbox mysql: allocate %s failed: %w", counter, err)
	}

	var value int64
	if err := exec.QueryRowContext(ctx, s.queries.lastInsertID).Scan(&value); err != nil {
		return 0, fmt.Errorf("batchoutbox mysql: read %s failed: %w", counter, err)
	}

	return value, nil
}

// CreateBatch writes the draft in its own transaction.
func (s *Store) CreateBatch(ctx context.Context, draft batchoutbox.BatchDraft) (batchoutbox.Batch, error) {
	var batch batchoutbox.Batch
	err := s.withTx(ctx, batchoutbox.ErrAllocationConflict, func(tx *sql.Tx) error {
		var err error
		batch, err = s.CreateBatchTx(ctx, tx, draft)

		return err
	})

	return batch, err
}

// CreateBatchTx writes the draft using exec, typically a transaction that also carries the
// caller's business writes. Nothing is visible until the caller commits.
func (s *Store) CreateBatchTx(ctx context.Context, exec Executor, draft batchoutbox.BatchDraft) (batchoutbox.Batch, error) {
	if exec == nil {
		return batchoutbox.Batch{}, ErrExecutorRequired
	}
	if err := draft.Validate(); err != nil {
		return batchoutbox.Batch{}, err
	}

	counts, err := json.Marshal(draft.VendorCounts)
	if err != nil {
		return batchoutbox.Batch{}, fmt.Errorf("batchoutbox mysql: encode vendor counts failed: %w", err)
	}

	sequence, err := s.allocate(ctx, exec, batchoutbox.BatchSequenceCounter)
	if err != nil {
		return batchoutbox.Batch{}, err
	}
	header := draft.Header(sequence)

	if _, err := exec.ExecContext(
		ctx,
		s.queries.insertBatch,
		header.ID,
		header.Sequence,
		header.CreatedAt.UTC(),
		header.TotalItems,
		string(counts),
		header.Status,
	); err != nil {
		if isDuplicate(err) {
			return batchoutbox.Batch{}, fmt.Errorf("%w: %s", batchoutbox.ErrDuplicateBatch, header.ID)
		}

		return batchoutbox.Batch{}, fmt.Errorf("batchoutbox mysql: insert batch failed: %w", err)
	}

	args := make([]any, 0, len(draft.Items)*itemInsertColumns)
	for _, item := range draft.Items {
		args = append(args,
			item.ID,
			header.ID,
			item.Sequence,
			item.RequestID,
			item.VendorName,
			string(item.Payload),
			batchoutbox.ItemPending,
			item.CreatedAt.UTC(),
		)
	}
	if _, err := exec.ExecContext(ctx, s.queries.insertItems(len(draft.Items)), args...); err != nil {
		return batchoutbox.Batch{}, fmt.Errorf("batchoutbox mysql: insert items failed: %w", err)
	}

	return header, nil
}

// NextBatch returns the first batch in sequence order that holds back later batches.
func (s *Store) NextBatch(ctx context.Context, opts batchoutbox.SelectOptions) (batchoutbox.Batch, error) {
	query := s.queries.nextBatch
	if opts.IncludeFailed {
		query = s.queries.nextBatchFailed
	}

	batch, err := scanBatch(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return batchoutbox.Batch{}, batchoutbox.ErrNoBatches
	}
	if err != nil {
		return batchoutbox.Batch{}, classify(fmt.Errorf("batchoutbox mysql: select next batch failed: %w", err), batchoutbox.ErrTransientStore)
	}

	return batch, nil
}

// ClaimBatch applies the claim rules to the locked batch row and issues a new lease.
func (s *Store) ClaimBatch(ctx context.Context, req batchoutbox.ClaimRequest) (batchoutbox.Lease, error) {
	var lease batchoutbox.Lease
	err := s.withTx(ctx, batchoutbox.ErrTransientStore, func(tx *sql.Tx) error {
		batch, err := s.lockBatch(ctx, tx, req.BatchID)
		if err != nil {
			return err
		}
		if err := batchoutbox.CheckClaim(batch, req.Owner, req.Now); err != nil {
			return err
		}

		claimed, next := batchoutbox.Claim(batch, req)
		if err := s.saveBatch(ctx, tx, claimed); err != nil {
			return err
		}
		lease = next

		return nil
	})

	return lease, err
}

// RenewLease extends a lease still valid at now.
func (s *Store) RenewLease(ctx context.Context, lease batchoutbox.Lease, now time.Time, ttl time.Duration) (batchoutbox.Lease, error) {
	renewed := lease
	err := s.withTx(ctx, batchoutbox.ErrTransientStore, func(tx *sql.Tx) error {
		batch, err := s.fenced(ctx, tx, lease, now)
		if err != nil {
			return err
		}

		expires := now.Add(ttl)
		batch.LeaseExpiresAt = &expires
		if err := s.saveBatch(ctx, tx, batch); err != nil {
			return err
		}
		renewed.ExpiresAt = expires

		return nil
	})
	if err != nil {
		return lease, err
	}

	return renewed, nil
}

// ReleaseLease clears the lease when it is still the current one.
func (s *Store) ReleaseLease(ctx context.Context, lease batchoutbox.Lease) error {
	res, err := s.db.ExecContext(ctx, s.queries.releaseLease, lease.BatchID, lease.Owner, lease.Token)
	if err != nil {
		return classify(fmt.Errorf("batchoutbox mysql: release lease failed: %w", err), batchoutbox.ErrTransientStore)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("batchoutbox mysql: release lease rows failed: %w", err)
	}
	if affected == 0 {
		return batchoutbox.ErrLeaseLost
	}

	return nil
}

// PendingItems returns the still pending items of a batch in item sequence order.
func (s *Store) PendingItems(ctx context.Context, batchID string) ([]batchoutbox.Item, error) {
	return s.queryItems(ctx, s.queries.pendingItems, batchID)
}

// MarkItemSent records a delivery. Recording an already sent item again is a no-op.
func (s *Store) MarkItemSent(ctx context.Context, lease batchoutbox.Lease, delivery batchoutbox.Delivery) error {
	return s.withTx(ctx, batchoutbox.ErrTransientStore, func(tx *sql.Tx) error {
		if _, err := s.fenced(ctx, tx, lease, delivery.SentAt); err != nil {
			return err
		}

		res, err := tx.ExecContext(
			ctx,
			s.queries.markSent,
			delivery.PublishID,
			delivery.Attempts,
			delivery.SentAt.UTC(),
			delivery.ItemID,
			lease.BatchID,
		)
		if err != nil {
			return fmt.Errorf("batchoutbox mysql: mark sent failed: %w", err)
		}

		return s.checkItemUpdate(ctx, tx, res, lease.BatchID, delivery.ItemID, batchoutbox.ItemSent)
	})
}

// MarkItemFailed records an item that exhausted its attempts.
func (s *Store) MarkItemFailed(ctx context.Context, lease batchoutbox.Lease, failure batchoutbox.ItemFailure) error {
	return s.withTx(ctx, batchoutbox.ErrTransientStore, func(tx *sql.Tx) error {
		if _, err := s.fenced(ctx, tx, lease, failure.FailedAt); err != nil {
			return err
		}

		res, err := tx.ExecContext(
			ctx,
			s.queries.markFailed,
			failure.Attempts,
			failure.Err,
			failure.FailedAt.UTC(),
			failure.ItemID,
			lease.BatchID,
		)
		if err != nil {
			return fmt.Errorf("batchoutbox mysql: mark failed failed: %w", err)
		}

		return s.checkItemUpdate(ctx, tx, res, lease.BatchID, failure.ItemID, batchoutbox.ItemFailed)
	})
}

// checkItemUpdate explains an item update that changed no row.
func (s *Store) checkItemUpdate(ctx context.Context, tx *sql.Tx, res sql.Result, batchID, itemID string, target batchoutbox.ItemStatus) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("batchoutbox mysql: item update rows failed: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var status batchoutbox.ItemStatus
	err = tx.QueryRowContext(ctx, s.queries.itemStatus, itemID, batchID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", batchoutbox.ErrItemNotFound, itemID)
	}
	if err != nil {
		return fmt.Errorf("batchoutbox mysql: item status failed: %w", err)
	}
	if status == target {
		return nil
	}

	return fmt.Errorf("%w: item %s is %s", batchoutbox.ErrInvalidTransition, itemID, status)
}

// FinalizeBatch promotes the batch to committed or failed once no item is pending.
func (s *Store) FinalizeBatch(ctx context.Context, lease batchoutbox.Lease, now time.Time) (batchoutbox.Batch, error) {
	var final batchoutbox.Batch
	err := s.withTx(ctx, batchoutbox.ErrTransientStore, func(tx *sql.Tx) error {
		batch, err := s.fenced(ctx, tx, lease, now)
		if err != nil {
			return err
		}

		var pending, failed int
		if err := tx.QueryRowContext(ctx, s.queries.countItems, batch.ID).Scan(&pending, &failed); err != nil {
			return fmt.Errorf("batchoutbox mysql: count items failed: %w", err)
		}
		status, err := batchoutbox.FinalStatus(pending, failed)
		if err != nil {
			return err
		}

		final = batchoutbox.Finish(batch, status, failed, now)

		return s.saveBatch(ctx, tx, final)
	})

	return final, err
}

// ExpiredLeases lists processing batches without a valid lease at now.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time) ([]batchoutbox.Batch, error) {
	return s.queryBatches(ctx, s.queries.expiredLeases, now.UTC())
}

// OverrideBatch marks a failed batch as resolved by an operator.
func (s *Store) OverrideBatch(ctx context.Context, batchID, reason string, now time.Time) (batchoutbox.Batch, error) {
	var batch batchoutbox.Batch
	err := s.withTx(ctx, batchoutbox.ErrTransientStore, func(tx *sql.Tx) error {
		var err error
		batch, err = s.lockBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if err := batchoutbox.CheckResolvable(batch); err != nil {
			return err
		}

		at := now
		batch.OverriddenAt = &at
		batch.OverrideReason = reason

		return s.saveBatch(ctx, tx, batch)
	})

	return batch, err
}

// RetryBatch moves a failed batch and its failed items back to pending.
func (s *Store) RetryBatch(ctx context.Context, batchID string, _ time.Time) (batchoutbox.Batch, error) {
	var batch batchoutbox.Batch
	err := s.withTx(ctx, batchoutbox.ErrTransientStore, func(tx *sql.Tx) error {
		current, err := s.lockBatch(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if err := batchoutbox.CheckResolvable(current); err != nil {
			return err
		}

		batch = batchoutbox.Reopen(current)
		if err := s.saveBatch(ctx, tx, batch); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.queries.reopenItems, batchID); err != nil {
			return fmt.Errorf("batchoutbox mysql: reopen items failed: %w", err)
		}

		return nil
	})

	return batch, err
}

// GetBatch returns a batch header.
func (s *Store) GetBatch(ctx context.Context, batchID string) (batchoutbox.Batch, error) {
	batch, err := scanBatch(s.db.QueryRowContext(ctx, s.queries.getBatch, batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return batchoutbox.Batch{}, batchoutbox.ErrBatchNotFound
	}
	if err != nil {
		return batchoutbox.Batch{}, classify(fmt.Errorf("batchoutbox mysql: get batch failed: %w", err), batchoutbox.ErrTransientStore)
	}

	return batch, nil
}

// ListBatches returns batches in sequence order.
func (s *Store) ListBatches(ctx context.Context, filter batchoutbox.BatchFilter) ([]batchoutbox.Batch, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = s.cfg.ListLimit
	}

	args := make([]any, 0, len(filter.Statuses)+2)
	args = append(args, filter.AfterSequence)
	for _, status := range filter.Statuses {
		args = append(args, status)
	}
	args = append(args, limit)

	return s.queryBatches(ctx, s.queries.listBatchesFiltered(len(filter.Statuses)), args...)
}

// ListItems returns every item of a batch in item sequence order.
func (s *Store) ListItems(ctx context.Context, batchID string) ([]batchoutbox.Item, error) {
	items, err := s.queryItems(ctx, s.queries.listItems, batchID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		if _, err := s.GetBatch(ctx, batchID); err != nil {
			return nil, err
		}
	}

	return items, nil
}

// PendingCount returns the number of batches not yet committed or failed.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, s.queries.countPending).Scan(&count); err != nil {
		return 0, classify(fmt.Errorf("batchoutbox mysql: pending count failed: %w", err), batchoutbox.ErrTransientStore)
	}

	return count, nil
}

func (s *Store) lockBatch(ctx context.Context, tx *sql.Tx, batchID string) (batchoutbox.Batch, error) {
	batch, err := scanBatch(tx.QueryRowContext(ctx, s.queries.lockBatch, batchID))
	if errors.Is(err, sql.ErrNoRows) {
		return batchoutbox.Batch{}, batchoutbox.ErrBatchNotFound
	}
	if err != nil {
		return batchoutbox.Batch{}, fmt.Errorf("batchoutbox mysql: lock batch failed: %w", err)
	}

	return batch, nil
}

func (s *Store) fenced(ctx context.Context, tx *sql.Tx, lease batchoutbox.Lease, now time.Time) (batchoutbox.Batch, error) {
	batch, err := s.lockBatch(ctx, tx, lease.BatchID)
	if err != nil {
		return batchoutbox.Batch{}, err
	}
	if err := batchoutbox.CheckFence(batch, lease, now); err != nil {
		return batchoutbox.Batch{}, err
	}

	return batch, nil
}

func (s *Store) saveBatch(ctx context.Context, tx *sql.Tx, batch batchoutbox.Batch) error {
	_, err := tx.ExecContext(
		ctx,
		s.queries.updateBatch,
		batch.Status,
		batch.ProcessingTimeMs,
		nullTime(batch.ProcessingStartedAt),
		nullTime(batch.CommittedAt),
		nullTime(batch.FailedAt),
		nullString(batch.LastError),
		nullString(batch.LeaseOwner),
		nullTime(batch.LeaseExpiresAt),
		batch.LeaseToken,
		nullTime(batch.OverriddenAt),
		nullString(batch.OverrideReason),
		batch.ID,
	)
	if err != nil {
		return fmt.Errorf("batchoutbox mysql: update batch failed: %w", err)
	}

	return nil
}

func (s *Store) queryBatches(ctx context.Context, query string, args ...any) ([]batchoutbox.Batch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("batchoutbox mysql: select batches failed: %w", err), batchoutbox.ErrTransientStore)
	}
	defer rows.Close()

	var batches []batchoutbox.Batch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("batchoutbox mysql: scan batch failed: %w", err)
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batchoutbox mysql: rows failed: %w", err)
	}

	return batches, nil
}

func (s *Store) queryItems(ctx context.Context, query string, batchID string) ([]batchoutbox.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, classify(fmt.Errorf("batchoutbox mysql: select items failed: %w", err), batchoutbox.ErrTransientStore)
	}
	defer rows.Close()

	var items []batchoutbox.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("batchoutbox mysql: scan item failed: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batchoutbox mysql: rows failed: %w", err)
	}

	return items, nil
}

func scanBatch(row rowScanner) (batchoutbox.Batch, error) {
	var (
		batch          batchoutbox.Batch
		counts         []byte
		startedAt      sql.NullTime
		committedAt    sql.NullTime
		failedAt       sql.NullTime
		lastError      sql.NullString
		leaseOwner     sql.NullString
		leaseExpiresAt sql.NullTime
		overriddenAt   sql.NullTime
		overrideReason sql.NullString
	)

	if err := row.Scan(
		&batch.ID,
		&batch.Sequence,
		&batch.CreatedAt,
		&batch.TotalItems,
		&counts,
		&batch.Status,
		&batch.ProcessingTimeMs,
		&startedAt,
		&committedAt,
		&failedAt,
		&lastError,
		&leaseOwner,
		&leaseExpiresAt,
		&batch.LeaseToken,
		&overriddenAt,
		&overrideReason,
	); err != nil {
		return batchoutbox.Batch{}, err
	}

	if err := json.Unmarshal(counts, &batch.VendorCounts); err != nil {
		return batchoutbox.Batch{}, fmt.Errorf("batchoutbox mysql: decode vendor counts failed: %w", err)
	}
	batch.ProcessingStartedAt = timePtr(startedAt)
	batch.CommittedAt = timePtr(committedAt)
	batch.FailedAt = timePtr(failedAt)
	batch.LastError = lastError.String
	batch.LeaseOwner = leaseOwner.String
	batch.LeaseExpiresAt = timePtr(leaseExpiresAt)
	batch.OverriddenAt = timePtr(overriddenAt)
	batch.OverrideReason = overrideReason.String

	return batch, nil
}

func scanItem(row rowScanner) (batchoutbox.Item, error) {
	var (
		item      batchoutbox.Item
		payload   []byte
		publishID sql.NullString
		lastError sql.NullString
		sentAt    sql.NullTime
		failedAt  sql.NullTime
	)

	if err := row.Scan(
		&item.ID,
		&item.BatchID,
		&item.Sequence,
		&item.RequestID,
		&item.VendorName,
		&payload,
		&item.Sent,
		&item.Status,
		&publishID,
		&item.Attempts,
		&lastError,
		&item.CreatedAt,
		&sentAt,
		&failedAt,
	); err != nil {
		return batchoutbox.Item{}, err
	}

	item.Payload = json.RawMessage(payload)
	item.PublishID = publishID.String
	item.LastError = lastError.String
	item.SentAt = timePtr(sentAt)
	item.FailedAt = timePtr(failedAt)

	return item, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}

	return s
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()

	return &v
}
