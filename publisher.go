package batchoutbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"
)

const maxErrorLen = 1024

// Outcome summarizes one publisher cycle.
type Outcome int

const (
	// OutcomeIdle means no incomplete batch exists.
	OutcomeIdle Outcome = iota
	// OutcomeBlocked means an unresolved failed batch heads the queue.
	OutcomeBlocked
	// OutcomeContended means another publisher holds the head batch.
	OutcomeContended
	// OutcomeCommitted means the head batch was drained and committed.
	OutcomeCommitted
	// OutcomeFailed means the head batch was drained and at least one item failed.
	OutcomeFailed
	// OutcomeAborted means the drain stopped early; the batch stays processing.
	OutcomeAborted
)

// String returns the lower-case outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeContended:
		return "contended"
	case OutcomeCommitted:
		return "committed"
	case OutcomeFailed:
		return "failed"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Publisher drains batches strictly in batch sequence order and their items strictly in item
// sequence order, one batch at a time.
type Publisher struct {
	store  PublisherStore
	bus    Bus
	leases *LeaseManager
	cfg    PublisherConfig

	pendingMu sync.Mutex
	pendingAt time.Time

	blockedMu sync.Mutex
	blockedID string
	blockedAt time.Time
}

type drainResult struct {
	lease    Lease
	sent     int
	failures []ItemFailure
}

// NewPublisher constructs a Publisher with defaults and optional settings.
func NewPublisher(store PublisherStore, bus Bus, opts ...PublisherOption) *Publisher {
	if store == nil {
		panic("batchoutbox: nil PublisherStore")
	}
	if bus == nil {
		panic("batchoutbox: nil Bus")
	}

	var cfg PublisherConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Publisher{
		store:  store,
		bus:    bus,
		leases: NewLeaseManager(store, cfg.Owner, cfg.LeaseTTL, cfg.LeaseRenewInterval, cfg.Clock),
		cfg:    cfg,
	}
}

// Owner returns the lease owner identity of this publisher.
func (p *Publisher) Owner() string {
	return p.cfg.Owner
}

// Recover lists processing batches left behind by a crashed or stopped publisher.
// They are re-claimed by the regular selection once they head the queue; the drain then resumes
// from the first unsent item. An error here means the store is unreachable.
func (p *Publisher) Recover(ctx context.Context) ([]Batch, error) {
	stale, err := p.store.ExpiredLeases(ctx, p.cfg.Clock.Now())
	if err != nil {
		return nil, fmt.Errorf("batchoutbox recovery scan failed: %w", err)
	}
	for _, batch := range stale {
		p.cfg.Logger.Info("batchoutbox recovering batch",
			"batch_id", batch.ID,
			"batch_sequence", batch.Sequence,
			"previous_owner", batch.LeaseOwner,
		)
	}

	return stale, nil
}

// Run recovers stale batches and then drains batches until ctx is canceled.
// Only a failing recovery scan or a panic stops it early; cycle errors are logged and retried
// after the poll interval.
func (p *Publisher) Run(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.cfg.Logger.Error("batchoutbox publisher panic", "panic", rec)
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
		}
	}()

	if _, err := p.Recover(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return err
	}

	p.cfg.Logger.Info("batchoutbox publisher started", "owner", p.cfg.Owner)
	defer p.cfg.Logger.Info("batchoutbox publisher stopped", "owner", p.cfg.Owner)

	for {
		if ctx.Err() != nil {
			return nil
		}

		outcome, err := p.ProcessOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.cfg.Logger.Warn("batchoutbox publisher cycle failed", "outcome", outcome.String(), "err", err)
		}

		if err == nil && (outcome == OutcomeCommitted || outcome == OutcomeFailed) {
			continue
		}
		if waitErr := p.wait(ctx); waitErr != nil {
			return nil
		}
	}
}

// ProcessOnce runs a single select, claim, drain and finalize cycle.
func (p *Publisher) ProcessOnce(ctx context.Context) (Outcome, error) {
	batch, err := p.store.NextBatch(ctx, SelectOptions{IncludeFailed: !p.cfg.ContinueAfterFailure})
	if err != nil {
		if errors.Is(err, ErrNoBatches) {
			p.clearBlocked()
			p.maybeRecordPending(ctx)

			return OutcomeIdle, nil
		}

		return OutcomeIdle, fmt.Errorf("batchoutbox select failed: %w", err)
	}

	if batch.Status == BatchFailed {
		p.reportBlocked(batch)
		p.maybeRecordPending(ctx)

		return OutcomeBlocked, nil
	}
	p.clearBlocked()

	lease, err := p.leases.Acquire(ctx, batch.ID)
	if err != nil {
		if errors.Is(err, ErrBatchClaimed) {
			p.cfg.Logger.Debug("batchoutbox batch held by another publisher", "batch_id", batch.ID, "owner", batch.LeaseOwner)
			p.maybeRecordPending(ctx)

			return OutcomeContended, nil
		}

		return OutcomeIdle, fmt.Errorf("batchoutbox claim failed: %w", err)
	}

	return p.processBatch(ctx, batch, lease)
}

func (p *Publisher) processBatch(ctx context.Context, batch Batch, lease Lease) (Outcome, error) {
	start := p.cfg.Clock.Now()
	defer func() {
		p.cfg.Metrics.ObserveBatchDuration(p.cfg.Clock.Now().Sub(start))
	}()

	p.cfg.Logger.Debug("batchoutbox batch claimed", "batch_id", batch.ID, "batch_sequence", batch.Sequence, "token", lease.Token)

	result, err := p.drain(ctx, batch, lease)
	if err != nil {
		return OutcomeAborted, p.abort(ctx, batch, result.lease, err)
	}

	persistCtx, cancel := p.persistCtx(ctx)
	final, err := p.store.FinalizeBatch(persistCtx, result.lease, p.cfg.Clock.Now())
	cancel()
	if err != nil {
		return OutcomeAborted, p.abort(ctx, batch, result.lease, fmt.Errorf("batchoutbox finalize failed: %w", err))
	}
	p.cfg.Metrics.AddBatchesFinalized(final.Status, 1)
	p.maybeRecordPending(ctx)

	if final.Status == BatchFailed {
		p.cfg.Logger.Error("batchoutbox batch failed",
			"batch_id", final.ID,
			"batch_sequence", final.Sequence,
			"sent_items", result.sent,
			"failed_items", len(result.failures),
			"reason", final.LastError,
		)
		if p.cfg.OnBatchFailed != nil {
			p.cfg.OnBatchFailed(ctx, final, result.failures)
		}

		return OutcomeFailed, nil
	}

	p.cfg.Logger.Info("batchoutbox batch committed",
		"batch_id", final.ID,
		"batch_sequence", final.Sequence,
		"items", final.TotalItems,
		"processing_ms", final.ProcessingTimeMs,
	)

	return OutcomeCommitted, nil
}

func (p *Publisher) drain(ctx context.Context, batch Batch, lease Lease) (drainResult, error) {
	result := drainResult{lease: lease}

	items, err := p.store.PendingItems(ctx, batch.ID)
	if err != nil {
		return result, fmt.Errorf("batchoutbox load items failed: %w", err)
	}

	for i := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		next, failure, err := p.deliver(ctx, batch, result.lease, items[i])
		result.lease = next
		if err != nil {
			return result, err
		}
		if failure != nil {
			result.failures = append(result.failures, *failure)

			continue
		}
		result.sent++
	}

	return result, nil
}

// deliver publishes one item with bounded retries and records the outcome.
// A nil failure and nil error mean the item was sent.
func (p *Publisher) deliver(ctx context.Context, batch Batch, lease Lease, item Item) (Lease, *ItemFailure, error) {
	msg := NewMessage(batch, item)

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		var err error
		lease, err = p.leases.Keepalive(ctx, lease)
		if err != nil {
			return lease, nil, err
		}

		attempts = attempt
		publishID, err := p.publish(ctx, msg)
		if err == nil {
			return lease, nil, p.markSent(ctx, lease, item, publishID, attempt)
		}
		if ctx.Err() != nil {
			return lease, nil, ctx.Err()
		}

		lastErr = err
		p.cfg.Metrics.AddPublishErrors(1)
		if p.cfg.ErrorHandler != nil {
			p.cfg.ErrorHandler(ctx, item, attempt, err)
		}
		if p.cfg.FailureClassifier(ctx, item, err) == FailurePermanent || attempt == p.cfg.MaxAttempts {
			break
		}

		p.cfg.Metrics.AddRetries(1)
		delay := p.cfg.Backoff.Delay(attempt)
		p.cfg.Logger.Debug("batchoutbox publish retry",
			"batch_id", batch.ID,
			"item_id", item.ID,
			"item_sequence", item.Sequence,
			"attempt", attempt,
			"delay", delay,
			"err", err,
		)
		if err := sleep(ctx, delay); err != nil {
			return lease, nil, err
		}
	}

	failure := ItemFailure{
		ItemID:   item.ID,
		Err:      truncateError(lastErr),
		Attempts: item.Attempts + attempts,
		FailedAt: p.cfg.Clock.Now(),
	}
	persistCtx, cancel := p.persistCtx(ctx)
	defer cancel()
	if err := p.store.MarkItemFailed(persistCtx, lease, failure); err != nil {
		return lease, nil, fmt.Errorf("batchoutbox mark failed: %w", err)
	}
	p.cfg.Metrics.AddItemsFailed(1)
	p.cfg.Logger.Warn("batchoutbox item failed",
		"batch_id", batch.ID,
		"item_id", item.ID,
		"item_sequence", item.Sequence,
		"attempts", failure.Attempts,
		"err", lastErr,
	)

	return lease, &failure, nil
}

func (p *Publisher) publish(ctx context.Context, msg Message) (string, error) {
	publishCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	return p.bus.Publish(publishCtx, msg)
}

func (p *Publisher) markSent(ctx context.Context, lease Lease, item Item, publishID string, attempt int) error {
	persistCtx, cancel := p.persistCtx(ctx)
	defer cancel()

	err := p.store.MarkItemSent(persistCtx, lease, Delivery{
		ItemID:    item.ID,
		PublishID: publishID,
		SentAt:    p.cfg.Clock.Now(),
		Attempts:  item.Attempts + attempt,
	})
	if err != nil {
		return fmt.Errorf("batchoutbox mark sent failed: %w", err)
	}
	p.cfg.Metrics.AddPublished(1)

	return nil
}

// persistCtx keeps writes that record work already done alive through shutdown.
func (p *Publisher) persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}

	return context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
}

// abort ends a drain early. A lost lease means another owner may be writing, so nothing more is
// written; otherwise the lease is released so the batch can be re-claimed right away.
func (p *Publisher) abort(ctx context.Context, batch Batch, lease Lease, cause error) error {
	if errors.Is(cause, ErrLeaseLost) {
		p.cfg.Metrics.AddLeaseLost(1)
		p.cfg.Logger.Warn("batchoutbox lease lost, abandoning batch", "batch_id", batch.ID, "token", lease.Token)

		return cause
	}

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()
	if err := p.leases.Release(releaseCtx, lease); err != nil {
		p.cfg.Logger.Warn("batchoutbox lease release failed", "batch_id", batch.ID, "err", err)
	}
	if errors.Is(cause, context.Canceled) {
		p.cfg.Logger.Info("batchoutbox drain interrupted", "batch_id", batch.ID)
	}

	return cause
}

func (p *Publisher) wait(ctx context.Context) error {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()

	var wake <-chan struct{}
	if p.cfg.Wakeups != nil {
		wake = p.cfg.Wakeups.Wakeups()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case <-wake:
		return nil
	}
}

func (p *Publisher) reportBlocked(batch Batch) {
	now := p.cfg.Clock.Now()

	p.blockedMu.Lock()
	alert := p.blockedID != batch.ID || now.Sub(p.blockedAt) >= p.cfg.BlockedAlertInterval
	if alert {
		p.blockedID = batch.ID
		p.blockedAt = now
	}
	p.blockedMu.Unlock()

	p.cfg.Metrics.SetBlocked(true)
	if alert {
		p.cfg.Logger.Error("batchoutbox pipeline blocked by failed batch",
			"batch_id", batch.ID,
			"batch_sequence", batch.Sequence,
			"reason", batch.LastError,
		)
	}
}

func (p *Publisher) clearBlocked() {
	p.blockedMu.Lock()
	wasBlocked := p.blockedID != ""
	p.blockedID = ""
	p.blockedAt = time.Time{}
	p.blockedMu.Unlock()

	if wasBlocked {
		p.cfg.Metrics.SetBlocked(false)
	}
}

func (p *Publisher) maybeRecordPending(ctx context.Context) {
	counter, ok := p.store.(PendingCounter)
	if !ok {
		return
	}
	if p.cfg.PendingInterval <= 0 {
		return
	}
	if ctx.Err() != nil {
		return
	}

	now := p.cfg.Clock.Now()
	p.pendingMu.Lock()
	nextAllowed := p.pendingAt.Add(p.cfg.PendingInterval)
	if !p.pendingAt.IsZero() && now.Before(nextAllowed) {
		p.pendingMu.Unlock()

		return
	}
	p.pendingAt = now
	p.pendingMu.Unlock()

	count, err := counter.PendingCount(ctx)
	if err != nil {
		p.cfg.Logger.Warn("batchoutbox pending count failed", "err", err)

		return
	}

	p.cfg.Metrics.SetPending(count)
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	if utf8.RuneCountInString(msg) <= maxErrorLen {
		return msg
	}

	return string([]rune(msg)[:maxErrorLen])
}
