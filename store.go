package batchoutbox

import (
	"context"
	"fmt"
	"time"
)

// IngestStore persists new batches.
type IngestStore interface {
	// CreateBatch allocates the next batch sequence and writes the header and all items in one
	// atomic operation. On error nothing of the draft is visible.
	CreateBatch(ctx context.Context, draft BatchDraft) (Batch, error)
}

// SelectOptions controls which batch heads the selection order.
type SelectOptions struct {
	// IncludeFailed keeps failed batches that were not overridden in the selection path.
	IncludeFailed bool
}

// ClaimRequest asks for a lease on a batch.
type ClaimRequest struct {
	BatchID string
	Owner   string
	Now     time.Time
	TTL     time.Duration
}

// Lease is a fenced, time-bounded claim on a batch.
type Lease struct {
	BatchID    string
	Owner      string
	Token      int64
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease is no longer valid at now.
func (l Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// Delivery records a confirmed publish.
type Delivery struct {
	ItemID    string
	PublishID string
	SentAt    time.Time
	Attempts  int
}

// ItemFailure records an item that exhausted its delivery attempts.
type ItemFailure struct {
	ItemID   string
	Err      string
	Attempts int
	FailedAt time.Time
}

// LeaseStore is the compare-and-swap lease surface of a store.
type LeaseStore interface {
	// ClaimBatch moves a pending batch to processing, or re-claims a processing batch whose lease
	// is absent, expired or held by the same owner. It returns ErrBatchClaimed when another owner
	// holds a valid lease and ErrInvalidTransition for terminal batches.
	ClaimBatch(ctx context.Context, req ClaimRequest) (Lease, error)
	// RenewLease extends a lease that is still valid at now.
	RenewLease(ctx context.Context, lease Lease, now time.Time, ttl time.Duration) (Lease, error)
	// ReleaseLease drops the lease without changing the batch status.
	ReleaseLease(ctx context.Context, lease Lease) error
}

// PublisherStore is everything the publisher reads and writes.
// All writes taking a Lease are fenced and fail with ErrLeaseLost when the lease
// owner or token no longer match or the lease expired before the write time.
type PublisherStore interface {
	LeaseStore

	// NextBatch returns the incomplete batch with the smallest sequence or ErrNoBatches.
	NextBatch(ctx context.Context, opts SelectOptions) (Batch, error)
	// PendingItems returns the batch items still pending, ordered by item sequence.
	PendingItems(ctx context.Context, batchID string) ([]Item, error)
	// MarkItemSent records a confirmed delivery.
	MarkItemSent(ctx context.Context, lease Lease, delivery Delivery) error
	// MarkItemFailed records an item that exhausted its attempts.
	MarkItemFailed(ctx context.Context, lease Lease, failure ItemFailure) error
	// FinalizeBatch promotes the batch to committed or failed from its item states and clears the lease.
	FinalizeBatch(ctx context.Context, lease Lease, now time.Time) (Batch, error)
	// ExpiredLeases lists processing batches whose lease is absent or expired at now, in sequence order.
	ExpiredLeases(ctx context.Context, now time.Time) ([]Batch, error)
}

// OperatorStore applies operator overrides to failed batches.
type OperatorStore interface {
	// OverrideBatch marks a failed batch as resolved by an operator; the status stays failed.
	OverrideBatch(ctx context.Context, batchID, reason string, now time.Time) (Batch, error)
	// RetryBatch moves a failed batch and its failed items back to pending.
	RetryBatch(ctx context.Context, batchID string, now time.Time) (Batch, error)
}

// BatchFilter narrows ListBatches.
type BatchFilter struct {
	Statuses      []BatchStatus
	AfterSequence int64
	Limit         int
}

// Reader provides read-only projections for monitoring.
type Reader interface {
	GetBatch(ctx context.Context, batchID string) (Batch, error)
	// ListBatches returns batches in sequence order.
	ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error)
	// ListItems returns all items of a batch in item sequence order.
	ListItems(ctx context.Context, batchID string) ([]Item, error)
}

// PendingCounter provides the number of incomplete batches.
type PendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

// Store is the full outbox store contract.
type Store interface {
	IngestStore
	PublisherStore
	OperatorStore
	Reader
}

// CheckClaim applies the claim rules to the current state of a batch.
// Stores that read the row under a lock use it to keep the rules in one place.
func CheckClaim(batch Batch, owner string, now time.Time) error {
	switch batch.Status {
	case BatchPending:
		return nil
	case BatchProcessing:
		if batch.LeaseOwner == owner || !batch.LeaseHeld(now) {
			return nil
		}

		return ErrBatchClaimed
	default:
		return ErrInvalidTransition
	}
}

// CheckFence verifies that lease still owns batch at now.
func CheckFence(batch Batch, lease Lease, now time.Time) error {
	if batch.Status != BatchProcessing ||
		batch.LeaseOwner != lease.Owner ||
		batch.LeaseToken != lease.Token ||
		!batch.LeaseHeld(now) {
		return ErrLeaseLost
	}

	return nil
}

// FinalStatus decides the terminal status of a fully drained batch from its item counts.
func FinalStatus(pending, failed int) (BatchStatus, error) {
	if pending > 0 {
		return "", ErrBatchIncomplete
	}
	if failed > 0 {
		return BatchFailed, nil
	}

	return BatchCommitted, nil
}

// CheckResolvable reports whether an operator may skip or retry batch.
func CheckResolvable(batch Batch) error {
	if batch.Status != BatchFailed || batch.Overridden() {
		return ErrInvalidTransition
	}

	return nil
}

// Claim returns batch moved to processing under a new lease for req, and that lease.
// The token is incremented on every claim so writes from earlier holders are rejected.
func Claim(batch Batch, req ClaimRequest) (Batch, Lease) {
	expires := req.Now.Add(req.TTL)
	batch.Status = BatchProcessing
	batch.LeaseOwner = req.Owner
	batch.LeaseExpiresAt = &expires
	batch.LeaseToken++
	if batch.ProcessingStartedAt == nil {
		started := req.Now
		batch.ProcessingStartedAt = &started
	}

	return batch, Lease{
		BatchID:    batch.ID,
		Owner:      req.Owner,
		Token:      batch.LeaseToken,
		AcquiredAt: req.Now,
		ExpiresAt:  expires,
	}
}

// Finish returns batch moved to status at now with its lease cleared.
func Finish(batch Batch, status BatchStatus, failed int, now time.Time) Batch {
	at := now
	batch.Status = status
	batch.LeaseOwner = ""
	batch.LeaseExpiresAt = nil

	start := batch.CreatedAt
	if batch.ProcessingStartedAt != nil {
		start = *batch.ProcessingStartedAt
	}
	batch.ProcessingTimeMs = millisBetween(start, now)

	switch status {
	case BatchCommitted:
		batch.CommittedAt = &at
		batch.FailedAt = nil
		batch.LastError = ""
	case BatchFailed:
		batch.FailedAt = &at
		batch.LastError = fmt.Sprintf("%d of %d items failed", failed, batch.TotalItems)
	}

	return batch
}

// Reopen returns a failed batch moved back to pending for another drain.
func Reopen(batch Batch) Batch {
	batch.Status = BatchPending
	batch.FailedAt = nil
	batch.LeaseOwner = ""
	batch.LeaseExpiresAt = nil

	return batch
}
