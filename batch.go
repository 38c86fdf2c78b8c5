package batchoutbox

import (
	"encoding/json"
	"time"
)

// BatchStatus represents the lifecycle state of a batch.
type BatchStatus string

const (
	// BatchPending indicates the batch is waiting to be claimed by a publisher.
	BatchPending BatchStatus = "pending"
	// BatchProcessing indicates a publisher has claimed the batch and is draining it.
	BatchProcessing BatchStatus = "processing"
	// BatchCommitted indicates every item of the batch was delivered.
	BatchCommitted BatchStatus = "committed"
	// BatchFailed indicates every item reached a terminal state and at least one failed.
	BatchFailed BatchStatus = "failed"
)

// Valid reports whether s is a known batch status.
func (s BatchStatus) Valid() bool {
	switch s {
	case BatchPending, BatchProcessing, BatchCommitted, BatchFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further publisher transition is expected.
func (s BatchStatus) Terminal() bool {
	return s == BatchCommitted || s == BatchFailed
}

// ItemStatus represents the delivery state of a batch item.
type ItemStatus string

const (
	// ItemPending indicates the item has not been delivered yet.
	ItemPending ItemStatus = "pending"
	// ItemSent indicates the bus confirmed delivery.
	ItemSent ItemStatus = "sent"
	// ItemFailed indicates the item exhausted its delivery attempts.
	ItemFailed ItemStatus = "failed"
)

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	switch s {
	case ItemPending, ItemSent, ItemFailed:
		return true
	default:
		return false
	}
}

// Batch is the persisted header of an ingested batch.
type Batch struct {
	ID                  string
	Sequence            int64
	CreatedAt           time.Time
	TotalItems          int
	VendorCounts        map[string]int
	Status              BatchStatus
	ProcessingTimeMs    int64
	ProcessingStartedAt *time.Time
	CommittedAt         *time.Time
	FailedAt            *time.Time
	LastError           string
	LeaseOwner          string
	LeaseExpiresAt      *time.Time
	LeaseToken          int64
	OverriddenAt        *time.Time
	OverrideReason      string
}

// UniqueVendors returns the number of distinct vendors in the batch.
func (b Batch) UniqueVendors() int {
	return len(b.VendorCounts)
}

// Overridden reports whether an operator moved the batch out of the selection path.
func (b Batch) Overridden() bool {
	return b.OverriddenAt != nil
}

// Blocking reports whether the batch holds back batches with a higher sequence.
// An unresolved failed batch blocks only when failures are configured to block.
func (b Batch) Blocking(blockOnFailure bool) bool {
	switch b.Status {
	case BatchPending, BatchProcessing:
		return true
	case BatchFailed:
		return blockOnFailure && !b.Overridden()
	default:
		return false
	}
}

// LeaseHeld reports whether a lease on the batch is still valid at now.
func (b Batch) LeaseHeld(now time.Time) bool {
	return b.LeaseOwner != "" && b.LeaseExpiresAt != nil && b.LeaseExpiresAt.After(now)
}

// Item is a single work request inside a batch.
type Item struct {
	ID         string
	BatchID    string
	Sequence   int
	RequestID  string
	VendorName string
	Payload    json.RawMessage
	Sent       bool
	Status     ItemStatus
	PublishID  string
	Attempts   int
	LastError  string
	CreatedAt  time.Time
	SentAt     *time.Time
	FailedAt   *time.Time
}

// BatchDraft is a fully built batch ready to be written atomically.
// The store assigns the batch sequence during the write.
type BatchDraft struct {
	ID           string
	CreatedAt    time.Time
	VendorCounts map[string]int
	Items        []Item
}

// Header returns the pending batch header described by the draft.
func (d BatchDraft) Header(sequence int64) Batch {
	counts := make(map[string]int, len(d.VendorCounts))
	for vendor, count := range d.VendorCounts {
		counts[vendor] = count
	}

	return Batch{
		ID:           d.ID,
		Sequence:     sequence,
		CreatedAt:    d.CreatedAt,
		TotalItems:   len(d.Items),
		VendorCounts: counts,
		Status:       BatchPending,
	}
}

// Validate checks the structural invariants every store relies on.
func (d BatchDraft) Validate() error {
	if d.ID == "" {
		return ErrBatchIDRequired
	}
	if len(d.Items) == 0 {
		return ErrEmptyBatch
	}

	seen := make(map[string]struct{}, len(d.Items))
	for i, item := range d.Items {
		if item.ID == "" {
			return ErrItemIDRequired
		}
		if _, ok := seen[item.ID]; ok {
			return ErrDuplicateItem
		}
		seen[item.ID] = struct{}{}
		if item.BatchID != d.ID || item.Sequence != i+1 {
			return ErrItemSequence
		}
	}

	return nil
}
