package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/velmie/batchoutbox"
)

var (
	_ batchoutbox.Store             = (*Store)(nil)
	_ batchoutbox.SequenceAllocator = (*Store)(nil)
	_ batchoutbox.PendingCounter    = (*Store)(nil)
)

// Store keeps batches, items and counters in process memory.
// Every operation runs under one mutex, which makes each write atomic and each read consistent.
type Store struct {
	mu       sync.Mutex
	counters map[string]int64
	batches  map[string]*batchoutbox.Batch
	order    []string
	items    map[string][]batchoutbox.Item
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		counters: make(map[string]int64),
		batches:  make(map[string]*batchoutbox.Batch),
		items:    make(map[string][]batchoutbox.Item),
	}
}

// AllocateNext increments counter and returns its new value.
func (s *Store) AllocateNext(ctx context.Context, counter string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.counters[counter]++

	return s.counters[counter], nil
}

// CreateBatch stages the whole draft and applies it only if every part is valid.
func (s *Store) CreateBatch(ctx context.Context, draft batchoutbox.BatchDraft) (batchoutbox.Batch, error) {
	if err := draft.Validate(); err != nil {
		return batchoutbox.Batch{}, err
	}
	if err := ctx.Err(); err != nil {
		return batchoutbox.Batch{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[draft.ID]; ok {
		return batchoutbox.Batch{}, batchoutbox.ErrDuplicateBatch
	}

	sequence := s.counters[batchoutbox.BatchSequenceCounter] + 1
	header := draft.Header(sequence)

	staged := make([]batchoutbox.Item, len(draft.Items))
	for i, item := range draft.Items {
		if !json.Valid(item.Payload) {
			return batchoutbox.Batch{}, fmt.Errorf("%w: item %d", batchoutbox.ErrInvalidPayload, item.Sequence)
		}
		item.Status = batchoutbox.ItemPending
		item.Sent = false
		staged[i] = item
	}

	s.counters[batchoutbox.BatchSequenceCounter] = sequence
	s.batches[header.ID] = &header
	s.order = append(s.order, header.ID)
	s.items[header.ID] = staged

	return cloneBatch(header), nil
}

// NextBatch returns the first batch in sequence order that holds back later batches.
func (s *Store) NextBatch(ctx context.Context, opts batchoutbox.SelectOptions) (batchoutbox.Batch, error) {
	if err := ctx.Err(); err != nil {
		return batchoutbox.Batch{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		batch := s.batches[id]
		if batch.Blocking(opts.IncludeFailed) {
			return cloneBatch(*batch), nil
		}
	}

	return batchoutbox.Batch{}, batchoutbox.ErrNoBatches
}

// ClaimBatch applies the claim rules and issues a new lease.
func (s *Store) ClaimBatch(ctx context.Context, req batchoutbox.ClaimRequest) (batchoutbox.Lease, error) {
	if err := ctx.Err(); err != nil {
		return batchoutbox.Lease{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[req.BatchID]
	if !ok {
		return batchoutbox.Lease{}, batchoutbox.ErrBatchNotFound
	}
	if err := batchoutbox.CheckClaim(*batch, req.Owner, req.Now); err != nil {
		return batchoutbox.Lease{}, err
	}

	claimed, lease := batchoutbox.Claim(*batch, req)
	*batch = claimed

	return lease, nil
}

// RenewLease extends a lease still valid at now.
func (s *Store) RenewLease(ctx context.Context, lease batchoutbox.Lease, now time.Time, ttl time.Duration) (batchoutbox.Lease, error) {
	if err := ctx.Err(); err != nil {
		return lease, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, err := s.fenced(lease, now)
	if err != nil {
		return lease, err
	}

	expires := now.Add(ttl)
	batch.LeaseExpiresAt = &expires
	lease.ExpiresAt = expires

	return lease, nil
}

// ReleaseLease clears the lease when it is still the current one.
func (s *Store) ReleaseLease(ctx context.Context, lease batchoutbox.Lease) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[lease.BatchID]
	if !ok {
		return batchoutbox.ErrBatchNotFound
	}
	if batch.Status != batchoutbox.BatchProcessing || batch.LeaseOwner != lease.Owner || batch.LeaseToken != lease.Token {
		return batchoutbox.ErrLeaseLost
	}
	batch.LeaseOwner = ""
	batch.LeaseExpiresAt = nil

	return nil
}

// PendingItems returns the still pending items of a batch in item sequence order.
func (s *Store) PendingItems(ctx context.Context, batchID string) ([]batchoutbox.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batchID]; !ok {
		return nil, batchoutbox.ErrBatchNotFound
	}

	var pending []batchoutbox.Item
	for _, item := range s.items[batchID] {
		if item.Status == batchoutbox.ItemPending {
			pending = append(pending, item)
		}
	}

	return pending, nil
}

// MarkItemSent records a delivery. Recording an already sent item again is a no-op.
func (s *Store) MarkItemSent(ctx context.Context, lease batchoutbox.Lease, delivery batchoutbox.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.fenced(lease, delivery.SentAt); err != nil {
		return err
	}
	item, err := s.item(lease.BatchID, delivery.ItemID)
	if err != nil {
		return err
	}
	if item.Status == batchoutbox.ItemSent {
		return nil
	}

	sentAt := delivery.SentAt
	item.Status = batchoutbox.ItemSent
	item.Sent = true
	item.PublishID = delivery.PublishID
	item.Attempts = delivery.Attempts
	item.SentAt = &sentAt
	item.LastError = ""

	return nil
}

// MarkItemFailed records an item that exhausted its attempts.
func (s *Store) MarkItemFailed(ctx context.Context, lease batchoutbox.Lease, failure batchoutbox.ItemFailure) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.fenced(lease, failure.FailedAt); err != nil {
		return err
	}
	item, err := s.item(lease.BatchID, failure.ItemID)
	if err != nil {
		return err
	}
	if item.Status == batchoutbox.ItemSent {
		return fmt.Errorf("%w: item %s already sent", batchoutbox.ErrInvalidTransition, item.ID)
	}

	failedAt := failure.FailedAt
	item.Status = batchoutbox.ItemFailed
	item.Attempts = failure.Attempts
	item.LastError = failure.Err
	item.FailedAt = &failedAt

	return nil
}

// FinalizeBatch promotes the batch to committed or failed once no item is pending.
func (s *Store) FinalizeBatch(ctx context.Context, lease batchoutbox.Lease, now time.Time) (batchoutbox.Batch, error) {
	if err := ctx.Err(); err != nil {
		return batchoutbox.Batch{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, err := s.fenced(lease, now)
	if err != nil {
		return batchoutbox.Batch{}, err
	}

	var pending, failed int
	for _, item := range s.items[batch.ID] {
		switch item.Status {
		case batchoutbox.ItemPending:
			pending++
		case batchoutbox.ItemFailed:
			failed++
		}
	}
	status, err := batchoutbox.FinalStatus(pending, failed)
	if err != nil {
		return batchoutbox.Batch{}, err
	}

	*batch = batchoutbox.Finish(*batch, status, failed, now)

	return cloneBatch(*batch), nil
}

// ExpiredLeases lists processing batches without a valid lease at now.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time) ([]batchoutbox.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []batchoutbox.Batch
	for _, id := range s.order {
		batch := s.batches[id]
		if batch.Status == batchoutbox.BatchProcessing && !batch.LeaseHeld(now) {
			stale = append(stale, cloneBatch(*batch))
		}
	}

	return stale, nil
}

// OverrideBatch marks a failed batch as resolved by an operator.
func (s *Store) OverrideBatch(ctx context.Context, batchID, reason string, now time.Time) (batchoutbox.Batch, error) {
	if err := ctx.Err(); err != nil {
		return batchoutbox.Batch{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return batchoutbox.Batch{}, batchoutbox.ErrBatchNotFound
	}
	if err := batchoutbox.CheckResolvable(*batch); err != nil {
		return batchoutbox.Batch{}, err
	}

	at := now
	batch.OverriddenAt = &at
	batch.OverrideReason = reason

	return cloneBatch(*batch), nil
}

// RetryBatch moves a failed batch and its failed items back to pending.
func (s *Store) RetryBatch(ctx context.Context, batchID string, _ time.Time) (batchoutbox.Batch, error) {
	if err := ctx.Err(); err != nil {
		return batchoutbox.Batch{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return batchoutbox.Batch{}, batchoutbox.ErrBatchNotFound
	}
	if err := batchoutbox.CheckResolvable(*batch); err != nil {
		return batchoutbox.Batch{}, err
	}

	*batch = batchoutbox.Reopen(*batch)
	items := s.items[batchID]
	for i := range items {
		if items[i].Status != batchoutbox.ItemFailed {
			continue
		}
		items[i].Status = batchoutbox.ItemPending
		items[i].Attempts = 0
		items[i].LastError = ""
		items[i].FailedAt = nil
	}

	return cloneBatch(*batch), nil
}

// GetBatch returns a batch header.
func (s *Store) GetBatch(ctx context.Context, batchID string) (batchoutbox.Batch, error) {
	if err := ctx.Err(); err != nil {
		return batchoutbox.Batch{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, ok := s.batches[batchID]
	if !ok {
		return batchoutbox.Batch{}, batchoutbox.ErrBatchNotFound
	}

	return cloneBatch(*batch), nil
}

// ListBatches returns batches in sequence order.
func (s *Store) ListBatches(ctx context.Context, filter batchoutbox.BatchFilter) ([]batchoutbox.Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []batchoutbox.Batch
	for _, id := range s.order {
		batch := s.batches[id]
		if batch.Sequence <= filter.AfterSequence || !matchStatus(batch.Status, filter.Statuses) {
			continue
		}
		out = append(out, cloneBatch(*batch))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}

	return out, nil
}

// ListItems returns every item of a batch in item sequence order.
func (s *Store) ListItems(ctx context.Context, batchID string) ([]batchoutbox.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items, ok := s.items[batchID]
	if !ok {
		return nil, batchoutbox.ErrBatchNotFound
	}
	out := append([]batchoutbox.Item(nil), items...)
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })

	return out, nil
}

// PendingCount returns the number of batches not yet committed or failed.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, batch := range s.batches {
		if !batch.Status.Terminal() {
			n++
		}
	}

	return n, nil
}

func (s *Store) fenced(lease batchoutbox.Lease, now time.Time) (*batchoutbox.Batch, error) {
	batch, ok := s.batches[lease.BatchID]
	if !ok {
		return nil, batchoutbox.ErrBatchNotFound
	}
	if err := batchoutbox.CheckFence(*batch, lease, now); err != nil {
		return nil, err
	}

	return batch, nil
}

func (s *Store) item(batchID, itemID string) (*batchoutbox.Item, error) {
	items := s.items[batchID]
	for i := range items {
		if items[i].ID == itemID {
			return &items[i], nil
		}
	}

	return nil, fmt.Errorf("%w: %s", batchoutbox.ErrItemNotFound, itemID)
}

func matchStatus(status batchoutbox.BatchStatus, statuses []batchoutbox.BatchStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}

	return false
}

func cloneBatch(batch batchoutbox.Batch) batchoutbox.Batch {
	counts := make(map[string]int, len(batch.VendorCounts))
	for vendor, n := range batch.VendorCounts {
		counts[vendor] = n
	}
	batch.VendorCounts = counts

	return batch
}
