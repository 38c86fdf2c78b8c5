package batchoutbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

type fakeIngestStore struct {
	errs   []error
	calls  int
	drafts []BatchDraft
}

func (s *fakeIngestStore) CreateBatch(_ context.Context, draft BatchDraft) (Batch, error) {
	s.calls++
	s.drafts = append(s.drafts, draft)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return Batch{}, err
		}
	}
	if err := draft.Validate(); err != nil {
		return Batch{}, err
	}

	return draft.Header(int64(s.calls)), nil
}

func requests(raws ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(raws))
	for i, raw := range raws {
		out[i] = json.RawMessage(raw)
	}

	return out
}

func TestIngestBuildsNumberedBatch(t *testing.T) {
	store := &fakeIngestStore{}
	notifier := NewChannelNotifier()
	writer := NewWriter(store,
		WithGenerator(&counterGenerator{}),
		WithKnownVendors("Acme"),
		WithNotifier(notifier),
		WithWriterClock(newManualClock()),
	)

	result, err := writer.Ingest(context.Background(), requests(
		`{"vendorname":"acme","requestId":"r-1"}`,
		`{"meta":{"vendor_name":"globex"}}`,
		`{"task":"no vendor"}`,
		`{"vendorName":"ACME"}`,
	))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if result.TotalItems != 4 || result.UniqueVendors != 3 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.VendorCounts["Acme"] != 2 || result.VendorCounts["GLOBEX"] != 1 || result.VendorCounts[UnknownVendor] != 1 {
		t.Fatalf("unexpected vendor counts: %v", result.VendorCounts)
	}

	draft := store.drafts[0]
	if draft.ID != result.BatchID {
		t.Fatalf("expected result batch id %s, got %s", draft.ID, result.BatchID)
	}
	for i, item := range draft.Items {
		if item.Sequence != i+1 {
			t.Fatalf("item %d: expected sequence %d, got %d", i, i+1, item.Sequence)
		}
		if item.BatchID != draft.ID || item.Status != ItemPending {
			t.Fatalf("item %d not pending in batch: %+v", i, item)
		}
	}
	if draft.Items[0].RequestID != "r-1" {
		t.Fatalf("expected supplied request id, got %s", draft.Items[0].RequestID)
	}
	if draft.Items[1].RequestID == "" {
		t.Fatalf("expected generated request id")
	}

	select {
	case <-notifier.Wakeups():
	default:
		t.Fatalf("expected publisher to be notified")
	}
}

func TestIngestValidation(t *testing.T) {
	store := &fakeIngestStore{}
	writer := NewWriter(store, WithMaxBatchSize(2))

	if _, err := writer.Ingest(context.Background(), nil); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
	if _, err := writer.Ingest(context.Background(), requests(`{}`, `{}`, `{}`)); !errors.Is(err, ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
	if _, err := writer.Ingest(context.Background(), requests(`{}`, `[1]`)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
	if store.calls != 0 {
		t.Fatalf("expected invalid batches to never reach the store, got %d calls", store.calls)
	}
}

func TestIngestRetriesConflicts(t *testing.T) {
	store := &fakeIngestStore{errs: []error{
		ErrAllocationConflict,
		StoreUnavailable(errors.New("connection reset")),
	}}
	writer := NewWriter(store, WithIngestRetry(3, time.Microsecond))

	result, err := writer.Ingest(context.Background(), requests(`{}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if store.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.calls)
	}
	if store.drafts[0].ID != store.drafts[2].ID {
		t.Fatalf("expected retries to write the same draft")
	}
	if result.BatchSequence != 3 {
		t.Fatalf("expected sequence from final attempt, got %d", result.BatchSequence)
	}
}

func TestIngestGivesUpAfterAttempts(t *testing.T) {
	store := &fakeIngestStore{errs: []error{ErrAllocationConflict, ErrAllocationConflict}}
	writer := NewWriter(store, WithIngestRetry(2, time.Microsecond))

	if _, err := writer.Ingest(context.Background(), requests(`{}`)); !errors.Is(err, ErrAllocationConflict) {
		t.Fatalf("expected allocation conflict, got %v", err)
	}
	if store.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", store.calls)
	}
}

func TestIngestDoesNotRetryPermanentErrors(t *testing.T) {
	store := &fakeIngestStore{errs: []error{ErrDuplicateBatch}}
	writer := NewWriter(store, WithIngestRetry(3, time.Microsecond))

	if _, err := writer.Ingest(context.Background(), requests(`{}`)); !errors.Is(err, ErrDuplicateBatch) {
		t.Fatalf("expected duplicate batch error, got %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", store.calls)
	}
}

type lostAckStore struct {
	fakeIngestStore
	committed map[string]Batch
}

// CreateBatch commits the first draft but reports a transient error, then reports duplicates.
func (s *lostAckStore) CreateBatch(_ context.Context, draft BatchDraft) (Batch, error) {
	s.calls++
	if _, ok := s.committed[draft.ID]; ok {
		return Batch{}, fmt.Errorf("%w: %s", ErrDuplicateBatch, draft.ID)
	}
	s.committed[draft.ID] = draft.Header(7)

	return Batch{}, StoreUnavailable(errors.New("connection reset after commit"))
}

func (s *lostAckStore) GetBatch(_ context.Context, batchID string) (Batch, error) {
	batch, ok := s.committed[batchID]
	if !ok {
		return Batch{}, ErrBatchNotFound
	}

	return batch, nil
}

func TestIngestRetryConfirmsBatchCommittedByEarlierAttempt(t *testing.T) {
	store := &lostAckStore{committed: map[string]Batch{}}
	writer := NewWriter(store, WithIngestRetry(3, time.Microsecond))

	result, err := writer.Ingest(context.Background(), requests(`{"vendorname":"A"}`))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if store.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", store.calls)
	}
	if result.BatchSequence != 7 || result.TotalItems != 1 {
		t.Fatalf("expected the committed batch, got %+v", result)
	}
	if _, ok := store.committed[result.BatchID]; !ok {
		t.Fatalf("result batch %s was not the committed one", result.BatchID)
	}
}

func TestIngestRejectsOverlongNames(t *testing.T) {
	store := &fakeIngestStore{}
	writer := NewWriter(store)
	long := strings.Repeat("x", MaxNameLength+1)

	for _, raw := range []string{
		`{"requestId":"` + long + `"}`,
		`{"vendorname":"` + long + `"}`,
	} {
		if _, err := writer.Ingest(context.Background(), requests(raw)); !errors.Is(err, ErrInvalidPayload) {
			t.Fatalf("expected ErrInvalidPayload, got %v", err)
		}
	}
	if store.calls != 0 {
		t.Fatalf("expected no store calls, got %d", store.calls)
	}

	exact := strings.Repeat("é", MaxNameLength)
	if _, err := writer.Ingest(context.Background(), requests(`{"requestId":"`+exact+`"}`)); err != nil {
		t.Fatalf("expected %d characters to be accepted: %v", MaxNameLength, err)
	}
}
