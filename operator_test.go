package batchoutbox

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeOperatorStore struct {
	reason string
	err    error
}

func (s *fakeOperatorStore) OverrideBatch(_ context.Context, batchID, reason string, now time.Time) (Batch, error) {
	if s.err != nil {
		return Batch{}, s.err
	}
	s.reason = reason

	return Batch{ID: batchID, Status: BatchFailed, OverriddenAt: &now, OverrideReason: reason}, nil
}

func (s *fakeOperatorStore) RetryBatch(_ context.Context, batchID string, _ time.Time) (Batch, error) {
	if s.err != nil {
		return Batch{}, s.err
	}

	return Batch{ID: batchID, Status: BatchPending}, nil
}

func TestOperatorSkipRequiresReason(t *testing.T) {
	store := &fakeOperatorStore{}
	op := NewOperator(store, OperatorConfig{})

	if _, err := op.SkipBatch(context.Background(), "b1", "  "); !errors.Is(err, ErrOverrideReasonRequired) {
		t.Fatalf("expected ErrOverrideReasonRequired, got %v", err)
	}
	if store.reason != "" {
		t.Fatalf("expected store to be untouched")
	}
}

func TestOperatorNotifiesPublisher(t *testing.T) {
	notifier := NewChannelNotifier()
	op := NewOperator(&fakeOperatorStore{}, OperatorConfig{Notifier: notifier})

	batch, err := op.SkipBatch(context.Background(), "b1", " vendor gone ")
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if batch.OverrideReason != "vendor gone" {
		t.Fatalf("expected trimmed reason, got %q", batch.OverrideReason)
	}
	<-notifier.Wakeups()

	if _, err := op.RetryBatch(context.Background(), "b1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	<-notifier.Wakeups()
}

func TestOperatorWrapsStoreErrors(t *testing.T) {
	op := NewOperator(&fakeOperatorStore{err: ErrInvalidTransition}, OperatorConfig{})

	if _, err := op.RetryBatch(context.Background(), "b1"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}
