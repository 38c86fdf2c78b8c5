package batchoutbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type stubPublisherStore struct {
	mu sync.Mutex

	next     []Batch
	nextErr  error
	claimErr error
	items    []Item
	expired  []Batch
	scanErr  error
	sentErr  error
	finalErr error

	sent     []Delivery
	failed   []ItemFailure
	released []Lease
	final    []Lease
}

func (s *stubPublisherStore) NextBatch(context.Context, SelectOptions) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextErr != nil {
		return Batch{}, s.nextErr
	}
	if len(s.next) == 0 {
		return Batch{}, ErrNoBatches
	}

	return s.next[0], nil
}

func (s *stubPublisherStore) ClaimBatch(_ context.Context, req ClaimRequest) (Lease, error) {
	if s.claimErr != nil {
		return Lease{}, s.claimErr
	}

	return Lease{BatchID: req.BatchID, Owner: req.Owner, Token: 1, AcquiredAt: req.Now, ExpiresAt: req.Now.Add(req.TTL)}, nil
}

func (s *stubPublisherStore) RenewLease(_ context.Context, lease Lease, now time.Time, ttl time.Duration) (Lease, error) {
	lease.ExpiresAt = now.Add(ttl)

	return lease, nil
}

func (s *stubPublisherStore) ReleaseLease(_ context.Context, lease Lease) error {
	s.mu.Lock()
	s.released = append(s.released, lease)
	s.mu.Unlock()

	return nil
}

func (s *stubPublisherStore) PendingItems(context.Context, string) ([]Item, error) {
	return s.items, nil
}

func (s *stubPublisherStore) MarkItemSent(_ context.Context, _ Lease, delivery Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sentErr != nil {
		return s.sentErr
	}
	s.sent = append(s.sent, delivery)

	return nil
}

func (s *stubPublisherStore) MarkItemFailed(_ context.Context, _ Lease, failure ItemFailure) error {
	s.mu.Lock()
	s.failed = append(s.failed, failure)
	s.mu.Unlock()

	return nil
}

func (s *stubPublisherStore) FinalizeBatch(_ context.Context, lease Lease, now time.Time) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalErr != nil {
		return Batch{}, s.finalErr
	}
	s.final = append(s.final, lease)
	status, err := FinalStatus(0, len(s.failed))
	if err != nil {
		return Batch{}, err
	}
	s.next = s.next[1:]

	return Finish(Batch{ID: lease.BatchID, TotalItems: len(s.items)}, status, len(s.failed), now), nil
}

func (s *stubPublisherStore) ExpiredLeases(context.Context, time.Time) ([]Batch, error) {
	return s.expired, s.scanErr
}

func quickBackoff() PublisherOption {
	return WithBackoff(Backoff{Initial: time.Microsecond, Max: time.Microsecond})
}

func okBus() Bus {
	return BusFunc(func(_ context.Context, msg Message) (string, error) {
		return "m-" + msg.ItemID, nil
	})
}

func TestProcessOnceIdle(t *testing.T) {
	pub := NewPublisher(&stubPublisherStore{}, okBus())

	outcome, err := pub.ProcessOnce(context.Background())
	if err != nil || outcome != OutcomeIdle {
		t.Fatalf("expected idle, got %s %v", outcome, err)
	}
}

func TestProcessOnceCommitsInItemOrder(t *testing.T) {
	store := &stubPublisherStore{
		next:  []Batch{{ID: "b1", Sequence: 1, Status: BatchPending, TotalItems: 3}},
		items: []Item{{ID: "i1", Sequence: 1}, {ID: "i2", Sequence: 2}, {ID: "i3", Sequence: 3}},
	}
	var order []string
	bus := BusFunc(func(_ context.Context, msg Message) (string, error) {
		order = append(order, msg.ItemID)
		if msg.TotalItems != 3 || msg.BatchSequence != 1 {
			t.Errorf("unexpected message metadata: %+v", msg)
		}
		return "m-" + msg.ItemID, nil
	})
	pub := NewPublisher(store, bus, WithOwner("p1"))

	outcome, err := pub.ProcessOnce(context.Background())
	if err != nil || outcome != OutcomeCommitted {
		t.Fatalf("expected committed, got %s %v", outcome, err)
	}
	if strings.Join(order, ",") != "i1,i2,i3" {
		t.Fatalf("unexpected publish order %v", order)
	}
	if len(store.sent) != 3 || store.sent[0].PublishID != "m-i1" || store.sent[0].Attempts != 1 {
		t.Fatalf("unexpected deliveries: %+v", store.sent)
	}
	if len(store.final) != 1 || store.final[0].Owner != "p1" {
		t.Fatalf("expected finalize under own lease, got %+v", store.final)
	}
}

func TestProcessOnceFailsExhaustedItemAndContinues(t *testing.T) {
	store := &stubPublisherStore{
		next:  []Batch{{ID: "b1", Sequence: 1, Status: BatchPending, TotalItems: 2}},
		items: []Item{{ID: "i1", Sequence: 1, Attempts: 2}, {ID: "i2", Sequence: 2}},
	}
	var calls []string
	bus := BusFunc(func(_ context.Context, msg Message) (string, error) {
		calls = append(calls, msg.ItemID)
		if msg.ItemID == "i1" {
			return "", errors.New("bus down")
		}
		return "ok", nil
	})
	var alerted []ItemFailure
	var attempts []int
	pub := NewPublisher(store, bus,
		WithMaxAttempts(3),
		quickBackoff(),
		WithErrorHandler(func(_ context.Context, _ Item, attempt int, _ error) {
			attempts = append(attempts, attempt)
		}),
		WithBatchFailedHandler(func(_ context.Context, batch Batch, failures []ItemFailure) {
			alerted = failures
			if batch.LastError != "1 of 2 items failed" {
				t.Errorf("unexpected batch error %q", batch.LastError)
			}
		}),
	)

	outcome, err := pub.ProcessOnce(context.Background())
	if err != nil || outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s %v", outcome, err)
	}
	if strings.Join(calls, ",") != "i1,i1,i1,i2" {
		t.Fatalf("expected bounded retries before moving on, got %v", calls)
	}
	if len(attempts) != 3 {
		t.Fatalf("expected error handler per attempt, got %v", attempts)
	}
	if len(store.failed) != 1 || store.failed[0].Attempts != 5 || store.failed[0].Err != "bus down" {
		t.Fatalf("unexpected failures: %+v", store.failed)
	}
	if len(alerted) != 1 {
		t.Fatalf("expected batch failure alert")
	}
}

func TestProcessOncePermanentErrorSkipsRetries(t *testing.T) {
	store := &stubPublisherStore{
		next:  []Batch{{ID: "b1", Status: BatchPending, TotalItems: 1}},
		items: []Item{{ID: "i1", Sequence: 1}},
	}
	var calls int
	bus := BusFunc(func(context.Context, Message) (string, error) {
		calls++
		return "", Permanent(errors.New("rejected"))
	})
	pub := NewPublisher(store, bus, WithMaxAttempts(5), quickBackoff())

	if outcome, _ := pub.ProcessOnce(context.Background()); outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", outcome)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestProcessOnceBlockedAlertIsRateLimited(t *testing.T) {
	clock := newManualClock()
	logger := &recordingLogger{}
	store := &stubPublisherStore{
		next: []Batch{{ID: "b1", Status: BatchFailed, LastError: "1 of 1 items failed"}},
	}
	pub := NewPublisher(store, okBus(), WithClock(clock), WithLogger(logger), WithBlockedAlertInterval(time.Minute))

	for i := 0; i < 3; i++ {
		outcome, err := pub.ProcessOnce(context.Background())
		if err != nil || outcome != OutcomeBlocked {
			t.Fatalf("expected blocked, got %s %v", outcome, err)
		}
	}
	clock.Advance(time.Minute)
	if outcome, _ := pub.ProcessOnce(context.Background()); outcome != OutcomeBlocked {
		t.Fatalf("expected blocked, got %s", outcome)
	}

	if n := logger.count("error batchoutbox pipeline blocked by failed batch"); n != 2 {
		t.Fatalf("expected 2 alerts, got %d", n)
	}
}

func TestProcessOnceContended(t *testing.T) {
	store := &stubPublisherStore{
		next:     []Batch{{ID: "b1", Status: BatchProcessing}},
		claimErr: ErrBatchClaimed,
	}
	pub := NewPublisher(store, okBus())

	outcome, err := pub.ProcessOnce(context.Background())
	if err != nil || outcome != OutcomeContended {
		t.Fatalf("expected contended, got %s %v", outcome, err)
	}
}

func TestProcessOnceLeaseLostWritesNothing(t *testing.T) {
	store := &stubPublisherStore{
		next:    []Batch{{ID: "b1", Status: BatchPending, TotalItems: 2}},
		items:   []Item{{ID: "i1", Sequence: 1}, {ID: "i2", Sequence: 2}},
		sentErr: ErrLeaseLost,
	}
	pub := NewPublisher(store, okBus())

	outcome, err := pub.ProcessOnce(context.Background())
	if outcome != OutcomeAborted || !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected aborted with lease lost, got %s %v", outcome, err)
	}
	if len(store.released) != 0 || len(store.final) != 0 {
		t.Fatalf("expected no writes after lease loss, released=%d final=%d", len(store.released), len(store.final))
	}
}

func TestProcessOnceReleasesLeaseOnStoreError(t *testing.T) {
	store := &stubPublisherStore{
		next:    []Batch{{ID: "b1", Status: BatchPending, TotalItems: 1}},
		items:   []Item{{ID: "i1", Sequence: 1}},
		sentErr: StoreUnavailable(errors.New("connection reset")),
	}
	pub := NewPublisher(store, okBus())

	outcome, err := pub.ProcessOnce(context.Background())
	if outcome != OutcomeAborted || !errors.Is(err, ErrTransientStore) {
		t.Fatalf("expected aborted with store error, got %s %v", outcome, err)
	}
	if len(store.released) != 1 {
		t.Fatalf("expected lease release, got %d", len(store.released))
	}
}

func TestPersistSurvivesCancellationAfterPublish(t *testing.T) {
	store := &stubPublisherStore{
		next:  []Batch{{ID: "b1", Status: BatchPending, TotalItems: 2}},
		items: []Item{{ID: "i1", Sequence: 1}, {ID: "i2", Sequence: 2}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	bus := BusFunc(func(_ context.Context, msg Message) (string, error) {
		cancel()
		return "m-" + msg.ItemID, nil
	})
	pub := NewPublisher(store, bus)

	outcome, err := pub.ProcessOnce(ctx)
	if outcome != OutcomeAborted || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected aborted by cancellation, got %s %v", outcome, err)
	}
	if len(store.sent) != 1 || store.sent[0].ItemID != "i1" {
		t.Fatalf("expected confirmed publish to be persisted, got %+v", store.sent)
	}
	if len(store.released) != 1 {
		t.Fatalf("expected lease release on shutdown")
	}
}

func TestRunStopsOnRecoveryFailure(t *testing.T) {
	scanErr := StoreUnavailable(errors.New("no route to host"))
	pub := NewPublisher(&stubPublisherStore{scanErr: scanErr}, okBus())

	if err := pub.Run(context.Background()); !errors.Is(err, scanErr) {
		t.Fatalf("expected recovery error, got %v", err)
	}
}

func TestRunRecoversPanics(t *testing.T) {
	store := &stubPublisherStore{
		next:  []Batch{{ID: "b1", Status: BatchPending, TotalItems: 1}},
		items: []Item{{ID: "i1", Sequence: 1}},
	}
	bus := BusFunc(func(context.Context, Message) (string, error) {
		panic("bus exploded")
	})
	pub := NewPublisher(store, bus)

	if err := pub.Run(context.Background()); !errors.Is(err, ErrWorkerPanic) {
		t.Fatalf("expected ErrWorkerPanic, got %v", err)
	}
}

func TestRunDrainsConsecutiveBatchesAndStops(t *testing.T) {
	store := &stubPublisherStore{
		next: []Batch{
			{ID: "b1", Sequence: 1, Status: BatchPending, TotalItems: 1},
			{ID: "b2", Sequence: 2, Status: BatchPending, TotalItems: 1},
		},
		items: []Item{{ID: "i1", Sequence: 1}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	pub := NewPublisher(store, okBus(), WithPollInterval(time.Hour))

	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		store.mu.Lock()
		finalized := len(store.final)
		store.mu.Unlock()
		if finalized == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected both batches to drain without waiting for the poll interval")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
}

func TestTruncateError(t *testing.T) {
	long := errors.New(strings.Repeat("é", maxErrorLen+10))
	if got := truncateError(long); len([]rune(got)) != maxErrorLen {
		t.Fatalf("expected %d runes, got %d", maxErrorLen, len([]rune(got)))
	}
	if truncateError(nil) != "" {
		t.Fatalf("expected empty string for nil error")
	}
}
