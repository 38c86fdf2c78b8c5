package batchoutbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velmie/batchoutbox"
	"github.com/velmie/batchoutbox/membus"
	"github.com/velmie/batchoutbox/memstore"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(at time.Time) batchoutbox.Clock {
	return batchoutbox.ClockFunc(func() time.Time { return at })
}

func vendorRequests(vendors ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(vendors))
	for i, vendor := range vendors {
		out[i] = json.RawMessage(fmt.Sprintf(`{"vendorname":%q,"task":%d}`, vendor, i+1))
	}

	return out
}

func drainUntilIdle(t *testing.T, pub *batchoutbox.Publisher) batchoutbox.Outcome {
	t.Helper()

	for i := 0; i < 100; i++ {
		outcome, err := pub.ProcessOnce(context.Background())
		require.NoError(t, err)
		if outcome == batchoutbox.OutcomeIdle || outcome == batchoutbox.OutcomeBlocked {
			return outcome
		}
	}
	t.Fatalf("publisher did not settle")

	return batchoutbox.OutcomeIdle
}

func quick() []batchoutbox.PublisherOption {
	return []batchoutbox.PublisherOption{
		batchoutbox.WithOwner("publisher-a"),
		batchoutbox.WithMaxAttempts(3),
		batchoutbox.WithBackoff(batchoutbox.Backoff{Initial: time.Microsecond, Max: time.Microsecond}),
	}
}

func TestEndToEndSingleBatch(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	bus := membus.New()
	writer := batchoutbox.NewWriter(store, batchoutbox.WithKnownVendors("A", "B"))

	result, err := writer.Ingest(ctx, vendorRequests("A", "B", "A"))
	require.NoError(t, err)
	require.Equal(t, 3, result.TotalItems)
	require.Equal(t, map[string]int{"A": 2, "B": 1}, result.VendorCounts)
	require.Equal(t, 2, result.UniqueVendors)

	pub := batchoutbox.NewPublisher(store, bus, quick()...)
	require.Equal(t, batchoutbox.OutcomeIdle, drainUntilIdle(t, pub))

	batch, err := store.GetBatch(ctx, result.BatchID)
	require.NoError(t, err)
	require.Equal(t, batchoutbox.BatchCommitted, batch.Status)
	require.NotNil(t, batch.CommittedAt)

	items, err := store.ListItems(ctx, result.BatchID)
	require.NoError(t, err)
	publishIDs := make(map[string]struct{})
	for i, item := range items {
		require.Equal(t, i+1, item.Sequence)
		require.True(t, item.Sent)
		require.Equal(t, batchoutbox.ItemSent, item.Status)
		publishIDs[item.PublishID] = struct{}{}
	}
	require.Len(t, publishIDs, 3)

	messages := bus.Messages()
	require.Len(t, messages, 3)
	require.Equal(t, []string{"A", "B", "A"}, []string{messages[0].VendorName, messages[1].VendorName, messages[2].VendorName})
	require.Equal(t, 1, messages[0].ItemSequence)
	require.Equal(t, 3, messages[2].ItemSequence)
}

func TestBatchSequencesAreUniqueUnderConcurrentIngest(t *testing.T) {
	store := memstore.New()
	writer := batchoutbox.NewWriter(store)

	const submitters = 8
	const perSubmitter = 25

	var wg sync.WaitGroup
	errs := make(chan error, submitters*perSubmitter)
	for s := 0; s < submitters; s++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perSubmitter; i++ {
				if _, err := writer.Ingest(context.Background(), vendorRequests("A", "B")); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	batches, err := store.ListBatches(context.Background(), batchoutbox.BatchFilter{})
	require.NoError(t, err)
	require.Len(t, batches, submitters*perSubmitter)
	for i := 1; i < len(batches); i++ {
		require.Greater(t, batches[i].Sequence, batches[i-1].Sequence)
	}

	for _, batch := range batches[:5] {
		items, err := store.ListItems(context.Background(), batch.ID)
		require.NoError(t, err)
		require.Len(t, items, batch.TotalItems)
		for i, item := range items {
			require.Equal(t, i+1, item.Sequence)
		}
	}
}

func TestFailedBatchBlocksLaterBatches(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	writer := batchoutbox.NewWriter(store)

	first, err := writer.Ingest(ctx, vendorRequests("A", "POISON", "A"))
	require.NoError(t, err)
	second, err := writer.Ingest(ctx, vendorRequests("B", "B"))
	require.NoError(t, err)

	bus := membus.New(membus.WithFailures(func(msg batchoutbox.Message, _ int) error {
		if msg.VendorName == "POISON" {
			return batchoutbox.Transient(errors.New("vendor rejected"))
		}
		return nil
	}))
	pub := batchoutbox.NewPublisher(store, bus, quick()...)

	require.Equal(t, batchoutbox.OutcomeBlocked, drainUntilIdle(t, pub))

	failed, err := store.GetBatch(ctx, first.BatchID)
	require.NoError(t, err)
	require.Equal(t, batchoutbox.BatchFailed, failed.Status)
	require.Equal(t, "1 of 3 items failed", failed.LastError)

	items, err := store.ListItems(ctx, first.BatchID)
	require.NoError(t, err)
	require.Equal(t, batchoutbox.ItemSent, items[2].Status, "items after a failed item are still delivered")
	require.Equal(t, 3, items[1].Attempts)

	pending, err := store.ListItems(ctx, second.BatchID)
	require.NoError(t, err)
	for _, item := range pending {
		require.False(t, item.Sent)
	}

	op := batchoutbox.NewOperator(store, batchoutbox.OperatorConfig{})
	_, err = op.SkipBatch(ctx, first.BatchID, "vendor decommissioned")
	require.NoError(t, err)

	require.Equal(t, batchoutbox.OutcomeIdle, drainUntilIdle(t, pub))
	done, err := store.GetBatch(ctx, second.BatchID)
	require.NoError(t, err)
	require.Equal(t, batchoutbox.BatchCommitted, done.Status)

	skipped, err := store.GetBatch(ctx, first.BatchID)
	require.NoError(t, err)
	require.Equal(t, batchoutbox.BatchFailed, skipped.Status)
	require.True(t, skipped.Overridden())
}

func TestLaterBatchNeverSentBeforeEarlierIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	writer := batchoutbox.NewWriter(store)

	first, err := writer.Ingest(ctx, vendorRequests("A", "POISON"))
	require.NoError(t, err)
	second, err := writer.Ingest(ctx, vendorRequests("B"))
	require.NoError(t, err)

	var violations []string
	bus := membus.New(
		membus.WithFailures(func(msg batchoutbox.Message, _ int) error {
			if msg.VendorName == "POISON" {
				return batchoutbox.Permanent(errors.New("schema mismatch"))
			}
			return nil
		}),
		membus.WithHook(func(msg batchoutbox.Message, _ string) {
			if msg.BatchID != second.BatchID {
				return
			}
			head, err := store.GetBatch(context.Background(), first.BatchID)
			if err != nil || !head.Status.Terminal() {
				violations = append(violations, msg.ItemID)
			}
		}),
	)
	opts := append(quick(), batchoutbox.WithContinueAfterFailure(true))
	pub := batchoutbox.NewPublisher(store, bus, opts...)

	require.Equal(t, batchoutbox.OutcomeIdle, drainUntilIdle(t, pub))
	require.Empty(t, violations)

	done, err := store.GetBatch(ctx, second.BatchID)
	require.NoError(t, err)
	require.Equal(t, batchoutbox.BatchCommitted, done.Status)
}

func TestRetryBatchRedeliversOnlyFailedItems(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	writer := batchoutbox.NewWriter(store)

	result, err := writer.Ingest(ctx, vendorRequests("A", "FLAKY"))
	require.NoError(t, err)

	healthy := false
	bus := membus.New(membus.WithFailures(func(msg batchoutbox.Message, _ int) error {
		if msg.VendorName == "FLAKY" && !healthy {
			return errors.New("timeout")
		}
		return nil
	}))
	pub := batchoutbox.NewPublisher(store, bus, quick()...)
	require.Equal(t, batchoutbox.OutcomeBlocked, drainUntilIdle(t, pub))

	healthy = true
	op := batchoutbox.NewOperator(store, batchoutbox.OperatorConfig{})
	_, err = op.RetryBatch(ctx, result.BatchID)
	require.NoError(t, err)

	require.Equal(t, batchoutbox.OutcomeIdle, drainUntilIdle(t, pub))

	batch, err := store.GetBatch(ctx, result.BatchID)
	require.NoError(t, err)
	require.Equal(t, batchoutbox.BatchCommitted, batch.Status)
	require.Equal(t, int64(1), batch.Sequence)

	items, err := store.ListItems(ctx, result.BatchID)
	require.NoError(t, err)
	require.Equal(t, 1, bus.Attempts(items[0].ID))
	require.Equal(t, 1, items[1].Attempts)
}

func TestAlreadySentItemsAreNotRepublished(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	writer := batchoutbox.NewWriter(store)

	result, err := writer.Ingest(ctx, vendorRequests("A", "A", "A", "A"))
	require.NoError(t, err)
	items, err := store.ListItems(ctx, result.BatchID)
	require.NoError(t, err)

	crashed, err := store.ClaimBatch(ctx, batchoutbox.ClaimRequest{BatchID: result.BatchID, Owner: "crashed", Now: t0, TTL: time.Minute})
	require.NoError(t, err)
	for _, item := range items[:2] {
		require.NoError(t, store.MarkItemSent(ctx, crashed, batchoutbox.Delivery{ItemID: item.ID, PublishID: "before-" + item.ID, SentAt: t0, Attempts: 1}))
	}

	bus := membus.New()
	opts := append(quick(), batchoutbox.WithClock(fixedClock(t0.Add(2*time.Minute))))
	pub := batchoutbox.NewPublisher(store, bus, opts...)

	stale, err := pub.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.Equal(t, batchoutbox.OutcomeIdle, drainUntilIdle(t, pub))

	require.Zero(t, bus.Attempts(items[0].ID))
	require.Zero(t, bus.Attempts(items[1].ID))
	require.Equal(t, 1, bus.Attempts(items[2].ID))
	require.Equal(t, 1, bus.Attempts(items[3].ID))

	batch, err := store.GetBatch(ctx, result.BatchID)
	require.NoError(t, err)
	require.Equal(t, batchoutbox.BatchCommitted, batch.Status)
	require.Equal(t, int64(2), batch.LeaseToken)

	final, err := store.ListItems(ctx, result.BatchID)
	require.NoError(t, err)
	require.Equal(t, "before-"+items[0].ID, final[0].PublishID)
}

// crashAfterPublish simulates a process dying after the bus confirmed a message but before
// the delivery was recorded.
type crashAfterPublish struct {
	*memstore.Store
	crashOn string
}

func (s *crashAfterPublish) MarkItemSent(ctx context.Context, lease batchoutbox.Lease, d batchoutbox.Delivery) error {
	if d.ItemID == s.crashOn {
		s.crashOn = ""
		return batchoutbox.ErrLeaseLost
	}

	return s.Store.MarkItemSent(ctx, lease, d)
}

func TestCrashResumeFromFirstUnsentItem(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	writer := batchoutbox.NewWriter(store)

	result, err := writer.Ingest(ctx, vendorRequests("A", "A", "A"))
	require.NoError(t, err)
	items, err := store.ListItems(ctx, result.BatchID)
	require.NoError(t, err)

	var order []string
	bus := membus.New(membus.WithHook(func(msg batchoutbox.Message, _ string) {
		order = append(order, msg.ItemID)
	}))

	crashing := &crashAfterPublish{Store: store, crashOn: items[1].ID}
	first := batchoutbox.NewPublisher(crashing, bus, append(quick(), batchoutbox.WithClock(fixedClock(t0)))...)
	outcome, err := first.ProcessOnce(ctx)
	require.ErrorIs(t, err, batchoutbox.ErrLeaseLost)
	require.Equal(t, batchoutbox.OutcomeAborted, outcome)

	batch, err := store.GetBatch(ctx, result.BatchID)
	require.NoError(t, err)
	require.Equal(t, batchoutbox.BatchProcessing, batch.Status)

	restarted := batchoutbox.NewPublisher(store, bus,
		batchoutbox.WithOwner("publisher-b"),
		batchoutbox.WithClock(fixedClock(t0.Add(time.Hour))),
	)
	require.Equal(t, batchoutbox.OutcomeIdle, drainUntilIdle(t, restarted))

	require.Equal(t, []string{items[0].ID, items[1].ID, items[1].ID, items[2].ID}, order)
	require.Len(t, bus.Messages(), 3)

	batch, err = store.GetBatch(ctx, result.BatchID)
	require.NoError(t, err)
	require.Equal(t, batchoutbox.BatchCommitted, batch.Status)
}

// corruptingStore damages the second item while the write is in flight.
type corruptingStore struct {
	*memstore.Store
}

func (s corruptingStore) CreateBatch(ctx context.Context, draft batchoutbox.BatchDraft) (batchoutbox.Batch, error) {
	draft.Items = append([]batchoutbox.Item(nil), draft.Items...)
	draft.Items[1].Payload = json.RawMessage(`{"truncated":`)

	return s.Store.CreateBatch(ctx, draft)
}

func TestInterruptedIngestLeavesNothing(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	_, err := batchoutbox.NewWriter(corruptingStore{store}).Ingest(ctx, vendorRequests("A", "B", "C"))
	require.ErrorIs(t, err, batchoutbox.ErrInvalidPayload)

	batches, err := store.ListBatches(ctx, batchoutbox.BatchFilter{})
	require.NoError(t, err)
	require.Empty(t, batches)

	result, err := batchoutbox.NewWriter(store).Ingest(ctx, vendorRequests("A"))
	require.NoError(t, err)
	require.Equal(t, int64(1), result.BatchSequence)
}

func TestConcurrentPublishersDeliverInOrder(t *testing.T) {
	store := memstore.New()
	writer := batchoutbox.NewWriter(store)

	var want []string
	for b := 0; b < 6; b++ {
		result, err := writer.Ingest(context.Background(), vendorRequests("A", "B", "C"))
		require.NoError(t, err)
		items, err := store.ListItems(context.Background(), result.BatchID)
		require.NoError(t, err)
		for _, item := range items {
			want = append(want, item.ID)
		}
	}

	var (
		mu  sync.Mutex
		got []string
	)
	bus := membus.New(membus.WithHook(func(msg batchoutbox.Message, _ string) {
		mu.Lock()
		got = append(got, msg.ItemID)
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, owner := range []string{"publisher-a", "publisher-b"} {
		pub := batchoutbox.NewPublisher(store, bus,
			batchoutbox.WithOwner(owner),
			batchoutbox.WithPollInterval(time.Millisecond),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pub.Run(ctx)
		}()
	}

	require.Eventually(t, func() bool {
		count, err := store.PendingCount(context.Background())
		return err == nil && count == 0
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()

	require.Equal(t, want, got)

	ids := append([]string(nil), got...)
	sort.Strings(ids)
	for i := 1; i < len(ids); i++ {
		require.NotEqual(t, ids[i-1], ids[i], "item delivered twice")
	}
}

type pendingRecorder struct {
	batchoutbox.NopMetrics

	mu      sync.Mutex
	samples []int
}

func (m *pendingRecorder) SetPending(count int) {
	m.mu.Lock()
	m.samples = append(m.samples, count)
	m.mu.Unlock()
}

func (m *pendingRecorder) snapshot() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]int(nil), m.samples...)
}

func TestPendingGaugeReportsBacklogWhileBlocked(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	writer := batchoutbox.NewWriter(store)
	for i := 0; i < 3; i++ {
		_, err := writer.Ingest(ctx, vendorRequests("A"))
		require.NoError(t, err)
	}

	bus := membus.New(membus.WithFailures(func(msg batchoutbox.Message, _ int) error {
		if msg.BatchSequence == 1 {
			return batchoutbox.Permanent(errors.New("rejected"))
		}
		return nil
	}))
	metrics := &pendingRecorder{}
	pub := batchoutbox.NewPublisher(store, bus,
		append(quick(), batchoutbox.WithMetrics(metrics), batchoutbox.WithPendingInterval(time.Nanosecond))...)

	outcome, err := pub.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, batchoutbox.OutcomeFailed, outcome)
	for i := 0; i < 3; i++ {
		outcome, err = pub.ProcessOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, batchoutbox.OutcomeBlocked, outcome)
	}

	samples := metrics.snapshot()
	require.NotEmpty(t, samples)
	for _, sample := range samples {
		require.Equal(t, 2, sample)
	}
}
