//go:build integration

package mongo_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/velmie/batchoutbox"
	"github.com/velmie/batchoutbox/membus"
	"github.com/velmie/batchoutbox/mongo"
)

func TestIngestAndPublishIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	store, _ := startStore(t, ctx)

	writer := batchoutbox.NewWriter(store)
	first, err := writer.Ingest(ctx, requests("A", "B", "A"))
	require.NoError(t, err)
	second, err := writer.Ingest(ctx, requests("C"))
	require.NoError(t, err)
	require.Equal(t, first.BatchSequence+1, second.BatchSequence)

	bus := membus.New()
	pub := batchoutbox.NewPublisher(store, bus,
		batchoutbox.WithOwner("publisher-a"),
		batchoutbox.WithBackoff(batchoutbox.Backoff{Initial: time.Millisecond, Max: time.Millisecond}),
	)
	for i := 0; i < 2; i++ {
		outcome, err := pub.ProcessOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, batchoutbox.OutcomeCommitted, outcome)
	}

	messages := bus.Messages()
	require.Len(t, messages, 4)
	for i, msg := range messages[:3] {
		require.Equal(t, first.BatchID, msg.BatchID)
		require.Equal(t, i+1, msg.ItemSequence)
	}

	pending, err := store.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, pending)

	items, err := store.ListItems(ctx, first.BatchID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.JSONEq(t, string(requests("A", "B", "A")[0]), string(items[0].Payload))
	require.True(t, items[0].Sent)
}

func TestCreateBatchRollsBackOnItemFailureIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	store, client := startStore(t, ctx)

	now := time.Now().UTC()
	_, err := store.CreateBatch(ctx, draft("batch-0", now, "item-shared"))
	require.NoError(t, err)

	// The second draft reuses an item id, so its item insert fails after the header was written.
	_, err = store.CreateBatch(ctx, draft("batch-1", now, "item-shared"))
	require.Error(t, err)

	_, err = store.GetBatch(ctx, "batch-1")
	require.ErrorIs(t, err, batchoutbox.ErrBatchNotFound)

	next, err := store.AllocateNext(ctx, batchoutbox.BatchSequenceCounter)
	require.NoError(t, err)
	require.Equal(t, int64(2), next)

	count, err := client.Database("batchoutbox").Collection("batchoutbox_batches").CountDocuments(ctx, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestLeaseFencingIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	ctx := context.Background()
	store, _ := startStore(t, ctx)

	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err := store.CreateBatch(ctx, draft("batch-1", now, "item-1"))
	require.NoError(t, err)

	first, err := store.ClaimBatch(ctx, batchoutbox.ClaimRequest{BatchID: "batch-1", Owner: "a", Now: now, TTL: time.Second})
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, batchoutbox.ClaimRequest{BatchID: "batch-1", Owner: "b", Now: now, TTL: time.Second})
	require.ErrorIs(t, err, batchoutbox.ErrBatchClaimed)

	later := now.Add(2 * time.Second)
	second, err := store.ClaimBatch(ctx, batchoutbox.ClaimRequest{BatchID: "batch-1", Owner: "b", Now: later, TTL: time.Minute})
	require.NoError(t, err)
	require.Equal(t, first.Token+1, second.Token)

	err = store.MarkItemSent(ctx, first, batchoutbox.Delivery{ItemID: "item-1", PublishID: "p", SentAt: later, Attempts: 1})
	require.ErrorIs(t, err, batchoutbox.ErrLeaseLost)

	require.NoError(t, store.MarkItemFailed(ctx, second, batchoutbox.ItemFailure{ItemID: "item-1", Err: "boom", Attempts: 3, FailedAt: later}))
	failed, err := store.FinalizeBatch(ctx, second, later)
	require.NoError(t, err)
	require.Equal(t, batchoutbox.BatchFailed, failed.Status)

	head, err := store.NextBatch(ctx, batchoutbox.SelectOptions{IncludeFailed: true})
	require.NoError(t, err)
	require.Equal(t, "batch-1", head.ID)

	retried, err := store.RetryBatch(ctx, "batch-1", later)
	require.NoError(t, err)
	require.Equal(t, batchoutbox.BatchPending, retried.Status)

	items, err := store.PendingItems(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Zero(t, items[0].Attempts)
	require.Empty(t, items[0].LastError)
}

func startStore(t *testing.T, ctx context.Context) (*mongo.Store, *mongodriver.Client) {
	t.Helper()

	container, err := tcmongo.Run(ctx, "mongo:7", tcmongo.WithReplicaSet("rs0"))
	if err != nil {
		t.Skipf("start mongo container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(ctx) })

	store, err := mongo.NewStore(client, "batchoutbox")
	require.NoError(t, err)
	require.NoError(t, store.EnsureIndexes(ctx))

	return store, client
}

func requests(vendors ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(vendors))
	for i, vendor := range vendors {
		out[i] = json.RawMessage(fmt.Sprintf(`{"vendorname":%q,"task":%d}`, vendor, i+1))
	}

	return out
}

func draft(id string, now time.Time, itemID string) batchoutbox.BatchDraft {
	return batchoutbox.BatchDraft{
		ID:           id,
		CreatedAt:    now,
		VendorCounts: map[string]int{"A": 1},
		Items: []batchoutbox.Item{{
			ID:         itemID,
			BatchID:    id,
			Sequence:   1,
			RequestID:  id + "-req",
			VendorName: "A",
			Payload:    json.RawMessage(`{"vendorname":"A"}`),
			CreatedAt:  now,
		}},
	}
}
