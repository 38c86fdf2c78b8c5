package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/velmie/batchoutbox"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, client
}

func streamMessage(itemID string, sequence int) batchoutbox.Message {
	return batchoutbox.Message{
		BatchID:       "batch-1",
		ItemID:        itemID,
		RequestID:     "req-" + itemID,
		VendorName:    "ACME",
		Payload:       json.RawMessage(`{"vendorname":"ACME"}`),
		BatchSequence: 3,
		ItemSequence:  sequence,
		TotalItems:    2,
	}
}

func TestBusAppendsToStream(t *testing.T) {
	_, client := setupRedis(t)
	ctx := context.Background()

	bus, err := NewBus(client, WithStream("work"))
	require.NoError(t, err)

	first, err := bus.Publish(ctx, streamMessage("item-1", 1))
	require.NoError(t, err)
	second, err := bus.Publish(ctx, streamMessage("item-2", 2))
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	entries, err := client.XRange(ctx, "work", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, first, entries[0].ID)
	require.Equal(t, "item-1", entries[0].Values[batchoutbox.AttrItemID])
	require.Equal(t, "1", entries[0].Values[batchoutbox.AttrItemSequence])
	require.Equal(t, "3", entries[0].Values[batchoutbox.AttrBatchSequence])
	require.JSONEq(t,
		`{"batchId":"batch-1","itemId":"item-1","requestId":"req-item-1","vendorName":"ACME","payload":{"vendorname":"ACME"}}`,
		entries[0].Values[fieldBody].(string),
	)
}

func TestBusDeduplicatesRedelivery(t *testing.T) {
	mr, client := setupRedis(t)
	ctx := context.Background()

	bus, err := NewBus(client)
	require.NoError(t, err)

	first, err := bus.Publish(ctx, streamMessage("item-1", 1))
	require.NoError(t, err)
	again, err := bus.Publish(ctx, streamMessage("item-1", 1))
	require.NoError(t, err)
	require.Equal(t, first, again)

	n, err := client.XLen(ctx, defaultStream).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Greater(t, mr.TTL(defaultDedupePrefix+"item-1"), time.Duration(0))
}

func TestBusWrongTypeIsPermanent(t *testing.T) {
	mr, client := setupRedis(t)
	require.NoError(t, mr.Set("work", "not a stream"))

	bus, err := NewBus(client, WithStream("work"))
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), streamMessage("item-1", 1))
	require.Error(t, err)
	require.True(t, batchoutbox.IsPermanent(err))
}

func TestBusUnavailableIsTransient(t *testing.T) {
	mr, client := setupRedis(t)
	bus, err := NewBus(client)
	require.NoError(t, err)

	mr.Close()
	_, err = bus.Publish(context.Background(), streamMessage("item-1", 1))
	require.ErrorIs(t, err, batchoutbox.ErrTransientPublish)
}

func TestNotifierWakesSubscribers(t *testing.T) {
	_, client := setupRedis(t)

	notifier, err := NewNotifier(client, "", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- notifier.Run(ctx) }()

	require.Eventually(t, func() bool {
		require.NoError(t, notifier.Notify(context.Background(), "batch-1"))
		select {
		case <-notifier.Wakeups():
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestConstructorsRequireClient(t *testing.T) {
	_, err := NewBus(nil)
	require.ErrorIs(t, err, ErrClientRequired)
	_, err = NewNotifier(nil, "", nil)
	require.ErrorIs(t, err, ErrClientRequired)
}
