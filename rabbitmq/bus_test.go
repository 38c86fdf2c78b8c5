package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/velmie/batchoutbox"
)

type fakeChannel struct {
	mu          sync.Mutex
	confirmErr  error
	publishErr  error
	confirms    chan amqp.Confirmation
	closeNotify chan *amqp.Error
	published   []amqp.Publishing
	keys        []string
	closed      bool
	autoAck     *bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{closeNotify: make(chan *amqp.Error, 1)}
}

func (f *fakeChannel) Confirm(bool) error {
	return f.confirmErr
}

func (f *fakeChannel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = confirm

	return confirm
}

func (f *fakeChannel) NotifyClose(chan *amqp.Error) chan *amqp.Error {
	return f.closeNotify
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	if f.autoAck != nil {
		f.confirms <- amqp.Confirmation{DeliveryTag: uint64(len(f.published)), Ack: *f.autoAck}
	}

	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true

	return nil
}

func acking(ack bool) *fakeChannel {
	ch := newFakeChannel()
	ch.autoAck = &ack

	return ch
}

func testMessage() batchoutbox.Message {
	return batchoutbox.Message{
		BatchID:       "batch-1",
		ItemID:        "item-1",
		RequestID:     "req-1",
		VendorName:    "ACME",
		Payload:       json.RawMessage(`{"vendorname":"ACME"}`),
		BatchSequence: 7,
		ItemSequence:  1,
		TotalItems:    2,
	}
}

func TestPublishWaitsForConfirm(t *testing.T) {
	ch := acking(true)
	bus, err := New(ch, WithExchange("outbox", "work"))
	require.NoError(t, err)

	id, err := bus.Publish(context.Background(), testMessage())
	require.NoError(t, err)
	require.Equal(t, "outbox/work#1:item-1", id)

	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	require.Equal(t, "item-1", msg.MessageId)
	require.Equal(t, amqp.Persistent, msg.DeliveryMode)
	require.Equal(t, "application/json", msg.ContentType)
	require.Equal(t, "batch-1", msg.Headers[batchoutbox.AttrBatchID])
	require.Equal(t, "7", msg.Headers[batchoutbox.AttrBatchSequence])
	require.JSONEq(t, `{"batchId":"batch-1","itemId":"item-1","requestId":"req-1","vendorName":"ACME","payload":{"vendorname":"ACME"}}`, string(msg.Body))

	id, err = bus.Publish(context.Background(), testMessage())
	require.NoError(t, err)
	require.Equal(t, "outbox/work#2:item-1", id)
}

func TestPublishRoutesByVendor(t *testing.T) {
	ch := acking(true)
	bus, err := New(ch, WithExchange("outbox", "ignored"), WithVendorRouting())
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), testMessage())
	require.NoError(t, err)
	require.Equal(t, []string{"ACME"}, ch.keys)
}

func TestPublishNackIsTransient(t *testing.T) {
	bus, err := New(acking(false))
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), testMessage())
	require.ErrorIs(t, err, ErrNacked)
	require.ErrorIs(t, err, batchoutbox.ErrTransientPublish)
}

func TestPublishTimeoutClosesChannel(t *testing.T) {
	ch := newFakeChannel()
	bus, err := New(ch, WithConfirmTimeout(10*time.Millisecond))
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), testMessage())
	require.ErrorIs(t, err, ErrConfirmTimeout)
	require.True(t, ch.closed)

	_, err = bus.Publish(context.Background(), testMessage())
	require.ErrorIs(t, err, ErrChannelClosed)
	require.ErrorIs(t, err, batchoutbox.ErrTransientPublish)
}

func TestPublishReopensChannel(t *testing.T) {
	first := newFakeChannel()
	first.publishErr = errors.New("channel/connection is not open")
	second := acking(true)

	bus, err := New(first, WithChannelProvider(func() (Channel, error) { return second, nil }))
	require.NoError(t, err)

	_, err = bus.Publish(context.Background(), testMessage())
	require.ErrorIs(t, err, batchoutbox.ErrTransientPublish)

	id, err := bus.Publish(context.Background(), testMessage())
	require.NoError(t, err)
	require.Equal(t, "/#1:item-1", id)
}

func TestPublishIDsStayDistinctAcrossChannels(t *testing.T) {
	first := acking(true)
	second := acking(true)
	bus, err := New(first, WithExchange("outbox", "work"), WithChannelProvider(func() (Channel, error) { return second, nil }))
	require.NoError(t, err)

	firstID, err := bus.Publish(context.Background(), testMessage())
	require.NoError(t, err)

	first.mu.Lock()
	first.publishErr = errors.New("channel/connection is not open")
	first.mu.Unlock()
	_, err = bus.Publish(context.Background(), testMessage())
	require.ErrorIs(t, err, batchoutbox.ErrTransientPublish)

	next := testMessage()
	next.ItemID = "item-2"
	secondID, err := bus.Publish(context.Background(), next)
	require.NoError(t, err)
	require.Len(t, second.published, 1)
	require.NotEqual(t, firstID, secondID)
	require.Equal(t, "outbox/work#1:item-2", secondID)
}

func TestPublishCanceledContext(t *testing.T) {
	bus, err := New(newFakeChannel())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = bus.Publish(ctx, testMessage())
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, batchoutbox.IsPermanent(err))
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrChannelRequired)

	ch := newFakeChannel()
	ch.confirmErr = errors.New("not supported")
	_, err = New(ch)
	require.ErrorIs(t, err, ErrConfirmModeUnavailable)
}
