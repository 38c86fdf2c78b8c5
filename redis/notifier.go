package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/velmie/batchoutbox"
)

const defaultChannel = "batchoutbox:batches"

// Notifier announces committed batches on a Redis channel and turns announcements from any
// process into local wake-ups.
type Notifier struct {
	client  goredis.UniversalClient
	channel string
	logger  batchoutbox.Logger
	wake    *batchoutbox.ChannelNotifier
}

var (
	_ batchoutbox.Notifier   = (*Notifier)(nil)
	_ batchoutbox.WakeSource = (*Notifier)(nil)
)

// NewNotifier returns a Notifier on channel (default "batchoutbox:batches").
func NewNotifier(client goredis.UniversalClient, channel string, logger batchoutbox.Logger) (*Notifier, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if channel == "" {
		channel = defaultChannel
	}
	if logger == nil {
		logger = batchoutbox.NopLogger{}
	}

	return &Notifier{
		client:  client,
		channel: channel,
		logger:  logger,
		wake:    batchoutbox.NewChannelNotifier(),
	}, nil
}

// Notify publishes the batch id on the channel.
func (n *Notifier) Notify(ctx context.Context, batchID string) error {
	if err := n.client.Publish(ctx, n.channel, batchID).Err(); err != nil {
		return fmt.Errorf("batchoutbox redis: notify failed: %w", err)
	}

	return nil
}

// Wakeups implements batchoutbox.WakeSource.
func (n *Notifier) Wakeups() <-chan struct{} {
	return n.wake.Wakeups()
}

// Run subscribes to the channel and forwards announcements as wake-ups until ctx is canceled.
func (n *Notifier) Run(ctx context.Context) error {
	sub := n.client.Subscribe(ctx, n.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("batchoutbox redis: subscribe failed: %w", err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			n.logger.Debug("batchoutbox redis notification", "batch_id", msg.Payload)
			n.wake.Signal()
		}
	}
}
