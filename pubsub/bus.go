// Package pubsub delivers batch outbox messages to a Google Cloud Pub/Sub topic.
//
// Messages carry the batch id as ordering key, so subscribers with message ordering enabled
// receive the items of a batch in the order they were published.
package pubsub

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/velmie/batchoutbox"
)

// ErrTopicRequired is returned when a nil topic is provided.
var ErrTopicRequired = errors.New("batchoutbox pubsub: topic is required")

// Config controls publishing.
type Config struct {
	// DisableOrdering publishes without ordering keys.
	DisableOrdering bool
}

// Option configures the bus.
type Option func(*Config)

// WithoutOrdering publishes without ordering keys, for topics in regions without ordering support.
func WithoutOrdering() Option {
	return func(c *Config) {
		c.DisableOrdering = true
	}
}

// Bus publishes to a single topic and waits for the server message id.
type Bus struct {
	topic *pubsub.Topic
	cfg   Config
}

var _ batchoutbox.Bus = (*Bus)(nil)

// New returns a Bus publishing to topic. Ordering is enabled on the topic unless disabled.
func New(topic *pubsub.Topic, opts ...Option) (*Bus, error) {
	if topic == nil {
		return nil, ErrTopicRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	topic.EnableMessageOrdering = !cfg.DisableOrdering

	return &Bus{topic: topic, cfg: cfg}, nil
}

// Publish sends msg and returns the server assigned message id.
func (b *Bus) Publish(ctx context.Context, msg batchoutbox.Message) (string, error) {
	body, err := msg.Body()
	if err != nil {
		return "", batchoutbox.Permanent(fmt.Errorf("batchoutbox pubsub: encode message failed: %w", err))
	}

	out := &pubsub.Message{
		Data:       body,
		Attributes: msg.Attributes(),
	}
	if !b.cfg.DisableOrdering {
		out.OrderingKey = msg.BatchID
	}

	id, err := b.topic.Publish(ctx, out).Get(ctx)
	if err != nil {
		if out.OrderingKey != "" {
			// Publishing for a key stays paused after a failure until resumed.
			b.topic.ResumePublish(out.OrderingKey)
		}

		return "", classify(fmt.Errorf("batchoutbox pubsub: publish failed: %w", err))
	}

	return id, nil
}

// Stop flushes pending publishes and stops the topic's background goroutines.
func (b *Bus) Stop() {
	b.topic.Stop()
}

func classify(err error) error {
	switch status.Code(errors.Unwrap(err)) {
	case codes.InvalidArgument, codes.PermissionDenied, codes.NotFound, codes.FailedPrecondition:
		return batchoutbox.Permanent(err)
	default:
		return batchoutbox.Transient(err)
	}
}
