package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/velmie/batchoutbox"
)

const (
	defaultStream       = "batchoutbox:messages"
	defaultDedupePrefix = "batchoutbox:delivered:"
	defaultDedupeTTL    = 24 * time.Hour
	fieldBody           = "body"
)

// ErrClientRequired is returned when a nil client is provided.
var ErrClientRequired = errors.New("batchoutbox redis: client is required")

// publishScript appends to the stream unless the item was already delivered and
// returns the entry id of the first delivery.
var publishScript = goredis.NewScript(`
local existing = redis.call('GET', KEYS[2])
if existing then
	return existing
end
local id = redis.call('XADD', KEYS[1], '*', unpack(ARGV, 2))
if tonumber(ARGV[1]) > 0 then
	redis.call('SET', KEYS[2], id, 'PX', ARGV[1])
else
	redis.call('SET', KEYS[2], id)
end
return id
`)

// BusConfig controls stream publishing.
type BusConfig struct {
	// Stream receives every message.
	Stream string
	// DedupePrefix prefixes the per-item key remembering the first entry id.
	DedupePrefix string
	// DedupeTTL bounds how long re-deliveries are recognized. Zero keeps keys forever.
	DedupeTTL time.Duration
}

func (c BusConfig) withDefaults() BusConfig {
	if c.Stream == "" {
		c.Stream = defaultStream
	}
	if c.DedupePrefix == "" {
		c.DedupePrefix = defaultDedupePrefix
	}
	if c.DedupeTTL < 0 {
		c.DedupeTTL = defaultDedupeTTL
	}

	return c
}

// BusOption configures the stream bus.
type BusOption func(*BusConfig)

// WithStream sets the stream name.
func WithStream(stream string) BusOption {
	return func(c *BusConfig) {
		c.Stream = stream
	}
}

// WithDedupe sets the de-duplication key prefix and retention.
func WithDedupe(prefix string, ttl time.Duration) BusOption {
	return func(c *BusConfig) {
		c.DedupePrefix = prefix
		c.DedupeTTL = ttl
	}
}

// Bus appends messages to a Redis stream. The stream entry id is the delivery id.
type Bus struct {
	client goredis.UniversalClient
	cfg    BusConfig
}

var _ batchoutbox.Bus = (*Bus)(nil)

// NewBus returns a stream Bus. Re-deliveries of an item return the entry id of its first delivery.
func NewBus(client goredis.UniversalClient, opts ...BusOption) (*Bus, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	cfg := BusConfig{DedupeTTL: defaultDedupeTTL}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Bus{client: client, cfg: cfg.withDefaults()}, nil
}

// Publish appends msg to the stream.
func (b *Bus) Publish(ctx context.Context, msg batchoutbox.Message) (string, error) {
	body, err := msg.Body()
	if err != nil {
		return "", batchoutbox.Permanent(fmt.Errorf("batchoutbox redis: encode message failed: %w", err))
	}

	attrs := msg.Attributes()
	args := make([]any, 0, 1+2*(len(attrs)+1))
	args = append(args, b.cfg.DedupeTTL.Milliseconds())
	for _, key := range []string{
		batchoutbox.AttrBatchID,
		batchoutbox.AttrBatchSequence,
		batchoutbox.AttrItemID,
		batchoutbox.AttrItemSequence,
		batchoutbox.AttrTotalItems,
		batchoutbox.AttrVendorName,
	} {
		args = append(args, key, attrs[key])
	}
	args = append(args, fieldBody, string(body))

	keys := []string{b.cfg.Stream, b.cfg.DedupePrefix + msg.IdempotencyKey()}
	id, err := publishScript.Run(ctx, b.client, keys, args...).Text()
	if err != nil {
		return "", classify(fmt.Errorf("batchoutbox redis: publish failed: %w", err))
	}

	return id, nil
}

// classify treats server replies about wrong key types as permanent and everything else as transient.
func classify(err error) error {
	var replyErr goredis.Error
	if errors.As(err, &replyErr) && strings.Contains(replyErr.Error(), "WRONGTYPE") {
		return batchoutbox.Permanent(err)
	}

	return batchoutbox.Transient(err)
}
