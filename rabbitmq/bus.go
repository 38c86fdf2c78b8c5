package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/velmie/batchoutbox"
)

const (
	defaultConfirmTimeout = 5 * time.Second
	contentTypeJSON       = "application/json"
)

var (
	// ErrChannelRequired is returned when a nil channel is provided.
	ErrChannelRequired = errors.New("batchoutbox rabbitmq: channel is required")
	// ErrConfirmModeUnavailable is returned when the channel cannot enter confirm mode.
	ErrConfirmModeUnavailable = errors.New("batchoutbox rabbitmq: channel does not support confirm mode")
	// ErrChannelClosed is returned when the channel closed before the broker confirmed.
	ErrChannelClosed = errors.New("batchoutbox rabbitmq: channel closed")
	// ErrNacked is returned when the broker rejected the message.
	ErrNacked = errors.New("batchoutbox rabbitmq: message nacked by broker")
	// ErrConfirmTimeout is returned when the broker did not confirm in time.
	ErrConfirmTimeout = errors.New("batchoutbox rabbitmq: confirm timed out")
)

// Channel is the part of *amqp.Channel the bus uses.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelProvider opens a replacement channel after the current one closed.
type ChannelProvider func() (Channel, error)

// Config controls publishing.
type Config struct {
	// Exchange receives every message. Empty means the default exchange.
	Exchange string
	// RoutingKey is used for every message unless RouteByVendor is set.
	RoutingKey string
	// RouteByVendor uses the message vendor name as routing key.
	RouteByVendor bool
	// ConfirmTimeout bounds the wait for a broker confirm.
	ConfirmTimeout time.Duration
	// Provider reopens the channel on the next publish after a close.
	Provider ChannelProvider
	// Clock stamps outgoing messages.
	Clock batchoutbox.Clock
}

func (c Config) withDefaults() Config {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = defaultConfirmTimeout
	}
	if c.Clock == nil {
		c.Clock = batchoutbox.SystemClock{}
	}

	return c
}

// Option configures the bus.
type Option func(*Config)

// WithExchange sets the exchange and the fixed routing key.
func WithExchange(exchange, routingKey string) Option {
	return func(c *Config) {
		c.Exchange = exchange
		c.RoutingKey = routingKey
	}
}

// WithVendorRouting routes each message by its vendor name.
func WithVendorRouting() Option {
	return func(c *Config) {
		c.RouteByVendor = true
	}
}

// WithConfirmTimeout bounds the wait for a broker confirm.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.ConfirmTimeout = timeout
	}
}

// WithChannelProvider enables reopening the channel after it closed.
func WithChannelProvider(provider ChannelProvider) Option {
	return func(c *Config) {
		c.Provider = provider
	}
}

// WithClock overrides the message timestamp source.
func WithClock(clock batchoutbox.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// Bus publishes messages one at a time and waits for each confirm.
// Calls are serialized so confirms arrive in delivery tag order.
type Bus struct {
	cfg Config

	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
	closed   chan *amqp.Error
	tag      uint64
	broken   bool
	shut     bool
}

var _ batchoutbox.Bus = (*Bus)(nil)

// New puts ch into confirm mode and returns a Bus publishing on it.
func New(ch Channel, opts ...Option) (*Bus, error) {
	if ch == nil {
		return nil, ErrChannelRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	b := &Bus{cfg: cfg.withDefaults()}
	if err := b.attach(ch); err != nil {
		return nil, err
	}

	return b, nil
}

func (b *Bus) attach(ch Channel) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	b.ch = ch
	b.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	b.closed = ch.NotifyClose(make(chan *amqp.Error, 1))
	b.tag = 0
	b.broken = false

	return nil
}

// Publish sends msg and returns "<exchange>/<routingKey>#<deliveryTag>:<itemId>" once the broker
// confirms it. Delivery tags restart with every channel, the item id keeps the result unique.
func (b *Bus) Publish(ctx context.Context, msg batchoutbox.Message) (string, error) {
	body, err := msg.Body()
	if err != nil {
		return "", batchoutbox.Permanent(fmt.Errorf("batchoutbox rabbitmq: encode message failed: %w", err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ready(); err != nil {
		return "", batchoutbox.Transient(err)
	}

	key := b.cfg.RoutingKey
	if b.cfg.RouteByVendor {
		key = msg.VendorName
	}

	headers := amqp.Table{}
	for k, v := range msg.Attributes() {
		headers[k] = v
	}

	publishing := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.IdempotencyKey(),
		Timestamp:    b.cfg.Clock.Now(),
		Headers:      headers,
		Body:         body,
	}
	if err := b.ch.PublishWithContext(ctx, b.cfg.Exchange, key, false, false, publishing); err != nil {
		b.invalidate()

		return "", batchoutbox.Transient(fmt.Errorf("batchoutbox rabbitmq: publish failed: %w", err))
	}
	b.tag++

	if err := b.waitConfirm(ctx); err != nil {
		return "", batchoutbox.Transient(err)
	}

	return fmt.Sprintf("%s/%s#%d:%s", b.cfg.Exchange, key, b.tag, msg.IdempotencyKey()), nil
}

// ready reopens a closed channel when a provider is configured.
func (b *Bus) ready() error {
	if !b.broken {
		return nil
	}
	if b.shut || b.cfg.Provider == nil {
		return ErrChannelClosed
	}

	ch, err := b.cfg.Provider()
	if err != nil {
		return fmt.Errorf("%w: reopen failed: %w", ErrChannelClosed, err)
	}
	if ch == nil {
		return ErrChannelClosed
	}

	return b.attach(ch)
}

func (b *Bus) waitConfirm(ctx context.Context) error {
	timer := time.NewTimer(b.cfg.ConfirmTimeout)
	defer timer.Stop()

	for {
		select {
		case confirm, ok := <-b.confirms:
			if !ok {
				b.invalidate()

				return ErrChannelClosed
			}
			if confirm.DeliveryTag < b.tag {
				continue
			}
			if !confirm.Ack {
				return fmt.Errorf("%w: delivery_tag=%d", ErrNacked, confirm.DeliveryTag)
			}

			return nil
		case amqpErr := <-b.closed:
			b.invalidate()
			if amqpErr != nil {
				return fmt.Errorf("%w: %w", ErrChannelClosed, amqpErr)
			}

			return ErrChannelClosed
		case <-timer.C:
			// A late confirm would be matched to the next publish.
			b.invalidate()

			return ErrConfirmTimeout
		case <-ctx.Done():
			b.invalidate()

			return ctx.Err()
		}
	}
}

func (b *Bus) invalidate() {
	if b.broken {
		return
	}
	b.broken = true
	_ = b.ch.Close()
}

// Close closes the current channel. The bus does not reopen it afterwards.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.shut = true
	if b.broken {
		return nil
	}
	b.broken = true

	return b.ch.Close()
}
