// Package membus provides an in-memory message bus for development and tests.
package membus

import (
	"context"
	"fmt"
	"sync"

	"github.com/velmie/batchoutbox"
)

var _ batchoutbox.Bus = (*Bus)(nil)

// FailFunc decides whether a publish attempt fails. attempt counts calls per item id from 1.
// Returning nil lets the message through.
type FailFunc func(msg batchoutbox.Message, attempt int) error

// Option configures a Bus.
type Option func(*Bus)

// WithFailures installs a failure script.
func WithFailures(fn FailFunc) Option {
	return func(b *Bus) {
		b.fail = fn
	}
}

// WithHook registers a callback run after every accepted publish, duplicates included.
func WithHook(fn func(msg batchoutbox.Message, deliveryID string)) Option {
	return func(b *Bus) {
		b.hook = fn
	}
}

// Bus records published messages. A message whose item id was already accepted is
// acknowledged again with its original delivery id and not stored twice.
type Bus struct {
	fail FailFunc
	hook func(batchoutbox.Message, string)

	mu        sync.Mutex
	seq       int64
	attempts  map[string]int
	delivered map[string]string
	messages  []batchoutbox.Message
	calls     int
}

// New returns an empty Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		attempts:  make(map[string]int),
		delivered: make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Publish implements batchoutbox.Bus.
func (b *Bus) Publish(ctx context.Context, msg batchoutbox.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", batchoutbox.Transient(err)
	}

	b.mu.Lock()
	key := msg.IdempotencyKey()
	b.attempts[key]++
	attempt := b.attempts[key]
	fail := b.fail
	b.mu.Unlock()

	if fail != nil {
		if err := fail(msg, attempt); err != nil {
			return "", err
		}
	}

	b.mu.Lock()
	b.calls++
	id, seen := b.delivered[key]
	if !seen {
		b.seq++
		id = fmt.Sprintf("mem-%d", b.seq)
		b.delivered[key] = id
		b.messages = append(b.messages, msg)
	}
	hook := b.hook
	b.mu.Unlock()

	if hook != nil {
		hook(msg, id)
	}

	return id, nil
}

// Messages returns the distinct accepted messages in acceptance order.
func (b *Bus) Messages() []batchoutbox.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]batchoutbox.Message(nil), b.messages...)
}

// Calls returns the number of accepted publishes, duplicates included.
func (b *Bus) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.calls
}

// Attempts returns how many times itemID was offered, failed attempts included.
func (b *Bus) Attempts(itemID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.attempts[itemID]
}
