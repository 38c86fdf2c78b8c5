package batchoutbox

import "context"

// Notifier announces newly committed batches to publishers.
type Notifier interface {
	Notify(ctx context.Context, batchID string) error
}

// WakeSource delivers wake-up signals to a publisher. Signals are hints; polling
// remains the correctness fallback.
type WakeSource interface {
	Wakeups() <-chan struct{}
}

// ChannelNotifier is an in-process Notifier and WakeSource.
// Signals coalesce: any number of notifications between two reads wake the reader once.
type ChannelNotifier struct {
	ch chan struct{}
}

// NewChannelNotifier returns a ready ChannelNotifier.
func NewChannelNotifier() *ChannelNotifier {
	return &ChannelNotifier{ch: make(chan struct{}, 1)}
}

// Notify implements Notifier and never blocks.
func (n *ChannelNotifier) Notify(context.Context, string) error {
	n.Signal()

	return nil
}

// Signal queues a wake-up unless one is already queued.
func (n *ChannelNotifier) Signal() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// Wakeups implements WakeSource.
func (n *ChannelNotifier) Wakeups() <-chan struct{} {
	return n.ch
}

// MultiNotifier fans a notification out to several notifiers and returns the first error.
type MultiNotifier []Notifier

// Notify implements Notifier.
func (m MultiNotifier) Notify(ctx context.Context, batchID string) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, batchID); err != nil && first == nil {
			first = err
		}
	}

	return first
}
