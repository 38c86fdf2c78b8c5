// Package breaker wraps a batch outbox Bus with a circuit breaker.
//
// While the breaker is open, Publish fails fast with a transient error, so the publisher backs off
// and retries later instead of hammering an unavailable bus. Permanent publish errors and
// cancellations do not count as failures.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/velmie/batchoutbox"
)

// ErrOpen is returned while the breaker rejects publishes.
var ErrOpen = errors.New("batchoutbox breaker: bus circuit open")

// Config controls when the breaker trips and recovers.
type Config struct {
	// Name identifies the breaker in state change logs.
	Name string
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
	// Interval clears failure counts while closed. Zero never clears them.
	Interval time.Duration
	// Logger receives state changes.
	Logger batchoutbox.Logger
}

// DefaultConfig trips after 5 consecutive failures and probes again after 30 seconds.
func DefaultConfig() Config {
	return Config{
		Name:                "batchoutbox-bus",
		ConsecutiveFailures: 5,
		Timeout:             30 * time.Second,
		MaxRequests:         1,
	}
}

// Bus is a batchoutbox.Bus guarded by a circuit breaker.
type Bus struct {
	next batchoutbox.Bus
	cb   *gobreaker.CircuitBreaker
}

var _ batchoutbox.Bus = (*Bus)(nil)

// Wrap returns next guarded by a breaker configured with cfg.
func Wrap(next batchoutbox.Bus, cfg Config) *Bus {
	if next == nil {
		panic("batchoutbox breaker: bus is required")
	}

	defaults := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = defaults.ConsecutiveFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = defaults.MaxRequests
	}
	if cfg.Logger == nil {
		cfg.Logger = batchoutbox.NopLogger{}
	}

	logger := cfg.Logger
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("batchoutbox breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: countsAsSuccess,
	}

	return &Bus{next: next, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Publish forwards to the wrapped bus unless the breaker is open.
func (b *Bus) Publish(ctx context.Context, msg batchoutbox.Message) (string, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return b.next.Publish(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", batchoutbox.Transient(fmt.Errorf("%w: %w", ErrOpen, err))
	}
	if err != nil {
		return "", err
	}

	id, _ := result.(string)

	return id, nil
}

// State returns the breaker state as "closed", "half-open" or "open".
func (b *Bus) State() string {
	return b.cb.State().String()
}

func countsAsSuccess(err error) bool {
	return err == nil ||
		batchoutbox.IsPermanent(err) ||
		errors.Is(err, context.Canceled)
}
