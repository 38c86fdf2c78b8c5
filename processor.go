package batchoutbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle state of a Processor.
type State int32

const (
	// StateStopped means no publisher loop is running.
	StateStopped State = iota
	// StateRunning means the publisher loop is running.
	StateRunning
	// StateStopping means a stop was requested and the loop is winding down.
	StateStopping
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Runner is a long-lived loop that returns when its context is canceled.
type Runner interface {
	Run(ctx context.Context) error
}

// ProcessorStatus is a snapshot of the processor lifecycle.
type ProcessorStatus struct {
	State     State
	Owner     string
	StartedAt *time.Time
	StoppedAt *time.Time
	LastError string
}

// Processor owns the lifecycle of a Runner, typically a Publisher:
// Stopped → Running → Stopping → Stopped. All transitions happen under one mutex.
type Processor struct {
	runner Runner
	owner  string
	clock  Clock
	logger Logger

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt *time.Time
	stoppedAt *time.Time
	lastErr   error
}

// NewProcessor wraps runner. The owner is reported in Status; Publisher runners report their own.
func NewProcessor(runner Runner, clock Clock, logger Logger) *Processor {
	if runner == nil {
		panic("batchoutbox: nil Runner")
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = NopLogger{}
	}

	var owner string
	if pub, ok := runner.(*Publisher); ok {
		owner = pub.Owner()
	}

	return &Processor{
		runner: runner,
		owner:  owner,
		clock:  clock,
		logger: logger,
	}
}

// Start launches the runner in the background. The runner outlives ctx; only Stop ends it.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateRunning:
		return ErrProcessorRunning
	case StateStopping:
		return ErrProcessorStopping
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	now := p.clock.Now()

	p.state = StateRunning
	p.cancel = cancel
	p.done = done
	p.startedAt = &now
	p.stoppedAt = nil
	p.lastErr = nil

	go p.run(runCtx, done)
	p.logger.Info("batchoutbox processor started", "owner", p.owner)

	return nil
}

func (p *Processor) run(ctx context.Context, done chan struct{}) {
	err := p.runner.Run(ctx)

	p.mu.Lock()
	now := p.clock.Now()
	p.state = StateStopped
	p.stoppedAt = &now
	if err != nil && !errors.Is(err, context.Canceled) {
		p.lastErr = err
		p.logger.Error("batchoutbox processor halted", "owner", p.owner, "err", err)
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()

	close(done)
}

// Stop cancels the runner and waits until it returned or ctx ends.
// The in-flight item either finishes persisting or is abandoned before anything is recorded.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()

		return ErrProcessorNotRunning
	}
	if p.state == StateRunning {
		p.state = StateStopping
		p.logger.Info("batchoutbox processor stopping", "owner", p.owner)
	}
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batchoutbox processor stop: %w", ctx.Err())
	}
}

// Done is closed when the current run ends. It is nil before the first Start.
func (p *Processor) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.done
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// Status returns a snapshot for monitoring.
func (p *Processor) Status() ProcessorStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := ProcessorStatus{
		State:     p.state,
		Owner:     p.owner,
		StartedAt: p.startedAt,
		StoppedAt: p.stoppedAt,
	}
	if p.lastErr != nil {
		status.LastError = p.lastErr.Error()
	}

	return status
}
