package batchoutbox

import (
	"context"
	"fmt"
	"strings"
)

// OperatorConfig defines the collaborators of an Operator.
type OperatorConfig struct {
	Clock    Clock
	Logger   Logger
	Notifier Notifier
}

func (c OperatorConfig) withDefaults() OperatorConfig {
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}

	return c
}

// Operator resolves failed batches that hold back the pipeline.
type Operator struct {
	store OperatorStore
	cfg   OperatorConfig
}

// NewOperator constructs an Operator over store.
func NewOperator(store OperatorStore, cfg OperatorConfig) *Operator {
	if store == nil {
		panic("batchoutbox: nil OperatorStore")
	}

	return &Operator{store: store, cfg: cfg.withDefaults()}
}

// SkipBatch accepts the failed items of batchID as lost. The batch stays failed but no longer
// blocks later batches.
func (o *Operator) SkipBatch(ctx context.Context, batchID, reason string) (Batch, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Batch{}, ErrOverrideReasonRequired
	}

	batch, err := o.store.OverrideBatch(ctx, batchID, reason, o.cfg.Clock.Now())
	if err != nil {
		return Batch{}, fmt.Errorf("batchoutbox skip batch %s: %w", batchID, err)
	}

	o.cfg.Logger.Warn("batchoutbox batch skipped by operator",
		"batch_id", batch.ID,
		"batch_sequence", batch.Sequence,
		"reason", reason,
	)
	o.notify(ctx, batch.ID)

	return batch, nil
}

// RetryBatch puts batchID and its failed items back to pending. The batch keeps its sequence.
func (o *Operator) RetryBatch(ctx context.Context, batchID string) (Batch, error) {
	batch, err := o.store.RetryBatch(ctx, batchID, o.cfg.Clock.Now())
	if err != nil {
		return Batch{}, fmt.Errorf("batchoutbox retry batch %s: %w", batchID, err)
	}

	o.cfg.Logger.Info("batchoutbox batch retried by operator",
		"batch_id", batch.ID,
		"batch_sequence", batch.Sequence,
	)
	o.notify(ctx, batch.ID)

	return batch, nil
}

func (o *Operator) notify(ctx context.Context, batchID string) {
	if o.cfg.Notifier == nil {
		return
	}
	if err := o.cfg.Notifier.Notify(ctx, batchID); err != nil {
		o.cfg.Logger.Warn("batchoutbox operator notify failed", "batch_id", batchID, "err", err)
	}
}
