package batchoutbox

import "time"

// Metrics captures ingest and publisher telemetry.
type Metrics interface {
	// ObserveIngest records an ingested batch and how long the atomic write took.
	ObserveIngest(items int, duration time.Duration)
	// ObserveBatchDuration records the time spent draining a batch in one pass.
	ObserveBatchDuration(duration time.Duration)
	// AddPublished increments the count of delivered items.
	AddPublished(count int)
	// AddPublishErrors increments the count of failed publish attempts.
	AddPublishErrors(count int)
	// AddRetries increments the count of publish retries.
	AddRetries(count int)
	// AddItemsFailed increments the count of items that exhausted their attempts.
	AddItemsFailed(count int)
	// AddBatchesFinalized increments the count of batches reaching status.
	AddBatchesFinalized(status BatchStatus, count int)
	// AddLeaseLost increments the count of drains aborted on lease loss.
	AddLeaseLost(count int)
	// SetBlocked reports whether an unresolved failed batch blocks the pipeline.
	SetBlocked(blocked bool)
	// SetPending updates the current number of incomplete batches.
	SetPending(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveIngest implements Metrics.
func (NopMetrics) ObserveIngest(int, time.Duration) {}

// ObserveBatchDuration implements Metrics.
func (NopMetrics) ObserveBatchDuration(time.Duration) {}

// AddPublished implements Metrics.
func (NopMetrics) AddPublished(int) {}

// AddPublishErrors implements Metrics.
func (NopMetrics) AddPublishErrors(int) {}

// AddRetries implements Metrics.
func (NopMetrics) AddRetries(int) {}

// AddItemsFailed implements Metrics.
func (NopMetrics) AddItemsFailed(int) {}

// AddBatchesFinalized implements Metrics.
func (NopMetrics) AddBatchesFinalized(BatchStatus, int) {}

// AddLeaseLost implements Metrics.
func (NopMetrics) AddLeaseLost(int) {}

// SetBlocked implements Metrics.
func (NopMetrics) SetBlocked(bool) {}

// SetPending implements Metrics.
func (NopMetrics) SetPending(int) {}
