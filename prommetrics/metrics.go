// Package prommetrics implements batchoutbox.Metrics with Prometheus collectors.
package prommetrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/velmie/batchoutbox"
)

const defaultNamespace = "batchoutbox"

// Metrics records ingest and publisher telemetry in Prometheus collectors.
type Metrics struct {
	ingestBatches   prometheus.Counter
	ingestItems     prometheus.Counter
	ingestDuration  prometheus.Histogram
	batchDuration   prometheus.Histogram
	published       prometheus.Counter
	publishErrors   prometheus.Counter
	retries         prometheus.Counter
	itemsFailed     prometheus.Counter
	batchesFinished *prometheus.CounterVec
	leaseLost       prometheus.Counter
	blocked         prometheus.Gauge
	pending         prometheus.Gauge
}

var _ batchoutbox.Metrics = (*Metrics)(nil)

// New creates the collectors under namespace (default "batchoutbox") and registers them with reg.
func New(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		ingestBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingested_batches_total", Help: "Batches written by the ingest writer.",
		}),
		ingestItems: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ingested_items_total", Help: "Items written by the ingest writer.",
		}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ingest_duration_seconds", Help: "Duration of atomic batch writes.",
			Buckets: prometheus.DefBuckets,
		}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "batch_drain_duration_seconds", Help: "Time spent draining a batch in one pass.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "published_items_total", Help: "Items confirmed by the bus.",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_errors_total", Help: "Failed publish attempts.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "publish_retries_total", Help: "Publish retries.",
		}),
		itemsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "failed_items_total", Help: "Items that exhausted their attempts.",
		}),
		batchesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "finalized_batches_total", Help: "Batches reaching a terminal status.",
		}, []string{"status"}),
		leaseLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lease_lost_total", Help: "Drains aborted because the lease was lost.",
		}),
		blocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pipeline_blocked", Help: "1 while an unresolved failed batch blocks the pipeline.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_batches", Help: "Batches not yet committed or failed.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.ingestBatches, m.ingestItems, m.ingestDuration, m.batchDuration, m.published, m.publishErrors,
		m.retries, m.itemsFailed, m.batchesFinished, m.leaseLost, m.blocked, m.pending,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("batchoutbox prommetrics: register failed: %w", err)
		}
	}

	return m, nil
}

// ObserveIngest implements batchoutbox.Metrics.
func (m *Metrics) ObserveIngest(items int, duration time.Duration) {
	m.ingestBatches.Inc()
	m.ingestItems.Add(float64(items))
	m.ingestDuration.Observe(duration.Seconds())
}

// ObserveBatchDuration implements batchoutbox.Metrics.
func (m *Metrics) ObserveBatchDuration(duration time.Duration) {
	m.batchDuration.Observe(duration.Seconds())
}

// AddPublished implements batchoutbox.Metrics.
func (m *Metrics) AddPublished(count int) { m.published.Add(float64(count)) }

// AddPublishErrors implements batchoutbox.Metrics.
func (m *Metrics) AddPublishErrors(count int) { m.publishErrors.Add(float64(count)) }

// AddRetries implements batchoutbox.Metrics.
func (m *Metrics) AddRetries(count int) { m.retries.Add(float64(count)) }

// AddItemsFailed implements batchoutbox.Metrics.
func (m *Metrics) AddItemsFailed(count int) { m.itemsFailed.Add(float64(count)) }

// AddBatchesFinalized implements batchoutbox.Metrics.
func (m *Metrics) AddBatchesFinalized(status batchoutbox.BatchStatus, count int) {
	m.batchesFinished.WithLabelValues(string(status)).Add(float64(count))
}

// AddLeaseLost implements batchoutbox.Metrics.
func (m *Metrics) AddLeaseLost(count int) { m.leaseLost.Add(float64(count)) }

// SetBlocked implements batchoutbox.Metrics.
func (m *Metrics) SetBlocked(blocked bool) {
	if blocked {
		m.blocked.Set(1)

		return
	}
	m.blocked.Set(0)
}

// SetPending implements batchoutbox.Metrics.
func (m *Metrics) SetPending(count int) { m.pending.Set(float64(count)) }
