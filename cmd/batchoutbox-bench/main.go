// Command batchoutbox-bench measures ingest and drain throughput of the batch outbox.
//
// Producers ingest batches concurrently; a single publisher then drains them in order
// into an in-memory bus, so the numbers reflect the store and the core algorithm only.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/velmie/batchoutbox"
	"github.com/velmie/batchoutbox/membus"
	"github.com/velmie/batchoutbox/memstore"
	"github.com/velmie/batchoutbox/mysql"
)

const (
	storeMemory = "memory"
	storeMySQL  = "mysql"

	defaultBatches      = 1000
	defaultItems        = 10
	defaultPayloadBytes = 256
	defaultProducers    = 4
	defaultDrainTimeout = 5 * time.Minute

	percentileP50 = 0.50
	percentileP95 = 0.95
	percentileP99 = 0.99
)

var (
	errDSNRequired     = errors.New("batchoutbox-bench: dsn is required for the mysql store")
	errUnsupportedKind = errors.New("batchoutbox-bench: unsupported store")
	errInvalidCounts   = errors.New("batchoutbox-bench: batches, items and producers must be positive")
	errDrainIncomplete = errors.New("batchoutbox-bench: drain finished with missing messages")
)

type benchConfig struct {
	store        string
	dsn          string
	prefix       string
	reset        bool
	batches      int
	items        int
	payloadBytes int
	producers    int
	drainTimeout time.Duration
	jsonOutput   bool
}

func (c benchConfig) validate() error {
	switch c.store {
	case storeMemory:
	case storeMySQL:
		if c.dsn == "" {
			return errDSNRequired
		}
	default:
		return fmt.Errorf("%w: %q", errUnsupportedKind, c.store)
	}
	if c.batches <= 0 || c.items <= 0 || c.producers <= 0 {
		return errInvalidCounts
	}

	return nil
}

type result struct {
	Store           string        `json:"store"`
	Batches         int           `json:"batches"`
	ItemsPerBatch   int           `json:"items_per_batch"`
	Producers       int           `json:"producers"`
	PayloadBytes    int           `json:"payload_bytes"`
	IngestDuration  time.Duration `json:"ingest_duration"`
	IngestPerSec    float64       `json:"ingest_batches_per_sec"`
	IngestP50Ms     float64       `json:"ingest_p50_ms"`
	IngestP95Ms     float64       `json:"ingest_p95_ms"`
	IngestP99Ms     float64       `json:"ingest_p99_ms"`
	DrainDuration   time.Duration `json:"drain_duration"`
	DrainItemsPerS  float64       `json:"drain_items_per_sec"`
	BatchP50Ms      float64       `json:"batch_p50_ms"`
	BatchP95Ms      float64       `json:"batch_p95_ms"`
	BatchP99Ms      float64       `json:"batch_p99_ms"`
	BatchMaxMs      float64       `json:"batch_max_ms"`
	Published       int           `json:"published"`
	OrderViolations int           `json:"order_violations"`
}

func main() {
	var cfg benchConfig

	flag.StringVar(&cfg.store, "store", storeMemory, "Store backend: memory or mysql")
	flag.StringVar(&cfg.dsn, "dsn", "", "MySQL DSN, e.g. user:pass@tcp(host:3306)/db?parseTime=true")
	flag.StringVar(&cfg.prefix, "prefix", "batchoutbox_bench", "MySQL table prefix")
	flag.BoolVar(&cfg.reset, "reset", true, "Drop and recreate the MySQL tables before the run")
	flag.IntVar(&cfg.batches, "batches", defaultBatches, "Number of batches to ingest")
	flag.IntVar(&cfg.items, "items", defaultItems, "Items per batch")
	flag.IntVar(&cfg.payloadBytes, "payload-bytes", defaultPayloadBytes, "Approximate payload size per item")
	flag.IntVar(&cfg.producers, "producers", defaultProducers, "Concurrent ingest producers")
	flag.DurationVar(&cfg.drainTimeout, "drain-timeout", defaultDrainTimeout, "Maximum time to drain all batches")
	flag.BoolVar(&cfg.jsonOutput, "json", false, "Print the result as JSON")
	flag.Parse()

	if err := cfg.validate(); err != nil {
		exitErr(err)
	}

	res, err := run(context.Background(), cfg)
	if err != nil {
		exitErr(err)
	}

	if cfg.jsonOutput {
		if err := json.NewEncoder(os.Stdout).Encode(res); err != nil {
			exitErr(err)
		}

		return
	}

	fmt.Printf("RESULT store=%s batches=%d items=%d producers=%d ingest=%s (%.0f batches/s p95=%.2fms) "+
		"drain=%s (%.0f items/s batch_p95=%.2fms) order_violations=%d\n",
		res.Store, res.Batches, res.ItemsPerBatch, res.Producers,
		res.IngestDuration, res.IngestPerSec, res.IngestP95Ms,
		res.DrainDuration, res.DrainItemsPerS, res.BatchP95Ms, res.OrderViolations,
	)
}

type benchStore interface {
	batchoutbox.IngestStore
	batchoutbox.PublisherStore
}

func openStore(ctx context.Context, cfg benchConfig) (benchStore, func(), error) {
	if cfg.store == storeMemory {
		return memstore.New(), func() {}, nil
	}

	db, err := sql.Open("mysql", cfg.dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(cfg.producers + 2)
	closeDB := func() { _ = db.Close() }

	if cfg.reset {
		if err := resetTables(ctx, db, cfg.prefix); err != nil {
			closeDB()
			return nil, nil, err
		}
	}
	store, err := mysql.NewStore(db, mysql.WithTablePrefix(cfg.prefix))
	if err != nil {
		closeDB()
		return nil, nil, err
	}

	return store, closeDB, nil
}

func resetTables(ctx context.Context, db *sql.DB, prefix string) error {
	stmts, err := mysql.Schema(prefix)
	if err != nil {
		return err
	}
	for _, suffix := range []string{"_items", "_batches", "_sequences"} {
		// #nosec G202 -- prefix was accepted by mysql.Schema.
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+prefix+suffix); err != nil {
			return fmt.Errorf("drop table: %w", err)
		}
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	return nil
}

func run(ctx context.Context, cfg benchConfig) (result, error) {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return result{}, err
	}
	defer closeStore()

	res := result{
		Store:         cfg.store,
		Batches:       cfg.batches,
		ItemsPerBatch: cfg.items,
		Producers:     cfg.producers,
		PayloadBytes:  cfg.payloadBytes,
	}

	ingestLatency, ingestDur, err := ingest(ctx, store, cfg)
	if err != nil {
		return res, err
	}
	res.IngestDuration = ingestDur
	res.IngestPerSec = float64(cfg.batches) / ingestDur.Seconds()
	sort.Slice(ingestLatency, func(i, j int) bool { return ingestLatency[i] < ingestLatency[j] })
	res.IngestP50Ms = msFloat(percentile(ingestLatency, percentileP50))
	res.IngestP95Ms = msFloat(percentile(ingestLatency, percentileP95))
	res.IngestP99Ms = msFloat(percentile(ingestLatency, percentileP99))

	metrics := &benchMetrics{}
	bus := membus.New()
	drainDur, err := drain(ctx, store, bus, metrics, cfg)
	if err != nil {
		return res, err
	}
	res.DrainDuration = drainDur
	res.DrainItemsPerS = float64(cfg.batches*cfg.items) / drainDur.Seconds()

	batchDurations := metrics.snapshot()
	res.BatchP50Ms = msFloat(percentile(batchDurations, percentileP50))
	res.BatchP95Ms = msFloat(percentile(batchDurations, percentileP95))
	res.BatchP99Ms = msFloat(percentile(batchDurations, percentileP99))
	if len(batchDurations) > 0 {
		res.BatchMaxMs = msFloat(batchDurations[len(batchDurations)-1])
	}

	messages := bus.Messages()
	res.Published = len(messages)
	res.OrderViolations = orderViolations(messages)
	if res.Published != cfg.batches*cfg.items {
		return res, fmt.Errorf("%w: published %d of %d", errDrainIncomplete, res.Published, cfg.batches*cfg.items)
	}

	return res, nil
}

func ingest(ctx context.Context, store benchStore, cfg benchConfig) ([]time.Duration, time.Duration, error) {
	writer := batchoutbox.NewWriter(store, batchoutbox.WithMaxBatchSize(cfg.items))
	requests := buildRequests(cfg.items, cfg.payloadBytes)

	var (
		next     atomic.Int64
		mu       sync.Mutex
		samples  = make([]time.Duration, 0, cfg.batches)
		firstErr error
		wg       sync.WaitGroup
	)

	start := time.Now()
	for p := 0; p < cfg.producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for next.Add(1) <= int64(cfg.batches) {
				began := time.Now()
				_, err := writer.Ingest(ctx, requests)
				elapsed := time.Since(began)

				mu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				samples = append(samples, elapsed)
				mu.Unlock()
				if err != nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	return samples, time.Since(start), firstErr
}

func drain(ctx context.Context, store benchStore, bus batchoutbox.Bus, metrics *benchMetrics, cfg benchConfig) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.drainTimeout)
	defer cancel()

	pub := batchoutbox.NewPublisher(store, bus,
		batchoutbox.WithOwner("bench"),
		batchoutbox.WithMetrics(metrics),
	)

	start := time.Now()
	for {
		outcome, err := pub.ProcessOnce(ctx)
		if err != nil {
			return time.Since(start), fmt.Errorf("drain: %w", err)
		}
		switch outcome {
		case batchoutbox.OutcomeCommitted:
		case batchoutbox.OutcomeIdle:
			return time.Since(start), nil
		default:
			return time.Since(start), fmt.Errorf("drain: unexpected outcome %s", outcome)
		}
	}
}

// orderViolations counts messages published before a message of a lower batch sequence,
// or out of item order inside their batch.
func orderViolations(messages []batchoutbox.Message) int {
	violations := 0
	for i := 1; i < len(messages); i++ {
		prev, cur := messages[i-1], messages[i]
		switch {
		case cur.BatchSequence < prev.BatchSequence:
			violations++
		case cur.BatchSequence == prev.BatchSequence && cur.ItemSequence <= prev.ItemSequence:
			violations++
		}
	}

	return violations
}

func buildRequests(items, payloadBytes int) []json.RawMessage {
	vendors := []string{"ACME", "GLOBEX", "INITECH"}
	filler := strings.Repeat("x", max(payloadBytes-64, 0))

	out := make([]json.RawMessage, items)
	for i := range out {
		out[i] = json.RawMessage(fmt.Sprintf(`{"vendorname":%q,"task":%d,"data":%q}`, vendors[i%len(vendors)], i+1, filler))
	}

	return out
}

type benchMetrics struct {
	batchoutbox.NopMetrics

	mu      sync.Mutex
	batches []time.Duration
}

func (m *benchMetrics) ObserveBatchDuration(d time.Duration) {
	m.mu.Lock()
	m.batches = append(m.batches, d)
	m.mu.Unlock()
}

// snapshot returns the batch durations sorted ascending.
func (m *benchMetrics) snapshot() []time.Duration {
	m.mu.Lock()
	out := append([]time.Duration(nil), m.batches...)
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return out
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(samples)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}

	return samples[idx]
}

func msFloat(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
