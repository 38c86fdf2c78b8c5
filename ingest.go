package batchoutbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var (
	errNotObject    = errors.New("not a JSON object")
	errTrailingData = errors.New("trailing data after JSON object")
	errNameTooLong  = fmt.Errorf("request id or vendor name longer than %d characters", MaxNameLength)
)

// batchGetter lets the Writer confirm a batch whose commit was acknowledged with an error.
type batchGetter interface {
	GetBatch(ctx context.Context, batchID string) (Batch, error)
}

// IngestResult describes a committed batch to the submitter.
type IngestResult struct {
	BatchID          string         `json:"batchId"`
	BatchSequence    int64          `json:"batchSequence"`
	Timestamp        time.Time      `json:"timestamp"`
	TotalItems       int            `json:"totalItems"`
	VendorCounts     map[string]int `json:"vendorCounts"`
	UniqueVendors    int            `json:"uniqueVendors"`
	ProcessingTimeMs int64          `json:"processingTimeMs"`
}

// Writer validates incoming batches and writes them atomically. It never publishes.
type Writer struct {
	store   IngestStore
	cfg     WriterConfig
	vendors VendorResolver
}

// NewWriter constructs a Writer with defaults and optional settings.
func NewWriter(store IngestStore, opts ...WriterOption) *Writer {
	if store == nil {
		panic("batchoutbox: nil IngestStore")
	}

	var cfg WriterConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Writer{
		store:   store,
		cfg:     cfg,
		vendors: NewVendorResolver(cfg.KnownVendors...),
	}
}

// Ingest persists requests as one pending batch, items numbered in input order.
// Allocation conflicts and transient store errors are retried; any other error leaves nothing behind.
func (w *Writer) Ingest(ctx context.Context, requests []json.RawMessage) (IngestResult, error) {
	start := w.cfg.Clock.Now()

	draft, err := w.build(requests, start)
	if err != nil {
		return IngestResult{}, err
	}

	batch, err := w.write(ctx, draft)
	if err != nil {
		return IngestResult{}, err
	}

	elapsed := w.cfg.Clock.Now().Sub(start)
	w.cfg.Metrics.ObserveIngest(batch.TotalItems, elapsed)
	w.cfg.Logger.Info("batchoutbox batch ingested",
		"batch_id", batch.ID,
		"batch_sequence", batch.Sequence,
		"items", batch.TotalItems,
		"vendors", batch.UniqueVendors(),
	)
	w.notify(ctx, batch.ID)

	return IngestResult{
		BatchID:          batch.ID,
		BatchSequence:    batch.Sequence,
		Timestamp:        batch.CreatedAt,
		TotalItems:       batch.TotalItems,
		VendorCounts:     batch.VendorCounts,
		UniqueVendors:    batch.UniqueVendors(),
		ProcessingTimeMs: elapsed.Milliseconds(),
	}, nil
}

func (w *Writer) build(requests []json.RawMessage, now time.Time) (BatchDraft, error) {
	if len(requests) == 0 {
		return BatchDraft{}, ErrEmptyBatch
	}
	if len(requests) > w.cfg.MaxBatchSize {
		return BatchDraft{}, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(requests), w.cfg.MaxBatchSize)
	}

	batchID, err := w.cfg.Generator.New()
	if err != nil {
		return BatchDraft{}, err
	}

	items := make([]Item, len(requests))
	counts := make(map[string]int)
	for i, raw := range requests {
		fields, err := decodeObject(raw)
		if err != nil {
			return BatchDraft{}, fmt.Errorf("%w: request %d: %w", ErrInvalidPayload, i+1, err)
		}

		itemID, err := w.cfg.Generator.New()
		if err != nil {
			return BatchDraft{}, err
		}
		reqID, ok := requestID(fields)
		if !ok {
			if reqID, err = w.cfg.Generator.New(); err != nil {
				return BatchDraft{}, err
			}
		}
		vendor := w.vendors.Resolve(fields)
		if utf8.RuneCountInString(reqID) > MaxNameLength || utf8.RuneCountInString(vendor) > MaxNameLength {
			return BatchDraft{}, fmt.Errorf("%w: request %d: %w", ErrInvalidPayload, i+1, errNameTooLong)
		}
		counts[vendor]++

		items[i] = Item{
			ID:         itemID,
			BatchID:    batchID,
			RequestID:  reqID,
			VendorName: vendor,
			Payload:    append(json.RawMessage(nil), raw...),
			Status:     ItemPending,
			CreatedAt:  now,
		}
	}
	numberItems(items)

	return BatchDraft{
		ID:           batchID,
		CreatedAt:    now,
		VendorCounts: counts,
		Items:        items,
	}, nil
}

func (w *Writer) write(ctx context.Context, draft BatchDraft) (Batch, error) {
	var lastErr error
	for attempt := 1; attempt <= w.cfg.Attempts; attempt++ {
		batch, err := w.store.CreateBatch(ctx, draft)
		if err == nil {
			return batch, nil
		}
		if attempt > 1 && errors.Is(err, ErrDuplicateBatch) {
			if committed, ok := w.committed(ctx, draft.ID); ok {
				return committed, nil
			}
		}
		if !IsRetryableStore(err) {
			return Batch{}, fmt.Errorf("batchoutbox ingest failed: %w", err)
		}

		lastErr = err
		w.cfg.Logger.Warn("batchoutbox ingest write retry", "batch_id", draft.ID, "attempt", attempt, "err", err)
		if attempt == w.cfg.Attempts {
			break
		}
		if err := sleep(ctx, w.cfg.RetryBackoff*time.Duration(attempt)); err != nil {
			return Batch{}, err
		}
	}

	return Batch{}, fmt.Errorf("batchoutbox ingest failed after %d attempts: %w", w.cfg.Attempts, lastErr)
}

// committed returns the batch written by an earlier attempt whose acknowledgement was lost.
func (w *Writer) committed(ctx context.Context, batchID string) (Batch, bool) {
	getter, ok := w.store.(batchGetter)
	if !ok {
		return Batch{}, false
	}
	batch, err := getter.GetBatch(ctx, batchID)
	if err != nil {
		w.cfg.Logger.Warn("batchoutbox ingest could not confirm earlier write", "batch_id", batchID, "err", err)

		return Batch{}, false
	}
	w.cfg.Logger.Info("batchoutbox ingest retry found batch already committed", "batch_id", batchID)

	return batch, true
}

func (w *Writer) notify(ctx context.Context, batchID string) {
	if w.cfg.Notifier == nil {
		return
	}
	if err := w.cfg.Notifier.Notify(ctx, batchID); err != nil {
		w.cfg.Logger.Warn("batchoutbox ingest notify failed", "batch_id", batchID, "err", err)
	}
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errNotObject
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errTrailingData
	}

	return fields, nil
}
