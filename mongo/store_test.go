package mongo

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/velmie/batchoutbox"
)

func TestNewStoreValidation(t *testing.T) {
	if _, err := NewStore(nil, "db"); !errors.Is(err, ErrClientRequired) {
		t.Fatalf("expected ErrClientRequired, got %v", err)
	}
	if _, err := NewStore(&mongo.Client{}, ""); !errors.Is(err, ErrDatabaseRequired) {
		t.Fatalf("expected ErrDatabaseRequired, got %v", err)
	}
}

func TestCollectionNames(t *testing.T) {
	names, err := newCollectionNames("orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if names.counters != "orders_counters" || names.batches != "orders_batches" || names.items != "orders_items" {
		t.Fatalf("unexpected names: %+v", names)
	}

	for _, prefix := range []string{"bad$name", "system.outbox"} {
		if _, err := newCollectionNames(prefix); !errors.Is(err, ErrInvalidCollectionName) {
			t.Fatalf("expected ErrInvalidCollectionName for %q, got %v", prefix, err)
		}
	}
}

func TestClassify(t *testing.T) {
	conflict := mongo.CommandError{Code: codeWriteConflict, Name: "WriteConflict", Labels: []string{labelTransientTransaction}}
	if err := classify(conflict, batchoutbox.ErrAllocationConflict); !errors.Is(err, batchoutbox.ErrAllocationConflict) {
		t.Fatalf("expected allocation conflict, got %v", err)
	}

	network := mongo.CommandError{Labels: []string{"NetworkError"}}
	if err := classify(network, batchoutbox.ErrAllocationConflict); !errors.Is(err, batchoutbox.ErrTransientStore) {
		t.Fatalf("expected transient store error, got %v", err)
	}

	if err := classify(batchoutbox.ErrLeaseLost, batchoutbox.ErrTransientStore); !errors.Is(err, batchoutbox.ErrLeaseLost) || batchoutbox.IsRetryableStore(err) {
		t.Fatalf("expected domain error to pass through, got %v", err)
	}
	if classify(nil, batchoutbox.ErrTransientStore) != nil {
		t.Fatalf("expected nil")
	}
}

func TestItemDocumentKeepsPayload(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	payload := json.RawMessage(`{"vendorname":"A","meta":{"priority":2,"tags":["x","y"]}}`)

	doc, err := newItemDoc(batchoutbox.Item{
		ID: "item-1", BatchID: "batch-1", Sequence: 1, RequestID: "req-1", VendorName: "A",
		Payload: payload, CreatedAt: created,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Status != string(batchoutbox.ItemPending) {
		t.Fatalf("expected pending status, got %s", doc.Status)
	}

	item, err := doc.item()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(item.Payload) != string(payload) {
		t.Fatalf("payload changed: %s != %s", item.Payload, payload)
	}

	if _, err := newItemDoc(batchoutbox.Item{Payload: json.RawMessage(`[1,2]`)}); !errors.Is(err, batchoutbox.ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestBatchDocumentDefaultsVendorCounts(t *testing.T) {
	batch := batchDoc{ID: "batch-1", Status: string(batchoutbox.BatchPending)}.batch()
	if batch.VendorCounts == nil {
		t.Fatalf("expected non-nil vendor counts")
	}
	if batch.Status != batchoutbox.BatchPending {
		t.Fatalf("unexpected status %s", batch.Status)
	}
}

func TestItemDocumentPayloadIsByteExact(t *testing.T) {
	payloads := []string{
		`{"id":12345678901234567890}`,
		`{"n":{"$numberLong":"5"}}`,
		`{"amount":1e400}`,
		`{ "spaced" : [1, 2.50, "x"] , "z":null }`,
	}
	for _, raw := range payloads {
		doc, err := newItemDoc(batchoutbox.Item{ID: "item-1", Sequence: 1, Payload: json.RawMessage(raw)})
		if err != nil {
			t.Fatalf("newItemDoc(%s): %v", raw, err)
		}
		item, err := doc.item()
		if err != nil {
			t.Fatalf("item(%s): %v", raw, err)
		}
		if string(item.Payload) != raw {
			t.Fatalf("payload changed: got %s, want %s", item.Payload, raw)
		}
	}
}
