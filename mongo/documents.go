package mongo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/velmie/batchoutbox"
)

type counterDoc struct {
	Name  string `bson:"_id"`
	Value int64  `bson:"value"`
}

type batchDoc struct {
	ID                  string         `bson:"_id"`
	Sequence            int64          `bson:"sequence"`
	CreatedAt           time.Time      `bson:"createdAt"`
	TotalItems          int            `bson:"totalItems"`
	VendorCounts        map[string]int `bson:"vendorCounts"`
	Status              string         `bson:"status"`
	ProcessingTimeMs    int64          `bson:"processingTimeMs"`
	ProcessingStartedAt *time.Time     `bson:"processingStartedAt,omitempty"`
	CommittedAt         *time.Time     `bson:"committedAt,omitempty"`
	FailedAt            *time.Time     `bson:"failedAt,omitempty"`
	LastError           string         `bson:"lastError,omitempty"`
	LeaseOwner          string         `bson:"leaseOwner,omitempty"`
	LeaseExpiresAt      *time.Time     `bson:"leaseExpiresAt,omitempty"`
	LeaseToken          int64          `bson:"leaseToken"`
	OverriddenAt        *time.Time     `bson:"overriddenAt,omitempty"`
	OverrideReason      string         `bson:"overrideReason,omitempty"`
	UpdatedAt           time.Time      `bson:"updatedAt"`
}

type itemDoc struct {
	ID         string     `bson:"_id"`
	BatchID    string     `bson:"batchId"`
	Sequence   int        `bson:"sequence"`
	RequestID  string     `bson:"requestId"`
	VendorName string     `bson:"vendorName"`
	Payload    string     `bson:"payload"`
	Sent       bool       `bson:"sent"`
	Status     string     `bson:"status"`
	PublishID  string     `bson:"publishId,omitempty"`
	Attempts   int        `bson:"attempts"`
	LastError  string     `bson:"lastError,omitempty"`
	CreatedAt  time.Time  `bson:"createdAt"`
	SentAt     *time.Time `bson:"sentAt,omitempty"`
	FailedAt   *time.Time `bson:"failedAt,omitempty"`
}

func newBatchDoc(batch batchoutbox.Batch, now time.Time) batchDoc {
	return batchDoc{
		ID:                  batch.ID,
		Sequence:            batch.Sequence,
		CreatedAt:           batch.CreatedAt.UTC(),
		TotalItems:          batch.TotalItems,
		VendorCounts:        batch.VendorCounts,
		Status:              string(batch.Status),
		ProcessingTimeMs:    batch.ProcessingTimeMs,
		ProcessingStartedAt: batch.ProcessingStartedAt,
		CommittedAt:         batch.CommittedAt,
		FailedAt:            batch.FailedAt,
		LastError:           batch.LastError,
		LeaseOwner:          batch.LeaseOwner,
		LeaseExpiresAt:      batch.LeaseExpiresAt,
		LeaseToken:          batch.LeaseToken,
		OverriddenAt:        batch.OverriddenAt,
		OverrideReason:      batch.OverrideReason,
		UpdatedAt:           now.UTC(),
	}
}

func (d batchDoc) batch() batchoutbox.Batch {
	counts := d.VendorCounts
	if counts == nil {
		counts = map[string]int{}
	}

	return batchoutbox.Batch{
		ID:                  d.ID,
		Sequence:            d.Sequence,
		CreatedAt:           d.CreatedAt,
		TotalItems:          d.TotalItems,
		VendorCounts:        counts,
		Status:              batchoutbox.BatchStatus(d.Status),
		ProcessingTimeMs:    d.ProcessingTimeMs,
		ProcessingStartedAt: d.ProcessingStartedAt,
		CommittedAt:         d.CommittedAt,
		FailedAt:            d.FailedAt,
		LastError:           d.LastError,
		LeaseOwner:          d.LeaseOwner,
		LeaseExpiresAt:      d.LeaseExpiresAt,
		LeaseToken:          d.LeaseToken,
		OverriddenAt:        d.OverriddenAt,
		OverrideReason:      d.OverrideReason,
	}
}

// newItemDoc keeps the payload as the exact bytes submitted.
func newItemDoc(item batchoutbox.Item) (itemDoc, error) {
	if !isJSONObject(item.Payload) {
		return itemDoc{}, fmt.Errorf("%w: item %d is not a JSON object", batchoutbox.ErrInvalidPayload, item.Sequence)
	}

	return itemDoc{
		ID:         item.ID,
		BatchID:    item.BatchID,
		Sequence:   item.Sequence,
		RequestID:  item.RequestID,
		VendorName: item.VendorName,
		Payload:    string(item.Payload),
		Status:     string(batchoutbox.ItemPending),
		CreatedAt:  item.CreatedAt.UTC(),
	}, nil
}

func (d itemDoc) item() (batchoutbox.Item, error) {
	payload := json.RawMessage(d.Payload)
	if !json.Valid(payload) {
		return batchoutbox.Item{}, fmt.Errorf("batchoutbox mongo: stored payload of item %s is not valid JSON", d.ID)
	}

	return batchoutbox.Item{
		ID:         d.ID,
		BatchID:    d.BatchID,
		Sequence:   d.Sequence,
		RequestID:  d.RequestID,
		VendorName: d.VendorName,
		Payload:    payload,
		Sent:       d.Sent,
		Status:     batchoutbox.ItemStatus(d.Status),
		PublishID:  d.PublishID,
		Attempts:   d.Attempts,
		LastError:  d.LastError,
		CreatedAt:  d.CreatedAt,
		SentAt:     d.SentAt,
		FailedAt:   d.FailedAt,
	}, nil
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)

	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
