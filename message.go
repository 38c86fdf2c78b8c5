package batchoutbox

import (
	"context"
	"encoding/json"
	"strconv"
)

// Attribute keys attached to every outbound message.
const (
	AttrBatchID       = "batchId"
	AttrBatchSequence = "batchSequence"
	AttrItemID        = "itemId"
	AttrItemSequence  = "itemSequence"
	AttrTotalItems    = "totalItems"
	AttrVendorName    = "vendorName"
)

// Message is the outbound representation of a batch item.
type Message struct {
	BatchID    string          `json:"batchId"`
	ItemID     string          `json:"itemId"`
	RequestID  string          `json:"requestId"`
	VendorName string          `json:"vendorName"`
	Payload    json.RawMessage `json:"payload"`

	BatchSequence int64 `json:"-"`
	ItemSequence  int   `json:"-"`
	TotalItems    int   `json:"-"`
}

// NewMessage builds the outbound message for item of batch.
func NewMessage(batch Batch, item Item) Message {
	return Message{
		BatchID:       batch.ID,
		ItemID:        item.ID,
		RequestID:     item.RequestID,
		VendorName:    item.VendorName,
		Payload:       item.Payload,
		BatchSequence: batch.Sequence,
		ItemSequence:  item.Sequence,
		TotalItems:    batch.TotalItems,
	}
}

// IdempotencyKey returns the key a bus uses to de-duplicate re-deliveries.
func (m Message) IdempotencyKey() string {
	return m.ItemID
}

// Body returns the JSON message body.
func (m Message) Body() ([]byte, error) {
	return json.Marshal(m)
}

// Attributes returns routing metadata for buses that carry headers.
func (m Message) Attributes() map[string]string {
	return map[string]string{
		AttrBatchID:       m.BatchID,
		AttrBatchSequence: strconv.FormatInt(m.BatchSequence, 10),
		AttrItemID:        m.ItemID,
		AttrItemSequence:  strconv.Itoa(m.ItemSequence),
		AttrTotalItems:    strconv.Itoa(m.TotalItems),
		AttrVendorName:    m.VendorName,
	}
}

// Bus delivers messages downstream.
//
// Publish returns a delivery id assigned by the bus. Implementations must tolerate repeated
// publishes of the same IdempotencyKey. Errors wrapped with Permanent are not retried.
type Bus interface {
	Publish(ctx context.Context, msg Message) (string, error)
}

// BusFunc adapts a function to Bus.
type BusFunc func(ctx context.Context, msg Message) (string, error)

// Publish implements Bus.
func (fn BusFunc) Publish(ctx context.Context, msg Message) (string, error) {
	return fn(ctx, msg)
}
