package api

import (
	"encoding/json"
	"time"

	"github.com/velmie/batchoutbox"
)

type ingestRequest struct {
	Requests []json.RawMessage `json:"requests" validate:"required,min=1,dive,required"`
}

type skipRequest struct {
	Reason string `json:"reason" validate:"required,max=512"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type batchView struct {
	ID                  string         `json:"batchId"`
	Sequence            int64          `json:"batchSequence"`
	Status              string         `json:"status"`
	CreatedAt           time.Time      `json:"createdAt"`
	TotalItems          int            `json:"totalItems"`
	VendorCounts        map[string]int `json:"vendorCounts"`
	UniqueVendors       int            `json:"uniqueVendors"`
	ProcessingTimeMs    int64          `json:"processingTimeMs"`
	ProcessingStartedAt *time.Time     `json:"processingStartedAt,omitempty"`
	CommittedAt         *time.Time     `json:"committedAt,omitempty"`
	FailedAt            *time.Time     `json:"failedAt,omitempty"`
	LastError           string         `json:"lastError,omitempty"`
	LeaseOwner          string         `json:"leaseOwner,omitempty"`
	LeaseExpiresAt      *time.Time     `json:"leaseExpiresAt,omitempty"`
	OverriddenAt        *time.Time     `json:"overriddenAt,omitempty"`
	OverrideReason      string         `json:"overrideReason,omitempty"`
	FailedItems         []itemView     `json:"failedItems,omitempty"`
}

type itemView struct {
	ID         string          `json:"itemId"`
	Sequence   int             `json:"itemSequence"`
	RequestID  string          `json:"requestId"`
	VendorName string          `json:"vendorName"`
	Status     string          `json:"status"`
	Sent       bool            `json:"sent"`
	PublishID  string          `json:"publishId,omitempty"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	SentAt     *time.Time      `json:"sentAt,omitempty"`
	FailedAt   *time.Time      `json:"failedAt,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

type processorView struct {
	State     string     `json:"state"`
	Owner     string     `json:"owner,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	StoppedAt *time.Time `json:"stoppedAt,omitempty"`
	LastError string     `json:"lastError,omitempty"`
}

func newBatchView(b batchoutbox.Batch) batchView {
	counts := b.VendorCounts
	if counts == nil {
		counts = map[string]int{}
	}

	return batchView{
		ID:                  b.ID,
		Sequence:            b.Sequence,
		Status:              string(b.Status),
		CreatedAt:           b.CreatedAt,
		TotalItems:          b.TotalItems,
		VendorCounts:        counts,
		UniqueVendors:       b.UniqueVendors(),
		ProcessingTimeMs:    b.ProcessingTimeMs,
		ProcessingStartedAt: b.ProcessingStartedAt,
		CommittedAt:         b.CommittedAt,
		FailedAt:            b.FailedAt,
		LastError:           b.LastError,
		LeaseOwner:          b.LeaseOwner,
		LeaseExpiresAt:      b.LeaseExpiresAt,
		OverriddenAt:        b.OverriddenAt,
		OverrideReason:      b.OverrideReason,
	}
}

func newBatchViews(batches []batchoutbox.Batch) []batchView {
	out := make([]batchView, 0, len(batches))
	for _, b := range batches {
		out = append(out, newBatchView(b))
	}

	return out
}

func newItemView(it batchoutbox.Item) itemView {
	return itemView{
		ID:         it.ID,
		Sequence:   it.Sequence,
		RequestID:  it.RequestID,
		VendorName: it.VendorName,
		Status:     string(it.Status),
		Sent:       it.Sent,
		PublishID:  it.PublishID,
		Attempts:   it.Attempts,
		LastError:  it.LastError,
		CreatedAt:  it.CreatedAt,
		SentAt:     it.SentAt,
		FailedAt:   it.FailedAt,
		Payload:    it.Payload,
	}
}

func newProcessorView(s batchoutbox.ProcessorStatus) processorView {
	return processorView{
		State:     s.State.String(),
		Owner:     s.Owner,
		StartedAt: s.StartedAt,
		StoppedAt: s.StoppedAt,
		LastError: s.LastError,
	}
}
