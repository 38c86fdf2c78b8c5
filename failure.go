package batchoutbox

import "context"

// FailureAction defines how a failed publish should be handled.
type FailureAction int

const (
	// FailureRetry retries the publish after a backoff, while attempts remain.
	FailureRetry FailureAction = iota
	// FailurePermanent marks the item failed immediately.
	FailurePermanent
)

// FailureClassifier decides whether a publish failure is retryable.
type FailureClassifier func(ctx context.Context, item Item, err error) FailureAction

// FailureHandler is called for every failed publish attempt.
type FailureHandler func(ctx context.Context, item Item, attempt int, err error)

// BatchFailureHandler is called when a batch is promoted to failed.
type BatchFailureHandler func(ctx context.Context, batch Batch, failures []ItemFailure)

func defaultFailureClassifier(_ context.Context, _ Item, err error) FailureAction {
	if IsPermanent(err) {
		return FailurePermanent
	}

	return FailureRetry
}
