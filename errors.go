package batchoutbox

import (
	"errors"
	"fmt"
)

var (
	// ErrTransientStore indicates a store operation failed but may succeed when retried.
	ErrTransientStore = errors.New("batchoutbox transient store error")
	// ErrTransientPublish indicates a publish failed but may succeed when retried.
	ErrTransientPublish = errors.New("batchoutbox transient publish error")
	// ErrPermanentPublish indicates a publish can never succeed for the message.
	ErrPermanentPublish = errors.New("batchoutbox permanent publish error")
	// ErrAllocationConflict indicates contention on a sequence counter; retry the enclosing write.
	ErrAllocationConflict = errors.New("batchoutbox sequence allocation conflict")
	// ErrLeaseLost indicates the caller no longer owns the batch lease and must stop writing.
	ErrLeaseLost = errors.New("batchoutbox lease lost")

	// ErrNoBatches signals that no batch is waiting to be drained.
	ErrNoBatches = errors.New("batchoutbox has no incomplete batches")
	// ErrBatchNotFound is returned when a batch id does not exist.
	ErrBatchNotFound = errors.New("batchoutbox batch not found")
	// ErrItemNotFound is returned when an item id does not exist in the leased batch.
	ErrItemNotFound = errors.New("batchoutbox item not found")
	// ErrBatchClaimed is returned when another publisher holds a valid lease on the batch.
	ErrBatchClaimed = errors.New("batchoutbox batch is claimed by another publisher")
	// ErrBatchIncomplete is returned when finalizing a batch that still has pending items.
	ErrBatchIncomplete = errors.New("batchoutbox batch still has pending items")
	// ErrInvalidTransition is returned when a batch is not in a state that allows the operation.
	ErrInvalidTransition = errors.New("batchoutbox invalid batch status transition")
	// ErrDuplicateBatch is returned when a batch id already exists.
	ErrDuplicateBatch = errors.New("batchoutbox batch already exists")

	// ErrEmptyBatch is returned when a batch has no items.
	ErrEmptyBatch = errors.New("batchoutbox batch has no items")
	// ErrBatchTooLarge is returned when a batch exceeds the configured maximum size.
	ErrBatchTooLarge = errors.New("batchoutbox batch exceeds maximum size")
	// ErrInvalidPayload is returned when a request is not a JSON object.
	ErrInvalidPayload = errors.New("batchoutbox request payload must be a JSON object")
	// ErrBatchIDRequired is returned when a draft has no batch id.
	ErrBatchIDRequired = errors.New("batchoutbox batch id is required")
	// ErrItemIDRequired is returned when a draft item has no id.
	ErrItemIDRequired = errors.New("batchoutbox item id is required")
	// ErrDuplicateItem is returned when a draft contains the same item id twice.
	ErrDuplicateItem = errors.New("batchoutbox duplicate item id")
	// ErrItemSequence is returned when draft item sequences are not 1..N in order.
	ErrItemSequence = errors.New("batchoutbox item sequence must be contiguous from 1")
	// ErrOverrideReasonRequired is returned when skipping a batch without a reason.
	ErrOverrideReasonRequired = errors.New("batchoutbox override reason is required")

	// ErrProcessorRunning is returned when starting a processor that is already running.
	ErrProcessorRunning = errors.New("batchoutbox processor is already running")
	// ErrProcessorStopping is returned when starting a processor that has not finished stopping.
	ErrProcessorStopping = errors.New("batchoutbox processor is stopping")
	// ErrProcessorNotRunning is returned when stopping a processor that is not running.
	ErrProcessorNotRunning = errors.New("batchoutbox processor is not running")
	// ErrWorkerPanic indicates a publisher loop panic.
	ErrWorkerPanic = errors.New("batchoutbox publisher panic")
)

// Permanent marks a publish error as non-retryable.
func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrPermanentPublish) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrPermanentPublish, err)
}

// Transient marks a publish error as retryable.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientPublish) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrTransientPublish, err)
}

// StoreUnavailable marks a store error as retryable.
func StoreUnavailable(err error) error {
	if err == nil || errors.Is(err, ErrTransientStore) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrTransientStore, err)
}

// IsPermanent reports whether err was marked as a permanent publish failure.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentPublish)
}

// IsRetryableStore reports whether a store write may be retried as a whole.
func IsRetryableStore(err error) bool {
	return errors.Is(err, ErrTransientStore) || errors.Is(err, ErrAllocationConflict)
}
