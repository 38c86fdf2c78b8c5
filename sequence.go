package batchoutbox

import "context"

// BatchSequenceCounter is the counter that orders batches globally.
const BatchSequenceCounter = "batch_sequence"

// SequenceAllocator issues strictly increasing integers per counter name.
//
// Implementations increment and return a single counter record atomically. Under contention
// they may fail with ErrAllocationConflict, in which case the whole enclosing write is retried.
// Two callers never observe the same value for the same counter.
type SequenceAllocator interface {
	AllocateNext(ctx context.Context, counter string) (int64, error)
}

// Item sequences are not drawn from a shared counter: a batch is built completely before its
// single atomic write, so the writer numbers items 1..N in input order.
func numberItems(items []Item) {
	for i := range items {
		items[i].Sequence = i + 1
	}
}
