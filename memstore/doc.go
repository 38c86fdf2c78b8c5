// Package memstore provides an in-memory outbox store for development and tests.
//
// State is lost on restart, so it gives no durability. It implements the complete store contract,
// including fenced leases and the batch sequence counter.
package memstore
