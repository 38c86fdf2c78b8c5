// Package mysql provides a MySQL 8.0+ store for the batch outbox.
//
// Three tables back the store:
//   - <prefix>_sequences holds named counters advanced with LAST_INSERT_ID(counter_value + 1)
//   - <prefix>_batches holds batch headers, their lifecycle status and the publisher lease
//   - <prefix>_items holds items keyed by (batch_id, item_sequence) with per-item delivery state
//
// A batch header, its items and the sequence increment are written in one transaction, so a
// failed write leaves no trace. Publisher writes run in READ COMMITTED transactions that lock the
// batch row with SELECT ... FOR UPDATE and reject stale leases.
//
// See Schema for the DDL and RetentionMaintainer for periodic deletion of finished batches.
package mysql
