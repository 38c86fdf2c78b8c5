package mysql

import (
	"fmt"
	"strings"
)

const (
	batchColumns = "id, batch_sequence, created_at, total_items, vendor_counts, status, processing_time_ms, " +
		"processing_started_at, committed_at, failed_at, last_error, lease_owner, lease_expires_at, lease_token, " +
		"overridden_at, override_reason"
	itemColumns = "id, batch_id, item_sequence, request_id, vendor_name, payload, sent, status, publish_id, " +
		"attempts, last_error, created_at, sent_at, failed_at"
	itemInsertColumns = 8
	placeholderGrowth = 2
)

type queries struct {
	allocate        string
	lastInsertID    string
	insertBatch     string
	itemsTable      string
	nextBatch       string
	nextBatchFailed string
	lockBatch       string
	getBatch        string
	updateBatch     string
	releaseLease    string
	pendingItems    string
	listItems       string
	markSent        string
	markFailed      string
	itemStatus      string
	countItems      string
	reopenItems     string
	expiredLeases   string
	listBatches     string
	countPending    string
}

func newQueries(names tableNames) queries {
	const active = "status IN ('pending', 'processing')"

	return queries{
		allocate: fmt.Sprintf(
			"INSERT INTO %s (counter_name, counter_value) VALUES (?, LAST_INSERT_ID(1)) "+
				"ON DUPLICATE KEY UPDATE counter_value = LAST_INSERT_ID(counter_value + 1)",
			names.sequences,
		),
		lastInsertID: "SELECT LAST_INSERT_ID()",
		insertBatch: fmt.Sprintf(
			"INSERT INTO %s (id, batch_sequence, created_at, total_items, vendor_counts, status) VALUES (?, ?, ?, ?, ?, ?)",
			names.batches,
		),
		itemsTable: names.items,
		nextBatch: fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s ORDER BY batch_sequence ASC LIMIT 1",
			batchColumns, names.batches, active,
		),
		nextBatchFailed: fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s OR (status = 'failed' AND overridden_at IS NULL) ORDER BY batch_sequence ASC LIMIT 1",
			batchColumns, names.batches, active,
		),
		lockBatch: fmt.Sprintf("SELECT %s FROM %s WHERE id = ? FOR UPDATE", batchColumns, names.batches),
		getBatch:  fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", batchColumns, names.batches),
		updateBatch: fmt.Sprintf(
			"UPDATE %s SET status = ?, processing_time_ms = ?, processing_started_at = ?, committed_at = ?, failed_at = ?, "+
				"last_error = ?, lease_owner = ?, lease_expires_at = ?, lease_token = ?, overridden_at = ?, override_reason = ? "+
				"WHERE id = ?",
			names.batches,
		),
		releaseLease: fmt.Sprintf(
			"UPDATE %s SET lease_owner = NULL, lease_expires_at = NULL "+
				"WHERE id = ? AND status = 'processing' AND lease_owner = ? AND lease_token = ?",
			names.batches,
		),
		pendingItems: fmt.Sprintf(
			"SELECT %s FROM %s WHERE batch_id = ? AND status = 'pending' ORDER BY item_sequence ASC",
			itemColumns, names.items,
		),
		listItems: fmt.Sprintf("SELECT %s FROM %s WHERE batch_id = ? ORDER BY item_sequence ASC", itemColumns, names.items),
		markSent: fmt.Sprintf(
			"UPDATE %s SET sent = TRUE, status = 'sent', publish_id = ?, attempts = ?, sent_at = ?, last_error = NULL "+
				"WHERE id = ? AND batch_id = ? AND status <> 'sent'",
			names.items,
		),
		markFailed: fmt.Sprintf(
			"UPDATE %s SET status = 'failed', attempts = ?, last_error = ?, failed_at = ? "+
				"WHERE id = ? AND batch_id = ? AND status <> 'sent'",
			names.items,
		),
		itemStatus: fmt.Sprintf("SELECT status FROM %s WHERE id = ? AND batch_id = ?", names.items),
		countItems: fmt.Sprintf(
			"SELECT COALESCE(SUM(status = 'pending'), 0), COALESCE(SUM(status = 'failed'), 0) FROM %s WHERE batch_id = ?",
			names.items,
		),
		reopenItems: fmt.Sprintf(
			"UPDATE %s SET status = 'pending', attempts = 0, last_error = NULL, failed_at = NULL "+
				"WHERE batch_id = ? AND status = 'failed'",
			names.items,
		),
		expiredLeases: fmt.Sprintf(
			"SELECT %s FROM %s WHERE status = 'processing' "+
				"AND (lease_owner IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ?) ORDER BY batch_sequence ASC",
			batchColumns, names.batches,
		),
		listBatches:  fmt.Sprintf("SELECT %s FROM %s WHERE batch_sequence > ?", batchColumns, names.batches),
		countPending: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", names.batches, active),
	}
}

func (q queries) insertItems(count int) string {
	row := "(" + makePlaceholders(itemInsertColumns) + ")"
	rows := make([]string, count)
	for i := range rows {
		rows[i] = row
	}

	return fmt.Sprintf(
		"INSERT INTO %s (id, batch_id, item_sequence, request_id, vendor_name, payload, status, created_at) VALUES %s",
		q.itemsTable,
		strings.Join(rows, ", "),
	)
}

func (q queries) listBatchesFiltered(statuses int) string {
	query := q.listBatches
	if statuses > 0 {
		query += " AND status IN (" + makePlaceholders(statuses) + ")"
	}

	return query + " ORDER BY batch_sequence ASC LIMIT ?"
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	buf := make([]byte, 0, count*placeholderGrowth)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}

	return string(buf)
}
