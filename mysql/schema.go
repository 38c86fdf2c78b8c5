package mysql

import "fmt"

const sequencesTemplate = `CREATE TABLE IF NOT EXISTS %s (
	counter_name VARCHAR(64) NOT NULL,
	counter_value BIGINT NOT NULL,
	PRIMARY KEY (counter_name)
);`

const batchesTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(36) NOT NULL,
	batch_sequence BIGINT NOT NULL,
	created_at TIMESTAMP(6) NOT NULL,
	total_items INT NOT NULL,
	vendor_counts JSON NOT NULL,
	status VARCHAR(16) NOT NULL,
	processing_time_ms BIGINT NOT NULL DEFAULT 0,
	processing_started_at TIMESTAMP(6) NULL,
	committed_at TIMESTAMP(6) NULL,
	failed_at TIMESTAMP(6) NULL,
	last_error VARCHAR(1024) NULL,
	lease_owner VARCHAR(255) NULL,
	lease_expires_at TIMESTAMP(6) NULL,
	lease_token BIGINT NOT NULL DEFAULT 0,
	overridden_at TIMESTAMP(6) NULL,
	override_reason VARCHAR(1024) NULL,
	updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
	PRIMARY KEY (id),
	UNIQUE KEY uq_batch_sequence (batch_sequence),
	INDEX idx_status_sequence (status, batch_sequence)
);`

const itemsTemplate = `CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(36) NOT NULL,
	batch_id VARCHAR(36) NOT NULL,
	item_sequence INT NOT NULL,
	request_id VARCHAR(128) NOT NULL,
	vendor_name VARCHAR(128) NOT NULL,
	payload LONGBLOB NOT NULL,
	sent BOOLEAN NOT NULL DEFAULT FALSE,
	status VARCHAR(16) NOT NULL,
	publish_id VARCHAR(255) NULL,
	attempts INT NOT NULL DEFAULT 0,
	last_error VARCHAR(1024) NULL,
	created_at TIMESTAMP(6) NOT NULL,
	sent_at TIMESTAMP(6) NULL,
	failed_at TIMESTAMP(6) NULL,
	PRIMARY KEY (id),
	UNIQUE KEY uq_batch_item (batch_id, item_sequence),
	INDEX idx_batch_status (batch_id, status, item_sequence)
);`

// Schema returns the CREATE TABLE statements for the counter, batch and item tables, in order.
func Schema(prefix string) ([]string, error) {
	names, err := newTableNames(prefix)
	if err != nil {
		return nil, err
	}

	return []string{
		fmt.Sprintf(sequencesTemplate, names.sequences),
		fmt.Sprintf(batchesTemplate, names.batches),
		fmt.Sprintf(itemsTemplate, names.items),
	}, nil
}
