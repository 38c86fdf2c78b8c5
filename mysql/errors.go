package mysql

import "errors"

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("batchoutbox mysql: db is required")
	// ErrExecutorRequired is returned when a batch is created with a nil executor.
	ErrExecutorRequired = errors.New("batchoutbox mysql: executor is required")
	// ErrTableNameRequired is returned when the table prefix is empty.
	ErrTableNameRequired = errors.New("batchoutbox mysql: table prefix is required")
	// ErrInvalidTableName is returned when the table prefix has disallowed characters.
	ErrInvalidTableName = errors.New("batchoutbox mysql: invalid table name")
	// ErrRetentionBeforeRequired is returned when the retention cutoff is missing.
	ErrRetentionBeforeRequired = errors.New("batchoutbox mysql: retention before time is required")
	// ErrRetentionLimitInvalid is returned when the retention limit is negative.
	ErrRetentionLimitInvalid = errors.New("batchoutbox mysql: retention limit must be non-negative")
	// ErrRetentionInvalid is returned when the retention window is not positive.
	ErrRetentionInvalid = errors.New("batchoutbox mysql: retention must be positive")
)
