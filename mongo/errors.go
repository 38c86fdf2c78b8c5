package mongo

import "errors"

var (
	// ErrClientRequired is returned when a nil *mongo.Client is provided.
	ErrClientRequired = errors.New("batchoutbox mongo: client is required")
	// ErrDatabaseRequired is returned when the database name is empty.
	ErrDatabaseRequired = errors.New("batchoutbox mongo: database name is required")
	// ErrInvalidCollectionName is returned when the collection prefix has disallowed characters.
	ErrInvalidCollectionName = errors.New("batchoutbox mongo: invalid collection name")
)
