package batchoutbox

import (
	"fmt"

	"github.com/google/uuid"
)

// IDGenerator produces opaque unique identifiers for batches and items.
type IDGenerator interface {
	// New returns a new identifier.
	New() (string, error)
}

// IDGeneratorFunc adapts a function to IDGenerator.
type IDGeneratorFunc func() (string, error)

// New implements IDGenerator.
func (fn IDGeneratorFunc) New() (string, error) {
	return fn()
}

// UUIDv7Generator issues time-ordered UUID v7 strings.
type UUIDv7Generator struct{}

// New implements IDGenerator.
func (UUIDv7Generator) New() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("batchoutbox: generate uuid v7: %w", err)
	}

	return id.String(), nil
}
