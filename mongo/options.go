package mongo

import (
	"fmt"
	"strings"
)

const (
	defaultCollectionPrefix = "batchoutbox"
	defaultListLimit        = 1000
)

// Config defines MongoDB store behavior.
type Config struct {
	// CollectionPrefix names the <prefix>_counters, <prefix>_batches and <prefix>_items collections.
	CollectionPrefix string
	// ListLimit caps ListBatches when the filter sets no limit.
	ListLimit int
}

func (c Config) withDefaults() Config {
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = defaultCollectionPrefix
	}
	if c.ListLimit <= 0 {
		c.ListLimit = defaultListLimit
	}

	return c
}

// Option configures the MongoDB store.
type Option func(*Config)

// WithCollectionPrefix sets the collection name prefix.
func WithCollectionPrefix(prefix string) Option {
	return func(c *Config) {
		c.CollectionPrefix = prefix
	}
}

// WithListLimit sets the default page size of ListBatches.
func WithListLimit(limit int) Option {
	return func(c *Config) {
		c.ListLimit = limit
	}
}

type collectionNames struct {
	counters string
	batches  string
	items    string
}

func newCollectionNames(prefix string) (collectionNames, error) {
	if strings.HasPrefix(prefix, "system.") || strings.ContainsAny(prefix, "$\x00") {
		return collectionNames{}, fmt.Errorf("%w: %s", ErrInvalidCollectionName, prefix)
	}

	return collectionNames{
		counters: prefix + "_counters",
		batches:  prefix + "_batches",
		items:    prefix + "_items",
	}, nil
}
