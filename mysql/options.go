package mysql

const (
	defaultTablePrefix = "batchoutbox"
	defaultListLimit   = 1000
)

// Config defines MySQL store behavior.
type Config struct {
	// TablePrefix names the <prefix>_sequences, <prefix>_batches and <prefix>_items tables.
	TablePrefix string
	// ListLimit caps ListBatches when the filter sets no limit.
	ListLimit int
}

func (c Config) withDefaults() Config {
	if c.TablePrefix == "" {
		c.TablePrefix = defaultTablePrefix
	}
	if c.ListLimit <= 0 {
		c.ListLimit = defaultListLimit
	}

	return c
}

// Option configures the MySQL store.
type Option func(*Config)

// WithTablePrefix sets the table name prefix. Use schema.prefix for a non-default schema.
func WithTablePrefix(prefix string) Option {
	return func(c *Config) {
		c.TablePrefix = prefix
	}
}

// WithListLimit sets the default page size of ListBatches.
func WithListLimit(limit int) Option {
	return func(c *Config) {
		c.ListLimit = limit
	}
}
