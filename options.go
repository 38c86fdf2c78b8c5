package batchoutbox

import (
	"fmt"
	"os"
	"time"
)

const (
	defaultMaxBatchSize     = 1000
	defaultIngestAttempts   = 3
	defaultIngestBackoff    = 50 * time.Millisecond
	defaultPollInterval     = 5 * time.Second
	defaultLeaseTTL         = 30 * time.Second
	defaultMaxAttempts      = 5
	defaultBackoffInitial   = 100 * time.Millisecond
	defaultBackoffMax       = 5 * time.Second
	defaultPublishTimeout   = 10 * time.Second
	defaultPersistTimeout   = 5 * time.Second
	defaultBlockedAlertEach = time.Minute
	leaseRenewDivisor       = 3
)

// WriterConfig defines how the Writer validates and persists batches.
type WriterConfig struct {
	MaxBatchSize int
	Attempts     int
	RetryBackoff time.Duration
	KnownVendors []string
	Clock        Clock
	Generator    IDGenerator
	Notifier     Notifier
	Logger       Logger
	Metrics      Metrics
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
	if c.Attempts <= 0 {
		c.Attempts = defaultIngestAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultIngestBackoff
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Generator == nil {
		c.Generator = UUIDv7Generator{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}

	return c
}

// WriterOption configures Writer behavior.
type WriterOption func(*WriterConfig)

// WithMaxBatchSize caps the number of requests accepted in one batch.
func WithMaxBatchSize(size int) WriterOption {
	return func(c *WriterConfig) {
		c.MaxBatchSize = size
	}
}

// WithIngestRetry sets how many times a conflicting or transient write is attempted and the base delay between attempts.
func WithIngestRetry(attempts int, backoff time.Duration) WriterOption {
	return func(c *WriterConfig) {
		c.Attempts = attempts
		c.RetryBackoff = backoff
	}
}

// WithKnownVendors sets the canonical vendor names used for normalization.
func WithKnownVendors(names ...string) WriterOption {
	return func(c *WriterConfig) {
		c.KnownVendors = append([]string(nil), names...)
	}
}

// WithWriterClock sets the Writer clock.
func WithWriterClock(clock Clock) WriterOption {
	return func(c *WriterConfig) {
		c.Clock = clock
	}
}

// WithGenerator sets the batch and item id generator.
func WithGenerator(gen IDGenerator) WriterOption {
	return func(c *WriterConfig) {
		c.Generator = gen
	}
}

// WithNotifier sets the notifier signalled after every committed ingest.
func WithNotifier(n Notifier) WriterOption {
	return func(c *WriterConfig) {
		c.Notifier = n
	}
}

// WithWriterLogger sets the Writer logger.
func WithWriterLogger(logger Logger) WriterOption {
	return func(c *WriterConfig) {
		c.Logger = logger
	}
}

// WithWriterMetrics sets the Writer metrics recorder.
func WithWriterMetrics(metrics Metrics) WriterOption {
	return func(c *WriterConfig) {
		c.Metrics = metrics
	}
}

// PublisherConfig defines how the Publisher selects, claims and drains batches.
type PublisherConfig struct {
	Owner                string
	PollInterval         time.Duration
	LeaseTTL             time.Duration
	LeaseRenewInterval   time.Duration
	MaxAttempts          int
	Backoff              Backoff
	PublishTimeout       time.Duration
	PersistTimeout       time.Duration
	ContinueAfterFailure bool
	BlockedAlertInterval time.Duration
	PendingInterval      time.Duration
	Wakeups              WakeSource
	Clock                Clock
	Logger               Logger
	Metrics              Metrics
	FailureClassifier    FailureClassifier
	ErrorHandler         FailureHandler
	OnBatchFailed        BatchFailureHandler
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.Owner == "" {
		c.Owner = defaultOwner()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.LeaseRenewInterval <= 0 || c.LeaseRenewInterval >= c.LeaseTTL {
		c.LeaseRenewInterval = c.LeaseTTL / leaseRenewDivisor
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = Backoff{Initial: defaultBackoffInitial, Max: defaultBackoffMax, Jitter: true}
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = defaultPersistTimeout
	}
	if c.BlockedAlertInterval <= 0 {
		c.BlockedAlertInterval = defaultBlockedAlertEach
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.FailureClassifier == nil {
		c.FailureClassifier = defaultFailureClassifier
	}

	return c
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "publisher"
	}
	suffix, err := UUIDv7Generator{}.New()
	if err != nil {
		return fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), suffix[len(suffix)-12:])
}

// PublisherOption configures Publisher behavior.
type PublisherOption func(*PublisherConfig)

// WithOwner sets the lease owner identity. It must be unique per publisher instance.
func WithOwner(owner string) PublisherOption {
	return func(c *PublisherConfig) {
		c.Owner = owner
	}
}

// WithPollInterval sets the delay between cycles that found nothing to drain.
func WithPollInterval(interval time.Duration) PublisherOption {
	return func(c *PublisherConfig) {
		c.PollInterval = interval
	}
}

// WithLease sets the lease TTL and how often it is renewed while draining.
// A renew interval of zero uses a third of the TTL.
func WithLease(ttl, renewEvery time.Duration) PublisherOption {
	return func(c *PublisherConfig) {
		c.LeaseTTL = ttl
		c.LeaseRenewInterval = renewEvery
	}
}

// WithMaxAttempts sets the publish attempt limit per item and drain pass.
func WithMaxAttempts(attempts int) PublisherOption {
	return func(c *PublisherConfig) {
		c.MaxAttempts = attempts
	}
}

// WithBackoff sets the delay policy between publish attempts.
func WithBackoff(backoff Backoff) PublisherOption {
	return func(c *PublisherConfig) {
		c.Backoff = backoff
	}
}

// WithPublishTimeout sets a per-attempt publish timeout.
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(c *PublisherConfig) {
		c.PublishTimeout = timeout
	}
}

// WithPersistTimeout bounds how long a confirmed delivery may take to persist after shutdown began.
func WithPersistTimeout(timeout time.Duration) PublisherOption {
	return func(c *PublisherConfig) {
		c.PersistTimeout = timeout
	}
}

// WithContinueAfterFailure lets later batches proceed once a batch is failed.
// By default a failed batch blocks the pipeline until an operator retries or skips it.
func WithContinueAfterFailure(enabled bool) PublisherOption {
	return func(c *PublisherConfig) {
		c.ContinueAfterFailure = enabled
	}
}

// WithBlockedAlertInterval sets the minimum interval between blocked-pipeline alerts.
func WithBlockedAlertInterval(interval time.Duration) PublisherOption {
	return func(c *PublisherConfig) {
		c.BlockedAlertInterval = interval
	}
}

// WithPendingInterval sets the minimum interval between pending count samples.
// Zero keeps sampling disabled.
func WithPendingInterval(interval time.Duration) PublisherOption {
	return func(c *PublisherConfig) {
		c.PendingInterval = interval
	}
}

// WithWakeups sets a source of new-batch signals that cut the poll sleep short.
func WithWakeups(src WakeSource) PublisherOption {
	return func(c *PublisherConfig) {
		c.Wakeups = src
	}
}

// WithClock sets the Publisher clock.
func WithClock(clock Clock) PublisherOption {
	return func(c *PublisherConfig) {
		c.Clock = clock
	}
}

// WithLogger sets the Publisher logger.
func WithLogger(logger Logger) PublisherOption {
	return func(c *PublisherConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the Publisher metrics recorder.
func WithMetrics(metrics Metrics) PublisherOption {
	return func(c *PublisherConfig) {
		c.Metrics = metrics
	}
}

// WithFailureClassifier sets the classifier for retry decisions.
func WithFailureClassifier(classifier FailureClassifier) PublisherOption {
	return func(c *PublisherConfig) {
		c.FailureClassifier = classifier
	}
}

// WithErrorHandler registers a callback for every failed publish attempt.
func WithErrorHandler(handler FailureHandler) PublisherOption {
	return func(c *PublisherConfig) {
		c.ErrorHandler = handler
	}
}

// WithBatchFailedHandler registers the operator alert raised when a batch fails.
func WithBatchFailedHandler(handler BatchFailureHandler) PublisherOption {
	return func(c *PublisherConfig) {
		c.OnBatchFailed = handler
	}
}
