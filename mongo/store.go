package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/velmie/batchoutbox"
)

var activeStatuses = bson.A{string(batchoutbox.BatchPending), string(batchoutbox.BatchProcessing)}

// Store implements the batch outbox on MongoDB.
type Store struct {
	client   *mongo.Client
	cfg      Config
	counters *mongo.Collection
	batches  *mongo.Collection
	items    *mongo.Collection
	txOpts   *options.TransactionOptions
	now      func() time.Time
}

var (
	_ batchoutbox.Store             = (*Store)(nil)
	_ batchoutbox.SequenceAllocator = (*Store)(nil)
	_ batchoutbox.PendingCounter    = (*Store)(nil)
)

// NewStore constructs a MongoDB store on database with validated configuration.
func NewStore(client *mongo.Client, database string, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if database == "" {
		return nil, ErrDatabaseRequired
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	names, err := newCollectionNames(cfg.CollectionPrefix)
	if err != nil {
		return nil, err
	}

	db := client.Database(database)

	return &Store{
		client:   client,
		cfg:      cfg,
		counters: db.Collection(names.counters),
		batches:  db.Collection(names.batches),
		items:    db.Collection(names.items),
		txOpts: options.Transaction().
			SetReadConcern(readconcern.Snapshot()).
			SetWriteConcern(writeconcern.Majority()),
		now: time.Now,
	}, nil
}

// EnsureIndexes creates the indexes the store relies on. It is safe to call repeatedly.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.batches.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sequence", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uq_sequence")},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "sequence", Value: 1}}, Options: options.Index().SetName("idx_status_sequence")},
	}); err != nil {
		return fmt.Errorf("batchoutbox mongo: create batch indexes failed: %w", err)
	}

	if _, err := s.items.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "batchId", Value: 1}, {Key: "sequence", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uq_batch_item")},
		{Keys: bson.D{{Key: "batchId", Value: 1}, {Key: "status", Value: 1}, {Key: "sequence", Value: 1}}, Options: options.Index().SetName("idx_batch_status")},
	}); err != nil {
		return fmt.Errorf("batchoutbox mongo: create item indexes failed: %w", err)
	}

	return nil
}

// AllocateNext increments counter and returns its new value.
func (s *Store) AllocateNext(ctx context.Context, counter string) (int64, error) {
	value, err := s.allocate(ctx, counter)

	return value, classify(err, batchoutbox.ErrAllocationConflict)
}

func (s *Store) allocate(ctx context.Context, counter string) (int64, error) {
	var doc counterDoc
	err := s.counters.FindOneAndUpdate(
		ctx,
		bson.D{{Key: "_id", Value: counter}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if mongo.IsDuplicateKeyError(err) {
		return 0, fmt.Errorf("%w: %w", batchoutbox.ErrAllocationConflict, err)
	}
	if err != nil {
		return 0, fmt.Errorf("batchoutbox mongo: allocate %s failed: %w", counter, err)
	}

	return doc.Value, nil
}

// CreateBatch writes the draft in its own transaction.
func (s *Store) CreateBatch(ctx context.Context, draft batchoutbox.BatchDraft) (batchoutbox.Batch, error) {
	var batch batchoutbox.Batch
	err := s.withTx(ctx, batchoutbox.ErrAllocationConflict, func(sc mongo.SessionContext) error {
		var err error
		batch, err = s.CreateBatchTx(sc, draft)

		return err
	})

	return batch, err
}

// CreateBatchTx writes the draft inside the caller's transaction, typically one that also carries
// the caller's business writes. Nothing is visible until the caller commits.
func (s *Store) CreateBatchTx(sc mongo.SessionContext, draft batchoutbox.BatchDraft) (batchoutbox.Batch, error) {
	if err := draft.Validate(); err != nil {
		return batchoutbox.Batch{}, err
	}

	docs := make([]any, len(draft.Items))
	for i, item := range draft.Items {
		doc, err := newItemDoc(item)
		if err != nil {
			return batchoutbox.Batch{}, err
		}
		docs[i] = doc
	}

	sequence, err := s.allocate(sc, batchoutbox.BatchSequenceCounter)
	if err != nil {
		return batchoutbox.Batch{}, err
	}
	header := draft.Header(sequence)

	if _, err := s.batches.InsertOne(sc, newBatchDoc(header, s.now())); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return batchoutbox.Batch{}, fmt.Errorf("%w: %s", batchoutbox.ErrDuplicateBatch, header.ID)
		}

		return batchoutbox.Batch{}, fmt.Errorf("batchoutbox mongo: insert batch failed: %w", err)
	}
	if _, err := s.items.InsertMany(sc, docs); err != nil {
		return batchoutbox.Batch{}, fmt.Errorf("batchoutbox mongo: insert items failed: %w", err)
	}

	return header, nil
}

// NextBatch returns the first batch in sequence order that holds back later batches.
func (s *Store) NextBatch(ctx context.Context, opts batchoutbox.SelectOptions) (batchoutbox.Batch, error) {
	filter := bson.D{{Key: "status", Value: bson.D{{Key: "$in", Value: activeStatuses}}}}
	if opts.IncludeFailed {
		filter = bson.D{{Key: "$or", Value: bson.A{
			filter,
			bson.D{
				{Key: "status", Value: string(batchoutbox.BatchFailed)},
				{Key: "overriddenAt", Value: bson.D{{Key: "$exists", Value: false}}},
			},
		}}}
	}

	var doc batchDoc
	err := s.batches.FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "sequence", Value: 1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return batchoutbox.Batch{}, batchoutbox.ErrNoBatches
	}
	if err != nil {
		return batchoutbox.Batch{}, classify(fmt.Errorf("batchoutbox mongo: select next batch failed: %w", err), batchoutbox.ErrTransientStore)
	}

	return doc.batch(), nil
}

// ClaimBatch applies the claim rules to the batch document and issues a new lease.
func (s *Store) ClaimBatch(ctx context.Context, req batchoutbox.ClaimRequest) (batchoutbox.Lease, error) {
	var lease batchoutbox.Lease
	err := s.withTx(ctx, batchoutbox.ErrTransientStore, func(sc mongo.SessionContext) error {
		batch, err := s.lockBatch(sc, req.BatchID)
		if err != nil {
			return err
		}
		if err := batchoutbox.CheckClaim(batch, req.Owner, req.Now); err != nil {
			return err
		}

		var claimed batchoutbox.Batch
		claimed, lease = batchoutbox.Claim(batch, req)

		return s.saveBatch(sc, claimed)
	})

	return lease, err
}

// RenewLease extends a lease still valid at now.
func (s *Store) RenewLease(ctx context.Context, lease batchoutbox.Lease, now time.Time, ttl time.Duration) (batchoutbox.Lease, error) {
	renewed := lease
	err := s.withTx(ctx, batchoutbox.ErrTransientStore, func(sc mongo.SessionContext) error {
		batch, err := s.fenced(sc, lease, now)
		if err != nil {
			return err
		}

		expires := now.Add(ttl)
		batch.LeaseExpiresAt = &expires
		renewed.ExpiresAt = expires

		return s.saveBatch(sc, batch)
	})
	if err != nil {
		return lease, err
	}

	return renewed, nil
}

// ReleaseLease clears the lease when it is still the current one.
func (s *Store) ReleaseLease(ctx context.Context, lease batchoutbox.Lease) error {
	res, err := s.batches.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: lease.BatchID},
			{Key: "status", Value: string(batchoutbox.BatchProcessing)},
			{Key: "leaseOwner", Value: lease.Owner},
			{Key: "leaseToken", Value: lease.Token},
		},
		bson.D{
			{Key: "$unset", Value: bson.D{{Key: "leaseOwner", Value: ""}, {Key: "leaseExpiresAt", Value: ""}}},
			{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: s.now().UTC()}}},
		},
	)
	if err != nil {
		return classify(fmt.Errorf("batchoutbox mongo: release lease failed: %w", err), batchoutbox.ErrTransientStore)
	}
	if res.MatchedCount == 0 {
		return batchoutbox.ErrLeaseLost
	}

	return nil
}

// PendingItems returns the still pending items of a batch in item sequence order.
func (s *Store) PendingItems(ctx context.Context, batchID string) ([]batchoutbox.Item, error) {
	return s.findItems(ctx, bson.D{
		{Key: "batchId", Value: batchID},
		{Key: "status", Value: string(batchoutbox.ItemPending)},
	})
}

// MarkItemSent records a delivery. Recording an already sent item again is a no-op.
func (s *Store) MarkItemSent(ctx context.Context, lease batchoutbox.Lease, delivery batchoutbox.Delivery) error {
	return s.withTx(ctx, batchoutbox.ErrTransientStore, func(sc mongo.SessionContext) error {
		if _, err := s.fenced(sc, lease, delivery.SentAt); err != nil {
			return err
		}
		item, err := s.findItem(sc, lease.BatchID, delivery.ItemID)
		if err != nil {
			return err
		}
		if item.Status == string(batchoutbox.ItemSent) {
			return nil
		}

		_, err = s.items.UpdateOne(sc,
			bson.D{{Key: "_id", Value: item.ID}},
			bson.D{
				{Key: "$set", Value: bson.D{
					{Key: "sent", Value: true},
					{Key: "status", Value: string(batchoutbox.ItemSent)},
					{Key: "publishId", Value: delivery.PublishID},
					{Key: "attempts", Value: delivery.Attempts},
					{Key: "sentAt", Value: delivery.SentAt.UTC()},
				}},
				{Key: "$unset", Value: bson.D{{Key: "lastError", Value: ""}}},
			},
		)
		if err != nil {
			return fmt.Errorf("batchoutbox mongo: mark item sent failed: %w", err)
		}

		return nil
	})
}

// MarkItemFailed records an item that exhausted its attempts.
func (s *Store) MarkItemFailed(ctx context.Context, lease batchoutbox.Lease, failure batchoutbox.ItemFailure) error {
	return s.withTx(ctx, batchoutbox.ErrTransientStore, func(sc mongo.SessionContext) error {
		if _, err := s.fenced(sc, lease, failure.FailedAt); err != nil {
			return err
		}
		item, err := s.findItem(sc, lease.BatchID, failure.ItemID)
		if err != nil {
			return err
		}
		if item.Status == string(batchoutbox.ItemSent) {
			return fmt.Errorf("%w: item %s already sent", batchoutbox.ErrInvalidTransition, item.ID)
		}

		_, err = s.items.UpdateOne(sc,
			bson.D{{Key: "_id", Value: item.ID}},
			bson.D{{Key: "$set", Value: bson.D{
				{Key: "status", Value: string(batchoutbox.ItemFailed)},
				{Key: "attempts", Value: failure.Attempts},
				{Key: "lastError", Value: failure.Err},
				{Key: "failedAt", Value: failure.FailedAt.UTC()},
			}}},
		)
		if err != nil {
			return fmt.Errorf("batchoutbox mongo: record item failure failed: %w", err)
		}

		return nil
	})
}

// FinalizeBatch promotes the batch to committed or failed once no item is pending.
func (s *Store) FinalizeBatch(ctx context.Context, lease batchoutbox.Lease, now time.Time) (batchoutbox.Batch, error) {
	var final batchoutbox.Batch
	err := s.withTx(ctx, batchoutbox.ErrTransientStore, func(sc mongo.SessionContext) error {
		batch, err := s.fenced(sc, lease, now)
		if err != nil {
			return err
		}

		pending, err := s.countItems(sc, batch.ID, batchoutbox.ItemPending)
		if err != nil {
			return err
		}
		failed, err := s.countItems(sc, batch.ID, batchoutbox.ItemFailed)
		if err != nil {
			return err
		}
		status, err := batchoutbox.FinalStatus(pending, failed)
		if err != nil {
			return err
		}

		final = batchoutbox.Finish(batch, status, failed, now)

		return s.saveBatch(sc, final)
	})

	return final, err
}

// ExpiredLeases lists processing batches without a valid lease at now.
func (s *Store) ExpiredLeases(ctx context.Context, now time.Time) ([]batchoutbox.Batch, error) {
	return s.findBatches(ctx, bson.D{
		{Key: "status", Value: string(batchoutbox.BatchProcessing)},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "leaseOwner", Value: bson.D{{Key: "$exists", Value: false}}}},
			bson.D{{Key: "leaseExpiresAt", Value: bson.D{{Key: "$exists", Value: false}}}},
			bson.D{{Key: "leaseExpiresAt", Value: bson.D{{Key: "$lte", Value: now.UTC()}}}},
		}},
	}, 0)
}

// OverrideBatch marks a failed batch as resolved by an operator.
func (s *Store) OverrideBatch(ctx context.Context, batchID, reason string, now time.Time) (batchoutbox.Batch, error) {
	var batch batchoutbox.Batch
	err := s.withTx(ctx, batchoutbox.ErrTransientStore, func(sc mongo.SessionContext) error {
		var err error
		batch, err = s.lockBatch(sc, batchID)
		if err != nil {
			return err
		}
		if err := batchoutbox.CheckResolvable(batch); err != nil {
			return err
		}

		at := now
		batch.OverriddenAt = &at
		batch.OverrideReason = reason

		return s.saveBatch(sc, batch)
	})

	return batch, err
}

// RetryBatch moves a failed batch and its failed items back to pending.
func (s *Store) RetryBatch(ctx context.Context, batchID string, _ time.Time) (batchoutbox.Batch, error) {
	var batch batchoutbox.Batch
	err := s.withTx(ctx, batchoutbox.ErrTransientStore, func(sc mongo.SessionContext) error {
		locked, err := s.lockBatch(sc, batchID)
		if err != nil {
			return err
		}
		if err := batchoutbox.CheckResolvable(locked); err != nil {
			return err
		}

		batch = batchoutbox.Reopen(locked)
		if err := s.saveBatch(sc, batch); err != nil {
			return err
		}

		_, err = s.items.UpdateMany(sc,
			bson.D{{Key: "batchId", Value: batchID}, {Key: "status", Value: string(batchoutbox.ItemFailed)}},
			bson.D{
				{Key: "$set", Value: bson.D{{Key: "status", Value: string(batchoutbox.ItemPending)}, {Key: "attempts", Value: 0}}},
				{Key: "$unset", Value: bson.D{{Key: "lastError", Value: ""}, {Key: "failedAt", Value: ""}}},
			},
		)
		if err != nil {
			return fmt.Errorf("batchoutbox mongo: reopen items failed: %w", err)
		}

		return nil
	})

	return batch, err
}

// GetBatch returns a batch header.
func (s *Store) GetBatch(ctx context.Context, batchID string) (batchoutbox.Batch, error) {
	var doc batchDoc
	err := s.batches.FindOne(ctx, bson.D{{Key: "_id", Value: batchID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return batchoutbox.Batch{}, fmt.Errorf("%w: %s", batchoutbox.ErrBatchNotFound, batchID)
	}
	if err != nil {
		return batchoutbox.Batch{}, classify(fmt.Errorf("batchoutbox mongo: get batch failed: %w", err), batchoutbox.ErrTransientStore)
	}

	return doc.batch(), nil
}

// ListBatches returns batches in sequence order.
func (s *Store) ListBatches(ctx context.Context, filter batchoutbox.BatchFilter) ([]batchoutbox.Batch, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = s.cfg.ListLimit
	}

	query := bson.D{{Key: "sequence", Value: bson.D{{Key: "$gt", Value: filter.AfterSequence}}}}
	if len(filter.Statuses) > 0 {
		statuses := make(bson.A, len(filter.Statuses))
		for i, status := range filter.Statuses {
			statuses[i] = string(status)
		}
		query = append(query, bson.E{Key: "status", Value: bson.D{{Key: "$in", Value: statuses}}})
	}

	return s.findBatches(ctx, query, int64(limit))
}

// ListItems returns every item of a batch in item sequence order.
func (s *Store) ListItems(ctx context.Context, batchID string) ([]batchoutbox.Item, error) {
	items, err := s.findItems(ctx, bson.D{{Key: "batchId", Value: batchID}})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		if _, err := s.GetBatch(ctx, batchID); err != nil {
			return nil, err
		}
	}

	return items, nil
}

// PendingCount returns the number of batches not yet committed or failed.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	n, err := s.batches.CountDocuments(ctx, bson.D{{Key: "status", Value: bson.D{{Key: "$in", Value: activeStatuses}}}})
	if err != nil {
		return 0, classify(fmt.Errorf("batchoutbox mongo: count pending failed: %w", err), batchoutbox.ErrTransientStore)
	}

	return int(n), nil
}

// lockBatch writes to the batch document so concurrent transactions touching it conflict.
func (s *Store) lockBatch(sc mongo.SessionContext, batchID string) (batchoutbox.Batch, error) {
	var doc batchDoc
	err := s.batches.FindOneAndUpdate(sc,
		bson.D{{Key: "_id", Value: batchID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: s.now().UTC()}}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return batchoutbox.Batch{}, fmt.Errorf("%w: %s", batchoutbox.ErrBatchNotFound, batchID)
	}
	if err != nil {
		return batchoutbox.Batch{}, fmt.Errorf("batchoutbox mongo: lock batch failed: %w", err)
	}

	return doc.batch(), nil
}

func (s *Store) fenced(sc mongo.SessionContext, lease batchoutbox.Lease, now time.Time) (batchoutbox.Batch, error) {
	batch, err := s.lockBatch(sc, lease.BatchID)
	if err != nil {
		return batchoutbox.Batch{}, err
	}
	if err := batchoutbox.CheckFence(batch, lease, now); err != nil {
		return batchoutbox.Batch{}, err
	}

	return batch, nil
}

func (s *Store) saveBatch(sc mongo.SessionContext, batch batchoutbox.Batch) error {
	if _, err := s.batches.ReplaceOne(sc, bson.D{{Key: "_id", Value: batch.ID}}, newBatchDoc(batch, s.now())); err != nil {
		return fmt.Errorf("batchoutbox mongo: update batch failed: %w", err)
	}

	return nil
}

func (s *Store) findItem(sc mongo.SessionContext, batchID, itemID string) (itemDoc, error) {
	var doc itemDoc
	err := s.items.FindOne(sc, bson.D{{Key: "_id", Value: itemID}, {Key: "batchId", Value: batchID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return itemDoc{}, fmt.Errorf("%w: %s", batchoutbox.ErrItemNotFound, itemID)
	}
	if err != nil {
		return itemDoc{}, fmt.Errorf("batchoutbox mongo: load item failed: %w", err)
	}

	return doc, nil
}

func (s *Store) countItems(sc mongo.SessionContext, batchID string, status batchoutbox.ItemStatus) (int, error) {
	n, err := s.items.CountDocuments(sc, bson.D{{Key: "batchId", Value: batchID}, {Key: "status", Value: string(status)}})
	if err != nil {
		return 0, fmt.Errorf("batchoutbox mongo: count items failed: %w", err)
	}

	return int(n), nil
}

func (s *Store) findBatches(ctx context.Context, filter bson.D, limit int64) ([]batchoutbox.Batch, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := s.batches.Find(ctx, filter, opts)
	if err != nil {
		return nil, classify(fmt.Errorf("batchoutbox mongo: query batches failed: %w", err), batchoutbox.ErrTransientStore)
	}

	var docs []batchDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify(fmt.Errorf("batchoutbox mongo: read batches failed: %w", err), batchoutbox.ErrTransientStore)
	}

	out := make([]batchoutbox.Batch, len(docs))
	for i, doc := range docs {
		out[i] = doc.batch()
	}

	return out, nil
}

func (s *Store) findItems(ctx context.Context, filter bson.D) ([]batchoutbox.Item, error) {
	cursor, err := s.items.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}))
	if err != nil {
		return nil, classify(fmt.Errorf("batchoutbox mongo: query items failed: %w", err), batchoutbox.ErrTransientStore)
	}

	var docs []itemDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, classify(fmt.Errorf("batchoutbox mongo: read items failed: %w", err), batchoutbox.ErrTransientStore)
	}

	out := make([]batchoutbox.Item, 0, len(docs))
	for _, doc := range docs {
		item, err := doc.item()
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}

	return out, nil
}
