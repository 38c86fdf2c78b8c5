package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/velmie/batchoutbox"
)

const (
	labelTransientTransaction = "TransientTransactionError"
	codeWriteConflict         = 112
)

// withTx runs fn in a multi-document transaction. The driver retries fn on transient
// transaction errors; whatever remains is classified.
func (s *Store) withTx(ctx context.Context, contention error, fn func(sc mongo.SessionContext) error) error {
	session, err := s.client.StartSession()
	if err != nil {
		return classify(fmt.Errorf("batchoutbox mongo: start session failed: %w", err), contention)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc)
	}, s.txOpts)

	return classify(err, contention)
}

// classify attaches the batchoutbox error taxonomy to driver errors.
// Write conflicts and transient transaction errors are reported as contention.
func classify(err, contention error) error {
	if err == nil {
		return nil
	}

	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) &&
		(serverErr.HasErrorLabel(labelTransientTransaction) || serverErr.HasErrorCode(codeWriteConflict)) {
		return fmt.Errorf("%w: %w", contention, err)
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return batchoutbox.StoreUnavailable(err)
	}

	return err
}
