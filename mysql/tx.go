package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/velmie/batchoutbox"
)

const (
	errDuplicateEntry  = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// withTx runs fn in a READ COMMITTED transaction. Rows read with FOR UPDATE stay locked until fn returns.
func (s *Store) withTx(ctx context.Context, contention error, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(fmt.Errorf("batchoutbox mysql: begin tx failed: %w", err), contention)
	}

	if err := fn(tx); err != nil {
		rollbackErr := tx.Rollback()
		if errors.Is(rollbackErr, sql.ErrTxDone) {
			rollbackErr = nil
		}

		return classify(errors.Join(err, rollbackErr), contention)
	}

	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("batchoutbox mysql: commit failed: %w", err), contention)
	}

	return nil
}

// classify attaches the batchoutbox error taxonomy to driver errors.
// Deadlocks and lock wait timeouts are reported as contention.
func classify(err, contention error) error {
	if err == nil {
		return nil
	}

	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errDeadlock, errLockWaitTimeout:
			return fmt.Errorf("%w: %w", contention, err)
		}

		return err
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysqldriver.ErrInvalidConn) {
		return batchoutbox.StoreUnavailable(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return batchoutbox.StoreUnavailable(err)
	}

	return err
}

func isDuplicate(err error) bool {
	var myErr *mysqldriver.MySQLError

	return errors.As(err, &myErr) && myErr.Number == errDuplicateEntry
}
