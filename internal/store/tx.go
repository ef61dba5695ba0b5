package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Tx is a unit of work against the store. Hooks registered with AfterCommit
// run once the transaction has committed and never on rollback.
type Tx struct {
	tx          *sql.Tx
	dialect     dialect
	afterCommit []func()
}

// AfterCommit queues fn to run after a successful commit.
func (t *Tx) AfterCommit(fn func()) {
	t.afterCommit = append(t.afterCommit, fn)
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.rebind(query), args...)
}

// WithTx runs fn in a transaction and commits it if fn returns nil.
// Serialization failures and lock conflicts replay fn from the start, so fn
// must only touch the database through tx.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	var hooks []func()

	operation := func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return classify(fmt.Errorf("begin transaction: %w", err))
		}
		tx := &Tx{tx: sqlTx, dialect: s.dialect}

		if err := fn(tx); err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil {
				s.logger.Warn("rollback failed", "error", rbErr)
			}
			return classify(err)
		}
		if err := sqlTx.Commit(); err != nil {
			return classify(fmt.Errorf("commit: %w", err))
		}
		hooks = tx.afterCommit
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 5 * time.Second

	notify := func(err error, wait time.Duration) {
		s.logger.Debug("retrying transaction", "error", err, "wait", wait)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return err
	}

	for _, hook := range hooks {
		hook()
	}
	return nil
}

func classify(err error) error {
	if isRetryable(err) {
		return err
	}
	return backoff.Permanent(err)
}
