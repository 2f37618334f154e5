// Package txn provides the optional-transaction execution wrapper. It is the
// only place in the codebase where transaction capability detection happens:
// every multi-document write in the task and loop services runs through
// WithOptionalTx so the service behaves identically on transactional and
// non-transactional deployments.
package txn

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"loopboard/backend/internal/repository"
)

// Tx is the transaction handle the wrapper manages. pgx.Tx satisfies it.
type Tx interface {
	repository.Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner starts transactions.
type Beginner interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// Pool adapts a *pgxpool.Pool to the Beginner interface.
type Pool struct {
	*pgxpool.Pool
}

// BeginTx starts a pgx transaction.
func (p Pool) BeginTx(ctx context.Context) (Tx, error) {
	return p.Pool.Begin(ctx)
}

// SQLSTATE codes that indicate the backend cannot provide a multi-statement
// transaction (feature_not_supported, invalid_transaction_state).
var unsupportedCodes = map[string]bool{
	"0A000": true,
	"25000": true,
}

// Message substrings reported by non-replicated / standalone / pooled
// backends that reject transactions.
var unsupportedMessages = []string{
	"transactions are not supported",
	"multi-statement transaction",
	"transaction numbers are only allowed",
	"standalone",
}

// IsUnsupported reports whether err indicates the backend cannot run the
// operation inside a transaction, as opposed to the operation itself failing.
func IsUnsupported(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && unsupportedCodes[pgErr.Code] {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range unsupportedMessages {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}

// WithOptionalTx runs fn inside a transaction started from db. If beginning,
// executing or committing fails with a transaction-unsupported error, fn is
// re-invoked exactly once against fallback (no transaction) and that result
// is returned. Any other error propagates unchanged after rollback.
//
// Callers must write fn so that re-execution after a failed transactional
// attempt is safe: the first attempt wrote nothing (transactions are atomic)
// but may have performed reads.
func WithOptionalTx(ctx context.Context, db Beginner, fallback repository.Querier, fn func(q repository.Querier) error) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		if IsUnsupported(err) {
			return fn(fallback)
		}
		return err
	}

	if err := fn(tx); err != nil {
		rbErr := tx.Rollback(ctx)
		if rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			// the original error is the one that matters
			_ = rbErr
		}
		if IsUnsupported(err) {
			return fn(fallback)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if IsUnsupported(err) {
			return fn(fallback)
		}
		return err
	}
	return nil
}
