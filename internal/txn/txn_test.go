package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loopboard/backend/internal/repository"
)

type fakeQuerier struct {
	execs int
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs++
	return pgconn.CommandTag{}, nil
}

func (f *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

type fakeTx struct {
	fakeQuerier
	commitErr  error
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(ctx context.Context) error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	f.rolledBack = true
	return nil
}

type fakeBeginner struct {
	tx       *fakeTx
	beginErr error
}

func (f *fakeBeginner) BeginTx(ctx context.Context) (Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.tx, nil
}

var errNoTxSupport = errors.New("Transaction numbers are only allowed on a replica set member or mongos")

func TestWithOptionalTx_Commits(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeBeginner{tx: tx}
	fallback := &fakeQuerier{}

	calls := 0
	err := WithOptionalTx(context.Background(), db, fallback, func(q repository.Querier) error {
		calls++
		assert.Same(t, tx, q.(*fakeTx))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
}

func TestWithOptionalTx_BeginUnsupportedFallsBack(t *testing.T) {
	db := &fakeBeginner{beginErr: errNoTxSupport}
	fallback := &fakeQuerier{}

	calls := 0
	err := WithOptionalTx(context.Background(), db, fallback, func(q repository.Querier) error {
		calls++
		assert.Same(t, fallback, q.(*fakeQuerier))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "operation must run exactly once on fallback")
}

func TestWithOptionalTx_OperationUnsupportedFallsBack(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeBeginner{tx: tx}
	fallback := &fakeQuerier{}

	var seen []repository.Querier
	err := WithOptionalTx(context.Background(), db, fallback, func(q repository.Querier) error {
		seen = append(seen, q)
		if len(seen) == 1 {
			return errNoTxSupport
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Same(t, tx, seen[0].(*fakeTx))
	assert.Same(t, fallback, seen[1].(*fakeQuerier))
	assert.True(t, tx.rolledBack, "failed transactional attempt must be rolled back")
	assert.False(t, tx.committed)
}

func TestWithOptionalTx_CommitUnsupportedFallsBack(t *testing.T) {
	tx := &fakeTx{commitErr: &pgconn.PgError{Code: "0A000", Message: "feature not supported"}}
	db := &fakeBeginner{tx: tx}
	fallback := &fakeQuerier{}

	calls := 0
	err := WithOptionalTx(context.Background(), db, fallback, func(q repository.Querier) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithOptionalTx_OtherErrorPropagates(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeBeginner{tx: tx}
	fallback := &fakeQuerier{}

	boom := errors.New("duplicate key value violates unique constraint")
	calls := 0
	err := WithOptionalTx(context.Background(), db, fallback, func(q repository.Querier) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls, "no fallback on ordinary errors")
	assert.True(t, tx.rolledBack)
}

func TestIsUnsupported(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pg feature_not_supported", &pgconn.PgError{Code: "0A000"}, true},
		{"pg invalid_transaction_state", &pgconn.PgError{Code: "25000"}, true},
		{"message substring", errors.New("this backend: Transactions are not supported"), true},
		{"standalone backend", errors.New("cannot start session on standalone node"), true},
		{"ordinary error", errors.New("connection refused"), false},
		{"pg other code", &pgconn.PgError{Code: "23505"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUnsupported(tt.err))
		})
	}
}
