package txn

import (
	"context"

	"loopboard/backend/internal/repository"
)

// StoreRunner executes store units of work through WithOptionalTx, binding
// the store to the transaction handle (or to the plain pool on fallback).
// It is the production Runner for the loop engine and the task service.
type StoreRunner struct {
	DB       Beginner
	Fallback repository.Querier
	Store    repository.Store
}

// Run executes fn with a store view bound to the active Querier.
func (r StoreRunner) Run(ctx context.Context, fn func(store repository.Store) error) error {
	return WithOptionalTx(ctx, r.DB, r.Fallback, func(q repository.Querier) error {
		return fn(r.Store.Bind(q))
	})
}
