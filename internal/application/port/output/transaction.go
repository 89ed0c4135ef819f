package output

import (
	"context"
)

// TransactionManager manages transactions for the transactional session
// store backend. Committing a stage record and advancing the session marker
// must be all-or-nothing; this interface is what guarantees it.
type TransactionManager interface {
	// InTransaction executes a function within a transaction
	// If the function returns an error, the transaction is rolled back
	InTransaction(ctx context.Context, fn func(txCtx context.Context) error) error

	// BeginTransaction starts a new transaction
	BeginTransaction(ctx context.Context) (Transaction, error)
}

// Transaction represents an active transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}
