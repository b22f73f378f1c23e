// Package ledger provides access to the Actual Budget server.
//
// The reconciliation engine depends only on the Accessor interface; the HTTP
// Client implements it against an Actual Budget sync server. Amounts are
// int64 minor currency units throughout, matching both Monzo and Actual.
package ledger

import (
	"context"
	"time"
)

// Account identifies a valid transaction target in the budget.
type Account struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Closed bool   `json:"closed,omitempty"`
}

// Transaction is a synthetic balance-adjustment entry.
//
// ID is stable for a logical change (derived from the pot and submission
// time) so that backends with duplicate suppression can ignore re-submissions
// of the same change.
type Transaction struct {
	ID     string `json:"id"`
	Date   string `json:"date"` // YYYY-MM-DD
	Amount int64  `json:"amount"`
	Payee  string `json:"payee_name"`
}

// Accessor is the boundary the reconciliation engine works against.
type Accessor interface {
	// Accounts returns the set of valid ledger accounts.
	Accounts(ctx context.Context) ([]Account, error)

	// AccountBalance returns the account's balance as of the given time.
	// It is advisory: callers fall back to their stored watermark when it
	// fails.
	AccountBalance(ctx context.Context, accountID string, asOf time.Time) (int64, error)

	// ImportTransaction submits one transaction to the account. It is
	// expected to be safely re-submittable for the same Transaction.ID,
	// though not every backend guarantees deduplication.
	ImportTransaction(ctx context.Context, accountID string, tx Transaction) error
}
