// Package store provides persistence for the account ledger.
package store

import (
	"context"

	"github.com/ashureev/pplx/internal/domain"
)

// Ledger records the lifecycle of provisioned accounts so that restarts and
// audits can see what the pool created and spent.
type Ledger interface {
	// RecordAccount inserts or refreshes an account row.
	RecordAccount(ctx context.Context, rec *domain.AccountRecord) error

	// UpdateCredits stores the latest credit counters for an account.
	UpdateCredits(ctx context.Context, id string, premium, uploads int) error

	// RetireAccount marks an account as no longer in the pool.
	RetireAccount(ctx context.Context, id string) error

	// ListActive returns all accounts that have not been retired.
	ListActive(ctx context.Context) ([]*domain.AccountRecord, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
