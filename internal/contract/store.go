// Package contract tracks externally-sourced data as time-bounded boundary
// contracts and cascades expiration to the records of fact derived from
// them. Contracts are never deleted; the only lifecycle mutation is the
// active → expired transition performed by the sweep.
package contract

import (
	"context"
	"time"

	"github.com/pitabwire/steward/model"
)

// Store persists boundary contracts.
type Store interface {
	// Create persists a new contract. The caller is responsible for field
	// validation; the store only enforces uniqueness of the contract ID.
	Create(ctx context.Context, c model.BoundaryContract) error

	// Get retrieves the contract covering one external source, scoped to a
	// tenant. Returns NOT_FOUND if no contract exists.
	Get(ctx context.Context, tenantID, sourceType, sourceID string) (model.BoundaryContract, error)

	// GetByID retrieves a contract by its ID.
	GetByID(ctx context.Context, contractID string) (model.BoundaryContract, error)

	// ListSweepable returns every active contract whose
	// materialization_expires_at is before now, plus already-expired
	// contracts whose derived facts were not yet stamped (interrupted
	// sweep cycles are reconciled, not lost).
	ListSweepable(ctx context.Context, now time.Time) ([]model.BoundaryContract, error)

	// MarkExpired transitions a contract from active to expired and stamps
	// expired_at. The update is status-guarded: it reports false, without
	// error, when the contract was already expired, so concurrent sweepers
	// get at-most-once effective state change per contract.
	MarkExpired(ctx context.Context, contractID string, now time.Time) (bool, error)

	// MarkFactsSwept stamps facts_swept_at after derived records were
	// marked expired, closing the sweep cycle for the contract.
	MarkFactsSwept(ctx context.Context, contractID string, now time.Time) error
}

// FactStore persists records of fact derived from contract-governed data.
type FactStore interface {
	// Put persists a record of fact.
	Put(ctx context.Context, fact model.RecordOfFact) error

	// ListBySource returns all facts derived from one source file, scoped
	// to a tenant.
	ListBySource(ctx context.Context, tenantID, sourceFileID string) ([]model.RecordOfFact, error)

	// MarkSourceExpired stamps source_expired_at on every fact referencing
	// the source file that is not already stamped, and returns the number
	// of records updated. Re-running against already-stamped facts updates
	// zero records.
	MarkSourceExpired(ctx context.Context, tenantID, sourceFileID string, now time.Time) (int, error)
}
