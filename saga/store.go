package saga

import "context"

// Store is the per-saga-type persistence contract (§4.3, §4.6). Every
// method takes sagaName so a single underlying table/collection can be
// shared across saga types when a driver chooses to.
//
// All mutating methods enforce optimistic concurrency: Update fails with a
// *SagaError wrapping ErrCodeConflict when the stored version does not
// match expectedVersion.
type Store[S State] interface {
	// Insert creates a brand-new instance. It fails with ErrDuplicateKey if
	// (sagaName, state.SagaMetadata().SagaID) or the correlation id already
	// exists.
	Insert(ctx context.Context, sagaName, correlationID string, state S) error

	// GetByID loads an instance by its saga id. Returns ErrNotFound if absent.
	GetByID(ctx context.Context, sagaName, sagaID string) (S, error)

	// GetByCorrelationID loads the instance currently correlated to id.
	// Returns ErrNotFound if no live (non-completed) instance matches.
	GetByCorrelationID(ctx context.Context, sagaName, correlationID string) (S, error)

	// Update persists state if the stored version equals expectedVersion
	// (the version the caller loaded; the orchestrator passes state already
	// advanced by one). Returns a Conflict-classified *SagaError on mismatch.
	Update(ctx context.Context, sagaName string, expectedVersion int, state S) error

	// Delete permanently removes an instance. Used by operators/tests, not
	// by the dispatch path itself.
	Delete(ctx context.Context, sagaName, sagaID string) error
}
