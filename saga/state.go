package saga

import "time"

// Metadata is the mandatory block every persisted saga state embeds (§3).
// Stores must round-trip it byte-for-byte modulo clock resolution; Version
// is the sole concurrency token.
type Metadata struct {
	SagaID    string
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time

	IsCompleted bool
	ArchivedAt  *time.Time

	TraceParent string
	TraceState  string

	TimeoutMs        *int64
	TimeoutExpiresAt *time.Time
}

// State is implemented by every user-defined saga state record. Users embed
// a Metadata field and expose it via SagaMetadata so the orchestrator can
// read/mutate the bookkeeping block without knowing the domain fields.
type State interface {
	SagaMetadata() *Metadata
}

// newMetadata stamps CreatedAt/UpdatedAt/Version/SagaID for a brand-new instance.
func newMetadata(sagaID string, now time.Time) Metadata {
	return Metadata{
		SagaID:    sagaID,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// advance returns the metadata that a successful update should carry:
// version+1, UpdatedAt bumped, CreatedAt/SagaID preserved.
func advance(prev Metadata, now time.Time) Metadata {
	next := prev
	next.Version = prev.Version + 1
	next.UpdatedAt = now
	return next
}
