package saga

import (
	"context"
	"fmt"
	"time"
)

// Default timeout bounds (§3 Invariant 6): SetTimeout and Schedule delays
// must fall within [1s, 7d] absent a saga-specific Builder.TimeoutBounds
// override or a worker-level default applied via
// Orchestrator.SetDefaultTimeoutBounds.
const (
	DefaultMinTimeoutMs int64 = 1000
	DefaultMaxTimeoutMs int64 = 604800000
)

// Guard decides whether a handler applies to the current state/message
// pair. A nil Guard always matches.
type Guard[S State] func(state S, msg Message) bool

// HandlerFunc is a guarded handler body: it mutates state in place (S is
// expected to be a pointer type) and may use hc to publish, schedule,
// complete, or set a timeout.
type HandlerFunc[S State] func(hc *HandlerContext, state S) error

type handlerEntry[S State] struct {
	guard   Guard[S]
	handle  HandlerFunc[S]
	handled bool // set true on the default (un-guarded) registration for a type
}

// Definition is the compiled, type-safe description of one saga: its
// correlation rules, its guarded handlers, its initial-state factory, and
// its timeout bounds. Build it with Builder[S].
type Definition[S State] struct {
	name           string
	rules          []CorrelationRule
	handlers       map[string][]handlerEntry[S]
	initial        func() S
	minTimeoutMs   int64
	maxTimeoutMs   int64
	boundsExplicit bool
	store          Store[S]
}

// Name returns the saga type name used for correlation, storage, and logs.
func (d *Definition[S]) Name() string { return d.name }

// Bind erases S and returns the orchestrator-facing adapter for this
// definition. Each Definition is bound exactly once, at registration.
func (d *Definition[S]) Bind() BoundDefinition {
	return &boundDefinition[S]{def: d}
}

// BoundDefinition is the non-generic seam the Orchestrator dispatches
// through. A Definition[S] erases its type parameter into this interface
// so heterogeneous saga types can be registered on one Orchestrator.
type BoundDefinition interface {
	Name() string
	Rules() []CorrelationRule
	TimeoutBounds() (min, max int64)

	// ApplyDefaultTimeoutBounds sets this saga's timeout bounds to
	// [min, max] unless the Builder was given an explicit TimeoutBounds
	// call, which always wins. The worker uses this to wire its
	// Config.TimeoutBounds into sagas that didn't set their own.
	ApplyDefaultTimeoutBounds(min, max int64)

	NewInitial(sagaID string, now time.Time) (any, error)
	Insert(ctx context.Context, correlationID string, state any) error
	GetByID(ctx context.Context, sagaID string) (any, error)
	GetByCorrelationID(ctx context.Context, correlationID string) (any, error)
	Update(ctx context.Context, expectedVersion int, state any) error

	// Dispatch runs the first handler registered for msgType whose guard
	// matches (or the un-guarded one), in registration order, mutating
	// state. It returns whether a handler ran.
	Dispatch(hc *HandlerContext, msgType string, state any) (ran bool, err error)

	Metadata(state any) *Metadata
}

type boundDefinition[S State] struct {
	def *Definition[S]
}

func (b *boundDefinition[S]) Name() string              { return b.def.name }
func (b *boundDefinition[S]) Rules() []CorrelationRule   { return b.def.rules }
func (b *boundDefinition[S]) TimeoutBounds() (int64, int64) {
	return b.def.minTimeoutMs, b.def.maxTimeoutMs
}

func (b *boundDefinition[S]) ApplyDefaultTimeoutBounds(min, max int64) {
	if b.def.boundsExplicit {
		return
	}
	b.def.minTimeoutMs = min
	b.def.maxTimeoutMs = max
}

func (b *boundDefinition[S]) NewInitial(sagaID string, now time.Time) (any, error) {
	state := b.def.initial()
	*state.SagaMetadata() = newMetadata(sagaID, now)
	return state, nil
}

func (b *boundDefinition[S]) Insert(ctx context.Context, correlationID string, state any) error {
	s, err := b.cast(state)
	if err != nil {
		return err
	}
	return b.def.store.Insert(ctx, b.def.name, correlationID, s)
}

func (b *boundDefinition[S]) GetByID(ctx context.Context, sagaID string) (any, error) {
	s, err := b.def.store.GetByID(ctx, b.def.name, sagaID)
	if err != nil {
		var zero S
		return zero, err
	}
	return s, nil
}

func (b *boundDefinition[S]) GetByCorrelationID(ctx context.Context, correlationID string) (any, error) {
	s, err := b.def.store.GetByCorrelationID(ctx, b.def.name, correlationID)
	if err != nil {
		var zero S
		return zero, err
	}
	return s, nil
}

func (b *boundDefinition[S]) Update(ctx context.Context, expectedVersion int, state any) error {
	s, err := b.cast(state)
	if err != nil {
		return err
	}
	return b.def.store.Update(ctx, b.def.name, expectedVersion, s)
}

func (b *boundDefinition[S]) Dispatch(hc *HandlerContext, msgType string, state any) (bool, error) {
	s, err := b.cast(state)
	if err != nil {
		return false, err
	}
	entries := b.def.handlers[msgType]
	for _, entry := range entries {
		if entry.guard != nil && !entry.guard(s, hc.Envelope.Payload) {
			continue
		}
		if err := entry.handle(hc, s); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

func (b *boundDefinition[S]) Metadata(state any) *Metadata {
	s, err := b.cast(state)
	if err != nil {
		return nil
	}
	return s.SagaMetadata()
}

func (b *boundDefinition[S]) cast(state any) (S, error) {
	s, ok := state.(S)
	if !ok {
		var zero S
		return zero, fmt.Errorf("saga %s: state has unexpected type %T", b.def.name, state)
	}
	return s, nil
}
