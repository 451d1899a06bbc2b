package saga

import "fmt"

// Builder assembles a Definition[S] fluently: correlation rules, guarded
// handlers, the initial-state factory, timeout bounds, and the backing
// Store. Call Build once all of those are configured.
type Builder[S State] struct {
	name           string
	rules          []CorrelationRule
	handlers       map[string][]handlerEntry[S]
	initial        func() S
	minTimeoutMs   int64
	maxTimeoutMs   int64
	boundsExplicit bool
	store          Store[S]
}

// NewBuilder starts a Definition builder for the given saga type name.
// Timeout bounds default to the §3 Invariant 6 range [1s, 7d] until
// TimeoutBounds overrides them.
func NewBuilder[S State](name string) *Builder[S] {
	return &Builder[S]{
		name:         name,
		handlers:     make(map[string][]handlerEntry[S]),
		minTimeoutMs: DefaultMinTimeoutMs,
		maxTimeoutMs: DefaultMaxTimeoutMs,
	}
}

// WithStore sets the persistence backend this saga type uses.
func (b *Builder[S]) WithStore(store Store[S]) *Builder[S] {
	b.store = store
	return b
}

// StartsWith registers msgType as able to start a new instance: when no
// live instance correlates, the orchestrator creates one via initial and
// dispatches msgType's handler against it.
func (b *Builder[S]) StartsWith(msgType string, extract Extractor, initial func() S) *Builder[S] {
	b.rules = append(b.rules, CorrelationRule{MessageType: msgType, CanStart: true, Extract: extract})
	b.initial = initial
	return b
}

// CorrelatesOn registers msgType as correlating to an existing instance
// only; it never starts one.
func (b *Builder[S]) CorrelatesOn(msgType string, extract Extractor) *Builder[S] {
	b.rules = append(b.rules, CorrelationRule{MessageType: msgType, Extract: extract})
	return b
}

// CorrelatesOnAny registers a wildcard rule, used when a handler applies
// regardless of message type (e.g. a catch-all audit hook). Specific-type
// rules always take precedence over it.
func (b *Builder[S]) CorrelatesOnAny(extract Extractor) *Builder[S] {
	b.rules = append(b.rules, CorrelationRule{MessageType: WildcardType, Extract: extract})
	return b
}

// TimeoutBounds sets the [min, max] millisecond range SetTimeout and
// Schedule calls must fall within for this saga type, overriding the
// [1s, 7d] default and any worker-level default later applied to it.
func (b *Builder[S]) TimeoutBounds(minMs, maxMs int64) *Builder[S] {
	b.minTimeoutMs = minMs
	b.maxTimeoutMs = maxMs
	b.boundsExplicit = true
	return b
}

// On starts a handler registration for msgType. Chain .When(guard) to
// restrict it and .Handle(fn) to finish it and return to the Builder.
func (b *Builder[S]) On(msgType string) *HandlerBuilder[S] {
	return &HandlerBuilder[S]{builder: b, msgType: msgType}
}

// Build validates the accumulated configuration and compiles a Definition.
func (b *Builder[S]) Build() (*Definition[S], error) {
	if b.name == "" {
		return nil, NewBuildError("saga name must not be empty")
	}
	if b.store == nil {
		return nil, NewBuildError(fmt.Sprintf("saga %s: WithStore is required", b.name))
	}
	if b.initial == nil {
		return nil, NewBuildError(fmt.Sprintf("saga %s: StartsWith must set an initial-state factory", b.name))
	}
	hasStart := false
	for _, r := range b.rules {
		if r.CanStart {
			hasStart = true
			break
		}
	}
	if !hasStart {
		return nil, NewBuildError(fmt.Sprintf("saga %s: at least one StartsWith rule is required", b.name))
	}
	if b.minTimeoutMs < 0 || b.maxTimeoutMs < 0 || (b.maxTimeoutMs > 0 && b.minTimeoutMs > b.maxTimeoutMs) {
		return nil, NewBuildError(fmt.Sprintf("saga %s: invalid timeout bounds [%d, %d]", b.name, b.minTimeoutMs, b.maxTimeoutMs))
	}

	return &Definition[S]{
		name:           b.name,
		rules:          append([]CorrelationRule(nil), b.rules...),
		handlers:       b.handlers,
		initial:        b.initial,
		minTimeoutMs:   b.minTimeoutMs,
		maxTimeoutMs:   b.maxTimeoutMs,
		boundsExplicit: b.boundsExplicit,
		store:          b.store,
	}, nil
}

// HandlerBuilder is the .On().When().Handle() sub-builder for a single
// message type registration.
type HandlerBuilder[S State] struct {
	builder *Builder[S]
	msgType string
	guard   Guard[S]
}

// When restricts this handler to messages where guard returns true. A
// second .When on the same registration combines with the first via
// logical AND; both must pass for the handler to run.
func (hb *HandlerBuilder[S]) When(guard Guard[S]) *HandlerBuilder[S] {
	if hb.guard == nil {
		hb.guard = guard
		return hb
	}
	prev := hb.guard
	hb.guard = func(state S, msg Message) bool {
		return prev(state, msg) && guard(state, msg)
	}
	return hb
}

// Handle finishes the registration and returns to the parent Builder.
func (hb *HandlerBuilder[S]) Handle(fn HandlerFunc[S]) *Builder[S] {
	hb.builder.handlers[hb.msgType] = append(hb.builder.handlers[hb.msgType], handlerEntry[S]{
		guard:   hb.guard,
		handle:  fn,
		handled: hb.guard == nil,
	})
	return hb.builder
}
