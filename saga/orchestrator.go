package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sagaflow/logging"
)

// Orchestrator holds the registered saga Definitions and the middleware
// pipeline, and implements the dispatch algorithm of §4.2: correlate,
// load-or-create, run guarded handlers under middleware, persist with
// optimistic concurrency, then flush buffered side effects.
type Orchestrator struct {
	definitions map[string]BoundDefinition
	middlewares []Middleware
	transport   Transport
	scheduler   Scheduler
	logger      logging.ILogger
	now         func() time.Time
}

// NewOrchestrator builds an Orchestrator bound to transport for publishing
// side effects and scheduler for delayed ones.
func NewOrchestrator(transport Transport, scheduler Scheduler) *Orchestrator {
	return &Orchestrator{
		definitions: make(map[string]BoundDefinition),
		transport:   transport,
		scheduler:   scheduler,
		logger:      logging.ComponentLogger("saga.orchestrator"),
		now:         time.Now,
	}
}

// Register adds a compiled Definition to the orchestrator. Names must be
// unique; Register returns a build error otherwise.
func (o *Orchestrator) Register(def BoundDefinition) error {
	if _, exists := o.definitions[def.Name()]; exists {
		return NewBuildError(fmt.Sprintf("saga %s already registered", def.Name()))
	}
	o.definitions[def.Name()] = def
	return nil
}

// Use appends a middleware to the dispatch pipeline, outermost-first.
func (o *Orchestrator) Use(mw Middleware) {
	o.middlewares = append(o.middlewares, mw)
}

// SetDefaultTimeoutBounds applies [min, max] to every registered saga that
// did not set its own bounds via Builder.TimeoutBounds. The worker calls
// this with its Config.TimeoutBounds so a saga-level default still applies
// even when a saga never called TimeoutBounds explicitly.
func (o *Orchestrator) SetDefaultTimeoutBounds(min, max int64) {
	for _, def := range o.definitions {
		def.ApplyDefaultTimeoutBounds(min, max)
	}
}

// MessageTypes returns the set of concrete (non-wildcard) message types any
// registered saga correlates on, for the worker to subscribe to.
func (o *Orchestrator) MessageTypes() []string {
	seen := make(map[string]struct{})
	var types []string
	for _, def := range o.definitions {
		for _, r := range def.Rules() {
			if r.MessageType == WildcardType {
				continue
			}
			if _, ok := seen[r.MessageType]; !ok {
				seen[r.MessageType] = struct{}{}
				types = append(types, r.MessageType)
			}
		}
	}
	return types
}

// MessageTypesBySaga returns, for every registered saga name, the set of
// concrete message types it correlates on. The worker uses this to apply
// per-saga concurrency/retry overrides to the endpoint a saga exclusively
// owns; endpoints shared by more than one saga fall back to worker defaults.
func (o *Orchestrator) MessageTypesBySaga() map[string][]string {
	result := make(map[string][]string, len(o.definitions))
	for name, def := range o.definitions {
		var types []string
		seen := make(map[string]struct{})
		for _, r := range def.Rules() {
			if r.MessageType == WildcardType {
				continue
			}
			if _, ok := seen[r.MessageType]; ok {
				continue
			}
			seen[r.MessageType] = struct{}{}
			types = append(types, r.MessageType)
		}
		result[name] = types
	}
	return result
}

// Dispatch runs the full correlate/load/handle/persist/flush pipeline for
// one inbound envelope against every registered saga definition whose
// correlation rules match its type. Each matching definition runs its own
// full dispatch independently; a failure in one does not stop the others
// from running. It returns the first error encountered, after all matching
// definitions have run; the caller (typically the worker) classifies it via
// Classify and decides whether to retry or dead-letter.
func (o *Orchestrator) Dispatch(ctx context.Context, env Envelope) error {
	msg := env.Payload
	if msg.Type == "" {
		msg.Type = env.Type
	}

	var matched bool
	var firstErr error
	for _, def := range o.definitions {
		corr := correlationFor(def.Rules(), msg)
		if !corr.Matched {
			continue
		}
		matched = true
		if err := o.dispatchToDefinition(ctx, def, env, msg, corr); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			o.logger.Warn(ctx, "saga dispatch failed",
				logging.String("saga", def.Name()), logging.Error(err))
		}
	}
	if !matched {
		o.logger.Debug(ctx, "no saga correlates to message", logging.String("messageType", msg.Type))
	}
	return firstErr
}

func (o *Orchestrator) dispatchToDefinition(ctx context.Context, def BoundDefinition, env Envelope, msg Message, corr correlationResult) error {
	now := o.now()

	state, isNew, originalVersion, err := o.loadOrCreate(ctx, def, env, corr, now)
	if err != nil {
		return err
	}

	meta := def.Metadata(state)
	if meta.IsCompleted {
		o.logger.Debug(ctx, "message correlates to a completed saga",
			logging.String("saga", def.Name()), logging.String("sagaId", meta.SagaID))
		return NewAlreadyCompletedError(def.Name(), meta.SagaID, corr.CorrelationID)
	}

	hc := newHandlerContext(ctx, def.Name(), corr.CorrelationID, env, meta)

	final := func(ctx context.Context, hc *HandlerContext) error {
		_, err := def.Dispatch(hc, msg.Type, state)
		return err
	}
	if err := executeMiddlewares(ctx, hc, o.middlewares, final); err != nil {
		return err
	}

	minMs, maxMs := def.TimeoutBounds()
	if hc.metadata.TimeoutExpiresAt != nil {
		if *hc.metadata.TimeoutMs < minMs || (maxMs > 0 && *hc.metadata.TimeoutMs > maxMs) {
			return NewValidationError(def.Name(), fmt.Sprintf("timeout %dms outside bounds [%d, %d]", *hc.metadata.TimeoutMs, minMs, maxMs))
		}
	}
	for _, eff := range hc.sideEffects {
		if eff.kind != sideEffectSchedule {
			continue
		}
		delayMs := eff.delay.Milliseconds()
		if delayMs < minMs || (maxMs > 0 && delayMs > maxMs) {
			return NewValidationError(def.Name(), fmt.Sprintf("schedule delay %dms outside bounds [%d, %d]", delayMs, minMs, maxMs))
		}
	}
	if hc.completed {
		meta.IsCompleted = true
	}

	if err := o.persist(ctx, def, state, isNew, originalVersion, corr.CorrelationID, now); err != nil {
		return err
	}

	return o.flush(ctx, hc.sideEffects)
}

func (o *Orchestrator) loadOrCreate(ctx context.Context, def BoundDefinition, env Envelope, corr correlationResult, now time.Time) (state any, isNew bool, originalVersion int, err error) {
	state, err = def.GetByCorrelationID(ctx, corr.CorrelationID)
	if err == nil {
		return state, false, def.Metadata(state).Version, nil
	}
	if !IsNotFound(err) {
		return nil, false, 0, NewStoreError(def.Name(), err)
	}
	if !corr.CanStart {
		return nil, false, 0, NewCorrelationFailureError(def.Name(), corr.CorrelationID)
	}

	sagaID := uuid.NewString()
	state, err = def.NewInitial(sagaID, now)
	if err != nil {
		return nil, false, 0, err
	}
	meta := def.Metadata(state)
	meta.TraceParent = env.Header(HeaderTraceParent)
	meta.TraceState = env.Header(HeaderTraceState)
	return state, true, 0, nil
}

func (o *Orchestrator) persist(ctx context.Context, def BoundDefinition, state any, isNew bool, originalVersion int, correlationID string, now time.Time) error {
	meta := def.Metadata(state)
	if isNew {
		if err := def.Insert(ctx, correlationID, state); err != nil {
			return NewStoreError(def.Name(), err)
		}
		return nil
	}

	*meta = advance(*meta, now)
	if err := def.Update(ctx, originalVersion, state); err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) flush(ctx context.Context, effects []sideEffect) error {
	for _, eff := range effects {
		switch eff.kind {
		case sideEffectPublish:
			if err := o.transport.Publish(ctx, eff.message, eff.opts); err != nil {
				return NewTransportError(err)
			}
		case sideEffectSchedule:
			if o.scheduler == nil {
				return NewTransportError(fmt.Errorf("saga: Schedule called but no Scheduler configured"))
			}
			if err := o.scheduler.Schedule(ctx, eff.message, eff.delay, eff.opts); err != nil {
				return NewTransportError(err)
			}
		}
	}
	return nil
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
