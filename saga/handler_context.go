package saga

import (
	"context"
	"time"
)

// sideEffectKind discriminates the buffered side effects a handler can
// queue through HandlerContext. Nothing is sent to the Transport until the
// dispatch has persisted state successfully (§4.4: side effects are
// buffered, then flushed after a successful commit).
type sideEffectKind int

const (
	sideEffectPublish sideEffectKind = iota
	sideEffectSchedule
)

type sideEffect struct {
	kind    sideEffectKind
	message Message
	opts    PublishOptions
	delay   time.Duration
}

// HandlerContext is passed to every guarded handler and middleware. It
// exposes the correlated envelope, read/write access to saga metadata, and
// buffered publish/schedule/complete operations — none of which take
// effect on the transport until the orchestrator commits the state update.
type HandlerContext struct {
	ctx           context.Context
	SagaName      string
	CorrelationID string
	Envelope      Envelope
	metadata      *Metadata

	sideEffects []sideEffect
	completed   bool
}

// newHandlerContext builds the per-dispatch context. metadata is the live
// pointer embedded in the caller's state value; mutations here are visible
// to the orchestrator once the handler returns.
func newHandlerContext(ctx context.Context, sagaName, correlationID string, env Envelope, meta *Metadata) *HandlerContext {
	return &HandlerContext{
		ctx:           ctx,
		SagaName:      sagaName,
		CorrelationID: correlationID,
		Envelope:      env,
		metadata:      meta,
	}
}

// Context returns the dispatch's context.Context, for handlers that need
// to pass it to downstream calls (store lookups, HTTP calls, etc).
func (h *HandlerContext) Context() context.Context { return h.ctx }

// Publish buffers a message to be sent via the core's Transport once the
// state update commits. opts.Endpoint defaults to msg.Type if empty.
func (h *HandlerContext) Publish(msg Message, opts PublishOptions) {
	h.sideEffects = append(h.sideEffects, sideEffect{kind: sideEffectPublish, message: msg, opts: opts})
}

// Schedule buffers a one-shot delayed delivery of msg after d, using the
// core's Scheduler once the state update commits.
func (h *HandlerContext) Schedule(msg Message, d time.Duration, opts PublishOptions) {
	h.sideEffects = append(h.sideEffects, sideEffect{kind: sideEffectSchedule, message: msg, opts: opts, delay: d})
}

// Complete marks the saga instance as finished (§3 Invariant: a completed
// instance no longer accepts further correlated messages). Takes effect
// atomically with the state update this dispatch commits.
func (h *HandlerContext) Complete() {
	h.completed = true
}

// SetTimeout arms or rearms the saga-level timeout. timeoutMs must fall
// within the bounds the Definition was built with; the orchestrator
// validates this before committing.
func (h *HandlerContext) SetTimeout(timeoutMs int64, now time.Time) {
	expires := now.Add(time.Duration(timeoutMs) * time.Millisecond)
	h.metadata.TimeoutMs = &timeoutMs
	h.metadata.TimeoutExpiresAt = &expires
}

// ClearTimeout disarms any previously-set saga-level timeout.
func (h *HandlerContext) ClearTimeout() {
	h.metadata.TimeoutMs = nil
	h.metadata.TimeoutExpiresAt = nil
}

// Metadata returns the live metadata block for read access (SagaID,
// Version, trace fields, etc).
func (h *HandlerContext) Metadata() Metadata {
	return *h.metadata
}
