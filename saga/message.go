// Package saga implements a durable, message-driven saga orchestration core:
// envelope correlation, optimistic-concurrency state persistence, a guarded
// handler model, and a middleware pipeline around dispatch.
package saga

import (
	"time"
)

// ReservedTypeTimeoutExpired is the one system message type the core itself
// emits. User code must not publish messages carrying this type.
const ReservedTypeTimeoutExpired = "SagaTimeoutExpired"

// W3C trace context headers. The orchestrator copies these from the
// envelope that starts a saga into its metadata (§4.4 setTraceContext).
const (
	HeaderTraceParent = "traceparent"
	HeaderTraceState  = "tracestate"
)

// Message is a tagged record: Type is the discriminator, Data is the
// JSON-shaped payload. Handlers and correlation rules both key off Type.
type Message struct {
	Type string
	Data any
}

// NewMessage builds a Message with the given type and payload.
func NewMessage(msgType string, data any) Message {
	return Message{Type: msgType, Data: data}
}

// Envelope is the transport-level wrapper around a Message. It is what
// Transport implementations publish and subscribers receive.
type Envelope struct {
	ID           string
	Type         string
	Payload      Message
	Headers      map[string]string
	Timestamp    time.Time
	PartitionKey string
}

// Header returns the value for key, or "" if absent. Headers is nil-safe.
func (e *Envelope) Header(key string) string {
	if e == nil || e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// WithHeader returns a copy of the envelope with key=value merged into
// Headers, leaving the receiver untouched.
func (e Envelope) WithHeader(key, value string) Envelope {
	headers := make(map[string]string, len(e.Headers)+1)
	for k, v := range e.Headers {
		headers[k] = v
	}
	headers[key] = value
	e.Headers = headers
	return e
}

// PublishOptions is the wire-level publish contract (§6).
type PublishOptions struct {
	// Endpoint is the destination topic/queue; if empty, the transport uses
	// the message type.
	Endpoint string
	// Key is an ordering/partition hint.
	Key string
	// Headers are propagated verbatim alongside the core's own headers.
	Headers map[string]string
	// DelayMs is the minimum delay, in milliseconds, before delivery. Zero
	// means immediate.
	DelayMs int64
}

// SubscribeOptions configures a Transport subscription.
type SubscribeOptions struct {
	Endpoint    string
	Concurrency int
	// Group is a competing-consumer label (consumer group / queue group).
	Group string
}
