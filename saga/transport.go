package saga

import "context"

// AckFunc acknowledges successful processing of a delivered envelope.
type AckFunc func(ctx context.Context) error

// NackFunc signals failed processing; requeue controls whether the
// transport should attempt redelivery (true) or route straight to its
// failure path (false). Once its own retry policy is exhausted the Worker
// publishes to the DLQ itself and then acks; it nacks (requeue=true) only
// when its context is cancelled mid-retry.
type NackFunc func(ctx context.Context, requeue bool) error

// Delivery is a single inbound envelope plus its ack/nack completion.
type Delivery struct {
	Envelope Envelope
	Ack      AckFunc
	Nack     NackFunc
}

// ConsumeFunc is invoked once per Delivery. The transport considers the
// delivery handled once ConsumeFunc returns; it does not retry on the
// transport's behalf.
type ConsumeFunc func(ctx context.Context, d Delivery)

// Transport is the wire-level seam (§6): a minimal publish/subscribe
// contract that every concrete driver (memory, sync, NATS JetStream, Redis
// Streams) implements. The saga core and the worker depend only on this
// interface, never on a driver package directly.
type Transport interface {
	// Publish sends msg to opts.Endpoint (or msg.Type if empty), honoring
	// opts.DelayMs when the driver supports delayed delivery.
	Publish(ctx context.Context, msg Message, opts PublishOptions) error

	// Subscribe registers fn to be called for every envelope delivered on
	// opts.Endpoint, and returns an unsubscribe func. Concurrency and Group
	// are driver-specific hints that drivers may ignore; none of the bundled
	// drivers (memory, sync, nats, redis) reads them, and the Worker enforces
	// concurrency itself.
	Subscribe(ctx context.Context, opts SubscribeOptions, fn ConsumeFunc) (func() error, error)

	// Start brings up any background goroutines the driver needs (worker
	// pools, read loops). Subscribe may be called before or after Start.
	Start(ctx context.Context) error

	// Close stops delivery and releases driver resources. It blocks until
	// in-flight ConsumeFunc calls return or ctx is done.
	Close(ctx context.Context) error
}
