// Package memory implements saga.Transport over an in-process worker-pool
// queue. It is adapted from the teacher's MemoryTransport (single buffered
// channel, fixed worker pool, best-effort drain snapshot on Close), with
// the message-bus handler-registry replaced by endpoint subscriptions and
// delayed delivery added via time.AfterFunc, since the saga scheduler
// needs every driver to honor PublishOptions.DelayMs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sagaflow/logging"
	"sagaflow/saga"
)

type queuedEnvelope struct {
	endpoint string
	envelope saga.Envelope
}

// Transport is an in-memory saga.Transport. Use it for tests and
// single-process deployments; it does not survive a process restart.
type Transport struct {
	mu          sync.RWMutex
	subs        map[string][]saga.ConsumeFunc
	queue       chan queuedEnvelope
	queueSize   int
	workerCount int
	running     bool
	wg          sync.WaitGroup
	logger      logging.ILogger

	timersMu sync.Mutex
	timers   []*time.Timer
}

// New builds a Transport with the given queue depth and worker count.
// queueSize <= 0 defaults to 1000, workerCount <= 0 defaults to 4.
func New(queueSize, workerCount int) *Transport {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if workerCount <= 0 {
		workerCount = 4
	}
	return &Transport{
		subs:        make(map[string][]saga.ConsumeFunc),
		queue:       make(chan queuedEnvelope, queueSize),
		queueSize:   queueSize,
		workerCount: workerCount,
		logger:      logging.ComponentLogger("transport.memory"),
	}
}

// NewForTest builds a zero-worker Transport, for tests asserting on queue
// depth/drain behavior without anything consuming concurrently.
func NewForTest(queueSize int) *Transport {
	t := New(queueSize, 0)
	t.workerCount = 0
	return t
}

func endpointOf(msg saga.Message, opts saga.PublishOptions) string {
	if opts.Endpoint != "" {
		return opts.Endpoint
	}
	return msg.Type
}

func (t *Transport) Publish(ctx context.Context, msg saga.Message, opts saga.PublishOptions) error {
	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()
	if !running {
		return fmt.Errorf("memory transport is not running")
	}

	endpoint := endpointOf(msg, opts)
	env := saga.Envelope{
		Type:      msg.Type,
		Payload:   msg,
		Headers:   opts.Headers,
		Timestamp: time.Now(),
		PartitionKey: opts.Key,
	}

	if opts.DelayMs > 0 {
		t.scheduleDelayed(endpoint, env, time.Duration(opts.DelayMs)*time.Millisecond)
		return nil
	}
	return t.enqueue(ctx, endpoint, env)
}

func (t *Transport) enqueue(ctx context.Context, endpoint string, env saga.Envelope) error {
	select {
	case t.queue <- queuedEnvelope{endpoint: endpoint, envelope: env}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("message queue is full")
	}
}

func (t *Transport) scheduleDelayed(endpoint string, env saga.Envelope, delay time.Duration) {
	timer := time.AfterFunc(delay, func() {
		_ = t.enqueue(context.Background(), endpoint, env)
	})
	t.timersMu.Lock()
	t.timers = append(t.timers, timer)
	t.timersMu.Unlock()
}

func (t *Transport) Subscribe(ctx context.Context, opts saga.SubscribeOptions, fn saga.ConsumeFunc) (func() error, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[opts.Endpoint] = append(t.subs[opts.Endpoint], fn)
	idx := len(t.subs[opts.Endpoint]) - 1
	endpoint := opts.Endpoint

	return func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		handlers := t.subs[endpoint]
		if idx < len(handlers) {
			t.subs[endpoint] = append(handlers[:idx], handlers[idx+1:]...)
		}
		return nil
	}, nil
}

func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("memory transport is already running")
	}
	t.running = true
	t.mu.Unlock()

	for i := 0; i < t.workerCount; i++ {
		t.wg.Add(1)
		go t.worker(ctx)
	}
	return nil
}

func (t *Transport) worker(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case qe, ok := <-t.queue:
			if !ok {
				return
			}
			t.dispatch(ctx, qe)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, qe queuedEnvelope) {
	t.mu.RLock()
	handlers := append([]saga.ConsumeFunc(nil), t.subs[qe.endpoint]...)
	t.mu.RUnlock()

	if len(handlers) == 0 {
		t.logger.Warn(ctx, "no subscriber for endpoint", logging.String("endpoint", qe.endpoint))
		return
	}

	delivery := saga.Delivery{
		Envelope: qe.envelope,
		Ack:      func(ctx context.Context) error { return nil },
		Nack: func(ctx context.Context, requeue bool) error {
			if requeue {
				return t.enqueue(ctx, qe.endpoint, qe.envelope)
			}
			return nil
		},
	}
	for _, h := range handlers {
		h(ctx, delivery)
	}
}

// Close stops accepting new deliveries, stops any pending delay timers (their
// envelopes are not delivered), and waits for running workers to drain the
// queue and exit or for ctx to expire.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return fmt.Errorf("memory transport is not running")
	}
	t.running = false
	t.mu.Unlock()

	t.timersMu.Lock()
	for _, timer := range t.timers {
		timer.Stop()
	}
	t.timersMu.Unlock()

	close(t.queue)

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth reports the number of envelopes currently buffered, for tests.
func (t *Transport) QueueDepth() int {
	return len(t.queue)
}
