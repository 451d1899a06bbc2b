// Package sync implements saga.Transport by calling every matching
// subscriber synchronously, in the publishing goroutine. It is adapted
// from the teacher's SyncTransport and is meant for deterministic tests:
// PublishOptions.DelayMs is ignored (delivery is always immediate), so
// tests exercising the scheduler should use a different driver.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sagaflow/saga"
)

// Transport is a same-goroutine saga.Transport.
type Transport struct {
	mu      sync.RWMutex
	subs    map[string][]saga.ConsumeFunc
	running bool
}

// New builds an unstarted Transport.
func New() *Transport {
	return &Transport{subs: make(map[string][]saga.ConsumeFunc)}
}

func (t *Transport) Publish(ctx context.Context, msg saga.Message, opts saga.PublishOptions) error {
	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return fmt.Errorf("sync transport is not running")
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = msg.Type
	}
	handlers := append([]saga.ConsumeFunc(nil), t.subs[endpoint]...)
	t.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	env := saga.Envelope{Type: msg.Type, Payload: msg, Headers: opts.Headers, Timestamp: time.Now(), PartitionKey: opts.Key}
	delivery := saga.Delivery{
		Envelope: env,
		Ack:      func(ctx context.Context) error { return nil },
		Nack:     func(ctx context.Context, requeue bool) error { return nil },
	}

	var errs []error
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					errs = append(errs, fmt.Errorf("handler panicked: %v", r))
				}
			}()
			h(ctx, delivery)
		}()
	}
	if len(errs) > 0 {
		return fmt.Errorf("message handling completed with %d errors: %w", len(errs), errors.Join(errs...))
	}
	return nil
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
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("sync transport is already running")
	}
	t.running = true
	return nil
}

func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return fmt.Errorf("sync transport is not running")
	}
	t.running = false
	return nil
}
