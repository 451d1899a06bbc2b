// Package worker implements the Bus described in §4.3: it owns the
// lifecycle state machine, subscribes to every endpoint the registered
// sagas correlate on, gates per-subscription concurrency, runs the
// retry/backoff/DLQ loop around each dispatch, and drains in-flight work
// on a bounded shutdown deadline. The lifecycle discipline is grounded on
// the teacher's server/lifecycle.go State enum. The retry/backoff loop
// computes its delays in backoffDelay and takes only the Backoff constants
// from sagaflow/retry.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sagaflow/logging"
	"sagaflow/retry"
	"sagaflow/saga"
)

// Worker is the saga engine's message consumer: it binds an Orchestrator to
// a Transport and runs its dispatch pipeline under concurrency, retry, and
// DLQ policy.
type Worker struct {
	orchestrator *saga.Orchestrator
	transport    saga.Transport
	config       Config
	logger       logging.ILogger

	mu          sync.Mutex
	state       State
	unsubscribe []func() error
	wg          sync.WaitGroup
}

// New builds a Worker bound to orchestrator and transport.
func New(orchestrator *saga.Orchestrator, transport saga.Transport, config Config) *Worker {
	if config.DLQNaming == nil {
		config.DLQNaming = defaultDLQNaming
	}
	if config.Sagas == nil {
		config.Sagas = make(map[string]SagaOverride)
	}
	return &Worker{
		orchestrator: orchestrator,
		transport:    transport,
		config:       config,
		logger:       logging.ComponentLogger("worker"),
		state:        Stopped,
	}
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// endpointOwners maps an endpoint to the single saga that exclusively owns
// it, for per-saga override lookup; endpoints shared across sagas return
// "" and fall back to the worker's defaults.
func (w *Worker) endpointOwners() map[string]string {
	owners := make(map[string]string)
	claimed := make(map[string]bool)
	for sagaName, types := range w.orchestrator.MessageTypesBySaga() {
		for _, t := range types {
			if _, exists := owners[t]; exists {
				claimed[t] = true
				continue
			}
			owners[t] = sagaName
		}
	}
	for t := range claimed {
		owners[t] = ""
	}
	return owners
}

// Start transitions Stopped -> Starting -> Running, starts the transport,
// and subscribes to every endpoint the registered sagas correlate on.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != Stopped {
		w.mu.Unlock()
		return fmt.Errorf("worker: start called from state %s, must be Stopped", w.state)
	}
	w.state = Starting
	w.mu.Unlock()

	w.orchestrator.SetDefaultTimeoutBounds(w.config.TimeoutBounds[0], w.config.TimeoutBounds[1])

	if err := w.transport.Start(ctx); err != nil {
		w.setState(Stopped)
		return fmt.Errorf("worker: transport start failed: %w", err)
	}

	owners := w.endpointOwners()
	for _, endpoint := range w.orchestrator.MessageTypes() {
		sagaName := owners[endpoint]
		concurrency := w.config.concurrencyFor(sagaName)
		policy := w.config.retryPolicyFor(sagaName)

		sem := make(chan struct{}, concurrency)
		unsub, err := w.transport.Subscribe(ctx, saga.SubscribeOptions{Endpoint: endpoint, Concurrency: concurrency}, w.consumeFor(endpoint, sem, policy))
		if err != nil {
			w.setState(Stopped)
			return fmt.Errorf("worker: subscribe %s failed: %w", endpoint, err)
		}
		w.mu.Lock()
		w.unsubscribe = append(w.unsubscribe, unsub)
		w.mu.Unlock()
	}

	w.setState(Running)
	return nil
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Stop transitions Running -> Stopping -> Stopped: it closes subscriptions
// so no new envelopes are accepted, then waits up to
// config.ShutdownTimeoutMs for in-flight dispatches to finish. Work still
// running past the deadline is left to the transport's own nack/requeue.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.state != Running {
		w.mu.Unlock()
		return fmt.Errorf("worker: stop called from state %s, must be Running", w.state)
	}
	w.state = Stopping
	unsubs := w.unsubscribe
	w.unsubscribe = nil
	w.mu.Unlock()

	for _, unsub := range unsubs {
		_ = unsub()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	deadline := time.Duration(w.config.ShutdownTimeoutMs) * time.Millisecond
	select {
	case <-done:
	case <-time.After(deadline):
		w.logger.Warn(ctx, "shutdown deadline exceeded, in-flight dispatches abandoned",
			logging.Duration("deadline", deadline))
	case <-ctx.Done():
	}

	if err := w.transport.Close(ctx); err != nil {
		w.logger.Warn(ctx, "transport close failed", logging.Error(err))
	}

	w.setState(Stopped)
	return nil
}

func (w *Worker) consumeFor(endpoint string, sem chan struct{}, policy RetryPolicy) saga.ConsumeFunc {
	return func(ctx context.Context, d saga.Delivery) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			_ = d.Nack(ctx, true)
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer func() { <-sem }()
			w.handleDelivery(ctx, endpoint, d, policy)
		}()
	}
}

func (w *Worker) handleDelivery(ctx context.Context, endpoint string, d saga.Delivery, policy RetryPolicy) {
	var firstFailureAt time.Time
	var lastErr error

	for attempt := 1; ; attempt++ {
		err := w.orchestrator.Dispatch(ctx, d.Envelope)
		if err == nil {
			_ = d.Ack(ctx)
			return
		}
		lastErr = err

		if saga.IsNotFound(err) {
			_ = d.Ack(ctx)
			return
		}

		if isUncorrelatable(err) && w.config.OnCorrelationFailure == OnCorrelationFailureDrop {
			_ = d.Ack(ctx)
			return
		}

		class := saga.Classify(err)
		if firstFailureAt.IsZero() {
			firstFailureAt = time.Now()
		}

		if class == saga.Permanent || class == saga.Validation || attempt >= policy.MaxAttempts {
			w.deadLetter(ctx, endpoint, d, lastErr, attempt, firstFailureAt)
			_ = d.Ack(ctx)
			return
		}

		delay := backoffDelay(attempt, policy)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			_ = d.Nack(ctx, true)
			return
		}
	}
}

// isUncorrelatable reports whether err means the envelope could not be
// attached to a live saga instance: either it couldn't start or correlate
// one at all, or it correlated to one that has already completed (§4.2 step
// 4 applies the same drop/dlq policy to both cases).
func isUncorrelatable(err error) bool {
	se, ok := asSagaError(err)
	return ok && (se.Code == saga.ErrCodeCorrelation || se.Code == saga.ErrCodeAlreadyCompleted)
}

func asSagaError(err error) (*saga.SagaError, bool) {
	se, ok := err.(*saga.SagaError)
	return se, ok
}

// backoffDelay implements §4.3's formula exactly: delay = min(maxDelayMs,
// baseDelayMs * mul^(attempt-1)), mul=1 for linear (a constant delay), 2
// for exponential.
func backoffDelay(attempt int, policy RetryPolicy) time.Duration {
	mul := 1.0
	if policy.Backoff == retry.BackoffExponential {
		mul = 2.0
	}
	delayMs := float64(policy.BaseDelayMs) * powInt(mul, attempt-1)
	if maxMs := float64(policy.MaxDelayMs); maxMs > 0 && delayMs > maxMs {
		delayMs = maxMs
	}
	return time.Duration(delayMs) * time.Millisecond
}

func powInt(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func (w *Worker) deadLetter(ctx context.Context, endpoint string, d saga.Delivery, cause error, attempts int, firstFailureAt time.Time) {
	now := time.Now()
	headers := map[string]string{
		"x-saga-failure-reason":   string(saga.Classify(cause)),
		"x-saga-failure-message":  cause.Error(),
		"x-saga-attempts":         fmt.Sprintf("%d", attempts),
		"x-saga-first-failure-at": firstFailureAt.Format(time.RFC3339Nano),
		"x-saga-last-failure-at":  now.Format(time.RFC3339Nano),
	}
	for k, v := range d.Envelope.Headers {
		if _, exists := headers[k]; !exists {
			headers[k] = v
		}
	}

	dlqEndpoint := w.config.DLQNaming(endpoint)
	err := w.transport.Publish(ctx, d.Envelope.Payload, saga.PublishOptions{Endpoint: dlqEndpoint, Headers: headers})
	if err != nil {
		w.logger.Warn(ctx, "dead-letter publish failed",
			logging.String("endpoint", dlqEndpoint), logging.Error(err))
		return
	}
	w.logger.Warn(ctx, "envelope dead-lettered",
		logging.String("originalEndpoint", endpoint),
		logging.String("dlqEndpoint", dlqEndpoint),
		logging.Int("attempts", attempts))
}
