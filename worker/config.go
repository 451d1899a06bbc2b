package worker

import "sagaflow/retry"

// CorrelationFailurePolicy governs what the worker does when an envelope
// cannot be correlated to a startable or existing saga instance (§4.2).
type CorrelationFailurePolicy string

const (
	OnCorrelationFailureDrop CorrelationFailurePolicy = "drop"
	OnCorrelationFailureDLQ  CorrelationFailurePolicy = "dlq"
)

// RetryPolicy is the worker's §6 retry surface: maxAttempts before DLQ, and
// the backoff shape between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelayMs int64
	MaxDelayMs  int64
	Backoff     retry.Backoff
}

// DefaultRetryPolicy matches the §6 configuration table defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelayMs: 1000,
		MaxDelayMs:  30000,
		Backoff:     retry.BackoffExponential,
	}
}

// SagaOverride lets one registered saga override the worker's default
// concurrency and/or retry policy (§6 worker.sagas[name].*).
type SagaOverride struct {
	Concurrency int
	RetryPolicy *RetryPolicy
}

// DLQNamingFunc derives a dead-letter endpoint from the origin endpoint.
type DLQNamingFunc func(endpoint string) string

func defaultDLQNaming(endpoint string) string { return endpoint + ".dlq" }

// Config is the worker's full configuration surface (§6).
type Config struct {
	// DefaultConcurrency is the per-subscription in-flight cap absent a
	// SagaOverride. Default 10.
	DefaultConcurrency int
	// ShutdownTimeoutMs is the hard drain deadline for Stop. Default 30000.
	ShutdownTimeoutMs int64
	// RetryPolicy is the default retry policy absent a SagaOverride.
	RetryPolicy RetryPolicy
	// DLQNaming derives a dead-letter endpoint; default appends ".dlq".
	DLQNaming DLQNamingFunc
	// TimeoutBounds is the [min,max] millisecond range SetTimeout and
	// Schedule delays must fall within, for sagas without their own
	// Builder.TimeoutBounds call; out-of-range values fail the dispatch with
	// a Validation error. Default {1000, 604800000}.
	TimeoutBounds [2]int64
	// OnCorrelationFailure governs drop-vs-dlq for uncorrelatable envelopes.
	// Default drop.
	OnCorrelationFailure CorrelationFailurePolicy
	// Sagas holds per-saga-name overrides, keyed by Definition.Name().
	Sagas map[string]SagaOverride
}

// DefaultConfig returns the §6 configuration defaults.
func DefaultConfig() Config {
	return Config{
		DefaultConcurrency:   10,
		ShutdownTimeoutMs:    30000,
		RetryPolicy:          DefaultRetryPolicy(),
		DLQNaming:            defaultDLQNaming,
		TimeoutBounds:        [2]int64{1000, 604800000},
		OnCorrelationFailure: OnCorrelationFailureDrop,
		Sagas:                make(map[string]SagaOverride),
	}
}

func (c Config) concurrencyFor(sagaName string) int {
	if o, ok := c.Sagas[sagaName]; ok && o.Concurrency > 0 {
		return o.Concurrency
	}
	return c.DefaultConcurrency
}

func (c Config) retryPolicyFor(sagaName string) RetryPolicy {
	if o, ok := c.Sagas[sagaName]; ok && o.RetryPolicy != nil {
		return *o.RetryPolicy
	}
	return c.RetryPolicy
}
