package saga

import (
	"context"
	"time"
)

// Scheduler arms a one-shot delayed delivery of msg after delay (§4.5).
// Concrete implementations (native transport delay, or a persisted
// reaper-backed fallback) live in the scheduler package; the saga core
// only depends on this interface to avoid an import cycle.
type Scheduler interface {
	Schedule(ctx context.Context, msg Message, delay time.Duration, opts PublishOptions) error
}
