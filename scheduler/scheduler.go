// Package scheduler implements the §4.5 saga-level timeout delivery: a
// NativeScheduler that trusts the Transport's own delayed-delivery support,
// and a PersistedScheduler that polls a durable store and republishes due
// timeouts itself. The poll-claim-publish-retry shape is adapted from the
// teacher's eventing/outbox poller.
package scheduler

import (
	"context"
	"time"

	"sagaflow/logging"
	"sagaflow/saga"
)

// NativeScheduler delegates delay entirely to the Transport, for drivers
// (NATS JetStream, Redis Streams, memory) that support delayed delivery
// natively via PublishOptions.DelayMs.
type NativeScheduler struct {
	transport saga.Transport
}

// NewNativeScheduler wraps transport as a saga.Scheduler.
func NewNativeScheduler(transport saga.Transport) *NativeScheduler {
	return &NativeScheduler{transport: transport}
}

func (n *NativeScheduler) Schedule(ctx context.Context, msg saga.Message, delay time.Duration, opts saga.PublishOptions) error {
	opts.DelayMs = delay.Milliseconds()
	return n.transport.Publish(ctx, msg, opts)
}

// TimeoutRecord is one pending delayed delivery, as persisted by a
// TimeoutStore.
type TimeoutRecord struct {
	ID         string
	Message    saga.Message
	Opts       saga.PublishOptions
	FireAt     time.Time
	Attempts   int
	LastError  string
}

// TimeoutStore is the persistence contract a PersistedScheduler polls,
// adapted from the teacher's IOutboxRepository (SaveWithEvents /
// GetPendingEntries / MarkAsPublished / MarkAsFailed).
type TimeoutStore interface {
	Save(ctx context.Context, rec TimeoutRecord) error
	// ClaimDue returns up to limit records with FireAt <= now that have not
	// yet been published, and marks them claimed so a concurrent poller
	// does not also pick them up.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]TimeoutRecord, error)
	MarkPublished(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
}

// PersistedScheduler is the durable fallback: Schedule writes a row instead
// of relying on transport-native delay, and a background reaper polls for
// due rows and republishes them. Use this for transports (or deployments)
// that cannot guarantee delayed delivery survives a restart.
type PersistedScheduler struct {
	store        TimeoutStore
	transport    saga.Transport
	pollInterval time.Duration
	batchSize    int
	logger       logging.ILogger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPersistedScheduler builds a PersistedScheduler. pollInterval <= 0
// defaults to 1s; batchSize <= 0 defaults to 100.
func NewPersistedScheduler(store TimeoutStore, transport saga.Transport, pollInterval time.Duration, batchSize int) *PersistedScheduler {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &PersistedScheduler{
		store:        store,
		transport:    transport,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logging.ComponentLogger("scheduler.persisted"),
	}
}

func (p *PersistedScheduler) Schedule(ctx context.Context, msg saga.Message, delay time.Duration, opts saga.PublishOptions) error {
	rec := TimeoutRecord{
		ID:      saga.ReservedTypeTimeoutExpired + ":" + msg.Type + ":" + time.Now().String(),
		Message: msg,
		Opts:    opts,
		FireAt:  time.Now().Add(delay),
	}
	return p.store.Save(ctx, rec)
}

// Start launches the reaper goroutine. Call Stop to shut it down.
func (p *PersistedScheduler) Start(ctx context.Context) {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(p.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.pollOnce(ctx)
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop signals the reaper to exit and waits for it to do so.
func (p *PersistedScheduler) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
}

func (p *PersistedScheduler) pollOnce(ctx context.Context) {
	due, err := p.store.ClaimDue(ctx, time.Now(), p.batchSize)
	if err != nil {
		p.logger.Warn(ctx, "claim due timeouts failed", logging.Error(err))
		return
	}

	for _, rec := range due {
		immediate := rec.Opts
		immediate.DelayMs = 0
		if err := p.transport.Publish(ctx, rec.Message, immediate); err != nil {
			p.logger.Warn(ctx, "publish due timeout failed",
				logging.String("recordId", rec.ID), logging.Error(err))
			_ = p.store.MarkFailed(ctx, rec.ID, err)
			continue
		}
		if err := p.store.MarkPublished(ctx, rec.ID); err != nil {
			p.logger.Warn(ctx, "mark timeout published failed",
				logging.String("recordId", rec.ID), logging.Error(err))
		}
	}
}
