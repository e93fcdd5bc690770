package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"bactrack/metrics"
)

type Store interface {
	FetchPending(ctx context.Context, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error, maxAttempts int) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, routingKey, messageID string, body []byte) error
}

// Deduper remembers which message ids were already handed to the broker.
type Deduper interface {
	// Acquire reports whether id has not been published before and claims it.
	Acquire(ctx context.Context, id string) bool
	Release(ctx context.Context, id string)
}

// Relay drains pending outbox rows to the message broker. Delivery is at least
// once; consumers should dedupe on the message id.
type Relay struct {
	store       Store
	publisher   Publisher
	dedup       Deduper
	logger      *zap.Logger
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

func NewRelay(store Store, publisher Publisher, logger *zap.Logger) *Relay {
	return &Relay{
		store:       store,
		publisher:   publisher,
		logger:      logger,
		interval:    2 * time.Second,
		batchSize:   50,
		maxAttempts: 5,
	}
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *Relay) WithMaxAttempts(n int) *Relay {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

// WithDeduper skips publishing messages whose id was already claimed, which
// happens when a publish succeeded but marking it processed did not.
func (r *Relay) WithDeduper(d Deduper) *Relay {
	r.dedup = d
	return r
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("outbox relay started",
		zap.Duration("interval", r.interval),
		zap.Int("batch_size", r.batchSize),
		zap.Int("max_attempts", r.maxAttempts),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox relay pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce publishes one batch and reports how many messages went out. A
// failed publish is recorded against its message and does not stop the batch.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	msgs, err := r.store.FetchPending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, m := range msgs {
		if r.dedup != nil && !r.dedup.Acquire(ctx, m.ID) {
			if err := r.store.MarkProcessed(ctx, m.ID); err != nil {
				r.logger.Error("outbox mark processed", zap.String("message_id", m.ID), zap.Error(err))
				continue
			}
			metrics.IncrementOutbox(m.Topic, "duplicate")
			r.logger.Info("outbox message already published", zap.String("message_id", m.ID))
			continue
		}

		if err := r.publisher.Publish(ctx, m.Topic, m.ID, m.Payload); err != nil {
			if r.dedup != nil {
				r.dedup.Release(ctx, m.ID)
			}
			status, markErr := r.store.MarkFailed(ctx, m.ID, err, r.maxAttempts)
			if markErr != nil {
				r.logger.Error("outbox mark failed", zap.String("message_id", m.ID), zap.Error(markErr))
				continue
			}
			metrics.IncrementOutbox(m.Topic, status)
			r.logger.Warn("outbox publish failed",
				zap.String("message_id", m.ID),
				zap.String("topic", m.Topic),
				zap.Int("attempts", m.Attempts+1),
				zap.String("status", status),
				zap.Error(err),
			)
			continue
		}

		if err := r.store.MarkProcessed(ctx, m.ID); err != nil {
			// The message will be sent again on the next pass.
			r.logger.Error("outbox mark processed", zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		metrics.IncrementOutbox(m.Topic, StatusProcessed)
		published++
	}

	if published > 0 {
		r.logger.Debug("outbox batch relayed", zap.Int("published", published), zap.Int("fetched", len(msgs)))
	}
	return published, nil
}
