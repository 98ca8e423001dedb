// Package worker relays outbox events written alongside audit entries to the message broker.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/access-api/internal/model"
	"github.com/jwalitptl/access-api/internal/repository"
	"github.com/jwalitptl/access-api/pkg/logger"
	"github.com/jwalitptl/access-api/pkg/messaging"
	"github.com/jwalitptl/access-api/pkg/metrics"
)

type RelayConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxAttempts is how many relay passes an event gets before it is marked failed.
	MaxAttempts int
	// RetryDelay is the base backoff between passes; it doubles per attempt.
	RetryDelay time.Duration
	// Lease is how long a claimed event stays invisible to other relays.
	Lease time.Duration
	// Retention is how long processed events are kept. Zero keeps them.
	Retention time.Duration
}

func (c *RelayConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
}

// OutboxRelay publishes each committed outbox event on the stream named by its event type.
// Delivery is at least once: an event is marked processed only after the broker accepts it.
type OutboxRelay struct {
	repo    repository.OutboxRepository
	broker  messaging.Publisher
	config  RelayConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewOutboxRelay(
	repo repository.OutboxRepository,
	broker messaging.Publisher,
	config RelayConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *OutboxRelay {
	config.applyDefaults()
	return &OutboxRelay{
		repo:    repo,
		broker:  broker,
		config:  config,
		logger:  log,
		metrics: m,
		now:     time.Now,
	}
}

// Start relays until ctx is done. A full batch is followed immediately by another pass.
func (r *OutboxRelay) Start(ctx context.Context) {
	r.logger.Info("outbox relay started", "batch_size", r.config.BatchSize)
	defer r.logger.Info("outbox relay stopped")

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			n, err := r.RelayBatch(ctx)
			if err != nil {
				r.logger.Error(err, "outbox relay pass failed")
				break
			}
			if n < r.config.BatchSize || ctx.Err() != nil {
				break
			}
		}
		r.purge(ctx)
	}
}

// RelayBatch claims one batch of due events and publishes them. It returns how many
// events were claimed; per-event failures are rescheduled rather than returned.
func (r *OutboxRelay) RelayBatch(ctx context.Context) (int, error) {
	timer := prometheus.NewTimer(r.metrics.OutboxProcessingLatency)
	defer timer.ObserveDuration()

	events, err := r.repo.ClaimPending(ctx, r.config.BatchSize, r.now().Add(r.config.Lease))
	if err != nil {
		r.metrics.DatabaseOperations.WithLabelValues("outbox_claim", "error").Inc()
		return 0, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	r.metrics.DatabaseOperations.WithLabelValues("outbox_claim", "success").Inc()

	for _, event := range events {
		r.relay(ctx, event)
	}
	return len(events), nil
}

func (r *OutboxRelay) relay(ctx context.Context, event *model.OutboxEvent) {
	err := r.broker.Publish(ctx, event.EventType, event.Payload)
	if err == nil {
		r.metrics.OutboxEventsProcessed.Inc()
		if err := r.repo.UpdateStatus(ctx, event.ID, model.OutboxStatusProcessed, nil, nil); err != nil {
			// The lease runs out and the event is published again.
			r.logger.Error(err, "failed to mark outbox event processed", "event_id", event.ID.String())
		}
		return
	}

	r.metrics.OutboxEventsFailed.Inc()
	r.metrics.OutboxRetries.WithLabelValues(event.EventType).Inc()
	msg := err.Error()
	status, retryAt := r.reschedule(event)
	if err := r.repo.UpdateStatus(ctx, event.ID, status, &msg, retryAt); err != nil {
		r.logger.Error(err, "failed to reschedule outbox event", "event_id", event.ID.String())
	}
	r.logger.Warn("outbox event not relayed",
		"event_id", event.ID.String(),
		"event_type", event.EventType,
		"attempt", event.RetryCount+1,
		"status", string(status),
		"error", msg)
}

// reschedule backs off exponentially and gives up after MaxAttempts passes.
func (r *OutboxRelay) reschedule(event *model.OutboxEvent) (model.OutboxStatus, *time.Time) {
	if event.RetryCount+1 >= r.config.MaxAttempts {
		return model.OutboxStatusFailed, nil
	}
	shift := event.RetryCount
	if shift > 10 {
		shift = 10
	}
	next := r.now().Add(r.config.RetryDelay << uint(shift))
	return model.OutboxStatusPending, &next
}

func (r *OutboxRelay) purge(ctx context.Context) {
	if r.config.Retention <= 0 {
		return
	}
	n, err := r.repo.DeleteProcessedBefore(ctx, r.now().Add(-r.config.Retention))
	if err != nil {
		r.logger.Error(err, "failed to purge processed outbox events")
		return
	}
	if n > 0 {
		r.logger.Debug("purged processed outbox events", "count", n)
	}
}
