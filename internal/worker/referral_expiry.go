package worker

import (
	"context"
	"time"

	"github.com/jwalitptl/access-api/pkg/errors"
	"github.com/jwalitptl/access-api/pkg/logger"
)

// ReferralExpirer moves pending referrals past their response window to expired.
type ReferralExpirer interface {
	ExpireStale(ctx context.Context, limit int) (int, error)
}

type ReferralExpiryWorker struct {
	referrals ReferralExpirer
	interval  time.Duration
	batchSize int
	logger    *logger.Logger
}

func NewReferralExpiryWorker(referrals ReferralExpirer, interval time.Duration, batchSize int, log *logger.Logger) *ReferralExpiryWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ReferralExpiryWorker{
		referrals: referrals,
		interval:  interval,
		batchSize: batchSize,
		logger:    log,
	}
}

func (w *ReferralExpiryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Error(err, "referral expiry sweep failed")
			}
		}
	}
}

// Sweep expires batches until a short batch comes back. It stops at the first
// audit write failure so no referral changes state unrecorded.
func (w *ReferralExpiryWorker) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := w.referrals.ExpireStale(ctx, w.batchSize)
		total += n
		if err != nil {
			if errors.KindOf(err) == errors.KindAuditWriteFailure {
				w.logger.Error(err, "audit unavailable, referral expiry paused", "expired", total)
			}
			return total, err
		}
		if n < w.batchSize {
			break
		}
	}
	if total > 0 {
		w.logger.Info("expired stale referrals", "count", total)
	}
	return total, nil
}
