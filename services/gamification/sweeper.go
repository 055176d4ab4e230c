package gamification

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/ecoreceipt/models"
)

const sweepBatch = 100

// SweepPending reconciles every user that still has receipts pending for longer
// than minAge, returning how many users were reconciled. Failures are logged and
// the user is retried on the next sweep.
func (e *Engine) SweepPending(ctx context.Context, minAge time.Duration) (int, error) {
	var userIDs []uint
	err := e.db.WithContext(ctx).Model(&models.Receipt{}).
		Distinct("user_id").
		Where("status = ? AND created_at <= ?", models.ReceiptStatusPending, e.now().Add(-minAge)).
		Limit(sweepBatch).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return 0, e.wrap(err)
	}

	done := 0
	for _, id := range userIDs {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if _, err := e.Reconcile(ctx, id); err != nil {
			e.logger.Warn("sweep reconcile failed", zap.Uint("user_id", id), zap.Error(err))
			continue
		}
		done++
	}
	return done, nil
}

// StartSweeper runs SweepPending every interval until ctx is cancelled.
func (e *Engine) StartSweeper(ctx context.Context, interval, minAge time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := e.SweepPending(ctx, minAge)
				if err != nil {
					e.logger.Warn("pending receipt sweep failed", zap.Error(err))
				} else if n > 0 {
					e.logger.Info("pending receipts reconciled", zap.Int("users", n))
				}
			}
		}
	}()
}
