package payment

import (
	"context"
	"fmt"
	"time"
)

// PurgeExpired TTLを過ぎたトランザクションを削除
func (s *PaymentApplicationService) PurgeExpired(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "PaymentApplicationService.PurgeExpired")
	defer span.End()

	cutoff := s.now().Add(-s.opts.TTL)
	deleted, err := s.transactionRepo.DeleteUpdatedBefore(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to purge expired transactions: %w", err)
	}

	s.metrics.RecordExpired(ctx, deleted)
	if deleted > 0 {
		s.logger.Info(ctx, "Expired transactions purged", map[string]interface{}{
			"deleted": deleted,
			"cutoff":  cutoff.UTC().Format(time.RFC3339),
		})
	}
	return deleted, nil
}

// RunExpirySweeper ctxがキャンセルされるまで定期的にPurgeExpiredを実行
func (s *PaymentApplicationService) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeExpired(ctx); err != nil {
				s.logger.Error(ctx, "Expiry sweep failed", err, nil)
			}
		}
	}
}
