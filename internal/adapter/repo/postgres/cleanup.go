package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService enforces output retention: completed jobs past their
// expires_at lose their output descriptor, and terminal rows far past the
// retention window are removed entirely. Ledger rows are never touched —
// balances are sums over an append-only table.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(pool PgxPool, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays}
}

// CleanupExpired expires outputs and prunes ancient terminal rows.
func (s *CleanupService) CleanupExpired(ctx context.Context) error {
	now := time.Now().UTC()

	tag, err := s.Pool.Exec(ctx, `
		UPDATE jobs
		SET output_url='', output_filename='', output_size_bytes=0, updated_at=$1
		WHERE status='completed' AND expires_at IS NOT NULL AND expires_at < $1 AND output_url <> ''
	`, now)
	if err != nil {
		return fmt.Errorf("cleanup expire outputs: %w", err)
	}
	expired := tag.RowsAffected()

	// Terminal rows are kept for 4x the retention window for support lookups.
	pruneCutoff := now.AddDate(0, 0, -4*s.RetentionDays)
	tag, err = s.Pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed','failed','cancelled') AND updated_at < $1
	`, pruneCutoff)
	if err != nil {
		return fmt.Errorf("cleanup prune jobs: %w", err)
	}

	slog.Info("retention cleanup completed",
		slog.Int64("expired_outputs", expired),
		slog.Int64("pruned_jobs", tag.RowsAffected()),
		slog.Time("prune_cutoff", pruneCutoff),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup loop.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.CleanupExpired(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupExpired(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
