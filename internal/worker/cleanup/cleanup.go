// Package cleanup は処理済みWebhookイベント記録の定期削除ジョブを提供する。
// 重複判定に必要な期間を過ぎた stripe_webhook_events の行を日次で削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetentionDays はWebhookイベント記録の保持日数のデフォルト値。
// 決済プロバイダーの再送期間（最大3日）より十分長くとる。
const DefaultRetentionDays = 30

// Executor はSQLのExecContextを抽象化するインターフェース。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// WebhookEventCleanupJob は保持期間を超過したWebhookイベント記録を削除する。
// 削除対象がなくてもエラーにならない。
type WebhookEventCleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int
}

// NewWebhookEventCleanupJob はWebhookEventCleanupJobを生成する。
// retentionDaysが0以下の場合はDefaultRetentionDaysを使用する。
func NewWebhookEventCleanupJob(db Executor, logger *slog.Logger, retentionDays int) *WebhookEventCleanupJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &WebhookEventCleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run はreceived_atがRetentionDays日前より古い記録をDELETEする。
func (j *WebhookEventCleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	result, err := j.db.ExecContext(ctx,
		`DELETE FROM stripe_webhook_events WHERE received_at < now() - $1::interval`,
		interval,
	)
	if err != nil {
		j.logger.Error("Webhookイベント記録の削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("Webhookイベント記録の削除に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	j.logger.Info("Webhookイベント記録のクリーンアップが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回実行し、以降はintervalごとに実行する。
// コンテキストがキャンセルされるまでブロックする。
func (j *WebhookEventCleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// 失敗はRun内でログ済み
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
