package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresWebhookEventRepo はstripe_webhook_eventsテーブルでイベントの重複受信を判定する。
// REDIS_URL 未設定時に使用される。
type PostgresWebhookEventRepo struct {
	db *sql.DB
}

// NewPostgresWebhookEventRepo はPostgresWebhookEventRepoを生成する。
func NewPostgresWebhookEventRepo(db *sql.DB) *PostgresWebhookEventRepo {
	return &PostgresWebhookEventRepo{db: db}
}

// Claim はイベントIDを登録する。既に登録済みの場合はfalseを返す。
func (r *PostgresWebhookEventRepo) Claim(ctx context.Context, eventID, eventType string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO stripe_webhook_events (event_id, event_type, received_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook event: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// Release はイベントIDの登録を取り消し、プロバイダーからの再送を受け付けられるようにする。
func (r *PostgresWebhookEventRepo) Release(ctx context.Context, eventID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM stripe_webhook_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("failed to release webhook event: %w", err)
	}
	return nil
}

// compile-time interface check
var _ WebhookEventRepository = (*PostgresWebhookEventRepo)(nil)
