package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/membersync/internal/model"
)

// 一覧取得の上限件数。
const (
	DefaultDiscrepancyLimit = 50
	MaxDiscrepancyLimit     = 500
)

// PostgresDiscrepancyRepo はPostgreSQLを使用した不一致記録リポジトリ。
type PostgresDiscrepancyRepo struct {
	db *sql.DB
}

// NewPostgresDiscrepancyRepo はPostgresDiscrepancyRepoを生成する。
func NewPostgresDiscrepancyRepo(db *sql.DB) *PostgresDiscrepancyRepo {
	return &PostgresDiscrepancyRepo{db: db}
}

// ListRecent は検出日時の新しい順に不一致記録を返す。
// limitが範囲外の場合はデフォルト値または上限値に丸める。
func (r *PostgresDiscrepancyRepo) ListRecent(ctx context.Context, memberID string, limit int) ([]*model.Discrepancy, error) {
	limit = ClampDiscrepancyLimit(limit)

	query := `SELECT id, member_id, payment_customer_id, previous_status, corrected_status, source, detected_at
		FROM subscription_discrepancies`
	args := []any{}
	if memberID != "" {
		query += ` WHERE member_id = $1`
		args = append(args, memberID)
	}
	query += fmt.Sprintf(` ORDER BY detected_at DESC LIMIT %d`, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list discrepancies: %w", err)
	}
	defer rows.Close()

	var result []*model.Discrepancy
	for rows.Next() {
		var (
			d      model.Discrepancy
			source string
		)
		if err := rows.Scan(&d.ID, &d.MemberID, &d.PaymentCustomerID, &d.PreviousStatus, &d.CorrectedStatus, &source, &d.DetectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan discrepancy row: %w", err)
		}
		d.Source = model.SyncSource(source)
		d.DetectedAt = d.DetectedAt.UTC()
		result = append(result, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate discrepancy rows: %w", err)
	}
	return result, nil
}

// ClampDiscrepancyLimit は一覧取得の件数を 1..MaxDiscrepancyLimit に丸める。
// 0以下の場合はDefaultDiscrepancyLimitを返す。
func ClampDiscrepancyLimit(limit int) int {
	if limit <= 0 {
		return DefaultDiscrepancyLimit
	}
	if limit > MaxDiscrepancyLimit {
		return MaxDiscrepancyLimit
	}
	return limit
}

// compile-time interface check
var _ DiscrepancyRepository = (*PostgresDiscrepancyRepo)(nil)
