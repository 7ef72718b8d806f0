package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/membersync/internal/model"
)

const memberColumns = `id, email, payment_customer_id, subscription_status, subscription_id,
	subscription_period_end, cancel_at_period_end, last_verified_at, created_at, updated_at`

// rowScanner は *sql.Row と *sql.Rows の共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresMemberRepo はPostgreSQLを使用した会員リポジトリ。
type PostgresMemberRepo struct {
	db *sql.DB
}

// NewPostgresMemberRepo はPostgresMemberRepoを生成する。
func NewPostgresMemberRepo(db *sql.DB) *PostgresMemberRepo {
	return &PostgresMemberRepo{db: db}
}

// FindByID は指定IDの会員を取得する。見つからない場合はnilを返す。
func (r *PostgresMemberRepo) FindByID(ctx context.Context, id string) (*model.Member, error) {
	return r.findOne(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, id)
}

// FindByPaymentCustomerID は顧客IDで会員を検索する。見つからない場合はnilを返す。
func (r *PostgresMemberRepo) FindByPaymentCustomerID(ctx context.Context, customerID string) (*model.Member, error) {
	return r.findOne(ctx, `SELECT `+memberColumns+` FROM members WHERE payment_customer_id = $1`, customerID)
}

// FindByEmail はメールアドレスで会員を検索する。大文字小文字は区別しない。
func (r *PostgresMemberRepo) FindByEmail(ctx context.Context, email string) (*model.Member, error) {
	return r.findOne(ctx, `SELECT `+memberColumns+` FROM members WHERE lower(email) = lower($1)`, email)
}

func (r *PostgresMemberRepo) findOne(ctx context.Context, query string, arg string) (*model.Member, error) {
	m, err := scanMember(r.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find member: %w", err)
	}
	return m, nil
}

// ListWithPaymentCustomer は顧客IDが設定された会員の一覧を返す。
func (r *PostgresMemberRepo) ListWithPaymentCustomer(ctx context.Context) ([]model.MemberRef, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, payment_customer_id, email
		 FROM members
		 WHERE payment_customer_id IS NOT NULL AND payment_customer_id <> ''
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list members with payment customer: %w", err)
	}
	defer rows.Close()

	var refs []model.MemberRef
	for rows.Next() {
		var ref model.MemberRef
		if err := rows.Scan(&ref.ID, &ref.PaymentCustomerID, &ref.Email); err != nil {
			return nil, fmt.Errorf("failed to scan member row: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate member rows: %w", err)
	}
	return refs, nil
}

// ApplyCorrection は購読フィールドの上書きと不一致記録の追記を同一トランザクションで行う。
// どちらかが失敗した場合は両方ロールバックされる。
func (r *PostgresMemberRepo) ApplyCorrection(ctx context.Context, memberID string, canonical *model.CanonicalStatus, d *model.Discrepancy) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := updateSubscriptionFields(ctx, tx, memberID, canonical, d.DetectedAt); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO subscription_discrepancies
		   (id, member_id, payment_customer_id, previous_status, corrected_status, source, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.MemberID, d.PaymentCustomerID, d.PreviousStatus, d.CorrectedStatus, string(d.Source), d.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert discrepancy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateSubscriptionFields は購読フィールドとlast_verified_atを更新する。
func (r *PostgresMemberRepo) UpdateSubscriptionFields(ctx context.Context, memberID string, canonical *model.CanonicalStatus, verifiedAt time.Time) error {
	return updateSubscriptionFields(ctx, r.db, memberID, canonical, verifiedAt)
}

// MarkVerified はlast_verified_atのみを更新する。
func (r *PostgresMemberRepo) MarkVerified(ctx context.Context, memberID string, verifiedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE members SET last_verified_at = $2 WHERE id = $1`,
		memberID, verifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark member verified: %w", err)
	}
	return expectOneRow(result, memberID)
}

// LinkPaymentCustomer は顧客IDが未設定の会員にのみ顧客IDを設定する。
func (r *PostgresMemberRepo) LinkPaymentCustomer(ctx context.Context, memberID, customerID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE members
		 SET payment_customer_id = $2, updated_at = NOW()
		 WHERE id = $1 AND (payment_customer_id IS NULL OR payment_customer_id = '')`,
		memberID, customerID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to link payment customer: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// execer は *sql.DB と *sql.Tx の共通インターフェース。
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// updateSubscriptionFields は4つの派生フィールドとlast_verified_atを1つのUPDATE文で書き込む。
func updateSubscriptionFields(ctx context.Context, db execer, memberID string, c *model.CanonicalStatus, verifiedAt time.Time) error {
	result, err := db.ExecContext(ctx,
		`UPDATE members
		 SET subscription_status = $2,
		     subscription_id = $3,
		     subscription_period_end = $4,
		     cancel_at_period_end = $5,
		     last_verified_at = $6,
		     updated_at = NOW()
		 WHERE id = $1`,
		memberID, string(c.Status), nullString(c.SubscriptionID), nullTime(c.PeriodEnd), c.CancelAtPeriodEnd, verifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription fields: %w", err)
	}
	return expectOneRow(result, memberID)
}

func expectOneRow(result sql.Result, memberID string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("member not found: %s", memberID)
	}
	return nil
}

func scanMember(row rowScanner) (*model.Member, error) {
	var (
		m              model.Member
		customerID     sql.NullString
		status         sql.NullString
		subscriptionID sql.NullString
		periodEnd      sql.NullTime
		lastVerifiedAt sql.NullTime
	)
	err := row.Scan(
		&m.ID, &m.Email, &customerID, &status, &subscriptionID,
		&periodEnd, &m.CancelAtPeriodEnd, &lastVerifiedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.PaymentCustomerID = customerID.String
	m.SubscriptionStatus = model.SubscriptionStatus(status.String)
	m.SubscriptionID = subscriptionID.String
	if periodEnd.Valid {
		t := periodEnd.Time.UTC()
		m.SubscriptionPeriodEnd = &t
	}
	if lastVerifiedAt.Valid {
		t := lastVerifiedAt.Time.UTC()
		m.LastVerifiedAt = &t
	}
	return &m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// compile-time interface check
var _ MemberRepository = (*PostgresMemberRepo)(nil)
