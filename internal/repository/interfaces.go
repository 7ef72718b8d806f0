// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/membersync/internal/model"
)

// MemberRepository は会員データの永続化インターフェース。
// subscription_status 系のフィールドを書き換えるのは照合処理のみとする。
type MemberRepository interface {
	// FindByID は指定IDの会員を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Member, error)

	// FindByPaymentCustomerID は決済プロバイダーの顧客IDで会員を検索する。
	// 見つからない場合はnilを返す。
	FindByPaymentCustomerID(ctx context.Context, customerID string) (*model.Member, error)

	// FindByEmail はメールアドレスで会員を検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.Member, error)

	// ListWithPaymentCustomer は顧客IDが設定された会員の一覧を返す。
	ListWithPaymentCustomer(ctx context.Context) ([]model.MemberRef, error)

	// ApplyCorrection は購読フィールドの上書きと不一致記録の追記を同一トランザクションで行う。
	ApplyCorrection(ctx context.Context, memberID string, canonical *model.CanonicalStatus, discrepancy *model.Discrepancy) error

	// UpdateSubscriptionFields は購読フィールドとlast_verified_atを更新する。不一致記録は残さない。
	UpdateSubscriptionFields(ctx context.Context, memberID string, canonical *model.CanonicalStatus, verifiedAt time.Time) error

	// MarkVerified はlast_verified_atのみを更新する。
	MarkVerified(ctx context.Context, memberID string, verifiedAt time.Time) error

	// LinkPaymentCustomer は顧客IDが未設定の会員にのみ顧客IDを設定する。
	// 既に設定済みの場合は変更せずfalseを返す。
	LinkPaymentCustomer(ctx context.Context, memberID, customerID string) (bool, error)
}

// DiscrepancyRepository は不一致記録の参照インターフェース。
// 追記はMemberRepository.ApplyCorrectionで行い、更新・削除は提供しない。
type DiscrepancyRepository interface {
	// ListRecent は検出日時の新しい順に不一致記録を返す。
	// memberIDが空の場合は全会員を対象にする。
	ListRecent(ctx context.Context, memberID string, limit int) ([]*model.Discrepancy, error)
}

// WebhookEventRepository は処理済みWebhookイベントの記録インターフェース。
type WebhookEventRepository interface {
	// Claim はイベントIDを処理中として登録する。既に登録済みの場合はfalseを返す。
	Claim(ctx context.Context, eventID, eventType string) (bool, error)

	// Release は処理に失敗したイベントの登録を取り消す。
	Release(ctx context.Context, eventID string) error
}
