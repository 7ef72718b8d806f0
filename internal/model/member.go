// Package model はドメインモデルを定義する。
package model

import "time"

// Member は会員を表す。
// 購読関連のフィールドは決済プロバイダーの状態を写したキャッシュであり、
// 真実のソースではない。
type Member struct {
	ID                    string
	Email                 string
	PaymentCustomerID     string // 未設定の場合は空文字。一度設定されたら変更しない
	SubscriptionStatus    SubscriptionStatus
	SubscriptionID        string
	SubscriptionPeriodEnd *time.Time
	CancelAtPeriodEnd     bool
	LastVerifiedAt        *time.Time // 観測用。正しさの判断には使わない
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// HasPaymentCustomer は決済プロバイダーの顧客IDが紐付いているかを返す。
func (m *Member) HasPaymentCustomer() bool {
	return m != nil && m.PaymentCustomerID != ""
}

// MemberRef はバッチ照合の対象となる会員の最小情報。
type MemberRef struct {
	ID                string
	PaymentCustomerID string
	Email             string
}

// SubscriptionStatus は決済プロバイダーの購読ライフサイクルを表す。
type SubscriptionStatus string

const (
	StatusActive            SubscriptionStatus = "active"
	StatusPastDue           SubscriptionStatus = "past_due"
	StatusCanceled          SubscriptionStatus = "canceled"
	StatusIncomplete        SubscriptionStatus = "incomplete"
	StatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	StatusTrialing          SubscriptionStatus = "trialing"
	StatusUnpaid            SubscriptionStatus = "unpaid"
	StatusPaused            SubscriptionStatus = "paused"
	// StatusInactive はプロバイダーに購読が存在しないことを表す。
	StatusInactive SubscriptionStatus = "inactive"
)

// statusUnknown はキャッシュ上のステータスが未設定の場合に不一致ログへ記録する値。
const statusUnknown = "unknown"

// IsKnown は定義済みのステータスかを返す。
func (s SubscriptionStatus) IsKnown() bool {
	switch s {
	case StatusActive, StatusPastDue, StatusCanceled, StatusIncomplete,
		StatusIncompleteExpired, StatusTrialing, StatusUnpaid, StatusPaused, StatusInactive:
		return true
	}
	return false
}

// OrUnknown はステータスが未設定の場合に "unknown" を返す。
func (s SubscriptionStatus) OrUnknown() string {
	if s == "" {
		return statusUnknown
	}
	return string(s)
}

// CanonicalStatus はある時点での決済プロバイダー上の購読状態。
// そのまま永続化することはなく、各フィールドがMemberにコピーされる。
type CanonicalStatus struct {
	Status            SubscriptionStatus
	SubscriptionID    string
	PeriodEnd         *time.Time
	CancelAtPeriodEnd bool
}

// InactiveStatus は購読が存在しない顧客の正規ステータスを返す。
func InactiveStatus() *CanonicalStatus {
	return &CanonicalStatus{Status: StatusInactive}
}

// MatchesDerivedFields はステータス以外の派生フィールドがMemberと一致するかを返す。
func (c *CanonicalStatus) MatchesDerivedFields(m *Member) bool {
	if c.SubscriptionID != m.SubscriptionID || c.CancelAtPeriodEnd != m.CancelAtPeriodEnd {
		return false
	}
	switch {
	case c.PeriodEnd == nil && m.SubscriptionPeriodEnd == nil:
		return true
	case c.PeriodEnd == nil || m.SubscriptionPeriodEnd == nil:
		return false
	default:
		return c.PeriodEnd.Equal(*m.SubscriptionPeriodEnd)
	}
}

// SyncSource は照合を起動した経路を表す。
type SyncSource string

const (
	SourceWebhook SyncSource = "webhook"
	SourceLogin   SyncSource = "login"
	SourceBatch   SyncSource = "batch"
	SourceManual  SyncSource = "manual"
)

// Discrepancy はキャッシュと正規ステータスの不一致を修正した記録。
// 追記専用であり、更新・削除はしない。
type Discrepancy struct {
	ID                string
	MemberID          string
	PaymentCustomerID string
	PreviousStatus    string
	CorrectedStatus   string
	Source            SyncSource
	DetectedAt        time.Time
}
