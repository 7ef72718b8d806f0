// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// 照合処理のエラー分類。呼び出し側は errors.Is で判定する。
var (
	// ErrMemberNotFound は顧客IDに対応する会員が存在しないことを表す。
	// データ不整合のため自動リトライはしない。
	ErrMemberNotFound = errors.New("member not found")
	// ErrVerificationFailed はプロバイダーへの照会が完了しなかったことを表す。
	// ステータスを推測してはならない。次のサイクルで再試行される。
	ErrVerificationFailed = errors.New("subscription verification failed")
	// ErrWriteFailed はデータストアへの書き込みに失敗したことを表す。
	ErrWriteFailed = errors.New("datastore write failed")
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, billing, system
	Action   string // 対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeMemberNotFound       = "MEMBER_NOT_FOUND"
	ErrCodeVerificationFailed   = "VERIFICATION_FAILED"
	ErrCodeInvalidSignature     = "INVALID_SIGNATURE"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeRateLimited          = "RATE_LIMITED"
	ErrCodeReconcileUnavailable = "RECONCILE_UNAVAILABLE"
)

// NewMemberNotFoundError は会員未検出エラーを生成する。
func NewMemberNotFoundError(ref string) *APIError {
	return &APIError{
		Code:     ErrCodeMemberNotFound,
		Message:  fmt.Sprintf("指定された会員が見つかりません: %s", ref),
		Category: "billing",
		Action:   "会員IDまたは顧客IDを確認してください。",
	}
}

// NewVerificationFailedError は決済プロバイダーへの照会失敗エラーを生成する。
func NewVerificationFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeVerificationFailed,
		Message:  "決済プロバイダーへの購読状態の照会に失敗しました。",
		Category: "billing",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInvalidSignatureError はWebhook署名検証の失敗エラーを生成する。
func NewInvalidSignatureError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSignature,
		Message:  "Webhookの署名を検証できませんでした。",
		Category: "auth",
		Action:   "Webhookシークレットの設定を確認してください。",
	}
}

// NewInvalidRequestError は不正なリクエストエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "リクエスト内容を確認してください。",
	}
}

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "Authorizationヘッダーに有効なトークンを指定してください。",
	}
}

// NewReconcileUnavailableError は照合処理が実行中で受け付けられない場合のエラーを生成する。
func NewReconcileUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeReconcileUnavailable,
		Message:  "一括照合は既に実行中です。",
		Category: "billing",
		Action:   "現在の実行が完了してから再度お試しください。",
	}
}
