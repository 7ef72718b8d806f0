package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/membersync/internal/reconcile"
)

// LoginCheckerInterface はログイン時チェックに必要なサービスインターフェース。
type LoginCheckerInterface interface {
	Check(ctx context.Context, memberID string) (*reconcile.LoginResult, error)
}

// MemberHandler は会員向けのHTTPハンドラー。
type MemberHandler struct {
	checker LoginCheckerInterface
}

// NewMemberHandler はMemberHandlerを生成する。
func NewMemberHandler(checker LoginCheckerInterface) *MemberHandler {
	return &MemberHandler{checker: checker}
}

// loginCheckResponse はログイン時チェックのAPIレスポンス。
type loginCheckResponse struct {
	MemberID  string `json:"member_id"`
	Status    string `json:"subscription_status"`
	Active    bool   `json:"active"`
	Verified  bool   `json:"verified"`
	CheckedAt string `json:"checked_at"`
}

// LoginCheck はログイン時に購読状態をプロバイダーに照会し、有効判定を返す。
// 照会に失敗した場合はキャッシュ済みのステータスで判定する。
// POST /api/members/{id}/login-check
func (h *MemberHandler) LoginCheck(w http.ResponseWriter, r *http.Request) {
	memberID := chi.URLParam(r, "id")

	result, err := h.checker.Check(r.Context(), memberID)
	if err != nil {
		handleServiceError(w, err, memberID)
		return
	}

	writeJSON(w, http.StatusOK, loginCheckResponse{
		MemberID:  result.MemberID,
		Status:    string(result.Status),
		Active:    result.Active,
		Verified:  result.Verified,
		CheckedAt: time.Now().UTC().Format(time.RFC3339),
	})
}
