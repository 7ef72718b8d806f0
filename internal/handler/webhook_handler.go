package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/membersync/internal/middleware"
	"github.com/hitoshi/membersync/internal/model"
	"github.com/hitoshi/membersync/internal/webhook"
)

// maxWebhookBodyBytes はWebhookリクエストボディの上限。
const maxWebhookBodyBytes = 64 << 10

// WebhookProcessor はWebhookハンドラーが必要とするサービスインターフェース。
type WebhookProcessor interface {
	HandleEvent(ctx context.Context, payload []byte, signature string) (*webhook.Outcome, error)
}

// WebhookHandler は決済プロバイダーからのWebhookを受け付けるHTTPハンドラー。
type WebhookHandler struct {
	processor WebhookProcessor
}

// NewWebhookHandler はWebhookHandlerを生成する。
func NewWebhookHandler(processor WebhookProcessor) *WebhookHandler {
	return &WebhookHandler{processor: processor}
}

type webhookResponse struct {
	EventID string `json:"event_id"`
	Result  string `json:"result"`
}

// HandleStripe はStripeのWebhookイベントを処理する。
// 2xx以外を返すとプロバイダーが再送するため、再送で回復しうる失敗のみ500を返す。
// POST /webhooks/stripe
func (h *WebhookHandler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewInvalidRequestError("リクエストボディが大きすぎます"))
			return
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("リクエストボディを読み取れません"))
		return
	}

	outcome, err := h.processor.HandleEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			slog.Warn("Webhookの署名検証に失敗しました", slog.String("error", err.Error()))
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidSignatureError())
			return
		}
		slog.Error("Webhookイベントの処理に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{EventID: outcome.EventID, Result: outcome.Result})
}
