package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/membersync/internal/middleware"
	"github.com/hitoshi/membersync/internal/model"
	"github.com/hitoshi/membersync/internal/reconcile"
)

// writeJSON はステータスコードとともにJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// handleServiceError は照合処理から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error, ref string) {
	switch {
	case errors.Is(err, model.ErrMemberNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewMemberNotFoundError(ref))
	case errors.Is(err, model.ErrVerificationFailed):
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewVerificationFailedError())
	case errors.Is(err, reconcile.ErrBatchInProgress):
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewReconcileUnavailableError())
	default:
		// 詳細はログのみに記録する
		slog.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}
