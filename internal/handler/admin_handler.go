package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/membersync/internal/middleware"
	"github.com/hitoshi/membersync/internal/model"
	"github.com/hitoshi/membersync/internal/reconcile"
	"github.com/hitoshi/membersync/internal/repository"
)

// BatchRunner は一括照合を実行するインターフェース。
type BatchRunner interface {
	RunAll(ctx context.Context, source model.SyncSource) (*reconcile.Summary, error)
}

// CustomerReconciler は1顧客を照合するインターフェース。
type CustomerReconciler interface {
	Reconcile(ctx context.Context, customerID string, source model.SyncSource) (*reconcile.Result, error)
}

// DiscrepancyLister は不一致記録を参照するインターフェース。
type DiscrepancyLister interface {
	ListRecent(ctx context.Context, memberID string, limit int) ([]*model.Discrepancy, error)
}

// AdminHandler は運用向けの照合APIのHTTPハンドラー。
type AdminHandler struct {
	batch         BatchRunner
	reconciler    CustomerReconciler
	discrepancies DiscrepancyLister
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(batch BatchRunner, reconciler CustomerReconciler, discrepancies DiscrepancyLister) *AdminHandler {
	return &AdminHandler{
		batch:         batch,
		reconciler:    reconciler,
		discrepancies: discrepancies,
	}
}

type summaryResponse struct {
	Total      int   `json:"total"`
	Corrected  int   `json:"corrected"`
	Unchanged  int   `json:"unchanged"`
	Errored    int   `json:"errored"`
	Skipped    int   `json:"skipped"`
	DurationMs int64 `json:"duration_ms"`
}

type reconcileResponse struct {
	MemberID       string `json:"member_id"`
	PreviousStatus string `json:"previous_status"`
	CurrentStatus  string `json:"current_status"`
	Outcome        string `json:"outcome"`
}

// discrepancyResponse は不一致記録のAPIレスポンス。
type discrepancyResponse struct {
	ID                string `json:"id"`
	MemberID          string `json:"member_id"`
	PaymentCustomerID string `json:"payment_customer_id"`
	PreviousStatus    string `json:"previous_status"`
	CorrectedStatus   string `json:"corrected_status"`
	DetectedAt        string `json:"detected_at"`
	Source            string `json:"source"`
}

// RunBatch は全会員の一括照合を同期的に実行し、集計を返す。
// 既に実行中の場合は409を返す。
// POST /api/admin/reconcile
func (h *AdminHandler) RunBatch(w http.ResponseWriter, r *http.Request) {
	summary, err := h.batch.RunAll(r.Context(), model.SourceManual)
	if err != nil {
		handleServiceError(w, err, "")
		return
	}

	writeJSON(w, http.StatusOK, summaryResponse{
		Total:      summary.Total,
		Corrected:  summary.Corrected,
		Unchanged:  summary.Unchanged,
		Errored:    summary.Errored,
		Skipped:    summary.Skipped,
		DurationMs: summary.Duration.Milliseconds(),
	})
}

// ReconcileCustomer は指定顧客の会員を照合する。
// POST /api/admin/customers/{customerID}/reconcile
func (h *AdminHandler) ReconcileCustomer(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")

	result, err := h.reconciler.Reconcile(r.Context(), customerID, model.SourceManual)
	if err != nil {
		handleServiceError(w, err, customerID)
		return
	}

	writeJSON(w, http.StatusOK, reconcileResponse{
		MemberID:       result.MemberID,
		PreviousStatus: result.PreviousStatus.OrUnknown(),
		CurrentStatus:  string(result.CurrentStatus),
		Outcome:        string(result.Outcome),
	})
}

// ListDiscrepancies は不一致記録を検出日時の新しい順に返す。
// GET /api/admin/discrepancies?limit=&member_id=
func (h *AdminHandler) ListDiscrepancies(w http.ResponseWriter, r *http.Request) {
	limit := repository.DefaultDiscrepancyLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("limit は正の整数で指定してください"))
			return
		}
		limit = repository.ClampDiscrepancyLimit(n)
	}

	records, err := h.discrepancies.ListRecent(r.Context(), r.URL.Query().Get("member_id"), limit)
	if err != nil {
		handleServiceError(w, err, "")
		return
	}

	resp := make([]discrepancyResponse, 0, len(records))
	for _, d := range records {
		resp = append(resp, discrepancyResponse{
			ID:                d.ID,
			MemberID:          d.MemberID,
			PaymentCustomerID: d.PaymentCustomerID,
			PreviousStatus:    d.PreviousStatus,
			CorrectedStatus:   d.CorrectedStatus,
			DetectedAt:        d.DetectedAt.UTC().Format(time.RFC3339),
			Source:            string(d.Source),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
