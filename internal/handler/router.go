package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/membersync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	InternalAPIToken string
	RateLimiter      *middleware.RateLimiter

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// Webhook
	WebhookProcessor WebhookProcessor

	// 会員
	LoginChecker LoginCheckerInterface

	// 管理
	BatchRunner   BatchRunner
	Reconciler    CustomerReconciler
	Discrepancies DiscrepancyLister
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Recovery → Logging → SecurityHeaders
//
// /webhooks/stripe は署名で認証するためトークン認証の外に配置し、送信元アドレスでレート制限する。
// /api/* はトークン認証の後にレート制限する。ログイン時チェックのキーは会員IDとする。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	webhookHandler := NewWebhookHandler(deps.WebhookProcessor)
	memberHandler := NewMemberHandler(deps.LoginChecker)
	adminHandler := NewAdminHandler(deps.BatchRunner, deps.Reconciler, deps.Discrepancies)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.With(deps.RateLimiter.Middleware()).Post("/webhooks/stripe", webhookHandler.HandleStripe)

	// --- 内部API ---
	// ミドルウェアスタック: TokenAuth → RateLimit
	// ログイン時チェックは会員ごと、管理APIは呼び出し元ごとに制限する。
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewTokenAuthMiddleware(deps.InternalAPIToken))

		r.With(deps.RateLimiter.MiddlewareWithKey(memberRateLimitKey)).
			Post("/members/{id}/login-check", memberHandler.LoginCheck)

		r.Route("/admin", func(r chi.Router) {
			r.Use(deps.RateLimiter.Middleware())
			r.Post("/reconcile", adminHandler.RunBatch)
			r.Post("/customers/{customerID}/reconcile", adminHandler.ReconcileCustomer)
			r.Get("/discrepancies", adminHandler.ListDiscrepancies)
		})
	})

	return r
}

// memberRateLimitKey はログイン時チェックのレート制限キーを会員IDから作る。
func memberRateLimitKey(r *http.Request) string {
	if id := chi.URLParam(r, "id"); id != "" {
		return "member:" + id
	}
	return ""
}
