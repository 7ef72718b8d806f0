package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/hitoshi/membersync/internal/middleware"
	"github.com/hitoshi/membersync/internal/model"
	"github.com/hitoshi/membersync/internal/reconcile"
	"github.com/hitoshi/membersync/internal/webhook"
)

const testToken = "test-internal-token"

// --- モック定義 ---

type mockWebhookProcessor struct {
	handleEventFn func(ctx context.Context, payload []byte, signature string) (*webhook.Outcome, error)
}

func (m *mockWebhookProcessor) HandleEvent(ctx context.Context, payload []byte, signature string) (*webhook.Outcome, error) {
	if m.handleEventFn != nil {
		return m.handleEventFn(ctx, payload, signature)
	}
	return &webhook.Outcome{Result: webhook.ResultIgnored}, nil
}

type mockLoginChecker struct {
	checkFn func(ctx context.Context, memberID string) (*reconcile.LoginResult, error)
}

func (m *mockLoginChecker) Check(ctx context.Context, memberID string) (*reconcile.LoginResult, error) {
	if m.checkFn != nil {
		return m.checkFn(ctx, memberID)
	}
	return nil, errors.New("not implemented")
}

type mockBatchRunner struct {
	runAllFn func(ctx context.Context, source model.SyncSource) (*reconcile.Summary, error)
}

func (m *mockBatchRunner) RunAll(ctx context.Context, source model.SyncSource) (*reconcile.Summary, error) {
	if m.runAllFn != nil {
		return m.runAllFn(ctx, source)
	}
	return &reconcile.Summary{}, nil
}

type mockReconciler struct {
	reconcileFn func(ctx context.Context, customerID string, source model.SyncSource) (*reconcile.Result, error)
}

func (m *mockReconciler) Reconcile(ctx context.Context, customerID string, source model.SyncSource) (*reconcile.Result, error) {
	if m.reconcileFn != nil {
		return m.reconcileFn(ctx, customerID, source)
	}
	return nil, errors.New("not implemented")
}

type mockDiscrepancyLister struct {
	listRecentFn func(ctx context.Context, memberID string, limit int) ([]*model.Discrepancy, error)
}

func (m *mockDiscrepancyLister) ListRecent(ctx context.Context, memberID string, limit int) ([]*model.Discrepancy, error) {
	if m.listRecentFn != nil {
		return m.listRecentFn(ctx, memberID, limit)
	}
	return nil, nil
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) PingContext(context.Context) error { return m.err }

// --- ヘルパー ---

// newTestRouter はモックで埋めたRouterDepsからルーターを生成する。overrideで一部を差し替える。
func newTestRouter(t *testing.T, override func(*RouterDeps)) http.Handler {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{Rate: 100, Burst: 100, CleanupInterval: time.Minute})
	t.Cleanup(rl.Stop)

	deps := &RouterDeps{
		InternalAPIToken: testToken,
		RateLimiter:      rl,
		HealthChecker:    &mockHealthChecker{},
		WebhookProcessor: &mockWebhookProcessor{},
		LoginChecker:     &mockLoginChecker{},
		BatchRunner:      &mockBatchRunner{},
		Reconciler:       &mockReconciler{},
		Discrepancies:    &mockDiscrepancyLister{},
	}
	if override != nil {
		override(deps)
	}
	return NewRouter(deps)
}

func authorize(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}
