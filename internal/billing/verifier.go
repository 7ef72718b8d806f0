// Package billing は決済プロバイダー上の購読状態の照会を提供する。
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/membersync/internal/metrics"
	"github.com/hitoshi/membersync/internal/model"
)

// SubscriptionLookup は顧客IDから現在の購読状態を取得するインターフェース。
// 購読が存在しない場合は nil, nil を返す。
type SubscriptionLookup interface {
	LookupSubscription(ctx context.Context, customerID string) (*model.CanonicalStatus, error)
}

// DefaultVerifyTimeout はプロバイダー照会1回あたりのデフォルトタイムアウト。
const DefaultVerifyTimeout = 10 * time.Second

// Verifier は顧客IDの正規の購読状態を照会する。
// 副作用を持たず、失敗時にステータスを推測しない。
type Verifier struct {
	lookup  SubscriptionLookup
	timeout time.Duration
	limiter *rate.Limiter
	metrics metrics.MetricsCollector
	logger  *slog.Logger
}

// VerifierOption はVerifierの任意設定。
type VerifierOption func(*Verifier)

// WithTimeout は照会1回あたりのタイムアウトを設定する。
func WithTimeout(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithRateLimit は1秒あたりの照会数の上限を設定する。0以下の場合は制限しない。
func WithRateLimit(perSecond int) VerifierOption {
	return func(v *Verifier) {
		if perSecond > 0 {
			v.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
		}
	}
}

// WithMetrics は照会レイテンシの記録先を設定する。
func WithMetrics(m metrics.MetricsCollector) VerifierOption {
	return func(v *Verifier) {
		v.metrics = metrics.OrNop(m)
	}
}

// NewVerifier はVerifierを生成する。
func NewVerifier(lookup SubscriptionLookup, logger *slog.Logger, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		lookup:  lookup,
		timeout: DefaultVerifyTimeout,
		metrics: metrics.Nop{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify は顧客IDの正規の購読状態を返す。
// 購読が存在しない場合は inactive を返す。
// 照会に失敗した場合は model.ErrVerificationFailed をラップしたエラーを返す。
func (v *Verifier) Verify(ctx context.Context, customerID string) (*model.CanonicalStatus, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: customer id is empty", model.ErrVerificationFailed)
	}

	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %v", model.ErrVerificationFailed, err)
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	status, err := v.lookup.LookupSubscription(lookupCtx, customerID)
	elapsed := time.Since(start)
	v.metrics.RecordLookupLatency(elapsed, err != nil)

	if err != nil {
		if errors.Is(lookupCtx.Err(), context.DeadlineExceeded) {
			v.logger.Warn("購読状態の照会がタイムアウトしました",
				slog.String("customer_id", customerID),
				slog.Duration("timeout", v.timeout),
			)
		}
		return nil, fmt.Errorf("%w: customer %s: %v", model.ErrVerificationFailed, customerID, err)
	}

	if status == nil {
		return model.InactiveStatus(), nil
	}
	if !status.Status.IsKnown() {
		return nil, fmt.Errorf("%w: customer %s: unknown status %q", model.ErrVerificationFailed, customerID, status.Status)
	}
	return status, nil
}
