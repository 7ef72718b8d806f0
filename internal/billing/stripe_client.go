package billing

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v79"
	stripesubscription "github.com/stripe/stripe-go/v79/subscription"

	"github.com/hitoshi/membersync/internal/model"
)

// subscriptionPageSize は1顧客あたりに取得する購読の件数。
// 通常1顧客の購読は1件なので1ページで足りる。
const subscriptionPageSize = 10

// StripeConfig はStripeクライアントの設定。
type StripeConfig struct {
	APIURL            string // 空の場合はSDKのデフォルト（https://api.stripe.com）
	MaxNetworkRetries int64
	HTTPClient        *http.Client
	Logger            stripe.LeveledLoggerInterface
}

// NewStripeBackend はStripe APIのバックエンドを生成する。
// パッケージグローバルの stripe.Key は使用しない。
func NewStripeBackend(cfg StripeConfig) stripe.Backend {
	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	if cfg.HTTPClient != nil {
		backendCfg.HTTPClient = cfg.HTTPClient
	}
	if cfg.Logger != nil {
		backendCfg.LeveledLogger = cfg.Logger
	}
	return stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)
}

// StripeClient はStripeの購読APIを使用するSubscriptionLookupの実装。
type StripeClient struct {
	subscriptions stripesubscription.Client
}

// NewStripeClient はStripeClientを生成する。
func NewStripeClient(backend stripe.Backend, secretKey string) *StripeClient {
	return &StripeClient{
		subscriptions: stripesubscription.Client{B: backend, Key: secretKey},
	}
}

// LookupSubscription は顧客の購読一覧から現在有効な購読を選び、正規の購読状態を返す。
// 購読が1件もない場合は nil, nil を返す。
func (c *StripeClient) LookupSubscription(ctx context.Context, customerID string) (*model.CanonicalStatus, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(subscriptionPageSize)
	params.Single = true

	var subs []*stripe.Subscription
	iter := c.subscriptions.List(params)
	for iter.Next() {
		subs = append(subs, iter.Subscription())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to list stripe subscriptions: %w", err)
	}

	sub := selectSubscription(subs)
	if sub == nil {
		return nil, nil
	}
	return canonicalFromStripe(sub), nil
}

// statusPriority は複数の購読がある場合の選択優先度。値が小さいほど優先する。
var statusPriority = map[stripe.SubscriptionStatus]int{
	stripe.SubscriptionStatusActive:     0,
	stripe.SubscriptionStatusTrialing:   1,
	stripe.SubscriptionStatusPastDue:    2,
	stripe.SubscriptionStatusUnpaid:     3,
	stripe.SubscriptionStatusIncomplete: 4,
	stripe.SubscriptionStatusPaused:     5,
}

// selectSubscription は現在生きている購読を優先度順に選ぶ。
// 生きている購読がない場合は作成日時が最も新しいものを返す。
func selectSubscription(subs []*stripe.Subscription) *stripe.Subscription {
	var best *stripe.Subscription
	bestPriority := len(statusPriority)
	for _, s := range subs {
		p, ok := statusPriority[s.Status]
		if !ok {
			continue
		}
		if best == nil || p < bestPriority || (p == bestPriority && s.Created > best.Created) {
			best, bestPriority = s, p
		}
	}
	if best != nil {
		return best
	}

	for _, s := range subs {
		if best == nil || s.Created > best.Created {
			best = s
		}
	}
	return best
}

// canonicalFromStripe はStripeの購読をCanonicalStatusに変換する。
func canonicalFromStripe(s *stripe.Subscription) *model.CanonicalStatus {
	return CanonicalFromFields(string(s.Status), s.ID, s.CurrentPeriodEnd, s.CancelAtPeriodEnd)
}

// CanonicalFromFields はプロバイダーの購読フィールドからCanonicalStatusを組み立てる。
// periodEndがUNIX秒で0以下の場合は期間終了なしとして扱う。
func CanonicalFromFields(status, subscriptionID string, periodEnd int64, cancelAtPeriodEnd bool) *model.CanonicalStatus {
	c := &model.CanonicalStatus{
		Status:            model.SubscriptionStatus(status),
		SubscriptionID:    subscriptionID,
		CancelAtPeriodEnd: cancelAtPeriodEnd,
	}
	if periodEnd > 0 {
		t := time.Unix(periodEnd, 0).UTC()
		c.PeriodEnd = &t
	}
	return c
}

// compile-time interface check
var _ SubscriptionLookup = (*StripeClient)(nil)
