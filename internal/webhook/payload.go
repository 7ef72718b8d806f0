package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/stripe/stripe-go/v79"

	"github.com/hitoshi/membersync/internal/billing"
	"github.com/hitoshi/membersync/internal/model"
)

// subscriptionPayload はWebhookの購読オブジェクトのうち照合に使うフィールド。
// 検証に通った場合のみ正規ステータスとして扱う。
type subscriptionPayload struct {
	SubscriptionID    string `validate:"required"`
	CustomerID        string `validate:"required"`
	Status            string `validate:"required,oneof=active past_due canceled incomplete incomplete_expired trialing unpaid paused"`
	CurrentPeriodEnd  int64  `validate:"gte=0"`
	CancelAtPeriodEnd bool
}

func (p *subscriptionPayload) canonical() *model.CanonicalStatus {
	return billing.CanonicalFromFields(p.Status, p.SubscriptionID, p.CurrentPeriodEnd, p.CancelAtPeriodEnd)
}

// checkoutPayload はcheckout.session.completedのうち会員の紐付けに使うフィールド。
type checkoutPayload struct {
	CustomerID        string `validate:"required"`
	ClientReferenceID string
	Email             string `validate:"omitempty,email"`
}

// parseSubscription はイベントデータを購読ペイロードに変換して検証する。
func parseSubscription(validate *validator.Validate, raw json.RawMessage) (*subscriptionPayload, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}

	p := &subscriptionPayload{
		SubscriptionID:    sub.ID,
		Status:            string(sub.Status),
		CurrentPeriodEnd:  sub.CurrentPeriodEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		p.CustomerID = sub.Customer.ID
	}

	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid subscription payload: %w", err)
	}
	return p, nil
}

// parseCheckoutSession はイベントデータをチェックアウトペイロードに変換して検証する。
func parseCheckoutSession(validate *validator.Validate, raw json.RawMessage) (*checkoutPayload, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("failed to decode checkout session: %w", err)
	}

	p := &checkoutPayload{
		ClientReferenceID: session.ClientReferenceID,
		Email:             session.CustomerEmail,
	}
	if session.Customer != nil {
		p.CustomerID = session.Customer.ID
	}
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		p.Email = session.CustomerDetails.Email
	}

	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid checkout session payload: %w", err)
	}
	return p, nil
}
