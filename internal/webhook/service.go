// Package webhook は決済プロバイダーからのWebhookによる購読状態の反映を提供する。
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	stripewebhook "github.com/stripe/stripe-go/v79/webhook"

	"github.com/hitoshi/membersync/internal/metrics"
	"github.com/hitoshi/membersync/internal/model"
	"github.com/hitoshi/membersync/internal/reconcile"
)

// 処理対象のイベント種別
const (
	eventSubscriptionCreated = "customer.subscription.created"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	eventSubscriptionPaused  = "customer.subscription.paused"
	eventSubscriptionResumed = "customer.subscription.resumed"
	eventCheckoutCompleted   = "checkout.session.completed"
)

// イベントの処理結果
const (
	ResultApplied        = "applied"
	ResultReconciled     = "reconciled"
	ResultIgnored        = "ignored"
	ResultDuplicate      = "duplicate"
	ResultInvalid        = "invalid_payload"
	ResultMemberNotFound = "member_not_found"
	ResultFailed         = "failed"
)

// releaseTimeout は処理失敗時にイベントの登録を取り消す際のタイムアウト。
const releaseTimeout = 5 * time.Second

// ErrInvalidSignature は署名検証に失敗したことを表す。
var ErrInvalidSignature = errors.New("invalid webhook signature")

// MemberStore はWebhook処理で使用する会員の参照・紐付けインターフェース。
type MemberStore interface {
	FindByID(ctx context.Context, id string) (*model.Member, error)
	FindByPaymentCustomerID(ctx context.Context, customerID string) (*model.Member, error)
	FindByEmail(ctx context.Context, email string) (*model.Member, error)
	LinkPaymentCustomer(ctx context.Context, memberID, customerID string) (bool, error)
}

// StatusApplier は正規ステータスを会員に反映するインターフェース。reconcile.Correctorが実装する。
type StatusApplier interface {
	Apply(ctx context.Context, member *model.Member, canonical *model.CanonicalStatus, source model.SyncSource) (*reconcile.Result, error)
	Reconcile(ctx context.Context, customerID string, source model.SyncSource) (*reconcile.Result, error)
}

// Config はWebhook処理の設定。
type Config struct {
	Secret    string
	Tolerance time.Duration
}

// Outcome は1イベントの処理結果。
type Outcome struct {
	EventID   string
	EventType string
	Result    string
}

// Service は署名検証済みのWebhookイベントを購読状態に反映する。
type Service struct {
	config   Config
	deduper  Deduper
	members  MemberStore
	applier  StatusApplier
	validate *validator.Validate
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewService はServiceを生成する。
func NewService(config Config, deduper Deduper, members MemberStore, applier StatusApplier, m metrics.MetricsCollector, logger *slog.Logger) *Service {
	if config.Tolerance <= 0 {
		config.Tolerance = stripewebhook.DefaultTolerance
	}
	return &Service{
		config:   config,
		deduper:  deduper,
		members:  members,
		applier:  applier,
		validate: validator.New(),
		metrics:  metrics.OrNop(m),
		logger:   logger,
	}
}

// HandleEvent は署名を検証してイベントを処理する。
// 再送で回復しうる失敗の場合のみエラーを返し、イベントの登録を取り消す。
func (s *Service) HandleEvent(ctx context.Context, payload []byte, signature string) (*Outcome, error) {
	event, err := stripewebhook.ConstructEventWithOptions(payload, signature, s.config.Secret, stripewebhook.ConstructEventOptions{
		Tolerance:                s.config.Tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		s.metrics.RecordWebhookEvent("unknown", "invalid_signature")
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	outcome := &Outcome{EventID: event.ID, EventType: string(event.Type)}

	if !isHandled(outcome.EventType) {
		outcome.Result = ResultIgnored
		s.metrics.RecordWebhookEvent(outcome.EventType, outcome.Result)
		s.logger.Debug("処理対象外のWebhookイベントを無視しました",
			slog.String("event_id", event.ID),
			slog.String("event_type", outcome.EventType),
		)
		return outcome, nil
	}

	claimed, err := s.deduper.Claim(ctx, event.ID, outcome.EventType)
	if err != nil {
		s.metrics.RecordWebhookEvent(outcome.EventType, ResultFailed)
		return nil, err
	}
	if !claimed {
		outcome.Result = ResultDuplicate
		s.metrics.RecordWebhookEvent(outcome.EventType, outcome.Result)
		s.logger.Info("処理済みのWebhookイベントを受信しました",
			slog.String("event_id", event.ID),
			slog.String("event_type", outcome.EventType),
		)
		return outcome, nil
	}

	result, err := s.dispatch(ctx, &event)
	if err != nil {
		s.metrics.RecordWebhookEvent(outcome.EventType, ResultFailed)
		// リクエストのコンテキストは既にキャンセルされている場合がある
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		relErr := s.deduper.Release(rctx, event.ID)
		cancel()
		if relErr != nil {
			s.logger.Error("Webhookイベントの登録取り消しに失敗しました",
				slog.String("event_id", event.ID),
				slog.String("error", relErr.Error()),
			)
		}
		s.logger.Warn("Webhookイベントの処理に失敗しました",
			slog.String("event_id", event.ID),
			slog.String("event_type", outcome.EventType),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	outcome.Result = result
	s.metrics.RecordWebhookEvent(outcome.EventType, result)
	return outcome, nil
}

func isHandled(eventType string) bool {
	switch eventType {
	case eventSubscriptionCreated, eventSubscriptionUpdated, eventSubscriptionDeleted,
		eventSubscriptionPaused, eventSubscriptionResumed, eventCheckoutCompleted:
		return true
	}
	return false
}

func (s *Service) dispatch(ctx context.Context, event *stripe.Event) (string, error) {
	if event.Data == nil {
		s.logger.Warn("Webhookイベントにデータがありません", slog.String("event_id", event.ID))
		return ResultInvalid, nil
	}
	if string(event.Type) == eventCheckoutCompleted {
		return s.handleCheckoutCompleted(ctx, event)
	}
	return s.handleSubscriptionEvent(ctx, event)
}

// handleSubscriptionEvent は購読イベントのペイロードを正規ステータスとして反映する。
// プロバイダーへの再照会は行わない。ただし会員が保持している購読とは別の購読の
// イベントで有効な会員を格下げしようとする場合は、プロバイダーに照会して確定させる。
func (s *Service) handleSubscriptionEvent(ctx context.Context, event *stripe.Event) (string, error) {
	p, err := parseSubscription(s.validate, event.Data.Raw)
	if err != nil {
		s.logger.Warn("購読イベントのペイロードが不正です",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)
		return ResultInvalid, nil
	}

	member, err := s.members.FindByPaymentCustomerID(ctx, p.CustomerID)
	if err != nil {
		return "", fmt.Errorf("failed to load member for customer %s: %w", p.CustomerID, err)
	}
	if member == nil {
		s.logger.Error("顧客IDに対応する会員が存在しません",
			slog.String("event_id", event.ID),
			slog.String("customer_id", p.CustomerID),
		)
		return ResultMemberNotFound, nil
	}

	canonical := p.canonical()

	if isStale(event, member, canonical) {
		s.logger.Info("最終照合より前に作成されたイベントのためプロバイダーに照会して確定します",
			slog.String("event_id", event.ID),
			slog.String("member_id", member.ID),
			slog.Time("event_created", time.Unix(event.Created, 0).UTC()),
			slog.Time("last_verified_at", *member.LastVerifiedAt),
		)
		if _, err := s.applier.Reconcile(ctx, p.CustomerID, model.SourceWebhook); err != nil {
			return "", err
		}
		return ResultReconciled, nil
	}

	if s.isForeignDowngrade(member, canonical) {
		s.logger.Info("別の購読のイベントのためプロバイダーに照会して確定します",
			slog.String("event_id", event.ID),
			slog.String("member_id", member.ID),
			slog.String("event_subscription_id", canonical.SubscriptionID),
			slog.String("member_subscription_id", member.SubscriptionID),
		)
		if _, err := s.applier.Reconcile(ctx, p.CustomerID, model.SourceWebhook); err != nil {
			return "", err
		}
		return ResultReconciled, nil
	}

	if _, err := s.applier.Apply(ctx, member, canonical, model.SourceWebhook); err != nil {
		return "", err
	}
	return ResultApplied, nil
}

// isStale は会員が保持する購読のイベントが最終照合より前に作成されたものかを返す。
// イベントの到着順は保証されない。
func isStale(event *stripe.Event, member *model.Member, canonical *model.CanonicalStatus) bool {
	return event.Created > 0 &&
		member.LastVerifiedAt != nil &&
		member.SubscriptionID != "" &&
		canonical.SubscriptionID == member.SubscriptionID &&
		time.Unix(event.Created, 0).Before(*member.LastVerifiedAt)
}

// isForeignDowngrade は会員の保持する購読以外のイベントで有効な会員を格下げしようとしているかを返す。
func (s *Service) isForeignDowngrade(member *model.Member, canonical *model.CanonicalStatus) bool {
	return member.SubscriptionID != "" &&
		canonical.SubscriptionID != member.SubscriptionID &&
		model.IsMemberActive(member) &&
		canonical.Status != model.StatusActive
}

// handleCheckoutCompleted はチェックアウト完了時に顧客IDを会員に紐付け、直ちに照合する。
// 既に別の顧客IDが紐付いている会員は変更しない。
func (s *Service) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) (string, error) {
	p, err := parseCheckoutSession(s.validate, event.Data.Raw)
	if err != nil {
		s.logger.Warn("チェックアウトイベントのペイロードが不正です",
			slog.String("event_id", event.ID),
			slog.String("error", err.Error()),
		)
		return ResultInvalid, nil
	}

	member, err := s.findCheckoutMember(ctx, p)
	if err != nil {
		return "", err
	}
	if member == nil {
		s.logger.Error("チェックアウトに対応する会員が存在しません",
			slog.String("event_id", event.ID),
			slog.String("customer_id", p.CustomerID),
			slog.String("client_reference_id", p.ClientReferenceID),
		)
		return ResultMemberNotFound, nil
	}

	switch {
	case member.PaymentCustomerID == p.CustomerID:
	case member.PaymentCustomerID != "":
		s.logger.Warn("会員には別の顧客IDが紐付いているため変更しません",
			slog.String("member_id", member.ID),
			slog.String("current_customer_id", member.PaymentCustomerID),
			slog.String("event_customer_id", p.CustomerID),
		)
		return ResultIgnored, nil
	default:
		linked, err := s.members.LinkPaymentCustomer(ctx, member.ID, p.CustomerID)
		if err != nil {
			return "", fmt.Errorf("%w: %v", model.ErrWriteFailed, err)
		}
		if !linked {
			// 並行して別の経路で紐付けられた
			current, err := s.members.FindByID(ctx, member.ID)
			if err != nil {
				return "", fmt.Errorf("failed to reload member %s: %w", member.ID, err)
			}
			if current == nil || current.PaymentCustomerID != p.CustomerID {
				return ResultIgnored, nil
			}
		}
		s.logger.Info("会員に顧客IDを紐付けました",
			slog.String("member_id", member.ID),
			slog.String("customer_id", p.CustomerID),
		)
	}

	if _, err := s.applier.Reconcile(ctx, p.CustomerID, model.SourceWebhook); err != nil {
		if errors.Is(err, model.ErrMemberNotFound) {
			return ResultMemberNotFound, nil
		}
		return "", err
	}
	return ResultReconciled, nil
}

// findCheckoutMember はclient_reference_id（会員ID）、なければメールアドレスで会員を探す。
func (s *Service) findCheckoutMember(ctx context.Context, p *checkoutPayload) (*model.Member, error) {
	if _, err := uuid.Parse(p.ClientReferenceID); err == nil {
		m, err := s.members.FindByID(ctx, p.ClientReferenceID)
		if err != nil {
			return nil, fmt.Errorf("failed to find member by reference: %w", err)
		}
		if m != nil {
			return m, nil
		}
	}
	if p.Email == "" {
		return nil, nil
	}
	m, err := s.members.FindByEmail(ctx, p.Email)
	if err != nil {
		return nil, fmt.Errorf("failed to find member by email: %w", err)
	}
	return m, nil
}
