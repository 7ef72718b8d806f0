package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/membersync/internal/model"
)

// MemberFinder は会員IDで会員を取得するインターフェース。
type MemberFinder interface {
	FindByID(ctx context.Context, id string) (*model.Member, error)
}

// LoginResult はログイン時チェックの結果。
type LoginResult struct {
	MemberID string
	Status   model.SubscriptionStatus
	Active   bool
	// Verified はプロバイダーへの照会が成功したかを表す。
	// falseの場合、Statusはキャッシュ済みの値である。
	Verified bool
}

// LoginChecker はログイン時に購読状態を同期的に照合する。
// 照合に失敗してもログインは失敗させず、キャッシュ済みの値を返す。
type LoginChecker struct {
	members    MemberFinder
	reconciler CustomerReconciler
	policy     model.ActivePolicy
	logger     *slog.Logger
}

// NewLoginChecker はLoginCheckerを生成する。policyがnilの場合はStrictStatusPolicyを使用する。
func NewLoginChecker(members MemberFinder, reconciler CustomerReconciler, policy model.ActivePolicy, logger *slog.Logger) *LoginChecker {
	if policy == nil {
		policy = model.StrictStatusPolicy{}
	}
	return &LoginChecker{
		members:    members,
		reconciler: reconciler,
		policy:     policy,
		logger:     logger,
	}
}

// Check は会員の購読状態を照合して結果を返す。
// 会員自体が存在しない場合のみ model.ErrMemberNotFound を返す。
func (l *LoginChecker) Check(ctx context.Context, memberID string) (*LoginResult, error) {
	member, err := l.members.FindByID(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to load member %s: %w", memberID, err)
	}
	if member == nil {
		return nil, fmt.Errorf("%w: member %s", model.ErrMemberNotFound, memberID)
	}

	cached := &LoginResult{
		MemberID: member.ID,
		Status:   member.SubscriptionStatus,
		Active:   l.policy.IsActive(member),
	}

	if !member.HasPaymentCustomer() {
		return cached, nil
	}

	result, err := l.reconciler.Reconcile(ctx, member.PaymentCustomerID, model.SourceLogin)
	if err != nil {
		l.logger.Warn("ログイン時の購読照合に失敗したためキャッシュ済みの値を使用します",
			slog.String("member_id", member.ID),
			slog.String("cached_status", member.SubscriptionStatus.OrUnknown()),
			slog.String("error", err.Error()),
		)
		return cached, nil
	}

	refreshed := *member
	refreshed.SubscriptionStatus = result.CurrentStatus
	return &LoginResult{
		MemberID: member.ID,
		Status:   result.CurrentStatus,
		Active:   l.policy.IsActive(&refreshed),
		Verified: true,
	}, nil
}
