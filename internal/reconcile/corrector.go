// Package reconcile はキャッシュ済み購読ステータスと決済プロバイダーの照合・修正を提供する。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/membersync/internal/metrics"
	"github.com/hitoshi/membersync/internal/model"
	"github.com/hitoshi/membersync/internal/repository"
)

// Verifier は顧客IDの正規の購読状態を照会するインターフェース。
type Verifier interface {
	Verify(ctx context.Context, customerID string) (*model.CanonicalStatus, error)
}

// Outcome は1会員分の照合結果。
type Outcome string

const (
	// OutcomeCorrected はステータスの不一致を修正したことを表す。
	OutcomeCorrected Outcome = "corrected"
	// OutcomeUnchanged はステータスが一致していたことを表す。
	OutcomeUnchanged Outcome = "unchanged"
)

// Result は照合1回分の結果。
type Result struct {
	MemberID       string
	PreviousStatus model.SubscriptionStatus
	CurrentStatus  model.SubscriptionStatus
	Outcome        Outcome
	// Discrepancy は修正した場合のみ設定される。
	Discrepancy *model.Discrepancy
}

// Corrector はキャッシュと正規ステータスを比較し、不一致があれば修正と記録を行う。
// 同じプロバイダー状態に対して何度実行しても結果は変わらない。
type Corrector struct {
	members  repository.MemberRepository
	verifier Verifier
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewCorrector はCorrectorを生成する。metricsがnilの場合は記録しない。
func NewCorrector(members repository.MemberRepository, verifier Verifier, m metrics.MetricsCollector, logger *slog.Logger) *Corrector {
	return &Corrector{
		members:  members,
		verifier: verifier,
		metrics:  metrics.OrNop(m),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// Reconcile は顧客IDに対応する会員をプロバイダーに照会し、必要なら修正する。
// 会員が存在しない場合は model.ErrMemberNotFound、照会に失敗した場合は
// model.ErrVerificationFailed を返し、いずれも書き込みは行わない。
func (c *Corrector) Reconcile(ctx context.Context, customerID string, source model.SyncSource) (*Result, error) {
	member, err := c.members.FindByPaymentCustomerID(ctx, customerID)
	if err != nil {
		c.metrics.RecordReconcile(string(source), "lookup_failed")
		return nil, fmt.Errorf("failed to load member for customer %s: %w", customerID, err)
	}
	if member == nil {
		c.metrics.RecordReconcile(string(source), "member_not_found")
		c.logger.Error("顧客IDに対応する会員が存在しません",
			slog.String("customer_id", customerID),
			slog.String("source", string(source)),
		)
		return nil, fmt.Errorf("%w: customer %s", model.ErrMemberNotFound, customerID)
	}

	canonical, err := c.verifier.Verify(ctx, customerID)
	if err != nil {
		c.metrics.RecordReconcile(string(source), "verify_failed")
		c.logger.Warn("購読状態の照会に失敗しました",
			slog.String("member_id", member.ID),
			slog.String("customer_id", customerID),
			slog.String("source", string(source)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	return c.Apply(ctx, member, canonical, source)
}

// Apply は取得済みの正規ステータスを会員に適用する。
// 比較するのはステータスのみで、不一致の場合は派生フィールドの上書きと
// 不一致記録の追記を1トランザクションで行う。一致している場合は
// last_verified_at を更新し、ずれている派生フィールドがあれば記録なしで更新する。
func (c *Corrector) Apply(ctx context.Context, member *model.Member, canonical *model.CanonicalStatus, source model.SyncSource) (*Result, error) {
	if member == nil || canonical == nil {
		return nil, errors.New("member and canonical status are required")
	}

	now := c.now()
	result := &Result{
		MemberID:       member.ID,
		PreviousStatus: member.SubscriptionStatus,
		CurrentStatus:  canonical.Status,
	}

	if member.SubscriptionStatus == canonical.Status {
		var err error
		if canonical.MatchesDerivedFields(member) {
			err = c.members.MarkVerified(ctx, member.ID, now)
		} else {
			err = c.members.UpdateSubscriptionFields(ctx, member.ID, canonical, now)
		}
		if err != nil {
			c.metrics.RecordReconcile(string(source), "write_failed")
			return nil, fmt.Errorf("%w: member %s: %v", model.ErrWriteFailed, member.ID, err)
		}
		result.Outcome = OutcomeUnchanged
		c.metrics.RecordReconcile(string(source), string(OutcomeUnchanged))
		return result, nil
	}

	d := &model.Discrepancy{
		ID:                c.newID(),
		MemberID:          member.ID,
		PaymentCustomerID: member.PaymentCustomerID,
		PreviousStatus:    member.SubscriptionStatus.OrUnknown(),
		CorrectedStatus:   string(canonical.Status),
		Source:            source,
		DetectedAt:        now,
	}

	if err := c.members.ApplyCorrection(ctx, member.ID, canonical, d); err != nil {
		c.metrics.RecordReconcile(string(source), "write_failed")
		c.logger.Error("購読ステータスの修正に失敗しました",
			slog.String("member_id", member.ID),
			slog.String("customer_id", member.PaymentCustomerID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: member %s: %v", model.ErrWriteFailed, member.ID, err)
	}

	c.metrics.RecordReconcile(string(source), string(OutcomeCorrected))
	c.metrics.RecordDiscrepancy(string(source))
	c.logger.Info("購読ステータスの不一致を修正しました",
		slog.String("member_id", member.ID),
		slog.String("customer_id", member.PaymentCustomerID),
		slog.String("previous_status", d.PreviousStatus),
		slog.String("corrected_status", d.CorrectedStatus),
		slog.String("source", string(source)),
	)

	result.Outcome = OutcomeCorrected
	result.Discrepancy = d
	return result, nil
}
