package reconcile

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/membersync/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fakeMemberRepo はMemberRepositoryのインメモリ実装。
type fakeMemberRepo struct {
	mu            sync.Mutex
	members       map[string]*model.Member // key: member ID
	discrepancies []*model.Discrepancy

	applyCorrectionErr error
	markVerifiedErr    error
	findErr            error

	applyCorrectionCalls int
	updateFieldsCalls    int
	markVerifiedCalls    int
}

func newFakeMemberRepo(members ...*model.Member) *fakeMemberRepo {
	r := &fakeMemberRepo{members: make(map[string]*model.Member)}
	for _, m := range members {
		r.members[m.ID] = m
	}
	return r
}

func (r *fakeMemberRepo) get(id string) model.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.members[id]
}

func (r *fakeMemberRepo) FindByID(_ context.Context, id string) (*model.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	m, ok := r.members[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (r *fakeMemberRepo) FindByPaymentCustomerID(_ context.Context, customerID string) (*model.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	for _, m := range r.members {
		if m.PaymentCustomerID == customerID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeMemberRepo) FindByEmail(_ context.Context, email string) (*model.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.Email == email {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeMemberRepo) ListWithPaymentCustomer(_ context.Context) ([]model.MemberRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var refs []model.MemberRef
	for _, m := range r.members {
		if m.PaymentCustomerID != "" {
			refs = append(refs, model.MemberRef{ID: m.ID, PaymentCustomerID: m.PaymentCustomerID, Email: m.Email})
		}
	}
	return refs, nil
}

func (r *fakeMemberRepo) ApplyCorrection(_ context.Context, memberID string, c *model.CanonicalStatus, d *model.Discrepancy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyCorrectionCalls++
	if r.applyCorrectionErr != nil {
		return r.applyCorrectionErr
	}
	r.writeFields(memberID, c, d.DetectedAt)
	r.discrepancies = append(r.discrepancies, d)
	return nil
}

func (r *fakeMemberRepo) UpdateSubscriptionFields(_ context.Context, memberID string, c *model.CanonicalStatus, verifiedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateFieldsCalls++
	r.writeFields(memberID, c, verifiedAt)
	return nil
}

func (r *fakeMemberRepo) MarkVerified(_ context.Context, memberID string, verifiedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markVerifiedCalls++
	if r.markVerifiedErr != nil {
		return r.markVerifiedErr
	}
	t := verifiedAt
	r.members[memberID].LastVerifiedAt = &t
	return nil
}

func (r *fakeMemberRepo) LinkPaymentCustomer(_ context.Context, memberID, customerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.members[memberID]
	if m == nil || m.PaymentCustomerID != "" {
		return false, nil
	}
	m.PaymentCustomerID = customerID
	return true, nil
}

func (r *fakeMemberRepo) writeFields(memberID string, c *model.CanonicalStatus, verifiedAt time.Time) {
	m := r.members[memberID]
	m.SubscriptionStatus = c.Status
	m.SubscriptionID = c.SubscriptionID
	m.SubscriptionPeriodEnd = c.PeriodEnd
	m.CancelAtPeriodEnd = c.CancelAtPeriodEnd
	t := verifiedAt
	m.LastVerifiedAt = &t
}

func (r *fakeMemberRepo) discrepancyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.discrepancies)
}

// fakeVerifier は顧客ID別に固定の結果を返すVerifier。
type fakeVerifier struct {
	mu       sync.Mutex
	statuses map[string]*model.CanonicalStatus
	errs     map[string]error
	calls    int
}

func (v *fakeVerifier) Verify(_ context.Context, customerID string) (*model.CanonicalStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if err, ok := v.errs[customerID]; ok {
		return nil, err
	}
	if s, ok := v.statuses[customerID]; ok {
		cp := *s
		return &cp, nil
	}
	return model.InactiveStatus(), nil
}

// mockCustomerReconciler はCustomerReconcilerのモック。
type mockCustomerReconciler struct {
	reconcileFunc func(ctx context.Context, customerID string, source model.SyncSource) (*Result, error)
}

func (m *mockCustomerReconciler) Reconcile(ctx context.Context, customerID string, source model.SyncSource) (*Result, error) {
	return m.reconcileFunc(ctx, customerID, source)
}
