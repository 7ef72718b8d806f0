package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/membersync/internal/model"
	"github.com/hitoshi/membersync/internal/reconcile"
)

func TestMemberHandler_LoginCheck(t *testing.T) {
	var gotID string
	router := newTestRouter(t, func(d *RouterDeps) {
		d.LoginChecker = &mockLoginChecker{checkFn: func(_ context.Context, memberID string) (*reconcile.LoginResult, error) {
			gotID = memberID
			return &reconcile.LoginResult{MemberID: memberID, Status: model.StatusActive, Active: true, Verified: true}, nil
		}}
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authorize(httptest.NewRequest(http.MethodPost, "/api/members/m-1/login-check", nil)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotID != "m-1" {
		t.Errorf("memberID = %q, want m-1", gotID)
	}

	var body loginCheckResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Status != "active" || !body.Active || !body.Verified {
		t.Errorf("body = %+v", body)
	}
	if body.CheckedAt == "" {
		t.Error("checked_at が空です")
	}
}

// 照会に失敗した場合もキャッシュ済みの値で200を返す
func TestMemberHandler_LoginCheck_CachedFallback(t *testing.T) {
	router := newTestRouter(t, func(d *RouterDeps) {
		d.LoginChecker = &mockLoginChecker{checkFn: func(_ context.Context, memberID string) (*reconcile.LoginResult, error) {
			return &reconcile.LoginResult{MemberID: memberID, Status: model.StatusPastDue}, nil
		}}
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authorize(httptest.NewRequest(http.MethodPost, "/api/members/m-2/login-check", nil)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body loginCheckResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Active || body.Verified || body.Status != "past_due" {
		t.Errorf("body = %+v", body)
	}
}

func TestMemberHandler_LoginCheck_NotFound(t *testing.T) {
	router := newTestRouter(t, func(d *RouterDeps) {
		d.LoginChecker = &mockLoginChecker{checkFn: func(_ context.Context, memberID string) (*reconcile.LoginResult, error) {
			return nil, fmt.Errorf("%w: member %s", model.ErrMemberNotFound, memberID)
		}}
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, authorize(httptest.NewRequest(http.MethodPost, "/api/members/ghost/login-check", nil)))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestMemberHandler_LoginCheck_RequiresToken(t *testing.T) {
	router := newTestRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/members/m-1/login-check", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}
