package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/membersync/internal/model"
)

func newLimitedHandler(t *testing.T, cfg RateLimiterConfig) (http.Handler, *RateLimiter, *int) {
	t.Helper()
	rl := NewRateLimiter(cfg)
	t.Cleanup(rl.Stop)

	calls := 0
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	return h, rl, &calls
}

func requestFrom(remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.RemoteAddr = remoteAddr
	return req
}

func TestRateLimiter_AllowsRequestsWithinBurst(t *testing.T) {
	h, _, calls := newLimitedHandler(t, RateLimiterConfig{Rate: 1, Burst: 5, CleanupInterval: time.Minute})

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, requestFrom("10.0.0.1:1234"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
	if *calls != 5 {
		t.Errorf("handler call count = %d, want 5", *calls)
	}
}

func TestRateLimiter_Returns429WhenLimitExceeded(t *testing.T) {
	h, _, _ := newLimitedHandler(t, RateLimiterConfig{Rate: 0.5, Burst: 2, CleanupInterval: time.Minute})

	for i := 0; i < 2; i++ {
		h.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:1234"))
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, requestFrom("10.0.0.1:1234"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	retryAfter, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retryAfter != 2 {
		t.Errorf("Retry-After = %q, want 2", w.Header().Get("Retry-After"))
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != model.ErrCodeRateLimited {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeRateLimited)
	}
}

// クライアントごとに独立して制限する
func TestRateLimiter_IsolatesClients(t *testing.T) {
	h, rl, _ := newLimitedHandler(t, RateLimiterConfig{Rate: 0.1, Burst: 1, CleanupInterval: time.Minute})

	h.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:1111"))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, requestFrom("10.0.0.2:2222"))
	if w.Code != http.StatusOK {
		t.Errorf("別クライアント: status = %d, want %d", w.Code, http.StatusOK)
	}

	// 同一ホストの別ポートは同じクライアントとして扱う
	w = httptest.NewRecorder()
	h.ServeHTTP(w, requestFrom("10.0.0.1:9999"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("同一ホスト: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	if got := rl.LimiterCount(); got != 2 {
		t.Errorf("LimiterCount() = %d, want 2", got)
	}
}

func TestRateLimiter_KeysByCaller(t *testing.T) {
	h, rl, _ := newLimitedHandler(t, RateLimiterConfig{Rate: 1, Burst: 10, CleanupInterval: time.Minute})

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:2", "10.0.0.3:3"} {
		req := requestFrom(addr)
		req = req.WithContext(contextWithCaller(req.Context(), internalCaller))
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	if got := rl.LimiterCount(); got != 1 {
		t.Errorf("LimiterCount() = %d, want 1", got)
	}
}

func TestRateLimiter_MiddlewareWithKey_SeparateBuckets(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 0.1, Burst: 1, CleanupInterval: time.Minute})
	t.Cleanup(rl.Stop)

	h := rl.MiddlewareWithKey(func(r *http.Request) string {
		return r.Header.Get("X-Member")
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(member string) int {
		req := requestFrom("10.0.0.1:1")
		req = req.WithContext(contextWithCaller(req.Context(), internalCaller))
		if member != "" {
			req.Header.Set("X-Member", member)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	for _, m := range []string{"a", "b", "c"} {
		if code := send(m); code != http.StatusOK {
			t.Errorf("member %s: status = %d, want %d", m, code, http.StatusOK)
		}
	}
	if code := send("a"); code != http.StatusTooManyRequests {
		t.Errorf("同一キー: status = %d, want %d", code, http.StatusTooManyRequests)
	}

	// キーが空の場合は呼び出し元で識別する
	if code := send(""); code != http.StatusOK {
		t.Errorf("キーなし1回目: status = %d, want %d", code, http.StatusOK)
	}
	if code := send(""); code != http.StatusTooManyRequests {
		t.Errorf("キーなし2回目: status = %d, want %d", code, http.StatusTooManyRequests)
	}
	if got := rl.LimiterCount(); got != 4 {
		t.Errorf("LimiterCount() = %d, want 4", got)
	}
}

func TestRateLimiter_CleanupRemovesStaleEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Rate: 1, Burst: 1, CleanupInterval: time.Hour})
	defer rl.Stop()

	rl.limiterFor("addr:stale")
	rl.limiterFor("addr:fresh")

	rl.mu.Lock()
	rl.limiters["addr:stale"].lastAccess = time.Now().Add(-3 * time.Hour)
	rl.mu.Unlock()

	rl.cleanup()

	if got := rl.LimiterCount(); got != 1 {
		t.Errorf("LimiterCount() = %d, want 1", got)
	}
}

func TestRateLimiterConfigPerMinute(t *testing.T) {
	cfg := RateLimiterConfigPerMinute(120)
	if cfg.Rate != 2 {
		t.Errorf("Rate = %v, want 2", cfg.Rate)
	}
	if cfg.Burst != 120 {
		t.Errorf("Burst = %d, want 120", cfg.Burst)
	}
	if def := RateLimiterConfigPerMinute(0); def.Burst != 60 {
		t.Errorf("0指定時のBurst = %d, want 60", def.Burst)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}
