// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/membersync/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// callerContextKey はリクエストコンテキストに呼び出し元の識別子を格納するためのキー。
var callerContextKey = contextKey("caller")

// internalCaller はトークン認証を通過した内部サービスの識別子。
const internalCaller = "internal"

// NewTokenAuthMiddleware はAuthorization: Bearer ヘッダーのトークンを検証するミドルウェアを返す。
// 内部APIは会員アプリケーションなどのバックエンドからのみ呼ばれる。
func NewTokenAuthMiddleware(token string) func(next http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := bearerToken(r)
			if !ok || len(expected) == 0 ||
				subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
				slog.Warn("内部APIの認証に失敗しました",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := context.WithValue(r.Context(), callerContextKey, internalCaller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

// CallerFromContext はリクエストコンテキストから呼び出し元の識別子を取得する。
func CallerFromContext(ctx context.Context) (string, error) {
	caller, ok := ctx.Value(callerContextKey).(string)
	if !ok || caller == "" {
		return "", fmt.Errorf("caller not found in context")
	}
	return caller, nil
}
