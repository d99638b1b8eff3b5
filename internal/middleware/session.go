// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/tasktracker/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// sessionContextKey はリクエストコンテキストにセッションを格納するためのキー。
var sessionContextKey = contextKey("session")

// SessionProvider は現在のセッションを返す。session.Managerが満たす。
type SessionProvider interface {
	CurrentSession() *model.Session
}

// NewSessionMiddleware はサインイン中であることを要求するミドルウェアを返す。
// 現在のセッションをリクエストコンテキストに注入する。
// サインアウト中のリクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(provider SessionProvider) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := provider.CurrentSession()
			if !sess.Authenticated() {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), sess)))
		})
	}
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func SessionFromContext(ctx context.Context) (*model.Session, error) {
	sess, ok := ctx.Value(sessionContextKey).(*model.Session)
	if !ok || sess == nil {
		return nil, fmt.Errorf("session not found in context")
	}
	return sess, nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	sess, err := SessionFromContext(ctx)
	if err != nil {
		return "", err
	}
	if sess.UserID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return sess.UserID, nil
}

// ContextWithSession はコンテキストにセッションを注入し、リクエストログにユーザーIDを記録する。
func ContextWithSession(ctx context.Context, sess *model.Session) context.Context {
	if sess != nil {
		annotateUserID(ctx, sess.UserID)
	}
	return context.WithValue(ctx, sessionContextKey, sess)
}
