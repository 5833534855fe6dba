// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/driverhire/internal/model"
)

// SessionCookieName は再開セッションのトークンを保持するCookieの名前。
const SessionCookieName = "resume_session"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// trackerIDContextKey はリクエストコンテキストに追跡レコードIDを格納するためのキー。
var trackerIDContextKey = contextKey("tracker_id")

// SessionVerifier はセッショントークンの検証に必要なインターフェース。
// auth.TokenIssuerが実装する。
type SessionVerifier interface {
	Verify(token string) (string, error)
}

// CookieConfig はセッションCookieの属性。
type CookieConfig struct {
	Secure bool
	Domain string
}

// NewSessionMiddleware はHTTP Only Cookieからセッショントークンを読み取り、
// 署名と有効期限を検証するミドルウェアを返す。
// 検証済みの追跡レコードIDをリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(verifier SessionVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(SessionCookieName)
			if err != nil || cookie.Value == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionInvalidError())
				return
			}

			trackerID, err := verifier.Verify(cookie.Value)
			if err != nil {
				slog.Debug("session token rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionInvalidError())
				return
			}

			noteTrackerID(r.Context(), trackerID)
			ctx := context.WithValue(r.Context(), trackerIDContextKey, trackerID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SetSessionCookie は発行済みセッションをHTTP Only Cookieとして設定する。
func SetSessionCookie(w http.ResponseWriter, session *model.ResumeSession, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.Token,
		Path:     "/",
		Domain:   config.Domain,
		Expires:  session.ExpiresAt,
		MaxAge:   int(time.Until(session.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// TrackerIDFromContext はリクエストコンテキストから追跡レコードIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func TrackerIDFromContext(ctx context.Context) (string, error) {
	trackerID, ok := ctx.Value(trackerIDContextKey).(string)
	if !ok || trackerID == "" {
		return "", fmt.Errorf("tracker ID not found in context")
	}
	return trackerID, nil
}

// ContextWithTrackerID はコンテキストに追跡レコードIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithTrackerID(ctx context.Context, trackerID string) context.Context {
	return context.WithValue(ctx, trackerIDContextKey, trackerID)
}
