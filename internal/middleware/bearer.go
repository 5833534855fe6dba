package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/driverhire/internal/model"
)

// NewBearerAuthMiddleware は固定のBearerトークンで保護するミドルウェアを返す。
// 管理APIとcronエンドポイントで使う。tokenが空の場合はすべてのリクエストを拒否する。
func NewBearerAuthMiddleware(realm, token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				slog.Warn("bearer authentication failed",
					slog.String("realm", realm),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="`+realm+`"`)
				WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
					Kind:     model.KindUnauthorized,
					Code:     "UNAUTHORIZED",
					Message:  "認証に失敗しました。",
					Category: "system",
					Action:   "正しい認証情報を指定してください。",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
