package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthCheck は永続化層への疎通を確認する。nilの場合は常に正常とみなす。
type HealthCheck func(ctx context.Context) error

const healthTimeout = 3 * time.Second

// NewHealthHandler は /health のハンドラーを返す。
// 疎通に失敗した場合は503を返す。
func NewHealthHandler(check HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := check(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
