package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// StatusCounter はレスポンスのステータスコードを集計する。
// metrics.MetricsCollectorが実装する。
type StatusCounter interface {
	RecordHTTPStatus(statusCode int)
}

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

// WriteHeader はステータスコードを記録してから委譲する。
func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.written {
		sr.statusCode = code
		sr.written = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

// Write はデータを書き込む。WriteHeaderが未呼び出しの場合は200を記録する。
func (sr *statusRecorder) Write(b []byte) (int, error) {
	if !sr.written {
		sr.statusCode = http.StatusOK
		sr.written = true
	}
	return sr.ResponseWriter.Write(b)
}

// requestLog は内側のミドルウェアがアクセスログに残す値を受け取る。
type requestLog struct {
	trackerID string
}

var requestLogContextKey = contextKey("request_log")

// noteTrackerID はアクセスログに追跡レコードIDを記録する。
// ロギングミドルウェアの外で呼ばれた場合は何もしない。
func noteTrackerID(ctx context.Context, trackerID string) {
	if rl, ok := ctx.Value(requestLogContextKey).(*requestLog); ok {
		rl.trackerID = trackerID
	}
}

// NewLoggingMiddleware はリクエストのJSON構造化ログを出力するミドルウェアを返す。
// ログにはmethod、path、status、duration_ms、tracker_id（セッションがある場合）を含む。
// counterがnilでなければステータスコードを集計する。
func NewLoggingMiddleware(logger *slog.Logger, counter StatusCounter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rec := &statusRecorder{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			rl := &requestLog{}
			ctx := context.WithValue(r.Context(), requestLogContextKey, rl)

			next.ServeHTTP(rec, r.WithContext(ctx))

			duration := time.Since(start)
			durationMs := float64(duration.Nanoseconds()) / float64(time.Millisecond)

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.statusCode),
				slog.Float64("duration_ms", durationMs),
			}
			if rl.trackerID != "" {
				args = append(args, slog.String("tracker_id", rl.trackerID))
			}

			level := slog.LevelInfo
			if rec.statusCode >= 500 {
				level = slog.LevelError
			} else if rec.statusCode >= 400 {
				level = slog.LevelWarn
			}

			if counter != nil {
				counter.RecordHTTPStatus(rec.statusCode)
			}
			logger.Log(r.Context(), level, "http_request", args...)
		})
	}
}
