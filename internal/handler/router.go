package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/driverhire/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	SessionVerifier   middleware.SessionVerifier
	SessionIssuer     SessionIssuer
	Cookie            middleware.CookieConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	TrustProxy        bool
	AdminToken        string
	CronSecret        string

	// メトリクス
	Metrics        MetricsRecorder
	MetricsHandler http.Handler

	// サービス
	Onboarding OnboardingServiceInterface
	Resume     ResumeServiceInterface
	Admin      AdminServiceInterface
	Notifier   NotificationSweeper
	Reaper     ExpiredSweeper
	Health     HealthCheck
}

// MetricsRecorder はハンドラーとミドルウェアが記録するメトリクス。
// metrics.MetricsCollectorが実装する。
type MetricsRecorder interface {
	StepRecorder
	ResumeRecorder
	middleware.StatusCounter
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS → RateLimit(General)
//
// 応募者ルートはさらに Session → CSRF、再開ルートは RateLimit(Resume) → CSRF、
// 管理・cronルートは Bearer認証 を通る。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	if deps.TrustProxy {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	onboardingHandler := NewOnboardingHandler(deps.Onboarding, deps.SessionIssuer, deps.Metrics, deps.Cookie)
	resumeHandler := NewResumeHandler(deps.Resume, deps.Metrics, deps.Cookie)
	adminHandler := NewAdminHandler(deps.Admin)
	cronHandler := NewCronHandler(deps.Notifier, deps.Reaper)

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.Health))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 応募者向けAPI ---
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.Cookie).ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewCSRFMiddleware(deps.Cookie))

			r.Post("/api/onboarding", onboardingHandler.Start)

			r.Route("/api/resume", func(r chi.Router) {
				r.Use(deps.RateLimiter.ResumeMiddleware())
				r.Post("/request", resumeHandler.Request)
				r.Post("/confirm", resumeHandler.Confirm)
				r.Post("/logout", resumeHandler.Logout)
			})

			// セッションが必要なルート
			r.Group(func(r chi.Router) {
				r.Use(middleware.NewSessionMiddleware(deps.SessionVerifier))
				r.Get("/api/onboarding/status", onboardingHandler.Status)
				r.Put("/api/onboarding/steps/{step}", onboardingHandler.SubmitStep)
			})
		})
	})

	// --- 管理API ---
	r.Route("/api/admin/trackers/{id}", func(r chi.Router) {
		r.Use(middleware.NewBearerAuthMiddleware("admin", deps.AdminToken))
		r.Get("/", adminHandler.Get)
		r.Post("/approve", adminHandler.Approve)
		r.Post("/revoke", adminHandler.Revoke)
		r.Post("/terminate", adminHandler.Terminate)
	})

	// --- 外部スケジューラー向け ---
	r.Route("/internal/cron", func(r chi.Router) {
		r.Use(middleware.NewBearerAuthMiddleware("cron", deps.CronSecret))
		r.Post("/notifications", cronHandler.Notifications)
		r.Post("/cleanup", cronHandler.Cleanup)
	})

	return r
}
