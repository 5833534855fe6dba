package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/time/rate"

	"github.com/hitoshi/driverhire/internal/auth"
	"github.com/hitoshi/driverhire/internal/config"
	"github.com/hitoshi/driverhire/internal/database"
	"github.com/hitoshi/driverhire/internal/handler"
	"github.com/hitoshi/driverhire/internal/logger"
	"github.com/hitoshi/driverhire/internal/mail"
	"github.com/hitoshi/driverhire/internal/metrics"
	"github.com/hitoshi/driverhire/internal/middleware"
	"github.com/hitoshi/driverhire/internal/onboarding"
	"github.com/hitoshi/driverhire/internal/repository"
	"github.com/hitoshi/driverhire/internal/resume"
	"github.com/hitoshi/driverhire/internal/security"
	"github.com/hitoshi/driverhire/internal/worker/cleanup"
	"github.com/hitoshi/driverhire/internal/worker/notify"
)

const (
	// mailMaxResponseSize はメールAPIレスポンスの読み取り上限。
	mailMaxResponseSize = 64 << 10
	// mailMaxRetries は1回の送信内での一時的な失敗の再送回数。
	mailMaxRetries = 2
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルでログを再構成する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	var sweep SweepOptions
	if cmd == CommandDispatch || cmd == CommandReap {
		var err error
		if sweep, err = ParseSweepOptions(cmd, args[1:], os.Stderr); err != nil {
			return err
		}
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("store_driver", cfg.StoreDriver),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandDispatch:
		return runDispatch(cfg, sweep)
	case CommandReap:
		return runReap(cfg, sweep)
	default:
		return runServe(cfg)
	}
}

// stores は選択されたストアドライバーのリポジトリ群。
type stores struct {
	trackers      repository.TrackerRepository
	contacts      repository.ContactLookup
	notifications repository.NotificationRepository
	reaper        repository.ReaperRepository
	codes         repository.VerificationCodeRepository

	checks  []handler.HealthCheck
	closers []func()
}

// health は全ストアの疎通確認をまとめたHealthCheckを返す。
func (s *stores) health() handler.HealthCheck {
	if len(s.checks) == 0 {
		return nil
	}
	checks := s.checks
	return func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores はSTORE_DRIVERに応じてリポジトリを構築する。
// REDIS_URLが設定されている場合、確認コードはRedisに保存する。
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	s := &stores{}

	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		db, err := openPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { db.Close() })
		s.checks = append(s.checks, db.PingContext)

		trackers := repository.NewPostgresTrackerRepo(db)
		s.trackers = trackers
		s.contacts = trackers
		s.notifications = repository.NewPostgresNotificationRepo(db)
		s.reaper = repository.NewPostgresReaperRepo(db)
		s.codes = repository.NewPostgresVerificationRepo(db)

	case config.StoreDriverMongo:
		client, err := database.OpenMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = client.Disconnect(context.Background()) })
		s.checks = append(s.checks, mongoPing(client))

		store := repository.NewMongoStore(client, cfg.MongoDatabase)
		if err := store.EnsureIndexes(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to ensure MongoDB indexes: %w", err)
		}
		s.trackers, s.contacts, s.notifications, s.reaper, s.codes = store, store, store, store, store
		slog.Info("MongoDB connection established", slog.String("database", cfg.MongoDatabase))

	case config.StoreDriverMemory:
		store := repository.NewMemoryStore()
		s.trackers, s.contacts, s.notifications, s.reaper, s.codes = store, store, store, store, store
		slog.Warn("using in-memory store; data is lost on restart")

	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.StoreDriver)
	}

	if cfg.RedisURL != "" {
		client, err := database.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = client.Close() })
		s.checks = append(s.checks, redisPing(client))
		s.codes = repository.NewRedisVerificationRepo(client, "")
		slog.Info("verification codes stored in Redis")
	}

	return s, nil
}

func openPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")
	return db, nil
}

func mongoPing(client *mongo.Client) handler.HealthCheck {
	return func(ctx context.Context) error {
		return client.Ping(ctx, nil)
	}
}

func redisPing(client *redis.Client) handler.HealthCheck {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// newMailSender はメールAPIのクライアントを構築する。
// MAIL_API_URLが未設定の場合は送信内容をログに出力するだけのSenderを返す。
func newMailSender(cfg *config.Config) (mail.Sender, error) {
	if cfg.MailAPIURL == "" {
		slog.Warn("MAIL_API_URL is not set; emails are logged instead of sent")
		return mail.NewLogSender(slog.Default()), nil
	}

	guard := security.NewEgressGuard()
	if err := guard.ValidateEndpoint(cfg.MailAPIURL); err != nil {
		return nil, fmt.Errorf("invalid MAIL_API_URL: %w", err)
	}
	return mail.NewClient(
		guard.NewClient(mail.DefaultTimeout, mailMaxResponseSize),
		slog.Default(),
		mail.ClientConfig{
			Endpoint:   cfg.MailAPIURL,
			APIKey:     cfg.MailAPIKey,
			From:       cfg.MailFrom,
			MaxRetries: mailMaxRetries,
		},
	), nil
}

func newTemplates(cfg *config.Config) *mail.Templates {
	return mail.NewTemplates(security.NewTextSanitizer(), cfg.BaseURL)
}

func newDispatcher(cfg *config.Config, s *stores, sender mail.Sender, collector metrics.MetricsCollector) *notify.Dispatcher {
	return notify.NewDispatcher(s.notifications, sender, newTemplates(cfg), collector, slog.Default(), notify.Config{
		MaxAttempts: cfg.NotifyMaxAttempts,
		BatchLimit:  cfg.NotifyBatchLimit,
		HardCap:     cfg.NotifyHardCap,
		Throttle:    cfg.NotifyThrottle,
		Deadline:    cfg.NotifyDeadline,
		StaleClaim:  cfg.NotifyStaleClaim,
	})
}

func newCleanupJob(cfg *config.Config, s *stores, collector metrics.MetricsCollector) *cleanup.CleanupJob {
	return cleanup.NewCleanupJob(s.reaper, collector, slog.Default(), cleanup.Config{
		BatchLimit: cfg.CleanupBatchLimit,
		HardCap:    cfg.CleanupHardCap,
	})
}

// runServe はAPIサーバーモードで起動する。
// ストアを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx := context.Background()

	// 1. ストア
	s, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	// 2. セキュリティ
	protector, err := security.NewIdentityProtector(cfg.IdentityHashKey, cfg.IdentityEncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize identity protector: %w", err)
	}
	issuer, err := auth.NewTokenIssuer(cfg.SessionSecret, cfg.SessionTTL)
	if err != nil {
		return fmt.Errorf("failed to initialize session issuer: %w", err)
	}

	// 3. メール
	sender, err := newMailSender(cfg)
	if err != nil {
		return err
	}

	// 4. メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 5. ドメインサービス
	companies, err := onboarding.LoadCompanyRules(cfg.CompanyRulesFile)
	if err != nil {
		return err
	}
	onboardingService := onboarding.NewService(s.trackers, protector, companies, cfg.ResumeWindow)
	resumeService := resume.NewService(s.trackers, s.contacts, s.codes, protector, sender, newTemplates(cfg), issuer, resume.Config{
		CodeTTL:     cfg.CodeTTL,
		MaxAttempts: cfg.CodeMaxAttempts,
	})

	// 6. ルーター
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = perMinute(cfg.RateLimitGeneral)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitResume > 0 {
		rateLimiterCfg.ResumeRate = perMinute(cfg.RateLimitResume)
		rateLimiterCfg.ResumeBurst = cfg.RateLimitResume
	}
	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:          slog.Default(),
		SessionVerifier: issuer,
		SessionIssuer:   issuer,
		Cookie: middleware.CookieConfig{
			Secure: cfg.CookieSecure,
			Domain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		TrustProxy:        cfg.TrustProxy,
		AdminToken:        cfg.AdminAPIToken,
		CronSecret:        cfg.CronSecret,

		Metrics:        collector,
		MetricsHandler: metrics.Handler(reg),

		Onboarding: onboardingService,
		Resume:     resumeService,
		Admin:      onboardingService,
		Notifier:   newDispatcher(cfg, s, sender, collector),
		Reaper:     newCleanupJob(cfg, s, collector),
		Health:     s.health(),
	})

	if cfg.AdminAPIToken == "" {
		slog.Warn("ADMIN_API_TOKEN is not set; admin endpoints reject all requests")
	}
	if cfg.CronSecret == "" {
		slog.Warn("CRON_SECRET is not set; cron endpoints reject all requests")
	}

	// 7. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 70 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// perMinute は「1分あたりn件」をrate.Limitの単位（毎秒）に変換する。
func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60)
}

// runWorker はワーカーモードで起動する。
// 完了通知ディスパッチャーと期限切れリーパーをそれぞれのティッカーで実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	sender, err := newMailSender(cfg)
	if err != nil {
		return err
	}
	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	dispatcher := newDispatcher(cfg, s, sender, collector)
	reaper := newCleanupJob(cfg, s, collector)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("notify_interval", cfg.NotifyInterval),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dispatcher.Start(ctx, cfg.NotifyInterval)
	}()
	go func() {
		defer wg.Done()
		reaper.Start(ctx, cfg.CleanupInterval)
	}()
	wg.Wait()

	slog.Info("worker stopped gracefully")
	return nil
}

// runDispatch は完了通知のスイープを1回実行する。外部スケジューラー向け。
func runDispatch(cfg *config.Config, opts SweepOptions) error {
	ctx := context.Background()
	s, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	sender, err := newMailSender(cfg)
	if err != nil {
		return err
	}
	dispatcher := newDispatcher(cfg, s, sender, metrics.NewCollector(prometheus.NewRegistry()))

	res, err := dispatcher.RunOnce(ctx, opts.Limit)
	if err != nil {
		return fmt.Errorf("notification sweep failed: %w", err)
	}
	slog.Info("notification sweep finished",
		slog.Int("sent", res.Sent),
		slog.Int("failed", res.Failed),
		slog.Int("skipped", res.Skipped),
	)
	return nil
}

// runReap は期限切れ申請の削除を1バッチ実行する。外部スケジューラー向け。
func runReap(cfg *config.Config, opts SweepOptions) error {
	ctx := context.Background()
	s, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	job := newCleanupJob(cfg, s, metrics.NewCollector(prometheus.NewRegistry()))
	res, err := job.Run(ctx, opts.Limit)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	slog.Info("cleanup finished",
		slog.Int64("trackers", res.Trackers),
		slog.Bool("more_remaining", res.MoreRemaining),
	)
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
// MongoDBではインデックスの作成のみ行う。
func runMigrate(cfg *config.Config) error {
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		slog.Info("running database migrations",
			slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		)
		if _, err := database.Migrate(slog.Default(), cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	case config.StoreDriverMongo:
		s, err := openStores(context.Background(), cfg)
		if err != nil {
			return err
		}
		s.Close()
	default:
		slog.Info("nothing to migrate", slog.String("store_driver", cfg.StoreDriver))
		return nil
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
