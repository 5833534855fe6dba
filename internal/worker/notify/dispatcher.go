// Package notify は完了通知メールの送信スイープを提供する。
// 候補の取得、条件付き更新によるクレーム、送信、結果の記録を1回の実行で行う。
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/driverhire/internal/mail"
	"github.com/hitoshi/driverhire/internal/metrics"
	"github.com/hitoshi/driverhire/internal/repository"
)

// maxErrorLength は記録するエラーメッセージの最大長。
const maxErrorLength = 500

// Config はスイープの設定パラメータ。
type Config struct {
	// MaxAttempts は送信試行の上限（デフォルト: 5）。到達するとERRORで終端する。
	MaxAttempts int
	// BatchLimit はlimit未指定時の候補取得件数（デフォルト: 25）。
	BatchLimit int
	// HardCap は候補取得件数の上限（デフォルト: 100）。
	HardCap int
	// Throttle は1回の実行で処理する最大件数（デフォルト: 25）。
	Throttle int
	// Deadline は新しい候補のクレームを止める経過時間（デフォルト: 55秒）。
	Deadline time.Duration
	// StaleClaim はSENDINGのまま放置されたクレームを再取得可能とみなす経過時間（デフォルト: 10分）。
	StaleClaim time.Duration
}

// DefaultConfig はデフォルトのスイープ設定を返す。
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BatchLimit:  25,
		HardCap:     100,
		Throttle:    25,
		Deadline:    55 * time.Second,
		StaleClaim:  10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = def.BatchLimit
	}
	if c.HardCap <= 0 {
		c.HardCap = def.HardCap
	}
	if c.Throttle <= 0 {
		c.Throttle = def.Throttle
	}
	if c.Deadline <= 0 {
		c.Deadline = def.Deadline
	}
	if c.StaleClaim <= 0 {
		c.StaleClaim = def.StaleClaim
	}
	return c
}

// CompletionMessages は完了通知のメールを組み立てる。
type CompletionMessages interface {
	Completion(to, name string) (mail.Message, error)
}

// Result は1回の実行結果の要約。
type Result struct {
	Scanned      int  `json:"scanned"`
	Processed    int  `json:"processed"`
	Sent         int  `json:"sent"`
	Failed       int  `json:"failed"`
	Skipped      int  `json:"skipped"`
	LimitApplied int  `json:"limitApplied"`
	StoppedEarly bool `json:"stoppedEarly"`
}

// Dispatcher は完了通知の送信スイープ。
// 複数のインスタンスが同時に実行されても、クレームの条件付き更新により
// 1件の候補を処理するのは1つのインスタンスだけになる。
type Dispatcher struct {
	repo     repository.NotificationRepository
	sender   mail.Sender
	messages CompletionMessages
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	config   Config
	now      func() time.Time
}

// NewDispatcher はDispatcherの新しいインスタンスを生成する。
func NewDispatcher(
	repo repository.NotificationRepository,
	sender mail.Sender,
	messages CompletionMessages,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		sender:   sender,
		messages: messages,
		metrics:  collector,
		logger:   logger,
		config:   config.withDefaults(),
		now:      time.Now,
	}
}

// SetClock はテスト用に時刻の取得関数を差し替える。
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// ClampLimit は指定された件数に既定値と上限を適用する。
func (d *Dispatcher) ClampLimit(limit int) int {
	if limit <= 0 {
		limit = d.config.BatchLimit
	}
	if limit > d.config.HardCap {
		limit = d.config.HardCap
	}
	return limit
}

func (d *Dispatcher) eligibility() repository.NotificationEligibility {
	now := d.now()
	return repository.NotificationEligibility{
		Now:         now,
		StaleBefore: now.Add(-d.config.StaleClaim),
		MaxAttempts: d.config.MaxAttempts,
	}
}

// Start は指定間隔のティッカーでスイープを定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (d *Dispatcher) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Info("完了通知スイープを開始しました",
		slog.Duration("interval", interval),
		slog.Int("throttle", d.config.Throttle),
	)

	d.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("完了通知スイープを停止しました")
			return
		case <-ticker.C:
			d.runLogged(ctx)
		}
	}
}

func (d *Dispatcher) runLogged(ctx context.Context) {
	if _, err := d.RunOnce(ctx, 0); err != nil {
		d.logger.Error("完了通知スイープの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は候補を取得して完了通知を送信する。
// 個々の送信失敗は候補ごとに記録し、エラーとしては返さない。
// エラーを返すのは候補の取得に失敗した場合のみ。
func (d *Dispatcher) RunOnce(ctx context.Context, limit int) (Result, error) {
	start := time.Now()
	res := Result{LimitApplied: d.ClampLimit(limit)}
	defer func() {
		d.metrics.RecordSweepDuration("notify", time.Since(start))
	}()

	candidates, err := d.repo.ListNotificationCandidates(ctx, d.eligibility(), res.LimitApplied)
	if err != nil {
		return res, fmt.Errorf("通知候補の取得に失敗しました: %w", err)
	}
	res.Scanned = len(candidates)

	for _, c := range candidates {
		if res.Processed >= d.config.Throttle || time.Since(start) >= d.config.Deadline || ctx.Err() != nil {
			res.StoppedEarly = true
			break
		}

		claimed, err := d.repo.ClaimNotification(ctx, c.TrackerID, d.eligibility())
		if err != nil {
			d.logger.Error("通知のクレームに失敗しました",
				slog.String("tracker_id", c.TrackerID),
				slog.String("error", err.Error()),
			)
			res.Skipped++
			continue
		}
		if !claimed {
			d.metrics.RecordNotificationClaimLost()
			res.Skipped++
			continue
		}

		res.Processed++
		if d.deliver(ctx, c) {
			res.Sent++
		} else {
			res.Failed++
		}
	}

	d.logger.Info("完了通知スイープが完了しました",
		slog.Int("scanned", res.Scanned),
		slog.Int("processed", res.Processed),
		slog.Int("sent", res.Sent),
		slog.Int("failed", res.Failed),
		slog.Int("skipped", res.Skipped),
		slog.Int("limit_applied", res.LimitApplied),
		slog.Bool("stopped_early", res.StoppedEarly),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return res, nil
}

// deliver はクレーム済みの候補に送信し、結果を記録する。送信に成功した場合はtrueを返す。
func (d *Dispatcher) deliver(ctx context.Context, c repository.NotificationCandidate) bool {
	// 送信後の記録は呼び出し元のキャンセルに関係なく行う
	finalizeCtx := context.WithoutCancel(ctx)

	msg, err := d.messages.Completion(c.Email, c.ApplicantName)
	if err == nil {
		err = d.sender.Send(ctx, msg)
	}
	if err != nil {
		d.recordFailure(finalizeCtx, c, err)
		return false
	}

	if err := d.repo.MarkNotificationSent(finalizeCtx, c.TrackerID, d.now()); err != nil {
		// 送信自体は成功している。SENDINGのまま残った場合は次回以降に再クレームされる
		d.logger.Error("送信済みの記録に失敗しました",
			slog.String("tracker_id", c.TrackerID),
			slog.String("error", err.Error()),
		)
	}
	d.metrics.RecordNotificationSent()
	d.logger.Info("完了通知を送信しました", slog.String("tracker_id", c.TrackerID))
	return true
}

func (d *Dispatcher) recordFailure(ctx context.Context, c repository.NotificationCandidate, sendErr error) {
	reason := sendErr.Error()
	if len(reason) > maxErrorLength {
		reason = strings.ToValidUTF8(reason[:maxErrorLength], "")
	}

	status, attempts, err := d.repo.MarkNotificationFailed(ctx, c.TrackerID, reason, d.config.MaxAttempts, d.now())
	if err != nil {
		d.logger.Error("送信失敗の記録に失敗しました",
			slog.String("tracker_id", c.TrackerID),
			slog.String("error", err.Error()),
		)
		d.metrics.RecordNotificationFailed(false)
		return
	}

	terminal := attempts >= d.config.MaxAttempts
	d.metrics.RecordNotificationFailed(terminal)
	d.logger.Warn("完了通知の送信に失敗しました",
		slog.String("tracker_id", c.TrackerID),
		slog.String("status", string(status)),
		slog.Int("attempts", attempts),
		slog.String("error", reason),
	)
}
