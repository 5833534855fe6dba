// Package cleanup は再開期限を過ぎた未完了の申請を削除するジョブを提供する。
// 追跡レコードと子フォームはバッチ単位のトランザクションでまとめて削除され、
// 途中で失敗したバッチは何も削除しない。完了済みのレコードは対象外。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/driverhire/internal/metrics"
	"github.com/hitoshi/driverhire/internal/model"
	"github.com/hitoshi/driverhire/internal/repository"
)

// Config はジョブの設定パラメータ。
type Config struct {
	// BatchLimit はlimit未指定時のバッチサイズ（デフォルト: 100）。
	BatchLimit int
	// HardCap はバッチサイズの上限（デフォルト: 500）。
	HardCap int
}

// DefaultConfig はデフォルトの設定を返す。
func DefaultConfig() Config {
	return Config{BatchLimit: 100, HardCap: 500}
}

// Result は1回の実行結果の要約。
type Result struct {
	Scanned      int              `json:"scanned"`
	Trackers     int64            `json:"trackers"`
	Children     map[string]int64 `json:"children"`
	LimitApplied int              `json:"limitApplied"`
	// MoreRemaining はバッチが上限まで埋まり、まだ候補が残っている可能性があることを示す。
	MoreRemaining bool `json:"moreRemaining"`
}

// CleanupJob は期限切れの追跡レコードの削除ジョブ。
// 同時に複数実行されても、削除直前に条件を再検証するため安全。
type CleanupJob struct {
	repo    repository.ReaperRepository
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	config  Config
	now     func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(repo repository.ReaperRepository, collector metrics.MetricsCollector, logger *slog.Logger, config Config) *CleanupJob {
	def := DefaultConfig()
	if config.BatchLimit <= 0 {
		config.BatchLimit = def.BatchLimit
	}
	if config.HardCap <= 0 {
		config.HardCap = def.HardCap
	}
	return &CleanupJob{
		repo:    repo,
		metrics: collector,
		logger:  logger,
		config:  config,
		now:     time.Now,
	}
}

// SetClock はテスト用に時刻の取得関数を差し替える。
func (j *CleanupJob) SetClock(now func() time.Time) {
	j.now = now
}

// ClampLimit は指定された件数に既定値と上限を適用する。
func (j *CleanupJob) ClampLimit(limit int) int {
	if limit <= 0 {
		limit = j.config.BatchLimit
	}
	if limit > j.config.HardCap {
		limit = j.config.HardCap
	}
	return limit
}

// Start は指定間隔のティッカーでジョブを定期実行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("期限切れ申請の削除ジョブを開始しました",
		slog.Duration("interval", interval),
	)

	j.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("期限切れ申請の削除ジョブを停止しました")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if _, err := j.Run(ctx, 0); err != nil {
		j.logger.Error("期限切れ申請の削除ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// Run は期限切れの追跡レコードを1バッチ分削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context, limit int) (Result, error) {
	start := time.Now()
	now := j.now()
	res := Result{LimitApplied: j.ClampLimit(limit), Children: map[string]int64{}}
	defer func() {
		j.metrics.RecordSweepDuration("cleanup", time.Since(start))
	}()

	expired, err := j.repo.ListExpiredTrackers(ctx, now, res.LimitApplied)
	if err != nil {
		return res, fmt.Errorf("削除対象の取得に失敗しました: %w", err)
	}
	res.Scanned = len(expired)
	res.MoreRemaining = len(expired) == res.LimitApplied

	if len(expired) == 0 {
		j.logger.Info("削除対象の申請はありません")
		return res, nil
	}

	batch := repository.DeleteBatch{
		Now:      now,
		Children: make(map[model.FormKind][]string),
	}
	for _, t := range expired {
		batch.TrackerIDs = append(batch.TrackerIDs, t.ID)
		for kind, formID := range t.Forms {
			if formID == "" {
				continue
			}
			batch.Children[kind] = append(batch.Children[kind], formID)
		}
	}

	deleted, err := j.repo.DeleteExpiredBatch(ctx, batch)
	if err != nil {
		j.metrics.RecordReaperBatchFailure()
		j.logger.Error("削除バッチをロールバックしました",
			slog.Int("batch_size", len(batch.TrackerIDs)),
			slog.String("error", err.Error()),
		)
		return res, fmt.Errorf("削除バッチの実行に失敗しました: %w", err)
	}

	res.Trackers = deleted.Trackers
	j.metrics.RecordReaperDeleted("tracker", deleted.Trackers)
	for kind, n := range deleted.Children {
		res.Children[string(kind)] = n
		j.metrics.RecordReaperDeleted(string(kind), n)
	}

	j.logger.Info("期限切れ申請の削除ジョブが完了しました",
		slog.Int("scanned", res.Scanned),
		slog.Int64("deleted_trackers", res.Trackers),
		slog.Any("deleted_children", res.Children),
		slog.Bool("more_remaining", res.MoreRemaining),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return res, nil
}
