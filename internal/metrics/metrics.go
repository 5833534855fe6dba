// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// スイープ、サービス層、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordNotificationSent()
	RecordNotificationFailed(terminal bool)
	RecordNotificationClaimLost()
	RecordReaperDeleted(kind string, count int64)
	RecordReaperBatchFailure()
	RecordResumeRequest(outcome string)
	RecordResumeConfirm(outcome string)
	RecordStepSubmitted(step string)
	RecordSweepDuration(sweep string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	notificationsSent      prometheus.Counter
	notificationsFailed    *prometheus.CounterVec
	notificationsClaimLost prometheus.Counter
	reaperDeleted          *prometheus.CounterVec
	reaperBatchFailures    prometheus.Counter
	resumeRequests         *prometheus.CounterVec
	resumeConfirms         *prometheus.CounterVec
	stepsSubmitted         *prometheus.CounterVec
	sweepDuration          *prometheus.HistogramVec
	httpStatus             *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		notificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driverhire_notifications_sent_total",
			Help: "完了通知の送信成功数",
		}),
		notificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driverhire_notifications_failed_total",
			Help: "完了通知の送信失敗数（terminal=trueは再試行上限到達）",
		}, []string{"terminal"}),
		notificationsClaimLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driverhire_notifications_claim_lost_total",
			Help: "他のスイープに先にクレームされた候補の数",
		}),
		reaperDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driverhire_reaper_deleted_total",
			Help: "期限切れで削除したドキュメント数（種別ごと）",
		}, []string{"kind"}),
		reaperBatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driverhire_reaper_batch_failures_total",
			Help: "ロールバックした削除バッチの数",
		}),
		resumeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driverhire_resume_requests_total",
			Help: "再開要求の結果別件数",
		}, []string{"outcome"}),
		resumeConfirms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driverhire_resume_confirms_total",
			Help: "確認コード照合の結果別件数",
		}, []string{"outcome"}),
		stepsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driverhire_steps_submitted_total",
			Help: "ステップ書き込みの成功数（ステップ別）",
		}, []string{"step"}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "driverhire_sweep_duration_seconds",
			Help:    "スイープ1回の実行時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driverhire_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.notificationsSent,
		c.notificationsFailed,
		c.notificationsClaimLost,
		c.reaperDeleted,
		c.reaperBatchFailures,
		c.resumeRequests,
		c.resumeConfirms,
		c.stepsSubmitted,
		c.sweepDuration,
		c.httpStatus,
	)

	return c
}

// RecordNotificationSent は完了通知の送信成功を記録する。
func (c *Collector) RecordNotificationSent() {
	c.notificationsSent.Inc()
}

// RecordNotificationFailed は完了通知の送信失敗を記録する。
func (c *Collector) RecordNotificationFailed(terminal bool) {
	c.notificationsFailed.WithLabelValues(strconv.FormatBool(terminal)).Inc()
}

// RecordNotificationClaimLost はクレームの競合負けを記録する。
func (c *Collector) RecordNotificationClaimLost() {
	c.notificationsClaimLost.Inc()
}

// RecordReaperDeleted は削除件数を記録する。kindは"tracker"または子フォーム種別。
func (c *Collector) RecordReaperDeleted(kind string, count int64) {
	if count <= 0 {
		return
	}
	c.reaperDeleted.WithLabelValues(kind).Add(float64(count))
}

// RecordReaperBatchFailure は削除バッチの失敗を記録する。
func (c *Collector) RecordReaperBatchFailure() {
	c.reaperBatchFailures.Inc()
}

// RecordResumeRequest は再開要求の結果を記録する。
func (c *Collector) RecordResumeRequest(outcome string) {
	c.resumeRequests.WithLabelValues(outcome).Inc()
}

// RecordResumeConfirm は確認コード照合の結果を記録する。
func (c *Collector) RecordResumeConfirm(outcome string) {
	c.resumeConfirms.WithLabelValues(outcome).Inc()
}

// RecordStepSubmitted はステップ書き込みの成功を記録する。
func (c *Collector) RecordStepSubmitted(step string) {
	c.stepsSubmitted.WithLabelValues(step).Inc()
}

// RecordSweepDuration はスイープの実行時間を記録する。
func (c *Collector) RecordSweepDuration(sweep string, duration time.Duration) {
	c.sweepDuration.WithLabelValues(sweep).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
