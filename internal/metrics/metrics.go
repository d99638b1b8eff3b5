// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/tasktracker/internal/model"
)

// 結果ラベルの値
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッション管理・タスク投影・HTTP層から利用する。
type MetricsCollector interface {
	RecordAuthAttempt(op string, err error)
	RecordTaskIntent(op string, err error, duration time.Duration)
	RecordNotificationApplied()
	RecordNotificationDropped()
	SetTaskCount(count int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authAttempts         *prometheus.CounterVec
	taskIntents          *prometheus.CounterVec
	taskIntentLatency    prometheus.Histogram
	notificationsApplied prometheus.Counter
	notificationsDropped prometheus.Counter
	tasks                prometheus.Gauge
	httpStatus           *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasktracker_auth_attempts_total",
			Help: "認証操作（signup/signin/signout/restore）の結果別の合計数",
		}, []string{"op", "result"}),
		taskIntents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasktracker_task_intents_total",
			Help: "タスク操作（add/set_status/remove）の結果別の合計数",
		}, []string{"op", "result"}),
		taskIntentLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tasktracker_task_intent_latency_seconds",
			Help:    "ストアへの書き込みのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		notificationsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasktracker_notifications_applied_total",
			Help: "一覧に反映されたストア通知の合計数",
		}),
		notificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tasktracker_notifications_dropped_total",
			Help: "購読解除後に届き破棄されたストア通知の合計数",
		}),
		tasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tasktracker_tasks",
			Help: "現在の一覧に含まれるタスク数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tasktracker_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.taskIntents,
		c.taskIntentLatency,
		c.notificationsApplied,
		c.notificationsDropped,
		c.tasks,
		c.httpStatus,
	)

	return c
}

// RecordAuthAttempt は認証操作の結果を記録する。
func (c *Collector) RecordAuthAttempt(op string, err error) {
	c.authAttempts.WithLabelValues(op, ResultLabel(err)).Inc()
}

// RecordTaskIntent はタスク操作の結果とレイテンシを記録する。
func (c *Collector) RecordTaskIntent(op string, err error, duration time.Duration) {
	c.taskIntents.WithLabelValues(op, ResultLabel(err)).Inc()
	c.taskIntentLatency.Observe(duration.Seconds())
}

// RecordNotificationApplied は一覧へ反映した通知を記録する。
func (c *Collector) RecordNotificationApplied() {
	c.notificationsApplied.Inc()
}

// RecordNotificationDropped は破棄した通知を記録する。
func (c *Collector) RecordNotificationDropped() {
	c.notificationsDropped.Inc()
}

// SetTaskCount は現在のタスク数を設定する。
func (c *Collector) SetTaskCount(count int) {
	c.tasks.Set(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// ResultLabel はエラーを結果ラベルに変換する。
// AuthError/StoreErrorはそのコード、それ以外のエラーは"error"になる。
func ResultLabel(err error) string {
	if err == nil {
		return ResultOK
	}
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	var storeErr *model.StoreError
	if errors.As(err, &storeErr) {
		return storeErr.Code
	}
	return ResultError
}

// Nop は何も記録しないMetricsCollector。メトリクスを使わない構成とテストで使う。
type Nop struct{}

func (Nop) RecordAuthAttempt(string, error)               {}
func (Nop) RecordTaskIntent(string, error, time.Duration) {}
func (Nop) RecordNotificationApplied()                    {}
func (Nop) RecordNotificationDropped()                    {}
func (Nop) SetTaskCount(int)                              {}
func (Nop) RecordHTTPStatus(int)                          {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface checks
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
