// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 照合処理・Webhook処理・ワーカーから利用する。
type MetricsCollector interface {
	RecordReconcile(source, outcome string)
	RecordDiscrepancy(source string)
	RecordLookupLatency(duration time.Duration, failed bool)
	RecordBatch(duration time.Duration, total, errored int)
	RecordWebhookEvent(eventType, result string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	reconciles    *prometheus.CounterVec
	discrepancies *prometheus.CounterVec
	lookupLatency *prometheus.HistogramVec
	batchDuration prometheus.Histogram
	batchMembers  prometheus.Counter
	batchErrors   prometheus.Counter
	webhookEvents *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "membersync_reconcile_total",
			Help: "照合処理の結果別の合計数",
		}, []string{"source", "outcome"}),
		discrepancies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "membersync_discrepancies_total",
			Help: "検出・修正された不一致の合計数",
		}, []string{"source"}),
		lookupLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "membersync_provider_lookup_seconds",
			Help:    "決済プロバイダーへの照会レイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "membersync_batch_duration_seconds",
			Help:    "一括照合1回あたりの所要時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		batchMembers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "membersync_batch_members_total",
			Help: "一括照合で処理した会員の合計数",
		}),
		batchErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "membersync_batch_errors_total",
			Help: "一括照合でエラーとなった会員の合計数",
		}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "membersync_webhook_events_total",
			Help: "受信したWebhookイベントの種別・結果別の合計数",
		}, []string{"type", "result"}),
	}

	reg.MustRegister(
		c.reconciles,
		c.discrepancies,
		c.lookupLatency,
		c.batchDuration,
		c.batchMembers,
		c.batchErrors,
		c.webhookEvents,
	)

	return c
}

// RecordReconcile は照合結果を記録する。
func (c *Collector) RecordReconcile(source, outcome string) {
	c.reconciles.WithLabelValues(source, outcome).Inc()
}

// RecordDiscrepancy は不一致の修正を記録する。
func (c *Collector) RecordDiscrepancy(source string) {
	c.discrepancies.WithLabelValues(source).Inc()
}

// RecordLookupLatency はプロバイダー照会のレイテンシを記録する。
func (c *Collector) RecordLookupLatency(duration time.Duration, failed bool) {
	result := "success"
	if failed {
		result = "failure"
	}
	c.lookupLatency.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordBatch は一括照合1回分の結果を記録する。
func (c *Collector) RecordBatch(duration time.Duration, total, errored int) {
	c.batchDuration.Observe(duration.Seconds())
	c.batchMembers.Add(float64(total))
	c.batchErrors.Add(float64(errored))
}

// RecordWebhookEvent はWebhookイベントの処理結果を記録する。
func (c *Collector) RecordWebhookEvent(eventType, result string) {
	c.webhookEvents.WithLabelValues(eventType, result).Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクス未設定時に使用する。
type Nop struct{}

func (Nop) RecordReconcile(string, string) {}
func (Nop) RecordDiscrepancy(string) {}
func (Nop) RecordLookupLatency(time.Duration, bool) {}
func (Nop) RecordBatch(time.Duration, int, int) {}
func (Nop) RecordWebhookEvent(string, string) {}

// OrNop はcがnilの場合にNopを返す。
func OrNop(c MetricsCollector) MetricsCollector {
	if c == nil {
		return Nop{}
	}
	return c
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
