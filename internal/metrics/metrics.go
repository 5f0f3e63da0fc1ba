// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 調整エンジンとコーディネータから利用する。
type MetricsCollector interface {
	RecordCycle(duration time.Duration)
	RecordCycleFailure()
	RecordOperatorFailure(operator string)
	RecordRouteFailure(operator string)
	RecordSourceFailure(operator string)
	RecordDownloadFailure(operator string)
	RecordNoticesInserted(operator string, count int)
	RecordNoticesTouched(operator string, count int)
	RecordNoticesRetired(operator string, count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	cycleDuration   prometheus.Histogram
	cycleFailures   prometheus.Counter
	operatorFail    *prometheus.CounterVec
	routeFail       *prometheus.CounterVec
	sourceFail      *prometheus.CounterVec
	downloadFail    *prometheus.CounterVec
	noticesInserted *prometheus.CounterVec
	noticesTouched  *prometheus.CounterVec
	noticesRetired  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "noticeman_cycle_duration_seconds",
			Help:    "調整サイクル全体の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cycleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "noticeman_cycle_failures_total",
			Help: "失敗した調整サイクルの合計数",
		}),
		operatorFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noticeman_operator_failures_total",
			Help: "事業者単位で中断した調整パスの合計数",
		}, []string{"operator"}),
		routeFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noticeman_route_failures_total",
			Help: "スキップされた路線の合計数",
		}, []string{"operator"}),
		sourceFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noticeman_source_failures_total",
			Help: "ソース取得失敗の合計数",
		}, []string{"operator"}),
		downloadFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noticeman_download_failures_total",
			Help: "告知文書のダウンロード失敗の合計数",
		}, []string{"operator"}),
		noticesInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noticeman_notices_inserted_total",
			Help: "新規登録された告知の合計数",
		}, []string{"operator"}),
		noticesTouched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noticeman_notices_touched_total",
			Help: "再確認された告知の合計数",
		}, []string{"operator"}),
		noticesRetired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "noticeman_notices_retired_total",
			Help: "リタイアされた告知の合計数",
		}, []string{"operator"}),
	}

	reg.MustRegister(
		c.cycleDuration,
		c.cycleFailures,
		c.operatorFail,
		c.routeFail,
		c.sourceFail,
		c.downloadFail,
		c.noticesInserted,
		c.noticesTouched,
		c.noticesRetired,
	)

	return c
}

// RecordCycle はサイクルの所要時間を記録する。
func (c *Collector) RecordCycle(duration time.Duration) {
	c.cycleDuration.Observe(duration.Seconds())
}

// RecordCycleFailure はサイクル失敗を記録する。
func (c *Collector) RecordCycleFailure() {
	c.cycleFailures.Inc()
}

// RecordOperatorFailure は事業者パスの中断を記録する。
func (c *Collector) RecordOperatorFailure(operator string) {
	c.operatorFail.WithLabelValues(operator).Inc()
}

// RecordRouteFailure は路線スキップを記録する。
func (c *Collector) RecordRouteFailure(operator string) {
	c.routeFail.WithLabelValues(operator).Inc()
}

// RecordSourceFailure はソース取得失敗を記録する。
func (c *Collector) RecordSourceFailure(operator string) {
	c.sourceFail.WithLabelValues(operator).Inc()
}

// RecordDownloadFailure は文書ダウンロード失敗を記録する。
func (c *Collector) RecordDownloadFailure(operator string) {
	c.downloadFail.WithLabelValues(operator).Inc()
}

// RecordNoticesInserted は新規登録数を記録する。
func (c *Collector) RecordNoticesInserted(operator string, count int) {
	c.noticesInserted.WithLabelValues(operator).Add(float64(count))
}

// RecordNoticesTouched は再確認数を記録する。
func (c *Collector) RecordNoticesTouched(operator string, count int) {
	c.noticesTouched.WithLabelValues(operator).Add(float64(count))
}

// RecordNoticesRetired はリタイア数を記録する。
func (c *Collector) RecordNoticesRetired(operator string, count int) {
	c.noticesRetired.WithLabelValues(operator).Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
