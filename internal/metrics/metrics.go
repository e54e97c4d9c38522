// Package metrics はリレーの稼働状況をPrometheus形式で記録する。
//
// 専用のレジストリを持ち、ストリーム接続・リード処理・通知送信・配信先の後片付けを記録する。
// stream.Observer、push.Observer、push.CleanupObserver を実装しており、各コンポーネントに
// そのまま渡せる。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/leadrelay/internal/push"
	"github.com/nao1215/leadrelay/pkg/event"
)

const namespace = "leadrelay"

// リード処理の結果ラベル。
const (
	OutcomeDispatched   = "dispatched"
	OutcomeDuplicate    = "duplicate"
	OutcomeUnroutable   = "unroutable"
	OutcomeMalformed    = "malformed"
	OutcomeNoRecipients = "no_recipients"
	OutcomeResolveError = "resolve_error"
)

// frameTypeOther は既知の種類以外のフレームに付けるラベル。
const frameTypeOther = "other"

// Metrics はリレーのメトリクス一式。
type Metrics struct {
	registry *prometheus.Registry

	framesTotal        *prometheus.CounterVec
	leadsTotal         *prometheus.CounterVec
	dispatchDuration   prometheus.Histogram
	notificationsTotal *prometheus.CounterVec
	batchFailures      prometheus.Counter
	cleanupsTotal      *prometheus.CounterVec
	streamConnected    prometheus.Gauge
	reconnectsTotal    prometheus.Counter
	reconnectDelay     prometheus.Gauge
}

// New はメトリクスを生成し、専用のレジストリに登録する。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "frames_total",
			Help:      "受信したSSEフレーム数",
		}, []string{"type"}),

		leadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "leads_total",
			Help:      "処理したリードイベント数",
		}, []string{"outcome"}),

		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dispatch_duration_seconds",
			Help:      "1件のリードの通知先決定から配信完了までの時間",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),

		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "notifications_total",
			Help:      "宛先ごとの通知送信数",
		}, []string{"status"}),

		batchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "batch_failures_total",
			Help:      "全体が失敗したバッチ送信の数",
		}),

		cleanupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "cleanups_total",
			Help:      "無効な配信先の後片付け数",
		}, []string{"action", "status"}),

		streamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connected",
			Help:      "上流ストリームに接続中なら1",
		}),

		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnects_total",
			Help:      "上流ストリームの切断回数",
		}),

		reconnectDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reconnect_delay_seconds",
			Help:      "次の再接続までの待機時間",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesTotal,
		m.leadsTotal,
		m.dispatchDuration,
		m.notificationsTotal,
		m.batchFailures,
		m.cleanupsTotal,
		m.streamConnected,
		m.reconnectsTotal,
		m.reconnectDelay,
	)
	return m
}

// Registry は内部のレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler はメトリクスを公開するHTTPハンドラーを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry:          m.registry,
		EnableOpenMetrics: true,
	})
}

// StreamConnected は上流ストリームへの接続を記録する。
func (m *Metrics) StreamConnected() {
	m.streamConnected.Set(1)
	m.reconnectDelay.Set(0)
}

// StreamDisconnected は切断と次の再接続までの待機時間を記録する。
func (m *Metrics) StreamDisconnected(_ error, nextDelay time.Duration) {
	m.streamConnected.Set(0)
	m.reconnectsTotal.Inc()
	m.reconnectDelay.Set(nextDelay.Seconds())
}

// FrameReceived は受信したフレームの種類を記録する。
// 上流が送る任意のイベント名で系列が増えないよう、既知の種類以外は other にまとめる。
func (m *Metrics) FrameReceived(frameType string) {
	m.framesTotal.WithLabelValues(frameTypeLabel(frameType)).Inc()
}

func frameTypeLabel(frameType string) string {
	switch t := event.Type(frameType); t {
	case event.TypeLead, event.TypeMessage, event.TypePing:
		return string(t)
	default:
		return frameTypeOther
	}
}

// LeadHandled はリードの処理結果を記録する。
func (m *Metrics) LeadHandled(outcome string) {
	m.leadsTotal.WithLabelValues(outcome).Inc()
}

// DispatchObserved は配信にかかった時間を記録する。
func (m *Metrics) DispatchObserved(d time.Duration) {
	m.dispatchDuration.Observe(d.Seconds())
}

// BatchSent はバッチ送信の宛先ごとの結果を記録する。
func (m *Metrics) BatchSent(success, failure int) {
	m.notificationsTotal.WithLabelValues("success").Add(float64(success))
	m.notificationsTotal.WithLabelValues("failure").Add(float64(failure))
}

// BatchFailed はバッチ全体の失敗を記録する。
func (m *Metrics) BatchFailed(_ error) {
	m.batchFailures.Inc()
}

// EndpointPruned は配信先の後片付けの結果を記録する。
func (m *Metrics) EndpointPruned(action push.Action, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.cleanupsTotal.WithLabelValues(string(action), status).Inc()
}

// CleanupDropped はキュー溢れで破棄された後片付けを記録する。
func (m *Metrics) CleanupDropped() {
	m.cleanupsTotal.WithLabelValues("unknown", "dropped").Inc()
}
