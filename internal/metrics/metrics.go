// Package metrics はPrometheusのメトリクスを提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agent_trust"

// Metrics はサービスのメトリクス一式。nilのMetricsに対する記録は何もしない。
type Metrics struct {
	registry *prometheus.Registry

	rotations            *prometheus.CounterVec
	rotationDuration     prometheus.Histogram
	rotationsInProgress  prometheus.Gauge
	attestations         *prometheus.CounterVec
	rejections           *prometheus.CounterVec
	lifecycleTransitions *prometheus.CounterVec
	trustScores          *prometheus.CounterVec
	httpRequests         *prometheus.CounterVec
	httpDuration         *prometheus.HistogramVec
}

// New は専用のレジストリにメトリクスを登録する。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Finished key rotations by outcome.",
		}, []string{"outcome"}),
		rotationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rotation_duration_seconds",
			Help:      "Time from beginning a rotation to its completion.",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 6 * 3600, 24 * 3600},
		}),
		rotationsInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rotations_in_progress",
			Help:      "Rotations currently collecting attestations.",
		}),
		attestations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attestations_total",
			Help:      "Accepted verifier attestations by status.",
		}, []string{"status"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotation_rejections_total",
			Help:      "Rejected rotation operations by operation and error class.",
		}, []string{"operation", "class"}),
		lifecycleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Trust lifecycle transitions by source and target state.",
		}, []string{"from", "to"}),
		trustScores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_scores_computed_total",
			Help:      "Computed trust scores by level.",
		}, []string{"level"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rotations,
		m.rotationDuration,
		m.rotationsInProgress,
		m.attestations,
		m.rejections,
		m.lifecycleTransitions,
		m.trustScores,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry はメトリクスを登録したレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は/metrics用のハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// RotationStarted は進行中のローテーション数を増やす。
func (m *Metrics) RotationStarted() {
	if m == nil {
		return
	}
	m.rotationsInProgress.Inc()
}

// RotationFinished はローテーションの結果を記録する。elapsedは完了時のみ観測する。
func (m *Metrics) RotationFinished(outcome string, elapsed time.Duration, wasCollecting bool) {
	if m == nil {
		return
	}
	m.rotations.WithLabelValues(outcome).Inc()
	if wasCollecting {
		m.rotationsInProgress.Dec()
	}
	if outcome == "completed" && elapsed > 0 {
		m.rotationDuration.Observe(elapsed.Seconds())
	}
}

// AttestationAccepted は受理した証明を記録する。
func (m *Metrics) AttestationAccepted(status string) {
	if m == nil {
		return
	}
	m.attestations.WithLabelValues(status).Inc()
}

// Rejected は拒否された操作を記録する。
func (m *Metrics) Rejected(operation, class string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(operation, class).Inc()
}

// LifecycleTransition はライフサイクルの遷移を記録する。
func (m *Metrics) LifecycleTransition(from, to string) {
	if m == nil {
		return
	}
	m.lifecycleTransitions.WithLabelValues(from, to).Inc()
}

// TrustScoreComputed は算出したスコアのレベルを記録する。
func (m *Metrics) TrustScoreComputed(level string) {
	if m == nil {
		return
	}
	m.trustScores.WithLabelValues(level).Inc()
}

// ObserveHTTP はHTTPリクエストを記録する。routeはパスではなくルートパターンを渡す。
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
