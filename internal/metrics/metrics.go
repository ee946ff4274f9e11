// Package metrics 定义 b2-hub 暴露的 Prometheus 指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 请求结果标签值。
const (
	OutcomeRoot             = "root"
	OutcomeCacheHit         = "cache_hit"
	OutcomeStreamed         = "streamed"
	OutcomeStreamedUncached = "streamed_uncached"
	OutcomeStreamAborted    = "stream_aborted"
	OutcomeRelayed          = "relayed"
	OutcomeHead             = "head"
	OutcomeRedirected       = "redirected"
	OutcomeUnauthorized     = "unauthorized"
	OutcomeNotFound         = "not_found"
	OutcomeBackendError     = "backend_error"
	OutcomeSignError        = "sign_error"
	OutcomeMethodNotAllowed = "method_not_allowed"
)

// Metrics 汇总全部采集器，注册在独立的 Registry 上。
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal        *prometheus.CounterVec   // 入站请求，按结果
	BackendRequestsTotal *prometheus.CounterVec   // 对 B2 的调用，按操作与结果
	BackendLatency       *prometheus.HistogramVec // 对 B2 的调用耗时
	CacheWritesTotal     *prometheus.CounterVec   // 后台缓存写入结果
	BytesServedTotal     *prometheus.CounterVec   // 返回给客户端的正文字节，按来源
}

// New 创建一组指标，并附带 Go 运行时与进程采集器。
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "b2hub_requests_total",
				Help: "Total number of inbound requests by outcome",
			},
			[]string{"outcome"},
		),
		BackendRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "b2hub_backend_requests_total",
				Help: "Total number of calls to the B2 backend",
			},
			[]string{"op", "result"},
		),
		BackendLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "b2hub_backend_latency_seconds",
				Help:    "Latency of calls to the B2 backend in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		CacheWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "b2hub_cache_writes_total",
				Help: "Background cache writes by outcome",
			},
			[]string{"outcome"},
		),
		BytesServedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "b2hub_bytes_served_total",
				Help: "Response body bytes sent to clients by source",
			},
			[]string{"source"},
		),
	}
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 的 net/http 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest 记录一次入站请求结果。nil 接收者为空操作，便于测试中省略指标。
func (m *Metrics) ObserveRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveBackend 记录一次 B2 调用。
func (m *Metrics) ObserveBackend(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.BackendRequestsTotal.WithLabelValues(op, result).Inc()
	m.BackendLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveCacheWrite 记录一次后台写入结果，签名与 cache.WriterOptions.OnResult 一致。
func (m *Metrics) ObserveCacheWrite(outcome string) {
	if m == nil {
		return
	}
	m.CacheWritesTotal.WithLabelValues(outcome).Inc()
}

// AddBytesServed 累加返回给客户端的正文字节数。
func (m *Metrics) AddBytesServed(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesServedTotal.WithLabelValues(source).Add(float64(n))
}
