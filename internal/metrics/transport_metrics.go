package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// UpstreamMetrics — длительность и исход вызовов identity, catalog и stock.
type UpstreamMetrics struct {
	duration *prometheus.HistogramVec
}

// NewUpstreamMetrics регистрирует метрики внешних вызовов.
func NewUpstreamMetrics(registerer prometheus.Registerer) *UpstreamMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &UpstreamMetrics{
		duration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "shop_upstream_request_duration_seconds",
			Help:    "Duration of calls to upstream services",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"service", "outcome"}),
	}
}

// Observe подходит по сигнатуре под upstream.Observer.
func (m *UpstreamMetrics) Observe(service, outcome string, elapsed time.Duration) {
	m.duration.WithLabelValues(service, outcome).Observe(elapsed.Seconds())
}

// HTTPMetrics — метрики входящих HTTP-запросов.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewHTTPMetrics регистрирует метрики HTTP API.
func NewHTTPMetrics(registerer prometheus.Registerer) *HTTPMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &HTTPMetrics{
		requests: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_http_requests_total",
			Help: "HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		duration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "shop_http_request_duration_seconds",
			Help:    "HTTP request latency by route and method",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
}

// ObserveRequest записывает один обработанный запрос.
func (m *HTTPMetrics) ObserveRequest(route, method, code string, elapsed time.Duration) {
	m.requests.WithLabelValues(route, method, code).Inc()
	m.duration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// LedgerMetrics — операции складского учёта.
type LedgerMetrics struct {
	operations *prometheus.CounterVec
}

// NewLedgerMetrics регистрирует метрики склада.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &LedgerMetrics{
		operations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_stock_operations_total",
			Help: "Stock ledger operations by kind and result",
		}, []string{"kind", "result"}),
	}
}

// RecordOperation фиксирует операцию: result — "applied", "replayed" или категория ошибки.
func (m *LedgerMetrics) RecordOperation(kind, result string) {
	m.operations.WithLabelValues(kind, result).Inc()
}
