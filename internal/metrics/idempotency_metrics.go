package metrics

import "github.com/prometheus/client_golang/prometheus"

// IdempotencyMetrics — обслуживание таблицы ключей идемпотентности.
type IdempotencyMetrics struct {
	runs    *prometheus.CounterVec
	removed *prometheus.CounterVec
}

// NewIdempotencyMetrics регистрирует метрики очистки ключей.
func NewIdempotencyMetrics(registerer prometheus.Registerer) *IdempotencyMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &IdempotencyMetrics{
		runs: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_idempotency_cleanup_runs_total",
			Help: "Idempotency-Key cleanup runs by result",
		}, []string{"result"}),
		removed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_idempotency_keys_removed_total",
			Help: "Idempotency-Key records removed: expired, or released after the request was abandoned",
		}, []string{"reason"}),
	}
}

// RecordRun фиксирует один проход очистки: result — "ok" или "error".
func (m *IdempotencyMetrics) RecordRun(result string) {
	m.runs.WithLabelValues(result).Inc()
}

// RecordRemoved добавляет удалённые ключи: reason — "expired" или "abandoned".
func (m *IdempotencyMetrics) RecordRemoved(reason string, n int) {
	if n > 0 {
		m.removed.WithLabelValues(reason).Add(float64(n))
	}
}
