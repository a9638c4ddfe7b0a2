package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutboxMetrics — публикация событий заказов и размер очереди outbox.
type OutboxMetrics struct {
	publish       *prometheus.CounterVec
	pending       prometheus.Gauge
	failed        prometheus.Gauge
	oldestPending prometheus.Gauge
}

// NewOutboxMetrics регистрирует метрики outbox.
func NewOutboxMetrics(registerer prometheus.Registerer) *OutboxMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &OutboxMetrics{
		publish: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_outbox_publish_total",
			Help: "Order event publish outcomes by event type",
		}, []string{"event_type", "result"}),
		pending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "shop_outbox_pending_records",
			Help: "Order events waiting in the outbox",
		}),
		failed: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "shop_outbox_failed_records",
			Help: "Order events that exhausted publish retries",
		}),
		oldestPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "shop_outbox_oldest_pending_age_seconds",
			Help: "Age of the oldest pending order event",
		}),
	}
}

// RecordPublish: result — "sent", "retry", "failed", "deferred", "dlq_failed".
func (m *OutboxMetrics) RecordPublish(eventType, result string) {
	m.publish.WithLabelValues(eventType, result).Inc()
}

// SetBacklog обновляет размер очереди; oldest нулевой, если ожидающих событий нет.
func (m *OutboxMetrics) SetBacklog(pending, failed int, oldest time.Time, now time.Time) {
	m.pending.Set(float64(pending))
	m.failed.Set(float64(failed))
	if pending == 0 || oldest.IsZero() || now.Before(oldest) {
		m.oldestPending.Set(0)
		return
	}
	m.oldestPending.Set(now.Sub(oldest).Seconds())
}
