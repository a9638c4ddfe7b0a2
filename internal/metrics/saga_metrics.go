package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SagaMetrics содержит метрики саги создания и отмены заказа.
type SagaMetrics struct {
	// Счётчики операций
	sagaStarted   prometheus.Counter
	sagaCompleted prometheus.Counter
	sagaFailed    *prometheus.CounterVec
	sagaCancelled prometheus.Counter

	// Компенсации и сверка
	compensations *prometheus.CounterVec
	reconciled    *prometheus.CounterVec

	// Гистограммы времени выполнения
	sagaDuration prometheus.Histogram
	stepDuration *prometheus.HistogramVec

	outboxEvents prometheus.Counter

	// Gauge для активных саг
	activeSagas prometheus.Gauge
}

// NewSagaMetrics создаёт метрики саги в глобальном реестре.
func NewSagaMetrics() *SagaMetrics {
	return NewSagaMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSagaMetricsWithRegisterer создаёт метрики саги в указанном реестре.
func NewSagaMetricsWithRegisterer(registerer prometheus.Registerer) *SagaMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &SagaMetrics{
		sagaStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_saga_started_total",
			Help: "Total number of order sagas started",
		}),
		sagaCompleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_saga_completed_total",
			Help: "Total number of order sagas that inserted an order",
		}),
		sagaFailed: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_saga_failed_total",
			Help: "Total number of order sagas that failed, by error kind",
		}, []string{"kind"}),
		sagaCancelled: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_saga_cancelled_total",
			Help: "Total number of orders cancelled with stock restored",
		}),
		compensations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_saga_compensations_total",
			Help: "Stock compensations by outcome",
		}, []string{"outcome"}),
		reconciled: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "shop_saga_reconciled_total",
			Help: "Saga records resolved by the reconciliation sweep, by final state",
		}, []string{"state"}),
		sagaDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "shop_saga_duration_seconds",
			Help:    "Duration of the create-order saga in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "shop_saga_step_duration_seconds",
			Help:    "Duration of individual saga steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "shop_saga_outbox_events_total",
			Help: "Total number of order events written to the outbox",
		}),
		activeSagas: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "shop_active_sagas",
			Help: "Number of create-order sagas in flight",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordSagaStarted увеличивает счётчик запущенных саг и число активных.
func (m *SagaMetrics) RecordSagaStarted() {
	m.sagaStarted.Inc()
	m.activeSagas.Inc()
}

// RecordSagaFinished уменьшает число активных саг и фиксирует длительность.
func (m *SagaMetrics) RecordSagaFinished(duration time.Duration) {
	m.activeSagas.Dec()
	m.sagaDuration.Observe(duration.Seconds())
}

// RecordSagaCompleted увеличивает счётчик успешно созданных заказов.
func (m *SagaMetrics) RecordSagaCompleted() {
	m.sagaCompleted.Inc()
}

// RecordSagaFailed увеличивает счётчик неудачных саг с категорией ошибки.
func (m *SagaMetrics) RecordSagaFailed(kind string) {
	if kind == "" {
		kind = "internal"
	}
	m.sagaFailed.WithLabelValues(kind).Inc()
}

// RecordSagaCancelled увеличивает счётчик отменённых заказов.
func (m *SagaMetrics) RecordSagaCancelled() {
	m.sagaCancelled.Inc()
}

// RecordCompensation фиксирует исход компенсации: "ok" или "failed".
func (m *SagaMetrics) RecordCompensation(outcome string) {
	m.compensations.WithLabelValues(outcome).Inc()
}

// RecordReconciled фиксирует запись, закрытую сверкой.
func (m *SagaMetrics) RecordReconciled(state string) {
	m.reconciled.WithLabelValues(state).Inc()
}

// RecordStepDuration записывает время выполнения шага саги.
func (m *SagaMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *SagaMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
