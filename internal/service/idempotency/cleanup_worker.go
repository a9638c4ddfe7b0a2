package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
	// defaultAbandonAfter заметно больше самой долгой саги с повторами компенсации.
	defaultAbandonAfter = 10 * time.Minute
)

// CleanupResult — итог одного прохода очистки.
type CleanupResult struct {
	// Expired — ключи с истёкшим TTL.
	Expired int
	// Abandoned — ключи, застрявшие в processing после падения процесса.
	Abandoned int
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

// WithLogger задаёт logger воркера.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithInterval задаёт паузу между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithBatchSize задаёт размер одного DELETE.
func WithBatchSize(batchSize int) CleanupOption {
	return func(w *CleanupWorker) {
		if batchSize > 0 {
			w.batchSize = batchSize
		}
	}
}

// WithAbandonAfter задаёт, сколько запрос может висеть в processing, прежде чем ключ освободится.
func WithAbandonAfter(d time.Duration) CleanupOption {
	return func(w *CleanupWorker) {
		if d > 0 {
			w.abandonAfter = d
		}
	}
}

// WithMetrics подключает метрики очистки.
func WithMetrics(m *metrics.IdempotencyMetrics) CleanupOption {
	return func(w *CleanupWorker) {
		w.metrics = m
	}
}

// CleanupWorker обслуживает ключи идемпотентности POST /orders и DELETE /orders/{id}:
// удаляет просроченные и освобождает ключи запросов, оборванных падением процесса.
// Без второго шага клиент, повторяющий оформление заказа после рестарта, получал бы 409 до истечения TTL.
type CleanupWorker struct {
	repo         domain.IdempotencyRepository
	logger       *log.Entry
	metrics      *metrics.IdempotencyMetrics
	interval     time.Duration
	batchSize    int
	abandonAfter time.Duration
	now          func() time.Time
}

// NewCleanupWorker создаёт воркер очистки ключей идемпотентности.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:         repo,
		logger:       log.WithField("component", "idempotency-cleanup"),
		interval:     defaultCleanupInterval,
		batchSize:    defaultCleanupBatchSize,
		abandonAfter: defaultAbandonAfter,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Run выполняет проход сразу и затем по таймеру до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup is disabled: repository is nil")
		return
	}

	w.runOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	res, err := w.Cleanup(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		w.recordRun("error")
		w.logger.WithError(err).WithFields(log.Fields{
			"expired":   res.Expired,
			"abandoned": res.Abandoned,
		}).Warn("idempotency cleanup failed")
		return
	}

	w.recordRun("ok")
	if res.Abandoned > 0 {
		w.logger.WithField("abandoned", res.Abandoned).Warn("released idempotency keys of abandoned requests")
	}
	if res.Expired > 0 {
		w.logger.WithField("expired", res.Expired).Info("expired idempotency keys removed")
	}
}

// Cleanup делает один проход: сначала просроченные ключи, затем брошенные processing.
func (w *CleanupWorker) Cleanup(ctx context.Context) (CleanupResult, error) {
	now := w.now()
	var res CleanupResult

	expired, err := w.drain(ctx, "expired", func(limit int) (int, error) {
		return w.repo.DeleteExpired(now, limit)
	})
	res.Expired = expired
	if err != nil {
		return res, err
	}

	res.Abandoned, err = w.drain(ctx, "abandoned", func(limit int) (int, error) {
		return w.repo.ReleaseStale(now.Add(-w.abandonAfter), limit)
	})
	return res, err
}

// drain повторяет удаление порциями batchSize, пока порция заполняется целиком.
func (w *CleanupWorker) drain(ctx context.Context, reason string, remove func(limit int) (int, error)) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := remove(w.batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if w.metrics != nil {
			w.metrics.RecordRemoved(reason, n)
		}
		if n < w.batchSize {
			return total, nil
		}
	}
}

func (w *CleanupWorker) recordRun(result string) {
	if w.metrics != nil {
		w.metrics.RecordRun(result)
	}
}
