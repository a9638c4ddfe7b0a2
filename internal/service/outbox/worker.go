package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

// DeadLetter — событие, которое не удалось опубликовать; уходит в DLQ и читается cmd/dlq-reprocess.
type DeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishError  string          `json:"publish_error"`
	Attempts      int             `json:"attempts"`
	FailedAt      time.Time       `json:"failed_at"`
}

// BatchResult — итог одного цикла публикации.
type BatchResult struct {
	Sent     int
	Failed   int
	Deferred int
}

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт logger воркера.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithDLQPublisher задаёт, куда уходят события после исчерпания повторов.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) {
		w.dlq = publisher
	}
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

// WithBatchSize задаёт, сколько событий читается за цикл.
func WithBatchSize(batchSize int) Option {
	return func(w *Worker) {
		if batchSize > 0 {
			w.batchSize = batchSize
		}
	}
}

// WithMaxAttempts задаёт число попыток публикации одного события.
func WithMaxAttempts(maxAttempts int) Option {
	return func(w *Worker) {
		if maxAttempts > 0 {
			w.maxAttempts = maxAttempts
		}
	}
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается до maxRetryDelay.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) {
		if delay >= 0 {
			w.retryBaseDelay = delay
		}
	}
}

// WithMetrics подключает метрики публикации.
func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// Worker публикует события заказов и саги из outbox в брокер. События одного заказа
// уходят в порядке записи: после неудачи остаток батча по этому заказу ждёт следующего цикла.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	dlq            domain.OutboxPublisher
	logger         *log.Entry
	metrics        *metrics.OutboxMetrics
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	now            func() time.Time
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		logger:         log.WithField("component", "outbox-worker"),
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Run публикует накопившиеся события сразу и затем по таймеру до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один цикл публикации.
func (w *Worker) ProcessOnce(ctx context.Context) BatchResult {
	var res BatchResult
	if ctx.Err() != nil {
		return res
	}
	defer w.refreshBacklog()

	events, err := w.repo.PullPending(w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return res
	}

	blocked := make(map[string]struct{})
	for _, event := range events {
		if ctx.Err() != nil {
			return res
		}

		aggregate := event.AggregateType + "/" + event.AggregateID
		if _, skip := blocked[aggregate]; skip {
			res.Deferred++
			w.record(event, "deferred")
			continue
		}

		attempts, err := w.publish(ctx, event)
		if err != nil {
			if ctx.Err() != nil {
				return res
			}
			blocked[aggregate] = struct{}{}
			res.Failed++
			w.deadLetter(event, attempts, err)
			continue
		}

		res.Sent++
		if err := w.repo.MarkSent(event.ID); err != nil {
			w.logger.WithError(err).WithField("outbox_id", event.ID).Warn("failed to mark outbox message as sent")
		}
	}

	if res.Failed > 0 || res.Deferred > 0 {
		w.logger.WithFields(log.Fields{
			"sent":     res.Sent,
			"failed":   res.Failed,
			"deferred": res.Deferred,
		}).Info("outbox batch finished with failures")
	}
	return res
}

// publish возвращает число сделанных попыток и последнюю ошибку.
func (w *Worker) publish(ctx context.Context, event domain.OutboxMessage) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if lastErr = w.publisher.Publish(event); lastErr == nil {
			w.record(event, "sent")
			return attempt, nil
		}
		w.record(event, "retry")
		if attempt == w.maxAttempts {
			break
		}

		if delay := w.backoff(attempt); delay > 0 {
			select {
			case <-ctx.Done():
				return attempt, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return w.maxAttempts, fmt.Errorf("publish failed after %d attempts: %w", w.maxAttempts, lastErr)
}

// deadLetter помечает событие failed и копирует его в DLQ, если она настроена.
func (w *Worker) deadLetter(event domain.OutboxMessage, attempts int, publishErr error) {
	logger := w.logger.WithFields(log.Fields{
		"outbox_id":    event.ID,
		"event_type":   event.EventType,
		"aggregate_id": event.AggregateID,
	})
	w.record(event, "failed")
	if event.EventType == domain.EventSagaCompensationFailed {
		logger.WithError(publishErr).Error("compensation failure event not delivered, the periodic sweep will still pick the saga up")
	} else {
		logger.WithError(publishErr).Error("outbox publish failed after retries")
	}

	if w.dlq != nil {
		if err := w.publishDeadLetter(event, attempts, publishErr); err != nil {
			w.record(event, "dlq_failed")
			logger.WithError(err).Warn("failed to publish to DLQ")
		}
	}
	if err := w.repo.MarkFailed(event.ID); err != nil {
		logger.WithError(err).Warn("failed to mark outbox message as failed")
	}
}

func (w *Worker) publishDeadLetter(event domain.OutboxMessage, attempts int, publishErr error) error {
	payload, err := json.Marshal(DeadLetter{
		OutboxID:      event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishError:  publishErr.Error(),
		Attempts:      attempts,
		FailedAt:      w.now(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	msg := event
	msg.Payload = payload
	if err := w.dlq.Publish(msg); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}
	return nil
}

func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.retryBaseDelay
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func (w *Worker) refreshBacklog() {
	if w.metrics == nil {
		return
	}
	stats, err := w.repo.Stats()
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}
	w.metrics.SetBacklog(stats.PendingCount, stats.FailedCount, stats.OldestPendingAt, w.now())
}

func (w *Worker) record(event domain.OutboxMessage, result string) {
	if w.metrics != nil {
		w.metrics.RecordPublish(event.EventType, result)
	}
}
