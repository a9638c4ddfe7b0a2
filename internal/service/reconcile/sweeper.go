package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultInterval    = 30 * time.Second
	defaultStaleAfter  = 5 * time.Minute
	defaultBatchSize   = 50
	defaultParallelism = 4
)

// Options задаёт параметры сверки.
type Options struct {
	Logger      *log.Entry
	Metrics     *metrics.SagaMetrics
	Outbox      domain.OutboxRepository
	Interval    time.Duration
	StaleAfter  time.Duration
	BatchSize   int
	Parallelism int
}

// Option настраивает Sweeper.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithMetrics включает метрики исходов сверки.
func WithMetrics(m *metrics.SagaMetrics) Option {
	return func(opts *Options) { opts.Metrics = m }
}

// WithOutbox включает публикацию SagaReconciled.
func WithOutbox(repo domain.OutboxRepository) Option {
	return func(opts *Options) { opts.Outbox = repo }
}

// WithInterval задаёт период обхода.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) { opts.Interval = interval }
}

// WithStaleAfter задаёт, через сколько decrement_applied считается брошенным.
func WithStaleAfter(d time.Duration) Option {
	return func(opts *Options) { opts.StaleAfter = d }
}

// WithBatchSize ограничивает число записей за один обход.
func WithBatchSize(n int) Option {
	return func(opts *Options) { opts.BatchSize = n }
}

// WithParallelism ограничивает число одновременно разбираемых записей.
func WithParallelism(n int) Option {
	return func(opts *Options) { opts.Parallelism = n }
}

// Result — итог одного обхода.
type Result struct {
	Scanned  int
	Resolved map[domain.SagaState]int
	Pending  int
}

// Sweeper доводит незавершённые саги: товар, списанный без заказа, возвращается на склад.
type Sweeper struct {
	sagaLog     domain.SagaLogRepository
	orders      domain.OrderRepository
	stock       domain.StockLedger
	outbox      domain.OutboxRepository
	logger      *log.Entry
	metrics     *metrics.SagaMetrics
	interval    time.Duration
	staleAfter  time.Duration
	batchSize   int
	parallelism int
	trigger     chan struct{}
	now         func() time.Time
}

// NewSweeper создаёт сверку поверх журнала саги, хранилища заказов и склада.
func NewSweeper(sagaLog domain.SagaLogRepository, orders domain.OrderRepository, stock domain.StockLedger, options ...Option) *Sweeper {
	opts := Options{
		Interval:    defaultInterval,
		StaleAfter:  defaultStaleAfter,
		BatchSize:   defaultBatchSize,
		Parallelism: defaultParallelism,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "reconcile-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.StaleAfter < 0 {
		opts.StaleAfter = 0
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}

	return &Sweeper{
		sagaLog:     sagaLog,
		orders:      orders,
		stock:       stock,
		outbox:      opts.Outbox,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		interval:    opts.Interval,
		staleAfter:  opts.StaleAfter,
		batchSize:   opts.BatchSize,
		parallelism: opts.Parallelism,
		trigger:     make(chan struct{}, 1),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Run обходит журнал по таймеру и по Trigger до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		case <-s.trigger:
			s.sweepAndLog(ctx)
		}
	}
}

// Trigger просит Run выполнить внеочередной обход. Не блокирует.
func (s *Sweeper) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	result, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("reconciliation sweep failed")
		return
	}
	if result.Scanned == 0 {
		return
	}
	s.logger.WithFields(log.Fields{
		"scanned":  result.Scanned,
		"resolved": result.Resolved,
		"pending":  result.Pending,
	}).Info("reconciliation sweep finished")
}

// SweepOnce выполняет один обход.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	records, err := s.candidates()
	if err != nil {
		return Result{}, err
	}

	result := Result{Scanned: len(records), Resolved: make(map[domain.SagaState]int)}
	var mu sync.Mutex
	s.processInParallel(ctx, len(records), func(i int) {
		state, err := s.resolve(ctx, records[i])
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			result.Pending++
			return
		}
		if state != "" {
			result.Resolved[state]++
		}
	})
	return result, nil
}

func (s *Sweeper) candidates() ([]domain.SagaRecord, error) {
	stale, err := s.sagaLog.ListByStates([]domain.SagaState{domain.SagaStateDecrementApplied}, s.now().Add(-s.staleAfter), s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list stale decrements: %w", err)
	}
	open, err := s.sagaLog.ListByStates([]domain.SagaState{
		domain.SagaStateDecrementUnknown,
		domain.SagaStateCompensationFailed,
		domain.SagaStateRestockRevertFailed,
	}, time.Time{}, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list open sagas: %w", err)
	}
	records := append(stale, open...)
	if len(records) > s.batchSize {
		records = records[:s.batchSize]
	}
	return records, nil
}

// resolve доводит одну запись до конечного состояния или оставляет её до следующего обхода.
func (s *Sweeper) resolve(ctx context.Context, record domain.SagaRecord) (domain.SagaState, error) {
	logger := s.logger.WithFields(log.Fields{
		"saga_id": record.ID,
		"state":   record.State,
	})

	// Запись могла закрыть параллельная сверка, пока шёл обход.
	if current, err := s.sagaLog.Get(record.ID); err == nil {
		if current.State.Terminal() {
			return "", nil
		}
		record = current
	}
	if record.State == domain.SagaStateRestockRevertFailed {
		return s.resolveRestockRevert(ctx, record, logger)
	}

	order, err := s.orders.FindBySagaID(record.ID)
	switch {
	case err == nil:
		record.OrderID = order.ID
		return s.finish(record, domain.SagaStateOrderInserted, "")
	case !errors.Is(err, domain.ErrOrderNotFound):
		logger.WithError(err).Warn("failed to look up order for saga")
		return "", err
	}

	if record.State == domain.SagaStateDecrementUnknown {
		// Повтор с тем же ключом либо вернёт записанный итог, либо спишет сейчас;
		// в обоих случаях дальше товар возвращается ключом компенсации.
		_, err := s.stock.Decrement(ctx, record.ProductID, record.Size, record.Quantity, record.ID)
		switch domain.KindOf(err) {
		case "":
			if err != nil {
				return s.keep(record, logger, err)
			}
		case domain.KindInsufficientStock, domain.KindNotFound:
			return s.finish(record, domain.SagaStateAborted, err.Error())
		default:
			return s.keep(record, logger, err)
		}
	}

	if _, err := s.stock.Add(ctx, record.ProductID, record.Size, record.Quantity, record.CompensationKey()); err != nil {
		return s.keep(record, logger, err)
	}
	logger.Info("decrement compensated by reconciliation")
	return s.finish(record, domain.SagaStateCompensated, record.LastError)
}

// resolveRestockRevert снимает товар, возвращённый отменой, которая не сохранилась.
func (s *Sweeper) resolveRestockRevert(ctx context.Context, record domain.SagaRecord, logger *log.Entry) (domain.SagaState, error) {
	order, err := s.orders.Get(record.OrderID)
	if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		logger.WithError(err).Warn("failed to load order for restock revert")
		return "", err
	}
	if err == nil && order.Status == domain.OrderStatusCancelled {
		return s.finish(record, domain.SagaStateAborted, "order is cancelled, restock stands")
	}

	_, err = s.stock.Decrement(ctx, record.ProductID, record.Size, record.Quantity, record.ID)
	switch domain.KindOf(err) {
	case "":
		if err != nil {
			return s.keep(record, logger, err)
		}
		logger.Info("restock reverted by reconciliation")
		return s.finish(record, domain.SagaStateCompensated, record.LastError)
	case domain.KindInsufficientStock, domain.KindNotFound:
		logger.WithError(err).Error("returned stock already sold, restock cannot be reverted")
		return s.finish(record, domain.SagaStateAborted, err.Error())
	default:
		return s.keep(record, logger, err)
	}
}

func (s *Sweeper) finish(record domain.SagaRecord, state domain.SagaState, lastError string) (domain.SagaState, error) {
	previous := record.State
	record.State = state
	record.LastError = lastError
	if err := s.sagaLog.Update(record); err != nil {
		s.logger.WithError(err).WithField("saga_id", record.ID).Error("failed to persist reconciled state")
		return "", err
	}
	if s.metrics != nil {
		s.metrics.RecordReconciled(string(state))
	}
	s.emit(record, previous)
	return state, nil
}

func (s *Sweeper) keep(record domain.SagaRecord, logger *log.Entry, cause error) (domain.SagaState, error) {
	record.Attempts++
	record.LastError = cause.Error()
	if err := s.sagaLog.Update(record); err != nil {
		logger.WithError(err).Error("failed to persist reconciliation attempt")
	}
	logger.WithError(cause).WithField("attempts", record.Attempts).Warn("reconciliation deferred")
	return "", cause
}

func (s *Sweeper) emit(record domain.SagaRecord, previous domain.SagaState) {
	if s.outbox == nil {
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"saga_id":    record.ID,
		"order_id":   record.OrderID,
		"from":       previous,
		"state":      record.State,
		"product_id": record.ProductID,
		"size":       record.Size,
		"quantity":   record.Quantity,
		"ts":         s.now().Format(time.RFC3339Nano),
	})
	if err != nil {
		s.logger.WithError(err).WithField("saga_id", record.ID).Error("marshal event failed")
		return
	}
	if _, err := s.outbox.Enqueue(domain.OutboxMessage{
		AggregateType: domain.AggregateSaga,
		AggregateID:   record.ID,
		EventType:     domain.EventSagaReconciled,
		Payload:       payload,
	}); err != nil {
		s.logger.WithError(err).WithField("saga_id", record.ID).Error("enqueue event failed")
	}
}

func (s *Sweeper) processInParallel(ctx context.Context, size int, processFn func(index int)) {
	if size == 0 {
		return
	}
	limit := s.parallelism
	if limit > size {
		limit = size
	}

	semaphore := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for idx := 0; idx < size; idx++ {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		semaphore <- struct{}{}
		go func(index int) {
			defer wg.Done()
			defer func() { <-semaphore }()
			processFn(index)
		}(idx)
	}
	wg.Wait()
}
