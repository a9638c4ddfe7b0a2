package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const tracerName = "github.com/vladislavdragonenkov/storefront/internal/service/saga"

// Orchestrator описывает операции над заказами, которые проходят через сагу.
type Orchestrator interface {
	CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID int64) (domain.Order, error)
	UpdateStatus(ctx context.Context, orderID int64, status domain.OrderStatus) (domain.Order, error)
	GetOrder(ctx context.Context, orderID int64) (domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	// ListUncompensatedDecrements возвращает записи журнала, по которым склад мог остаться
	// списанным без заказа: decrement_applied старше olderThan, decrement_unknown и compensation_failed,
	// а также restock_revert_failed, где отмена вернула товар по неотменённому заказу.
	ListUncompensatedDecrements(ctx context.Context, olderThan time.Duration) ([]domain.SagaRecord, error)
}

// Dependencies — зависимости оркестратора. Outbox и Metrics необязательны.
type Dependencies struct {
	Orders   domain.OrderRepository
	SagaLog  domain.SagaLogRepository
	Outbox   domain.OutboxRepository
	Identity domain.IdentityClient
	Catalog  domain.CatalogClient
	Stock    domain.StockLedger
	Retry    RetryConfig
	Logger   *log.Entry
	Metrics  *metrics.SagaMetrics
}

// orchestrator реализует шаги саги: User → Product → Stock check → Decrement → Insert.
type orchestrator struct {
	orders   domain.OrderRepository
	sagaLog  domain.SagaLogRepository
	outbox   domain.OutboxRepository
	identity domain.IdentityClient
	catalog  domain.CatalogClient
	stock    domain.StockLedger
	retry    RetryConfig
	logger   *log.Entry
	metrics  *metrics.SagaMetrics
	tracer   trace.Tracer
	now      func() time.Time
}

// NewOrchestrator создаёт рабочий экземпляр оркестратора.
func NewOrchestrator(deps Dependencies) (Orchestrator, error) {
	o, err := newOrchestrator(deps)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func newOrchestrator(deps Dependencies) (*orchestrator, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("saga: order repository is required")
	case deps.SagaLog == nil:
		return nil, errors.New("saga: saga log repository is required")
	case deps.Identity == nil, deps.Catalog == nil, deps.Stock == nil:
		return nil, errors.New("saga: identity, catalog and stock clients are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New().WithField("component", "saga")
	}
	return &orchestrator{
		orders:   deps.Orders,
		sagaLog:  deps.SagaLog,
		outbox:   deps.Outbox,
		identity: deps.Identity,
		catalog:  deps.Catalog,
		stock:    deps.Stock,
		retry:    deps.Retry.normalized(),
		logger:   logger,
		metrics:  deps.Metrics,
		tracer:   otel.Tracer(tracerName),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// CreateOrder проводит сагу создания заказа до конца, даже если вызывающий отменил контекст:
// после списания со склада заказ либо вставляется, либо списание откатывается.
func (o *orchestrator) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.Order, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := o.tracer.Start(ctx, "saga.CreateOrder", trace.WithAttributes(
		attribute.Int64("user_id", req.UserID),
		attribute.Int64("product_id", req.ProductID),
		attribute.String("size", req.Size),
		attribute.Int64("quantity", req.Quantity),
	))
	defer span.End()

	start := time.Now()
	if o.metrics != nil {
		o.metrics.RecordSagaStarted()
	}
	order, err := o.createOrder(ctx, req)
	if o.metrics != nil {
		o.metrics.RecordSagaFinished(time.Since(start))
		if err != nil {
			o.metrics.RecordSagaFailed(string(domain.KindOf(err)))
		} else {
			o.metrics.RecordSagaCompleted()
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		return domain.Order{}, err
	}
	span.SetAttributes(attribute.Int64("order_id", order.ID))
	return order, nil
}

func (o *orchestrator) createOrder(ctx context.Context, req domain.CreateOrderRequest) (domain.Order, error) {
	size, err := req.Validate()
	if err != nil {
		return domain.Order{}, err
	}

	logger := o.logger.WithFields(log.Fields{
		"user_id":    req.UserID,
		"product_id": req.ProductID,
		"size":       size,
		"quantity":   req.Quantity,
	})

	var user domain.User
	err = o.step(domain.SagaStepLookupUser, func() (stepErr error) {
		user, stepErr = o.identity.GetUser(ctx, req.UserID)
		return stepErr
	})
	if err != nil {
		logger.WithError(err).Info("user lookup failed")
		return domain.Order{}, err
	}

	var product domain.Product
	err = o.step(domain.SagaStepLookupProduct, func() (stepErr error) {
		product, stepErr = o.catalog.GetProduct(ctx, req.ProductID)
		return stepErr
	})
	if err != nil {
		logger.WithError(err).Info("product lookup failed")
		return domain.Order{}, err
	}
	total, err := domain.TotalPrice(product.PriceMinor, req.Quantity)
	if err != nil {
		return domain.Order{}, err
	}

	var available int64
	err = o.step(domain.SagaStepCheckStock, func() (stepErr error) {
		available, stepErr = o.stock.GetQuantity(ctx, req.ProductID, size)
		return stepErr
	})
	if err != nil {
		logger.WithError(err).Info("stock query failed")
		return domain.Order{}, err
	}
	if available < req.Quantity {
		return domain.Order{}, domain.InsufficientStock(available, req.Quantity)
	}

	record := domain.SagaRecord{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		ProductID: req.ProductID,
		Size:      size,
		Quantity:  req.Quantity,
		State:     domain.SagaStateStarted,
		CreatedAt: o.now(),
	}
	if err := o.sagaLog.Create(record); err != nil {
		logger.WithError(err).Error("failed to persist saga record")
		return domain.Order{}, fmt.Errorf("create saga record: %w", err)
	}
	logger = logger.WithField("saga_id", record.ID)

	err = o.step(domain.SagaStepDecrement, func() error {
		_, stepErr := o.stock.Decrement(ctx, req.ProductID, size, req.Quantity, record.ID)
		return stepErr
	})
	record.Attempts++
	if err != nil {
		// Таймаут не говорит, списал ли склад товар: такую запись разбирает сверка.
		if domain.IsKind(err, domain.KindUpstreamUnavailable) {
			o.advance(&record, domain.SagaStateDecrementUnknown, err)
			logger.WithError(err).Warn("decrement outcome unknown, left for reconciliation")
		} else {
			o.advance(&record, domain.SagaStateAborted, err)
			logger.WithError(err).Info("decrement rejected")
		}
		return domain.Order{}, err
	}
	o.advance(&record, domain.SagaStateDecrementApplied, nil)

	order := domain.Order{
		UserID:          req.UserID,
		ProductID:       req.ProductID,
		Size:            size,
		Quantity:        req.Quantity,
		UnitPriceMinor:  product.PriceMinor,
		TotalPriceMinor: total,
		Status:          domain.OrderStatusConfirmed,
		UserEmail:       user.Email,
		ProductName:     product.Name,
		SagaID:          record.ID,
		CreatedAt:       o.now(),
	}

	var created domain.Order
	err = o.step(domain.SagaStepInsert, func() error {
		if errs := order.ValidateInvariants(); len(errs) > 0 {
			return domain.InvalidRequest(errors.Join(errs...))
		}
		var insertErr error
		created, insertErr = o.orders.Create(order)
		return insertErr
	})
	if err != nil {
		// Вставка могла закоммититься, а ошибка прийти позже: тогда товар остаётся за заказом.
		stored, findErr := o.orders.FindBySagaID(record.ID)
		switch {
		case findErr == nil:
			logger.WithError(err).Warn("order insert reported an error but the order exists")
			created = stored
		case errors.Is(findErr, domain.ErrOrderNotFound):
			logger.WithError(err).Error("order insert failed, compensating decrement")
			return domain.Order{}, o.compensate(ctx, &record, err)
		default:
			// Не знаем, есть ли заказ: откат мог бы продать товар дважды, решает сверка.
			logger.WithError(findErr).Error("order insert outcome unknown, left for reconciliation")
			o.advance(&record, domain.SagaStateDecrementApplied, fmt.Errorf("insert: %v; lookup: %w", err, findErr))
			return domain.Order{}, fmt.Errorf("insert order: %w", err)
		}
	}

	record.OrderID = created.ID
	o.advance(&record, domain.SagaStateOrderInserted, nil)

	logger.WithField("order_id", created.ID).Info("order created")
	o.emitEvent(domain.AggregateOrder, orderAggregateID(created.ID), domain.EventOrderCreated, map[string]interface{}{
		"order_id":          created.ID,
		"user_id":           created.UserID,
		"product_id":        created.ProductID,
		"size":              created.Size,
		"quantity":          created.Quantity,
		"total_price_minor": created.TotalPriceMinor,
		"saga_id":           record.ID,
		"ts":                created.CreatedAt.Format(time.RFC3339Nano),
	})
	return created, nil
}

// compensate возвращает списанный товар на склад с ключом <sagaID>:compensate.
// Успех — исходная ошибка вставки; исчерпанный бюджет — CompensationFailed и запись для сверки.
func (o *orchestrator) compensate(ctx context.Context, record *domain.SagaRecord, cause error) error {
	start := time.Now()
	attempts, err := retry(ctx, o.retry, o.logger.WithField("saga_id", record.ID), string(domain.SagaStepCompensate), func(ctx context.Context) error {
		_, addErr := o.stock.Add(ctx, record.ProductID, record.Size, record.Quantity, record.CompensationKey())
		return addErr
	})
	if o.metrics != nil {
		o.metrics.RecordStepDuration(string(domain.SagaStepCompensate), time.Since(start))
	}
	record.Attempts += attempts

	if err != nil {
		o.advance(record, domain.SagaStateCompensationFailed, fmt.Errorf("insert: %v; compensate: %w", cause, err))
		if o.metrics != nil {
			o.metrics.RecordCompensation("failed")
		}
		o.logger.WithError(err).WithFields(log.Fields{
			"saga_id":    record.ID,
			"product_id": record.ProductID,
			"size":       record.Size,
			"quantity":   record.Quantity,
			"attempts":   record.Attempts,
		}).Error("compensation failed, reconciliation required")
		o.emitEvent(domain.AggregateSaga, record.ID, domain.EventSagaCompensationFailed, map[string]interface{}{
			"saga_id":    record.ID,
			"product_id": record.ProductID,
			"size":       record.Size,
			"quantity":   record.Quantity,
			"reason":     err.Error(),
			"ts":         o.now().Format(time.RFC3339Nano),
		})
		return domain.CompensationFailed(err)
	}

	o.advance(record, domain.SagaStateCompensated, cause)
	if o.metrics != nil {
		o.metrics.RecordCompensation("succeeded")
	}
	o.logger.WithFields(log.Fields{
		"saga_id":  record.ID,
		"attempts": record.Attempts,
	}).Info("decrement compensated")
	return fmt.Errorf("insert order: %w", cause)
}

// CancelOrder возвращает товар на склад и переводит заказ в cancelled.
// Если склад недоступен, статус заказа не меняется.
func (o *orchestrator) CancelOrder(ctx context.Context, orderID int64) (domain.Order, error) {
	ctx, span := o.tracer.Start(ctx, "saga.CancelOrder", trace.WithAttributes(attribute.Int64("order_id", orderID)))
	defer span.End()

	order, err := o.cancelOrder(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(domain.KindOf(err)))
		return domain.Order{}, err
	}
	return order, nil
}

func (o *orchestrator) cancelOrder(ctx context.Context, orderID int64) (domain.Order, error) {
	order, err := o.loadOrder(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	logger := o.logger.WithField("order_id", order.ID)

	if !order.Status.Cancellable() {
		logger.WithField("status", order.Status).Info("cancel rejected")
		return domain.Order{}, domain.InvalidStateTransition(order.Status, domain.OrderStatusCancelled)
	}

	start := time.Now()
	_, err = retry(ctx, o.retry, logger, string(domain.SagaStepRestock), func(ctx context.Context) error {
		_, addErr := o.stock.Add(ctx, order.ProductID, order.Size, order.Quantity, domain.RestockKey(order.ID))
		return addErr
	})
	if o.metrics != nil {
		o.metrics.RecordStepDuration(string(domain.SagaStepRestock), time.Since(start))
	}
	if err != nil {
		logger.WithError(err).Warn("restock failed, order left unchanged")
		return domain.Order{}, err
	}

	start = time.Now()
	err = o.updateStatus(&order, domain.OrderStatusCancelled)
	if o.metrics != nil {
		o.metrics.RecordStepDuration(string(domain.SagaStepCancel), time.Since(start))
	}
	if err != nil {
		persisted, ok := o.cancelPersisted(order.ID)
		if !ok {
			logger.WithError(err).Warn("cancel not persisted, reverting restock")
			o.revertRestock(context.WithoutCancel(ctx), order, err)
			return domain.Order{}, err
		}
		logger.WithError(err).Warn("status save reported an error but order is cancelled")
		order = persisted
	}

	if o.metrics != nil {
		o.metrics.RecordSagaCancelled()
	}
	o.emitEvent(domain.AggregateOrder, orderAggregateID(order.ID), domain.EventOrderCancelled, map[string]interface{}{
		"order_id":   order.ID,
		"product_id": order.ProductID,
		"size":       order.Size,
		"quantity":   order.Quantity,
		"ts":         order.UpdatedAt.Format(time.RFC3339Nano),
	})
	logger.Info("order cancelled")
	return order, nil
}

// cancelPersisted перечитывает заказ: ошибка сохранения не всегда значит, что запись не прошла.
func (o *orchestrator) cancelPersisted(orderID int64) (domain.Order, bool) {
	fresh, err := o.orders.Get(orderID)
	if err != nil || fresh.Status != domain.OrderStatusCancelled {
		return domain.Order{}, false
	}
	return fresh, true
}

// revertRestock снимает возвращённый отменой товар, если заказ так и не стал cancelled
// (например, его успели отгрузить). Исчерпанный бюджет оставляет запись для сверки.
func (o *orchestrator) revertRestock(ctx context.Context, order domain.Order, cause error) {
	key := domain.RestockRevertKey(order.ID)
	logger := o.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"key":      key,
	})

	start := time.Now()
	attempts, err := retry(ctx, o.retry, logger, string(domain.SagaStepRestockRevert), func(ctx context.Context) error {
		_, decErr := o.stock.Decrement(ctx, order.ProductID, order.Size, order.Quantity, key)
		return decErr
	})
	if o.metrics != nil {
		o.metrics.RecordStepDuration(string(domain.SagaStepRestockRevert), time.Since(start))
	}
	if err == nil {
		logger.Info("restock reverted")
		return
	}

	now := o.now()
	record := domain.SagaRecord{
		ID:        key,
		OrderID:   order.ID,
		UserID:    order.UserID,
		ProductID: order.ProductID,
		Size:      order.Size,
		Quantity:  order.Quantity,
		State:     domain.SagaStateRestockRevertFailed,
		Attempts:  attempts,
		LastError: fmt.Sprintf("cancel: %v; revert: %v", cause, err),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if createErr := o.sagaLog.Create(record); createErr != nil {
		logger.WithError(createErr).Error("failed to record restock revert")
	}
	if o.metrics != nil {
		o.metrics.RecordCompensation("failed")
	}
	logger.WithError(err).WithField("attempts", attempts).Error("restock revert failed, reconciliation required")
	o.emitEvent(domain.AggregateSaga, key, domain.EventSagaCompensationFailed, map[string]interface{}{
		"saga_id":    key,
		"order_id":   order.ID,
		"product_id": order.ProductID,
		"size":       order.Size,
		"quantity":   order.Quantity,
		"reason":     err.Error(),
		"ts":         now.Format(time.RFC3339Nano),
	})
}

// UpdateStatus меняет статус по таблице переходов. Отмена всегда идёт через CancelOrder,
// чтобы товар вернулся на склад.
func (o *orchestrator) UpdateStatus(ctx context.Context, orderID int64, status domain.OrderStatus) (domain.Order, error) {
	if !status.Valid() {
		return domain.Order{}, domain.InvalidRequest(domain.ErrStatusUnknown)
	}
	if status == domain.OrderStatusCancelled {
		return o.CancelOrder(ctx, orderID)
	}

	order, err := o.loadOrder(orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.Status == status {
		return order, nil
	}
	if !order.Status.CanTransitionTo(status) {
		return domain.Order{}, domain.InvalidStateTransition(order.Status, status)
	}
	if err := o.updateStatus(&order, status); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (o *orchestrator) GetOrder(_ context.Context, orderID int64) (domain.Order, error) {
	return o.loadOrder(orderID)
}

func (o *orchestrator) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	orders, err := o.orders.List(filter)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

func (o *orchestrator) ListUncompensatedDecrements(_ context.Context, olderThan time.Duration) ([]domain.SagaRecord, error) {
	if olderThan < 0 {
		olderThan = 0
	}
	stale, err := o.sagaLog.ListByStates([]domain.SagaState{domain.SagaStateDecrementApplied}, o.now().Add(-olderThan), 0)
	if err != nil {
		return nil, fmt.Errorf("list stale decrements: %w", err)
	}
	open, err := o.sagaLog.ListByStates([]domain.SagaState{
		domain.SagaStateDecrementUnknown,
		domain.SagaStateCompensationFailed,
		domain.SagaStateRestockRevertFailed,
	}, time.Time{}, 0)
	if err != nil {
		return nil, fmt.Errorf("list failed compensations: %w", err)
	}

	records := append(stale, open...)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (o *orchestrator) loadOrder(orderID int64) (domain.Order, error) {
	if orderID <= 0 {
		return domain.Order{}, domain.NotFound("order")
	}
	order, err := o.orders.Get(orderID)
	if err != nil {
		if errors.Is(err, domain.ErrOrderNotFound) {
			return domain.Order{}, domain.NotFound("order")
		}
		return domain.Order{}, fmt.Errorf("load order: %w", err)
	}
	return order, nil
}

// step замеряет длительность шага саги.
func (o *orchestrator) step(step domain.SagaStep, fn func() error) error {
	start := time.Now()
	err := fn()
	if o.metrics != nil {
		o.metrics.RecordStepDuration(string(step), time.Since(start))
	}
	return err
}

// advance фиксирует новое состояние в журнале. Ошибка записи только логируется:
// сверка находит незавершённые записи по состоянию.
func (o *orchestrator) advance(record *domain.SagaRecord, state domain.SagaState, cause error) {
	record.State = state
	if cause != nil {
		record.LastError = cause.Error()
	}
	record.UpdatedAt = o.now()
	if err := o.sagaLog.Update(*record); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"saga_id": record.ID,
			"state":   state,
		}).Error("failed to persist saga state")
	}
}

// updateStatus меняет статус заказа и эмитит событие через emitStatusEvent.
// Конфликт версий повторяется с перечитыванием заказа и повторной проверкой перехода.
func (o *orchestrator) updateStatus(order *domain.Order, newStatus domain.OrderStatus) error {
	const maxRetries = 3
	const baseDelay = 10 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		if order.Status == newStatus {
			return nil
		}
		if !order.Status.CanTransitionTo(newStatus) {
			return domain.InvalidStateTransition(order.Status, newStatus)
		}

		next := *order
		next.Status = newStatus
		next.UpdatedAt = o.now()

		if err := o.orders.Save(next); err != nil {
			if domain.IsVersionConflict(err) && attempt < maxRetries-1 {
				o.logger.WithFields(log.Fields{
					"order_id": order.ID,
					"attempt":  attempt + 1,
					"version":  order.Version,
				}).Warn("version conflict detected, retrying")

				fresh, loadErr := o.orders.Get(order.ID)
				if loadErr != nil {
					o.logger.WithError(loadErr).WithField("order_id", order.ID).Error("failed to reload order after conflict")
					return fmt.Errorf("reload order: %w", loadErr)
				}
				*order = fresh

				time.Sleep(baseDelay * time.Duration(1<<uint(attempt)))
				continue
			}

			o.logger.WithError(err).WithFields(log.Fields{
				"order_id": order.ID,
				"attempt":  attempt + 1,
			}).Error("failed to persist status")
			return fmt.Errorf("save order: %w", err)
		}

		next.Version = order.Version + 1
		previous := order.Status
		*order = next
		o.emitStatusEvent(order, previous)
		return nil
	}

	return fmt.Errorf("save order: %w", domain.ErrOrderVersionConflict)
}

func (o *orchestrator) emitStatusEvent(order *domain.Order, previous domain.OrderStatus) {
	o.emitEvent(domain.AggregateOrder, orderAggregateID(order.ID), domain.EventOrderStatusChanged, map[string]interface{}{
		"order_id":   order.ID,
		"from":       previous,
		"status":     order.Status,
		"updated_at": order.UpdatedAt.Format(time.RFC3339Nano),
	})
}

func (o *orchestrator) emitEvent(aggregateType, aggregateID, eventType string, payload map[string]interface{}) {
	if o.outbox == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"aggregate_id": aggregateID,
			"event":        eventType,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
	}
	if _, err := o.outbox.Enqueue(msg); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"aggregate_id": aggregateID,
			"event":        eventType,
		}).Error("enqueue event failed")
	} else if o.metrics != nil {
		o.metrics.RecordOutboxEvent()
	}
}

func orderAggregateID(id int64) string {
	return fmt.Sprintf("%d", id)
}

var _ Orchestrator = (*orchestrator)(nil)
