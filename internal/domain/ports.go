package domain

import (
	"context"
	"time"
)

// User — данные покупателя из сервиса пользователей.
type User struct {
	ID    int64
	Email string
}

// Product — данные товара из каталога. Цена в минимальных денежных единицах.
type Product struct {
	ID         int64
	Name       string
	PriceMinor int64
}

// IdentityClient ищет покупателя по идентификатору.
type IdentityClient interface {
	GetUser(ctx context.Context, id int64) (User, error)
}

// CatalogClient ищет товар по идентификатору.
type CatalogClient interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
}

// StockLedger — клиент складского учёта.
type StockLedger interface {
	// GetQuantity возвращает остаток; отсутствующая позиция читается как 0.
	GetQuantity(ctx context.Context, productID int64, size Size) (int64, error)
	// Decrement списывает amount атомарно; повтор с тем же ключом не списывает повторно.
	Decrement(ctx context.Context, productID int64, size Size, amount int64, idempotencyKey string) (int64, error)
	// Add возвращает amount на склад; непустой ключ делает возврат однократным.
	Add(ctx context.Context, productID int64, size Size, amount int64, idempotencyKey string) (int64, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	Stats() (OutboxStats, error)
	MarkSent(id string) error
	MarkFailed(id string) error
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	// Release удаляет ключ, пока запрос ещё в processing: повтор выполнится заново.
	Release(key string) error
	DeleteExpired(before time.Time, limit int) (int, error)
	// ReleaseStale удаляет не более limit ключей в processing, созданных раньше startedBefore:
	// их запрос оборвался вместе с процессом, и без этого повтор ждал бы истечения TTL.
	ReleaseStale(startedBefore time.Time, limit int) (int, error)
}

// SagaStep задаёт константы шагов для метрик/логов.
type SagaStep string

const (
	SagaStepLookupUser    SagaStep = "lookup_user"
	SagaStepLookupProduct SagaStep = "lookup_product"
	SagaStepCheckStock    SagaStep = "check_stock"
	SagaStepDecrement     SagaStep = "decrement"
	SagaStepInsert        SagaStep = "insert"
	SagaStepCompensate    SagaStep = "compensate"
	SagaStepRestock       SagaStep = "restock"
	SagaStepRestockRevert SagaStep = "restock_revert"
	SagaStepCancel        SagaStep = "cancel"
)

// Типы событий заказа, которые попадают в outbox.
const (
	EventOrderCreated           = "OrderCreated"
	EventOrderStatusChanged     = "OrderStatusChanged"
	EventOrderCancelled         = "OrderCancelled"
	EventSagaCompensationFailed = "SagaCompensationFailed"
	EventSagaReconciled         = "SagaReconciled"
	AggregateOrder              = "order"
	AggregateSaga               = "saga"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	FailedCount     int
	OldestPendingAt time.Time
}
