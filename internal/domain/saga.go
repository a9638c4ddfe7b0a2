package domain

import (
	"fmt"
	"time"
)

// SagaState — шаг, до которого дошла сага создания заказа.
type SagaState string

const (
	// SagaStateStarted — запись создана, склад ещё не трогали.
	SagaStateStarted SagaState = "started"
	// SagaStateDecrementApplied — склад подтвердил списание.
	SagaStateDecrementApplied SagaState = "decrement_applied"
	// SagaStateDecrementUnknown — результат списания неизвестен (таймаут).
	SagaStateDecrementUnknown SagaState = "decrement_unknown"
	// SagaStateOrderInserted — заказ сохранён, сага завершена успешно.
	SagaStateOrderInserted SagaState = "order_inserted"
	// SagaStateCompensated — списание откатили.
	SagaStateCompensated SagaState = "compensated"
	// SagaStateCompensationFailed — откат не удался, запись ждёт сверки.
	SagaStateCompensationFailed SagaState = "compensation_failed"
	// SagaStateAborted — склад отказал в списании, откатывать нечего.
	SagaStateAborted SagaState = "aborted"
	// SagaStateRestockRevertFailed — отмена вернула товар, но статус не сохранился,
	// а повторное списание возврата не прошло. ID записи — ключ этого списания.
	SagaStateRestockRevertFailed SagaState = "restock_revert_failed"
)

// Terminal сообщает, что по записи больше нечего делать.
func (s SagaState) Terminal() bool {
	switch s {
	case SagaStateOrderInserted, SagaStateCompensated, SagaStateAborted:
		return true
	default:
		return false
	}
}

// SagaRecord — строка журнала шагов саги. ID одновременно служит ключом идемпотентности списания.
type SagaRecord struct {
	ID        string
	OrderID   int64
	UserID    int64
	ProductID int64
	Size      Size
	Quantity  int64
	State     SagaState
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CompensationKey — ключ идемпотентности возврата товара при откате.
func (r SagaRecord) CompensationKey() string {
	return r.ID + ":compensate"
}

// RestockKey — ключ идемпотентности возврата товара при отмене заказа.
func RestockKey(orderID int64) string {
	return fmt.Sprintf("order-%d:restock", orderID)
}

// RestockRevertKey — ключ списания, которым отменяется возврат товара неудавшейся отмены.
func RestockRevertKey(orderID int64) string {
	return fmt.Sprintf("order-%d:restock-revert", orderID)
}

// SagaLogRepository хранит журнал шагов саги.
type SagaLogRepository interface {
	Create(record SagaRecord) error
	Get(id string) (SagaRecord, error)
	// Update перезаписывает состояние записи и проставляет UpdatedAt.
	Update(record SagaRecord) error
	// ListByStates возвращает записи в указанных состояниях, обновлённые раньше updatedBefore
	// (нулевое время — без ограничения), от старых к новым.
	ListByStates(states []SagaState, updatedBefore time.Time, limit int) ([]SagaRecord, error)
}
