package domain

import (
	"strings"
	"time"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ принят, но ещё не подтверждён.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusConfirmed — товар списан со склада, заказ подтверждён.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusShipped — заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered — заказ вручён покупателю.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — заказ отменён, товар возвращён на склад.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// orderTransitions — допустимые переходы статусов.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:   {OrderStatusDelivered},
	OrderStatusDelivered: nil,
	OrderStatusCancelled: nil,
}

// ParseOrderStatus превращает строку в статус; неизвестные значения отклоняются.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", ErrStatusUnknown
	}
	return status, nil
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// CanTransitionTo сообщает, разрешён ли переход в next.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Cancellable — отмена возможна только до отгрузки.
func (s OrderStatus) Cancellable() bool {
	return s.CanTransitionTo(OrderStatusCancelled)
}

// Size — размер товара.
type Size string

const (
	SizeS  Size = "S"
	SizeM  Size = "M"
	SizeL  Size = "L"
	SizeXL Size = "XL"
)

// ParseSize нормализует и проверяет размер.
func ParseSize(raw string) (Size, error) {
	size := Size(strings.ToUpper(strings.TrimSpace(raw)))
	switch size {
	case SizeS, SizeM, SizeL, SizeXL:
		return size, nil
	default:
		return "", ErrSizeInvalid
	}
}

// Order — заказ одного товара одного размера.
type Order struct {
	ID        int64
	UserID    int64
	ProductID int64
	Size      Size
	Quantity  int64
	// UnitPriceMinor фиксируется в момент создания в минимальных денежных единицах.
	UnitPriceMinor  int64
	TotalPriceMinor int64
	Status          OrderStatus
	// Снимки данных внешних сервисов на момент создания.
	UserEmail   string
	ProductName string
	// SagaID связывает заказ с записью журнала саги, которая его создала.
	SagaID    string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID <= 0 {
		errs = append(errs, ErrUserRequired)
	}
	if o.ProductID <= 0 {
		errs = append(errs, ErrProductRequired)
	}
	if _, err := ParseSize(string(o.Size)); err != nil {
		errs = append(errs, err)
	}
	if o.Quantity <= 0 {
		errs = append(errs, ErrQuantityInvalid)
	}
	if o.UnitPriceMinor < 0 {
		errs = append(errs, ErrUnitPriceInvalid)
	}
	if o.UnitPriceMinor*o.Quantity != o.TotalPriceMinor {
		errs = append(errs, ErrTotalMismatch)
	}
	if !o.Status.Valid() {
		errs = append(errs, ErrStatusUnknown)
	}

	return errs
}

// OrderFilter ограничивает выборку заказов. Нулевой UserID означает «все».
type OrderFilter struct {
	UserID int64
	Limit  int
}

// CreateOrderRequest — входные данные для создания заказа.
type CreateOrderRequest struct {
	UserID    int64
	ProductID int64
	Size      string
	Quantity  int64
}

// Validate проверяет запрос до каких-либо обращений к внешним сервисам.
func (r CreateOrderRequest) Validate() (Size, error) {
	if r.UserID <= 0 {
		return "", InvalidRequest(ErrUserRequired)
	}
	if r.ProductID <= 0 {
		return "", InvalidRequest(ErrProductRequired)
	}
	size, err := ParseSize(r.Size)
	if err != nil {
		return "", InvalidRequest(err)
	}
	if r.Quantity < 1 {
		return "", InvalidRequest(ErrQuantityInvalid)
	}
	return size, nil
}
