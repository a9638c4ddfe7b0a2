package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUserRequired — не указан идентификатор покупателя.
	ErrUserRequired = errors.New("user_id is required")
	// ErrProductRequired — не указан идентификатор товара.
	ErrProductRequired = errors.New("product_id is required")
	// ErrSizeInvalid — размер не входит в поддерживаемый набор.
	ErrSizeInvalid = errors.New("size must be one of S, M, L, XL")
	// ErrQuantityInvalid — количество должно быть положительным.
	ErrQuantityInvalid = errors.New("quantity must be greater than zero")
	// ErrUnitPriceInvalid — цена за единицу не может быть отрицательной.
	ErrUnitPriceInvalid = errors.New("unit price must be non-negative")
	// ErrTotalMismatch — итоговая сумма не равна цене, умноженной на количество.
	ErrTotalMismatch = errors.New("total price does not match unit price * quantity")
	// ErrAmountOverflow — сумма или остаток не помещается в int64.
	ErrAmountOverflow = errors.New("amount overflows int64")
	// ErrStatusUnknown — строка не соответствует ни одному статусу заказа.
	ErrStatusUnknown = errors.New("unknown order status")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrStockLineNotFound — складской позиции (товар, размер) не существует.
	ErrStockLineNotFound = errors.New("stock line not found")
	// ErrStockOperationMismatch — ключ операции уже использован с другими параметрами.
	ErrStockOperationMismatch = errors.New("stock operation key reused with different parameters")
	// ErrSagaRecordNotFound — запись журнала саги не найдена.
	ErrSagaRecordNotFound = errors.New("saga record not found")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// ErrorKind — закрытый набор категорий ошибок, которые видит вызывающая сторона.
type ErrorKind string

const (
	// KindInvalidRequest — некорректные входные данные.
	KindInvalidRequest ErrorKind = "invalid_request"
	// KindNotFound — пользователь, товар, складская позиция или заказ не существует.
	KindNotFound ErrorKind = "not_found"
	// KindInsufficientStock — на складе меньше, чем запрошено.
	KindInsufficientStock ErrorKind = "insufficient_stock"
	// KindInvalidStateTransition — переход статуса запрещён.
	KindInvalidStateTransition ErrorKind = "invalid_state_transition"
	// KindUpstreamUnavailable — таймаут или ошибка соединения с внешним сервисом.
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	// KindUpstreamRejected — внешний сервис ответил неожиданной ошибкой.
	KindUpstreamRejected ErrorKind = "upstream_rejected"
	// KindCompensationFailed — компенсирующий шаг не удался, нужна сверка.
	KindCompensationFailed ErrorKind = "compensation_failed"
)

// Error — типизированная ошибка саги. Available/Requested заполняются для KindInsufficientStock,
// StatusCode — HTTP-статус внешнего сервиса для KindUpstreamRejected.
type Error struct {
	Kind       ErrorKind
	Message    string
	Available  int64
	Requested  int64
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// InvalidRequest создаёт ошибку валидации.
func InvalidRequest(err error) *Error {
	return &Error{Kind: KindInvalidRequest, Message: "invalid request", Err: err}
}

// NotFound создаёт ошибку отсутствующей сущности.
func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

// InsufficientStock фиксирует доступное и запрошенное количество.
func InsufficientStock(available, requested int64) *Error {
	return &Error{
		Kind:      KindInsufficientStock,
		Message:   fmt.Sprintf("insufficient stock: available %d, requested %d", available, requested),
		Available: available,
		Requested: requested,
	}
}

// InvalidStateTransition описывает запрещённый переход статуса.
func InvalidStateTransition(from, to OrderStatus) *Error {
	return &Error{
		Kind:    KindInvalidStateTransition,
		Message: fmt.Sprintf("cannot transition order from %s to %s", from, to),
	}
}

// UpstreamUnavailable оборачивает сетевую ошибку обращения к сервису.
func UpstreamUnavailable(service string, err error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Message: service + " unavailable", Err: err}
}

// UpstreamRejected описывает неожиданный ответ внешнего сервиса.
func UpstreamRejected(service string, statusCode int, detail string) *Error {
	msg := fmt.Sprintf("%s rejected request with status %d", service, statusCode)
	if detail != "" {
		msg += ": " + detail
	}
	return &Error{Kind: KindUpstreamRejected, Message: msg, StatusCode: statusCode}
}

// CompensationFailed сигнализирует, что откат списания не удался.
func CompensationFailed(err error) *Error {
	return &Error{Kind: KindCompensationFailed, Message: "stock compensation failed, reconciliation scheduled", Err: err}
}

// KindOf возвращает категорию ошибки; для нетипизированных ошибок — пустую строку.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrStockLineNotFound), errors.Is(err, ErrSagaRecordNotFound):
		return KindNotFound
	case errors.Is(err, ErrUserRequired), errors.Is(err, ErrProductRequired), errors.Is(err, ErrSizeInvalid),
		errors.Is(err, ErrQuantityInvalid), errors.Is(err, ErrStatusUnknown):
		return KindInvalidRequest
	}
	return ""
}

// IsKind проверяет категорию ошибки.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
