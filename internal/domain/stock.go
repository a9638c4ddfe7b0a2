package domain

import (
	"fmt"
	"math"
	"time"
)

// StockLine — остаток по паре (товар, размер).
type StockLine struct {
	ProductID int64
	Size      Size
	Quantity  int64
	UpdatedAt time.Time
}

// StockOperationKind — вид изменения остатка.
type StockOperationKind string

const (
	// StockOperationDecrement — списание при покупке.
	StockOperationDecrement StockOperationKind = "decrement"
	// StockOperationAdd — возврат или пополнение.
	StockOperationAdd StockOperationKind = "add"
	// StockOperationSet — административная установка абсолютного значения.
	StockOperationSet StockOperationKind = "set"
)

// StockOperation — атомарное изменение одной складской позиции.
// Непустой Key делает операцию идемпотентной: повтор возвращает записанный результат.
type StockOperation struct {
	Key       string
	ProductID int64
	Size      Size
	Kind      StockOperationKind
	Amount    int64
}

// SameAs сравнивает параметры операций без учёта ключа.
func (op StockOperation) SameAs(other StockOperation) bool {
	return op.ProductID == other.ProductID &&
		op.Size == other.Size &&
		op.Kind == other.Kind &&
		op.Amount == other.Amount
}

// StockOperationResult — итог применения операции.
type StockOperationResult struct {
	NewQuantity int64
	// Replayed — операция с этим ключом уже была применена ранее.
	Replayed bool
}

// CatalogStockEntry — остаток по размеру, заведённый в каталоге товаров.
// Size не проверен: каталог может знать размеры, которых нет у склада.
type CatalogStockEntry struct {
	ProductID int64
	Size      string
	Quantity  int64
}

// StockRepository — хранилище остатков. Apply сериализует изменения одной позиции.
type StockRepository interface {
	// Get возвращает позицию или ErrStockLineNotFound.
	Get(productID int64, size Size) (StockLine, error)
	// ListByProduct возвращает все размеры товара.
	ListByProduct(productID int64) ([]StockLine, error)
	// Apply применяет операцию атомарно вместе с записью ключа идемпотентности.
	// Списание с отсутствующей позиции — ErrStockLineNotFound, нехватка — *Error с KindInsufficientStock.
	Apply(op StockOperation) (StockOperationResult, error)
}

// AddQuantity складывает остаток с пополнением, отказывая при переполнении.
func AddQuantity(current, amount int64) (int64, error) {
	if amount > math.MaxInt64-current {
		return 0, InvalidRequest(fmt.Errorf("%w: %d + %d", ErrAmountOverflow, current, amount))
	}
	return current + amount, nil
}

// TotalPrice — цена за единицу, умноженная на количество, с проверкой переполнения.
func TotalPrice(unitPriceMinor, quantity int64) (int64, error) {
	if unitPriceMinor > 0 && quantity > math.MaxInt64/unitPriceMinor {
		return 0, InvalidRequest(fmt.Errorf("%w: %d * %d", ErrAmountOverflow, unitPriceMinor, quantity))
	}
	return unitPriceMinor * quantity, nil
}
