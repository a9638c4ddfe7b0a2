package domain

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ, назначает ему ID и метки времени.
	Create(order Order) (Order, error)
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(id int64) (Order, error)
	// List возвращает заказы от новых к старым с фильтром по покупателю.
	List(filter OrderFilter) ([]Order, error)
	// FindBySagaID ищет заказ, созданный сагой; ErrOrderNotFound, если сага не дошла до вставки.
	FindBySagaID(sagaID string) (Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(order Order) error
}
