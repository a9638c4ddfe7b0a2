package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type stockKey struct {
	productID int64
	size      domain.Size
}

type appliedOperation struct {
	op     domain.StockOperation
	result int64
}

// stockRepositoryInMemory — остатки в памяти. Каждая позиция защищена своим мьютексом,
// поэтому списания разных позиций не блокируют друг друга.
type stockRepositoryInMemory struct {
	mu      sync.RWMutex
	lines   map[stockKey]*domain.StockLine
	locks   map[stockKey]*sync.Mutex
	applied map[string]appliedOperation
}

// NewStockRepository создаёт in-memory реализацию StockRepository.
func NewStockRepository() domain.StockRepository {
	return &stockRepositoryInMemory{
		lines:   make(map[stockKey]*domain.StockLine),
		locks:   make(map[stockKey]*sync.Mutex),
		applied: make(map[string]appliedOperation),
	}
}

func (r *stockRepositoryInMemory) Get(productID int64, size domain.Size) (domain.StockLine, error) {
	key := stockKey{productID: productID, size: size}
	lock := r.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()

	line, ok := r.lines[key]
	if !ok {
		return domain.StockLine{}, domain.ErrStockLineNotFound
	}
	return *line, nil
}

func (r *stockRepositoryInMemory) ListByProduct(productID int64) ([]domain.StockLine, error) {
	r.mu.RLock()
	keys := make([]stockKey, 0)
	for key := range r.lines {
		if key.productID == productID {
			keys = append(keys, key)
		}
	}
	r.mu.RUnlock()

	result := make([]domain.StockLine, 0, len(keys))
	for _, key := range keys {
		line, err := r.Get(key.productID, key.size)
		if err != nil {
			continue
		}
		result = append(result, line)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Size < result[j].Size })
	return result, nil
}

// Apply выполняет операцию под мьютексом позиции: проверка остатка и запись идут одним шагом.
func (r *stockRepositoryInMemory) Apply(op domain.StockOperation) (domain.StockOperationResult, error) {
	key := stockKey{productID: op.ProductID, size: op.Size}
	lock := r.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if op.Key != "" {
		r.mu.RLock()
		prev, seen := r.applied[op.Key]
		r.mu.RUnlock()
		if seen {
			if !prev.op.SameAs(op) {
				return domain.StockOperationResult{}, domain.ErrStockOperationMismatch
			}
			return domain.StockOperationResult{NewQuantity: prev.result, Replayed: true}, nil
		}
	}

	r.mu.RLock()
	line, exists := r.lines[key]
	var current int64
	if exists {
		current = line.Quantity
	}
	r.mu.RUnlock()

	var next int64
	switch op.Kind {
	case domain.StockOperationDecrement:
		if !exists {
			return domain.StockOperationResult{}, domain.ErrStockLineNotFound
		}
		if current < op.Amount {
			return domain.StockOperationResult{}, domain.InsufficientStock(current, op.Amount)
		}
		next = current - op.Amount
	case domain.StockOperationAdd:
		sum, err := domain.AddQuantity(current, op.Amount)
		if err != nil {
			return domain.StockOperationResult{}, err
		}
		next = sum
	case domain.StockOperationSet:
		next = op.Amount
	default:
		return domain.StockOperationResult{}, domain.InvalidRequest(nil)
	}

	r.mu.Lock()
	r.lines[key] = &domain.StockLine{
		ProductID: op.ProductID,
		Size:      op.Size,
		Quantity:  next,
		UpdatedAt: time.Now().UTC(),
	}
	if op.Key != "" {
		r.applied[op.Key] = appliedOperation{op: op, result: next}
	}
	r.mu.Unlock()

	return domain.StockOperationResult{NewQuantity: next}, nil
}

func (r *stockRepositoryInMemory) lockFor(key stockKey) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()

	lock, ok := r.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key] = lock
	}
	return lock
}

var _ domain.StockRepository = (*stockRepositoryInMemory)(nil)
