package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// sagaLogRepositoryInMemory хранит журнал саги в памяти (для разработки/тестов).
type sagaLogRepositoryInMemory struct {
	mu      sync.RWMutex
	records map[string]domain.SagaRecord
}

// NewSagaLogRepository создаёт in-memory реализацию SagaLogRepository.
func NewSagaLogRepository() domain.SagaLogRepository {
	return &sagaLogRepositoryInMemory{records: make(map[string]domain.SagaRecord)}
}

// Create добавляет запись; повторный ID считается конфликтом.
func (r *sagaLogRepositoryInMemory) Create(record domain.SagaRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[record.ID]; exists {
		return domain.ErrOrderVersionConflict
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	r.records[record.ID] = record
	return nil
}

func (r *sagaLogRepositoryInMemory) Get(id string) (domain.SagaRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[id]
	if !ok {
		return domain.SagaRecord{}, domain.ErrSagaRecordNotFound
	}
	return record, nil
}

// Update перезаписывает изменяемые поля записи.
func (r *sagaLogRepositoryInMemory) Update(record domain.SagaRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.records[record.ID]
	if !ok {
		return domain.ErrSagaRecordNotFound
	}
	current.OrderID = record.OrderID
	current.State = record.State
	current.Attempts = record.Attempts
	current.LastError = record.LastError
	current.UpdatedAt = time.Now().UTC()
	r.records[record.ID] = current
	return nil
}

// ListByStates возвращает записи в указанных состояниях от старых к новым.
func (r *sagaLogRepositoryInMemory) ListByStates(states []domain.SagaState, updatedBefore time.Time, limit int) ([]domain.SagaRecord, error) {
	wanted := make(map[domain.SagaState]struct{}, len(states))
	for _, s := range states {
		wanted[s] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.SagaRecord, 0)
	for _, record := range r.records {
		if _, ok := wanted[record.State]; !ok {
			continue
		}
		if !updatedBefore.IsZero() && !record.UpdatedAt.Before(updatedBefore) {
			continue
		}
		result = append(result, record)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ domain.SagaLogRepository = (*sagaLogRepositoryInMemory)(nil)
