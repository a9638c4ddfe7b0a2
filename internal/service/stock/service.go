package stock

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// Service — серверная сторона складского учёта. Все изменения одной позиции
// сериализуются репозиторием, поэтому остаток не уходит в минус при параллельных списаниях.
type Service struct {
	repo    domain.StockRepository
	logger  *log.Entry
	metrics *metrics.LedgerMetrics
}

// NewService создаёт сервис склада. metrics может быть nil.
func NewService(repo domain.StockRepository, logger *log.Entry, ledgerMetrics *metrics.LedgerMetrics) *Service {
	if logger == nil {
		logger = log.WithField("component", "stock-ledger")
	}
	return &Service{repo: repo, logger: logger, metrics: ledgerMetrics}
}

// GetQuantity возвращает остаток; отсутствующая позиция читается как 0.
func (s *Service) GetQuantity(_ context.Context, productID int64, size domain.Size) (int64, error) {
	if err := validateLine(productID, size); err != nil {
		return 0, err
	}

	line, err := s.repo.Get(productID, size)
	if err != nil {
		if errors.Is(err, domain.ErrStockLineNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return line.Quantity, nil
}

// ListByProduct возвращает все размеры товара.
func (s *Service) ListByProduct(_ context.Context, productID int64) ([]domain.StockLine, error) {
	if productID <= 0 {
		return nil, domain.InvalidRequest(domain.ErrProductRequired)
	}
	return s.repo.ListByProduct(productID)
}

// Decrement списывает amount. Повтор с тем же ключом возвращает ранее записанный остаток.
func (s *Service) Decrement(_ context.Context, productID int64, size domain.Size, amount int64, idempotencyKey string) (int64, error) {
	return s.apply(domain.StockOperation{
		Key:       idempotencyKey,
		ProductID: productID,
		Size:      size,
		Kind:      domain.StockOperationDecrement,
		Amount:    amount,
	})
}

// Add возвращает amount на склад. Отсутствующая позиция создаётся с остатком amount.
func (s *Service) Add(_ context.Context, productID int64, size domain.Size, amount int64, idempotencyKey string) (int64, error) {
	return s.apply(domain.StockOperation{
		Key:       idempotencyKey,
		ProductID: productID,
		Size:      size,
		Kind:      domain.StockOperationAdd,
		Amount:    amount,
	})
}

// Set выставляет абсолютный остаток.
func (s *Service) Set(_ context.Context, productID int64, size domain.Size, quantity int64) (int64, error) {
	return s.apply(domain.StockOperation{
		ProductID: productID,
		Size:      size,
		Kind:      domain.StockOperationSet,
		Amount:    quantity,
	})
}

func (s *Service) apply(op domain.StockOperation) (int64, error) {
	if err := validateOperation(op); err != nil {
		s.record(op.Kind, string(domain.KindInvalidRequest))
		return 0, err
	}

	res, err := s.repo.Apply(op)
	if err != nil {
		err = translate(err)
		s.record(op.Kind, string(domain.KindOf(err)))
		s.logger.WithError(err).WithFields(log.Fields{
			"product_id": op.ProductID,
			"size":       op.Size,
			"kind":       op.Kind,
			"amount":     op.Amount,
			"key":        op.Key,
		}).Info("stock operation rejected")
		return 0, err
	}

	result := "applied"
	if res.Replayed {
		result = "replayed"
	}
	s.record(op.Kind, result)
	s.logger.WithFields(log.Fields{
		"product_id":   op.ProductID,
		"size":         op.Size,
		"kind":         op.Kind,
		"amount":       op.Amount,
		"key":          op.Key,
		"new_quantity": res.NewQuantity,
		"replayed":     res.Replayed,
	}).Debug("stock operation")
	return res.NewQuantity, nil
}

func (s *Service) record(kind domain.StockOperationKind, result string) {
	if s.metrics == nil {
		return
	}
	if result == "" {
		result = "internal"
	}
	s.metrics.RecordOperation(string(kind), result)
}

func validateLine(productID int64, size domain.Size) error {
	if productID <= 0 {
		return domain.InvalidRequest(domain.ErrProductRequired)
	}
	if _, err := domain.ParseSize(string(size)); err != nil {
		return domain.InvalidRequest(err)
	}
	return nil
}

func validateOperation(op domain.StockOperation) error {
	if err := validateLine(op.ProductID, op.Size); err != nil {
		return err
	}
	switch op.Kind {
	case domain.StockOperationSet:
		if op.Amount < 0 {
			return domain.InvalidRequest(fmt.Errorf("quantity must be non-negative"))
		}
	case domain.StockOperationDecrement, domain.StockOperationAdd:
		if op.Amount <= 0 {
			return domain.InvalidRequest(domain.ErrQuantityInvalid)
		}
	default:
		return domain.InvalidRequest(fmt.Errorf("unknown stock operation %q", op.Kind))
	}
	return nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, domain.ErrStockLineNotFound):
		return domain.NotFound("stock line")
	case errors.Is(err, domain.ErrStockOperationMismatch):
		return domain.InvalidRequest(err)
	default:
		return err
	}
}

var _ domain.StockLedger = (*Service)(nil)
