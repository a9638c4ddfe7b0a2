package stock

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// CatalogSource отдаёт остатки, заведённые в каталоге (реализуется client/catalog).
type CatalogSource interface {
	ListStock(ctx context.Context) ([]domain.CatalogStockEntry, error)
}

// SyncResult — итог переноса остатков из каталога.
type SyncResult struct {
	Synced  int
	Skipped int
}

// Syncer переносит остатки из каталога на склад через Set.
type Syncer struct {
	ledger *Service
	source CatalogSource
	logger *log.Entry
}

// NewSyncer создаёт синхронизацию склада с каталогом.
func NewSyncer(ledger *Service, source CatalogSource, logger *log.Entry) *Syncer {
	if logger == nil {
		logger = log.WithField("component", "inventory-sync")
	}
	return &Syncer{ledger: ledger, source: source, logger: logger}
}

// Sync выставляет остатки по данным каталога. С onlyMissing заполняются только позиции,
// которых на складе ещё нет: так стартовая синхронизация не затирает живые остатки.
// Записи с неизвестным размером или отрицательным количеством пропускаются.
func (s *Syncer) Sync(ctx context.Context, onlyMissing bool) (SyncResult, error) {
	entries, err := s.source.ListStock(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("list catalog stock: %w", err)
	}

	var res SyncResult
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		fields := log.Fields{"product_id": entry.ProductID, "size": entry.Size, "quantity": entry.Quantity}

		size, err := domain.ParseSize(entry.Size)
		if err != nil || entry.ProductID <= 0 || entry.Quantity < 0 {
			res.Skipped++
			s.logger.WithFields(fields).Warn("catalog stock entry skipped")
			continue
		}
		if onlyMissing {
			_, err := s.ledger.repo.Get(entry.ProductID, size)
			if err == nil {
				res.Skipped++
				continue
			}
			if !errors.Is(err, domain.ErrStockLineNotFound) {
				return res, fmt.Errorf("read stock line: %w", err)
			}
		}

		if _, err := s.ledger.Set(ctx, entry.ProductID, size, entry.Quantity); err != nil {
			return res, fmt.Errorf("set stock %d/%s: %w", entry.ProductID, size, err)
		}
		res.Synced++
	}

	s.logger.WithFields(log.Fields{
		"synced":       res.Synced,
		"skipped":      res.Skipped,
		"only_missing": onlyMissing,
	}).Info("inventory synced from catalog")
	return res, nil
}
