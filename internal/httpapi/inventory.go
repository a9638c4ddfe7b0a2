package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/client/stock"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	stocksvc "github.com/vladislavdragonenkov/storefront/internal/service/stock"
)

// Ledger — серверная сторона складского учёта (реализуется stock.Service).
type Ledger interface {
	domain.StockLedger
	ListByProduct(ctx context.Context, productID int64) ([]domain.StockLine, error)
	Set(ctx context.Context, productID int64, size domain.Size, quantity int64) (int64, error)
}

// CatalogSync переносит остатки из каталога на склад (реализуется stock.Syncer).
type CatalogSync interface {
	Sync(ctx context.Context, onlyMissing bool) (stocksvc.SyncResult, error)
}

// InventoryHandler обслуживает маршруты /inventory. Формат запросов и ответов общий с client/stock.
type InventoryHandler struct {
	ledger Ledger
	sync   CatalogSync
	logger *log.Entry
}

// InventoryOption настраивает InventoryHandler.
type InventoryOption func(*InventoryHandler)

// WithCatalogSync включает POST /inventory/sync.
func WithCatalogSync(sync CatalogSync) InventoryOption {
	return func(h *InventoryHandler) {
		h.sync = sync
	}
}

// NewInventoryHandler создаёт обработчики склада.
func NewInventoryHandler(ledger Ledger, logger *log.Entry, opts ...InventoryOption) *InventoryHandler {
	if logger == nil {
		logger = log.New().WithField("component", "inventory-api")
	}
	h := &InventoryHandler{ledger: ledger, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes регистрирует маршруты склада.
func (h *InventoryHandler) Routes(r chi.Router) {
	r.Route("/inventory", func(r chi.Router) {
		r.Post("/purchase", h.purchase)
		if h.sync != nil {
			r.Post("/sync", h.syncCatalog)
		}
		r.Get("/{product_id}", h.listProduct)
		r.Get("/{product_id}/{size}", h.getLine)
		r.Put("/{product_id}/{size}", h.updateLine)
	})
}

func (h *InventoryHandler) getLine(w http.ResponseWriter, r *http.Request) {
	productID, size, err := lineParams(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	qty, err := h.ledger.GetQuantity(r.Context(), productID, size)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stock.QuantityResponse{
		ProductID: productID,
		Size:      string(size),
		Quantity:  qty,
		Available: qty > 0,
	})
}

func (h *InventoryHandler) listProduct(w http.ResponseWriter, r *http.Request) {
	productID, err := parseID(chi.URLParam(r, "product_id"), "product_id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	lines, err := h.ledger.ListByProduct(r.Context(), productID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := stock.ProductResponse{ProductID: productID, Inventory: make(map[string]int64, len(lines))}
	for _, line := range lines {
		resp.Inventory[string(line.Size)] = line.Quantity
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *InventoryHandler) purchase(w http.ResponseWriter, r *http.Request) {
	var req stock.PurchaseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, h.logger, domain.InvalidRequest(fmt.Errorf("invalid JSON: %w", err)))
		return
	}
	size, err := domain.ParseSize(req.Size)
	if err != nil {
		writeError(w, h.logger, domain.InvalidRequest(err))
		return
	}

	qty, err := h.ledger.Decrement(r.Context(), req.ProductID, size, req.Quantity, req.IdempotencyKey)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stock.MutationResponse{
		ProductID:   req.ProductID,
		Size:        string(size),
		NewQuantity: qty,
	})
}

func (h *InventoryHandler) updateLine(w http.ResponseWriter, r *http.Request) {
	productID, size, err := lineParams(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var req stock.UpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, h.logger, domain.InvalidRequest(fmt.Errorf("invalid JSON: %w", err)))
		return
	}

	var qty int64
	switch req.Mode {
	case stock.ModeAdd:
		qty, err = h.ledger.Add(r.Context(), productID, size, req.Quantity, req.IdempotencyKey)
	case stock.ModeSet, "":
		qty, err = h.ledger.Set(r.Context(), productID, size, req.Quantity)
	default:
		err = domain.InvalidRequest(fmt.Errorf("mode must be %q or %q", stock.ModeAdd, stock.ModeSet))
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stock.MutationResponse{
		ProductID:   productID,
		Size:        string(size),
		NewQuantity: qty,
	})
}

// syncCatalog перезаписывает остатки значениями каталога.
func (h *InventoryHandler) syncCatalog(w http.ResponseWriter, r *http.Request) {
	res, err := h.sync.Sync(r.Context(), false)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stock.SyncResponse{Success: true, Synced: res.Synced, Skipped: res.Skipped})
}

func lineParams(r *http.Request) (int64, domain.Size, error) {
	productID, err := parseID(chi.URLParam(r, "product_id"), "product_id")
	if err != nil {
		return 0, "", err
	}
	size, err := domain.ParseSize(chi.URLParam(r, "size"))
	if err != nil {
		return 0, "", domain.InvalidRequest(err)
	}
	return productID, size, nil
}
