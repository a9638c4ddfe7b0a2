package stock

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/client/upstream"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ServiceName — имя складского сервиса в логах, метриках и ошибках.
const ServiceName = "stock"

// Режимы PUT /inventory/{product_id}/{size}.
const (
	ModeAdd = "add"
	ModeSet = "set"
)

// PurchaseRequest — тело POST /inventory/purchase.
type PurchaseRequest struct {
	ProductID      int64  `json:"product_id"`
	Size           string `json:"size"`
	Quantity       int64  `json:"quantity"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// UpdateRequest — тело PUT /inventory/{product_id}/{size}.
type UpdateRequest struct {
	Quantity       int64  `json:"quantity"`
	Mode           string `json:"mode"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// QuantityResponse — ответ чтения одной позиции.
type QuantityResponse struct {
	ProductID int64  `json:"product_id"`
	Size      string `json:"size"`
	Quantity  int64  `json:"quantity"`
	Available bool   `json:"available"`
}

// MutationResponse — ответ списания и пополнения.
type MutationResponse struct {
	ProductID   int64  `json:"product_id"`
	Size        string `json:"size"`
	NewQuantity int64  `json:"new_quantity"`
	Replayed    bool   `json:"replayed,omitempty"`
}

// ProductResponse — ответ GET /inventory/{product_id}.
type ProductResponse struct {
	ProductID int64            `json:"product_id"`
	Inventory map[string]int64 `json:"inventory"`
}

// SyncResponse — ответ POST /inventory/sync.
type SyncResponse struct {
	Success bool `json:"success"`
	Synced  int  `json:"synced"`
	Skipped int  `json:"skipped"`
}

// Client — HTTP-клиент складского учёта.
type Client struct {
	caller *upstream.Caller
}

// New создаёт клиент склада.
func New(baseURL string, timeout time.Duration, opts ...upstream.Option) *Client {
	return &Client{caller: upstream.NewCaller(ServiceName, baseURL, timeout, opts...)}
}

// GetQuantity возвращает остаток позиции.
func (c *Client) GetQuantity(ctx context.Context, productID int64, size domain.Size) (int64, error) {
	var resp QuantityResponse
	if err := c.caller.Do(ctx, upstream.Request{
		Method:   http.MethodGet,
		Path:     linePath(productID, size),
		Resource: "stock line",
	}, &resp); err != nil {
		return 0, err
	}
	return resp.Quantity, nil
}

// Decrement списывает amount. Повтор с тем же ключом вернёт ранее записанный остаток.
func (c *Client) Decrement(ctx context.Context, productID int64, size domain.Size, amount int64, idempotencyKey string) (int64, error) {
	var resp MutationResponse
	if err := c.caller.Do(ctx, upstream.Request{
		Method: http.MethodPost,
		Path:   "/inventory/purchase",
		Body: PurchaseRequest{
			ProductID:      productID,
			Size:           string(size),
			Quantity:       amount,
			IdempotencyKey: idempotencyKey,
		},
		Resource: "stock line",
	}, &resp); err != nil {
		return 0, err
	}
	return resp.NewQuantity, nil
}

// Add возвращает amount на склад; отсутствующая позиция создаётся.
func (c *Client) Add(ctx context.Context, productID int64, size domain.Size, amount int64, idempotencyKey string) (int64, error) {
	return c.update(ctx, productID, size, UpdateRequest{Quantity: amount, Mode: ModeAdd, IdempotencyKey: idempotencyKey})
}

// Set выставляет абсолютный остаток (административная операция).
func (c *Client) Set(ctx context.Context, productID int64, size domain.Size, quantity int64) (int64, error) {
	return c.update(ctx, productID, size, UpdateRequest{Quantity: quantity, Mode: ModeSet})
}

// ListByProduct возвращает остатки всех размеров товара.
func (c *Client) ListByProduct(ctx context.Context, productID int64) ([]domain.StockLine, error) {
	var resp ProductResponse
	if err := c.caller.Do(ctx, upstream.Request{
		Method:   http.MethodGet,
		Path:     fmt.Sprintf("/inventory/%d", productID),
		Resource: "product stock",
	}, &resp); err != nil {
		return nil, err
	}

	lines := make([]domain.StockLine, 0, len(resp.Inventory))
	for size, qty := range resp.Inventory {
		lines = append(lines, domain.StockLine{ProductID: productID, Size: domain.Size(size), Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].Size < lines[j].Size })
	return lines, nil
}

func (c *Client) update(ctx context.Context, productID int64, size domain.Size, body UpdateRequest) (int64, error) {
	var resp MutationResponse
	if err := c.caller.Do(ctx, upstream.Request{
		Method:   http.MethodPut,
		Path:     linePath(productID, size),
		Body:     body,
		Resource: "stock line",
	}, &resp); err != nil {
		return 0, err
	}
	return resp.NewQuantity, nil
}

func linePath(productID int64, size domain.Size) string {
	return fmt.Sprintf("/inventory/%d/%s", productID, size)
}

var _ domain.StockLedger = (*Client)(nil)
