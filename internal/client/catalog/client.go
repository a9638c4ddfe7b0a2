package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/govalues/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/client/upstream"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ServiceName — имя каталога в логах, метриках и ошибках.
const ServiceName = "catalog"

type productResponse struct {
	ID    int64           `json:"id"`
	Name  string          `json:"name"`
	Price json.RawMessage `json:"price"`
	Sizes []sizeResponse  `json:"sizes,omitempty"`
}

type sizeResponse struct {
	Size     string `json:"size"`
	Quantity int64  `json:"quantity"`
}

// Client обращается к каталогу товаров по HTTP.
type Client struct {
	caller *upstream.Caller
}

// New создаёт клиент каталога.
func New(baseURL string, timeout time.Duration, opts ...upstream.Option) *Client {
	return &Client{caller: upstream.NewCaller(ServiceName, baseURL, timeout, opts...)}
}

// GetProduct возвращает товар с ценой в минимальных единицах.
func (c *Client) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	var resp productResponse
	err := c.caller.Do(ctx, upstream.Request{
		Method:   http.MethodGet,
		Path:     fmt.Sprintf("/products/%d", id),
		Resource: "product",
	}, &resp)
	if err != nil {
		return domain.Product{}, err
	}

	price, err := ParsePriceMinor(string(resp.Price))
	if err != nil {
		return domain.Product{}, domain.UpstreamRejected(ServiceName, http.StatusOK, err.Error())
	}
	if resp.ID == 0 {
		resp.ID = id
	}
	return domain.Product{ID: resp.ID, Name: resp.Name, PriceMinor: price}, nil
}

// ListStock читает весь каталог и разворачивает размеры товаров в плоский список остатков.
func (c *Client) ListStock(ctx context.Context) ([]domain.CatalogStockEntry, error) {
	var resp []productResponse
	err := c.caller.Do(ctx, upstream.Request{
		Method:   http.MethodGet,
		Path:     "/products/",
		Resource: "catalog",
	}, &resp)
	if err != nil {
		return nil, err
	}

	var entries []domain.CatalogStockEntry
	for _, p := range resp {
		for _, s := range p.Sizes {
			entries = append(entries, domain.CatalogStockEntry{ProductID: p.ID, Size: s.Size, Quantity: s.Quantity})
		}
	}
	return entries, nil
}

// ParsePriceMinor переводит десятичную цену ("19.99" или 19.99) в копейки/центы.
// Доли меньше минимальной единицы округляются.
func ParsePriceMinor(raw string) (int64, error) {
	raw = strings.Trim(strings.TrimSpace(raw), `"`)
	if raw == "" || raw == "null" {
		return 0, fmt.Errorf("price is missing")
	}

	price, err := decimal.Parse(raw)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", raw, err)
	}
	if price.IsNeg() {
		return 0, fmt.Errorf("price %q is negative", raw)
	}

	minor, err := price.Mul(decimal.Hundred)
	if err != nil {
		return 0, fmt.Errorf("scale price %q: %w", raw, err)
	}
	value, err := strconv.ParseInt(minor.Round(0).String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("price %q out of range: %w", raw, err)
	}
	return value, nil
}

var _ domain.CatalogClient = (*Client)(nil)
