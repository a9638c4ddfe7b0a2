package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/saga"
)

// IdempotencyHeader — заголовок с ключом идемпотентности запроса.
const IdempotencyHeader = "Idempotency-Key"

type createOrderRequest struct {
	UserID    int64  `json:"user_id"`
	ProductID int64  `json:"product_id"`
	Size      string `json:"size"`
	Quantity  *int64 `json:"quantity"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// OrderResponse — представление заказа в API.
type OrderResponse struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	ProductID       int64     `json:"product_id"`
	Size            string    `json:"size"`
	Quantity        int64     `json:"quantity"`
	UnitPriceMinor  int64     `json:"unit_price_minor"`
	TotalPriceMinor int64     `json:"total_price_minor"`
	Status          string    `json:"status"`
	UserEmail       string    `json:"user_email,omitempty"`
	ProductName     string    `json:"product_name,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ProductSnapshot — актуальная карточка товара из каталога.
type ProductSnapshot struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	PriceMinor int64  `json:"price_minor"`
}

// OrderDetailResponse — ответ GET /orders/{id}. fresh_product_data нет, если каталог не ответил.
type OrderDetailResponse struct {
	OrderResponse
	FreshProductData *ProductSnapshot `json:"fresh_product_data,omitempty"`
}

// OrderListResponse — ответ GET /orders.
type OrderListResponse struct {
	Orders []OrderResponse `json:"orders"`
	Count  int             `json:"count"`
}

// SagaRecordResponse — запись журнала саги, ожидающая сверки.
type SagaRecordResponse struct {
	SagaID    string    `json:"saga_id"`
	OrderID   int64     `json:"order_id,omitempty"`
	ProductID int64     `json:"product_id"`
	Size      string    `json:"size"`
	Quantity  int64     `json:"quantity"`
	State     string    `json:"state"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReconciliationResponse — ответ GET /reconciliation/decrements.
type ReconciliationResponse struct {
	Records []SagaRecordResponse `json:"records"`
	Count   int                  `json:"count"`
}

// productLookupTimeout ограничивает необязательный запрос в каталог из GET /orders/{id}.
const productLookupTimeout = 3 * time.Second

// OrderHandler обслуживает API заказов поверх оркестратора.
type OrderHandler struct {
	orch     saga.Orchestrator
	guard    *idempotency.Guard
	products domain.CatalogClient
	logger   *log.Entry
}

// OrderOption настраивает OrderHandler.
type OrderOption func(*OrderHandler)

// WithProductDetails добавляет в карточку заказа текущие данные товара из каталога.
func WithProductDetails(catalog domain.CatalogClient) OrderOption {
	return func(h *OrderHandler) {
		h.products = catalog
	}
}

// NewOrderHandler создаёт обработчики заказов. guard может быть nil — тогда ключи идемпотентности игнорируются.
func NewOrderHandler(orch saga.Orchestrator, guard *idempotency.Guard, logger *log.Entry, opts ...OrderOption) *OrderHandler {
	if logger == nil {
		logger = log.New().WithField("component", "order-api")
	}
	h := &OrderHandler{orch: orch, guard: guard, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes регистрирует маршруты заказов.
func (h *OrderHandler) Routes(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
		r.Patch("/{id}", h.updateStatus)
		r.Delete("/{id}", h.cancel)
	})
	r.Get("/reconciliation/decrements", h.reconciliation)
}

func (h *OrderHandler) create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, h.logger, domain.InvalidRequest(fmt.Errorf("read body: %w", err)))
		return
	}

	resp, err := h.guard.Execute(r.Header.Get(IdempotencyHeader), "POST /orders", body, func() idempotency.Response {
		status, payload := h.createOrder(r, body)
		return idempotency.Response{Status: status, Body: payload}
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeGuarded(w, resp)
}

func (h *OrderHandler) createOrder(r *http.Request, body []byte) (int, []byte) {
	var req createOrderRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&req); err != nil {
		return errorBody(h.logger, domain.InvalidRequest(fmt.Errorf("invalid JSON: %w", err)))
	}
	if req.Quantity == nil {
		return errorBody(h.logger, domain.InvalidRequest(domain.ErrQuantityInvalid))
	}

	order, err := h.orch.CreateOrder(r.Context(), domain.CreateOrderRequest{
		UserID:    req.UserID,
		ProductID: req.ProductID,
		Size:      req.Size,
		Quantity:  *req.Quantity,
	})
	if err != nil {
		return errorBody(h.logger, err)
	}
	return encode(http.StatusCreated, toOrderResponse(order))
}

func (h *OrderHandler) list(w http.ResponseWriter, r *http.Request) {
	var filter domain.OrderFilter
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		userID, err := parseID(raw, "user_id")
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		filter.UserID = userID
	}

	orders, err := h.orch.ListOrders(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := OrderListResponse{Orders: make([]OrderResponse, 0, len(orders)), Count: len(orders)}
	for _, order := range orders {
		resp.Orders = append(resp.Orders, toOrderResponse(order))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *OrderHandler) get(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"), "order id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	order, err := h.orch.GetOrder(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, OrderDetailResponse{
		OrderResponse:    toOrderResponse(order),
		FreshProductData: h.productSnapshot(r.Context(), order.ProductID),
	})
}

// productSnapshot не влияет на ответ при ошибке каталога: карточка заказа отдаётся без него.
func (h *OrderHandler) productSnapshot(ctx context.Context, productID int64) *ProductSnapshot {
	if h.products == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, productLookupTimeout)
	defer cancel()

	product, err := h.products.GetProduct(ctx, productID)
	if err != nil {
		h.logger.WithError(err).WithField("product_id", productID).Info("fresh product data unavailable")
		return nil
	}
	return &ProductSnapshot{ID: product.ID, Name: product.Name, PriceMinor: product.PriceMinor}
}

func (h *OrderHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"), "order id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, h.logger, domain.InvalidRequest(fmt.Errorf("invalid JSON: %w", err)))
		return
	}
	if req.Status == "" {
		writeError(w, h.logger, domain.InvalidRequest(errors.New("status is required")))
		return
	}
	status, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		writeError(w, h.logger, domain.InvalidRequest(err))
		return
	}

	order, err := h.orch.UpdateStatus(r.Context(), id, status)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *OrderHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"), "order id")
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	scope := fmt.Sprintf("DELETE /orders/%d", id)
	resp, err := h.guard.Execute(r.Header.Get(IdempotencyHeader), scope, nil, func() idempotency.Response {
		order, err := h.orch.CancelOrder(r.Context(), id)
		if err != nil {
			status, body := errorBody(h.logger, err)
			return idempotency.Response{Status: status, Body: body}
		}
		status, body := encode(http.StatusOK, toOrderResponse(order))
		return idempotency.Response{Status: status, Body: body}
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeGuarded(w, resp)
}

func (h *OrderHandler) reconciliation(w http.ResponseWriter, r *http.Request) {
	olderThan := time.Duration(0)
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			writeError(w, h.logger, domain.InvalidRequest(errors.New("older_than must be a non-negative duration like 5m")))
			return
		}
		olderThan = parsed
	}

	records, err := h.orch.ListUncompensatedDecrements(r.Context(), olderThan)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := ReconciliationResponse{Records: make([]SagaRecordResponse, 0, len(records)), Count: len(records)}
	for _, rec := range records {
		resp.Records = append(resp.Records, SagaRecordResponse{
			SagaID:    rec.ID,
			OrderID:   rec.OrderID,
			ProductID: rec.ProductID,
			Size:      string(rec.Size),
			Quantity:  rec.Quantity,
			State:     string(rec.State),
			Attempts:  rec.Attempts,
			LastError: rec.LastError,
			CreatedAt: rec.CreatedAt,
			UpdatedAt: rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func toOrderResponse(order domain.Order) OrderResponse {
	return OrderResponse{
		ID:              order.ID,
		UserID:          order.UserID,
		ProductID:       order.ProductID,
		Size:            string(order.Size),
		Quantity:        order.Quantity,
		UnitPriceMinor:  order.UnitPriceMinor,
		TotalPriceMinor: order.TotalPriceMinor,
		Status:          string(order.Status),
		UserEmail:       order.UserEmail,
		ProductName:     order.ProductName,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
}
