package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/saga"
	"github.com/vladislavdragonenkov/storefront/internal/service/stock"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

type fakeIdentity struct{ err error }

func (f *fakeIdentity) GetUser(_ context.Context, id int64) (domain.User, error) {
	if f.err != nil {
		return domain.User{}, f.err
	}
	return domain.User{ID: id, Email: "user@example.com"}, nil
}

type fakeCatalog struct{}

func (fakeCatalog) GetProduct(_ context.Context, id int64) (domain.Product, error) {
	if id == 404 {
		return domain.Product{}, domain.NotFound("product")
	}
	return domain.Product{ID: id, Name: "Sneakers", PriceMinor: 5000}, nil
}

type orderAPI struct {
	server   http.Handler
	ledger   *stock.Service
	identity *fakeIdentity
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("component", "httpapi-test")
}

func newOrderAPI(t *testing.T, opts ...OrderOption) *orderAPI {
	t.Helper()

	ledger := stock.NewService(memory.NewStockRepository(), quietLogger(), nil)
	_, err := ledger.Set(context.Background(), 1, domain.SizeL, 5)
	require.NoError(t, err)

	identity := &fakeIdentity{}
	orch, err := saga.NewOrchestrator(saga.Dependencies{
		Orders:   memory.NewOrderRepository(),
		SagaLog:  memory.NewSagaLogRepository(),
		Outbox:   memory.NewOutboxRepository(),
		Identity: identity,
		Catalog:  fakeCatalog{},
		Stock:    ledger,
		Logger:   quietLogger(),
	})
	require.NoError(t, err)

	guard := idempotency.NewGuard(memory.NewIdempotencyRepository(), 0, quietLogger())
	return &orderAPI{
		server:   NewRouter(quietLogger(), nil, NewOrderHandler(orch, guard, quietLogger(), opts...)),
		ledger:   ledger,
		identity: identity,
	}
}

func (a *orderAPI) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		data, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.server.ServeHTTP(w, req)
	return w
}

func (a *orderAPI) quantity(t *testing.T) int64 {
	t.Helper()
	qty, err := a.ledger.GetQuantity(context.Background(), 1, domain.SizeL)
	require.NoError(t, err)
	return qty
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func orderBody(qty int64) map[string]any {
	return map[string]any{"user_id": 3, "product_id": 1, "size": "L", "quantity": qty}
}

func TestCreateOrder_Created(t *testing.T) {
	api := newOrderAPI(t)

	w := api.do(t, http.MethodPost, "/orders", orderBody(2), nil)
	require.Equal(t, http.StatusCreated, w.Code)

	order := decode[OrderResponse](t, w)
	require.NotZero(t, order.ID)
	require.Equal(t, "confirmed", order.Status)
	require.Equal(t, int64(5000), order.UnitPriceMinor)
	require.Equal(t, int64(10000), order.TotalPriceMinor)
	require.Equal(t, "user@example.com", order.UserEmail)
	require.Equal(t, int64(3), api.quantity(t))
}

func TestCreateOrder_ErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		body        any
		identityErr error
		wantStatus  int
		wantKind    string
	}{
		{name: "malformed json", body: "{", wantStatus: http.StatusBadRequest, wantKind: "invalid_request"},
		{name: "missing quantity", body: map[string]any{"user_id": 3, "product_id": 1, "size": "L"}, wantStatus: http.StatusBadRequest, wantKind: "invalid_request"},
		{name: "bad size", body: map[string]any{"user_id": 3, "product_id": 1, "size": "XXXL", "quantity": 1}, wantStatus: http.StatusBadRequest, wantKind: "invalid_request"},
		{name: "unknown product", body: map[string]any{"user_id": 3, "product_id": 404, "size": "L", "quantity": 1}, wantStatus: http.StatusNotFound, wantKind: "not_found"},
		{name: "identity down", body: orderBody(1), identityErr: domain.UpstreamUnavailable("identity", errors.New("timeout")), wantStatus: http.StatusServiceUnavailable, wantKind: "upstream_unavailable"},
		{name: "identity rejected", body: orderBody(1), identityErr: domain.UpstreamRejected("identity", http.StatusInternalServerError, ""), wantStatus: http.StatusBadGateway, wantKind: "upstream_rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newOrderAPI(t)
			api.identity.err = tt.identityErr

			w := api.do(t, http.MethodPost, "/orders", tt.body, nil)
			require.Equal(t, tt.wantStatus, w.Code)
			body := decode[errorResponse](t, w)
			require.Equal(t, tt.wantKind, body.Kind)
			require.NotEmpty(t, body.Error)
			require.Equal(t, int64(5), api.quantity(t))
		})
	}
}

func TestCreateOrder_InsufficientStockCarriesCounts(t *testing.T) {
	api := newOrderAPI(t)

	w := api.do(t, http.MethodPost, "/orders", orderBody(9), nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := decode[errorResponse](t, w)
	require.Equal(t, "insufficient_stock", body.Kind)
	require.NotNil(t, body.Available)
	require.NotNil(t, body.Requested)
	require.Equal(t, int64(5), *body.Available)
	require.Equal(t, int64(9), *body.Requested)
}

func TestCreateOrder_IdempotencyKeyReplays(t *testing.T) {
	api := newOrderAPI(t)
	headers := map[string]string{IdempotencyHeader: "checkout-1"}

	first := api.do(t, http.MethodPost, "/orders", orderBody(1), headers)
	require.Equal(t, http.StatusCreated, first.Code)
	require.Empty(t, first.Header().Get("Idempotent-Replayed"))

	second := api.do(t, http.MethodPost, "/orders", orderBody(1), headers)
	require.Equal(t, http.StatusCreated, second.Code)
	require.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	require.JSONEq(t, first.Body.String(), second.Body.String())
	require.Equal(t, int64(4), api.quantity(t), "replay must not decrement again")

	reused := api.do(t, http.MethodPost, "/orders", orderBody(2), headers)
	require.Equal(t, http.StatusUnprocessableEntity, reused.Code)
}

func TestOrders_ReadAndList(t *testing.T) {
	api := newOrderAPI(t)
	created := decode[OrderResponse](t, api.do(t, http.MethodPost, "/orders", orderBody(1), nil))

	w := api.do(t, http.MethodGet, "/orders/"+itoa(created.ID), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, created.ID, decode[OrderResponse](t, w).ID)

	w = api.do(t, http.MethodGet, "/orders?user_id=3", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[OrderListResponse](t, w)
	require.Equal(t, 1, list.Count)

	w = api.do(t, http.MethodGet, "/orders?user_id=77", nil, nil)
	require.Equal(t, 0, decode[OrderListResponse](t, w).Count)

	require.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/orders?user_id=abc", nil, nil).Code)
	require.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/orders/abc", nil, nil).Code)
	require.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/orders/999", nil, nil).Code)
}

func TestOrders_StatusUpdatesAndCancel(t *testing.T) {
	api := newOrderAPI(t)
	created := decode[OrderResponse](t, api.do(t, http.MethodPost, "/orders", orderBody(2), nil))
	path := "/orders/" + itoa(created.ID)

	w := api.do(t, http.MethodPatch, path, map[string]string{"status": "teleported"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodPatch, path, map[string]string{}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodDelete, path, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "cancelled", decode[OrderResponse](t, w).Status)
	require.Equal(t, int64(5), api.quantity(t))

	w = api.do(t, http.MethodDelete, path, nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, "invalid_state_transition", decode[errorResponse](t, w).Kind)
	require.Equal(t, int64(5), api.quantity(t))
}

func TestOrders_ShippedCannotBeCancelled(t *testing.T) {
	api := newOrderAPI(t)
	created := decode[OrderResponse](t, api.do(t, http.MethodPost, "/orders", orderBody(1), nil))
	path := "/orders/" + itoa(created.ID)

	w := api.do(t, http.MethodPatch, path, map[string]string{"status": "SHIPPED"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "shipped", decode[OrderResponse](t, w).Status)

	w = api.do(t, http.MethodPatch, path, map[string]string{"status": "cancelled"}, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, int64(4), api.quantity(t))
}

func TestReconciliationEndpoint(t *testing.T) {
	api := newOrderAPI(t)

	w := api.do(t, http.MethodGet, "/reconciliation/decrements?older_than=5m", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Zero(t, decode[ReconciliationResponse](t, w).Count)

	w = api.do(t, http.MethodGet, "/reconciliation/decrements?older_than=soon", nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorBody_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "rejected 400 passthrough", err: domain.UpstreamRejected("stock", http.StatusBadRequest, "bad size"), want: http.StatusBadRequest},
		{name: "rejected 500", err: domain.UpstreamRejected("stock", http.StatusInternalServerError, ""), want: http.StatusBadGateway},
		{name: "compensation failed", err: domain.CompensationFailed(errors.New("down")), want: http.StatusInternalServerError},
		{name: "in flight", err: idempotency.ErrInFlight, want: http.StatusConflict},
		{name: "untyped", err: errors.New("db exploded"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := errorBody(quietLogger(), tt.err)
			require.Equal(t, tt.want, status)
			require.NotContains(t, string(body), "db exploded")
		})
	}
}

func itoa(id int64) string {
	data, _ := json.Marshal(id)
	return string(data)
}

type downCatalog struct{}

func (downCatalog) GetProduct(context.Context, int64) (domain.Product, error) {
	return domain.Product{}, domain.UpstreamUnavailable("catalog", errors.New("timeout"))
}

func TestGetOrder_FreshProductData(t *testing.T) {
	api := newOrderAPI(t, WithProductDetails(fakeCatalog{}))
	w := api.do(t, http.MethodPost, "/orders", orderBody(1), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[OrderResponse](t, w)

	w = api.do(t, http.MethodGet, fmt.Sprintf("/orders/%d", created.ID), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[OrderDetailResponse](t, w)
	require.Equal(t, created.ID, detail.ID)
	require.Equal(t, &ProductSnapshot{ID: 1, Name: "Sneakers", PriceMinor: 5000}, detail.FreshProductData)
}

func TestGetOrder_CatalogDownStillServesOrder(t *testing.T) {
	api := newOrderAPI(t, WithProductDetails(downCatalog{}))
	w := api.do(t, http.MethodPost, "/orders", orderBody(1), nil)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[OrderResponse](t, w)

	w = api.do(t, http.MethodGet, fmt.Sprintf("/orders/%d", created.ID), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), "fresh_product_data")
}
