package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/client/catalog"
	stockclient "github.com/vladislavdragonenkov/storefront/internal/client/stock"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("test", "app")
}

// upstreamServer отвечает как identity и catalog одновременно.
func upstreamServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/users/1":
			_, _ = w.Write([]byte(`{"id":1,"email":"buyer@example.com"}`))
		case "/products/10":
			_, _ = w.Write([]byte(`{"id":10,"name":"Hoodie","price":"25.50"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInitClients_InProcessLedger(t *testing.T) {
	srv := upstreamServer(t)
	cfg := DefaultConfig()
	cfg.IdentityURL = srv.URL
	cfg.CatalogURL = srv.URL

	clients, err := initClients(context.Background(), cfg, memory.NewStockRepository(), prometheus.NewRegistry(), testLogger())
	require.NoError(t, err)
	defer clients.close(testLogger())

	require.NotNil(t, clients.ledger)
	require.Same(t, clients.ledger, clients.stock)
	require.Empty(t, clients.checkers)

	user, err := clients.identity.GetUser(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "buyer@example.com", user.Email)

	product, err := clients.catalog.GetProduct(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, int64(2550), product.PriceMinor)
}

func TestInitClients_RemoteLedger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdentityURL = "http://identity.invalid"
	cfg.CatalogURL = "http://catalog.invalid"
	cfg.InventoryURL = "http://inventory.invalid"

	clients, err := initClients(context.Background(), cfg, nil, prometheus.NewRegistry(), testLogger())
	require.NoError(t, err)

	require.Nil(t, clients.ledger)
	require.IsType(t, &stockclient.Client{}, clients.stock)
}

func TestInitClients_InProcessLedgerNeedsRepository(t *testing.T) {
	cfg := DefaultConfig()
	_, err := initClients(context.Background(), cfg, nil, prometheus.NewRegistry(), testLogger())
	require.Error(t, err)
}

func TestInitClients_RedisUnavailableFallsBack(t *testing.T) {
	srv := upstreamServer(t)
	cfg := DefaultConfig()
	cfg.IdentityURL = srv.URL
	cfg.CatalogURL = srv.URL
	cfg.RedisAddr = "127.0.0.1:1"

	clients, err := initClients(context.Background(), cfg, memory.NewStockRepository(), prometheus.NewRegistry(), testLogger())
	require.NoError(t, err)
	require.Nil(t, clients.redis)

	_, err = clients.identity.GetUser(context.Background(), 1)
	require.NoError(t, err)
}

func TestUpstreamMetricsObserveCalls(t *testing.T) {
	srv := upstreamServer(t)
	cfg := DefaultConfig()
	cfg.IdentityURL = srv.URL
	cfg.CatalogURL = srv.URL
	cfg.UpstreamTimeout = time.Second

	registry := prometheus.NewRegistry()
	clients, err := initClients(context.Background(), cfg, memory.NewStockRepository(), registry, testLogger())
	require.NoError(t, err)

	_, err = clients.identity.GetUser(context.Background(), 404)
	require.True(t, domain.IsKind(err, domain.KindNotFound))

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, family.GetName())
	}
	require.Contains(t, names, "shop_upstream_request_duration_seconds")
}

func TestCreateOrchestrator_EndToEnd(t *testing.T) {
	srv := upstreamServer(t)
	cfg := DefaultConfig()
	cfg.IdentityURL = srv.URL
	cfg.CatalogURL = srv.URL

	deps, err := initRuntimeDependencies(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	clients, err := initClients(context.Background(), cfg, deps.stockRepo, prometheus.NewRegistry(), testLogger())
	require.NoError(t, err)

	_, err = clients.ledger.Set(context.Background(), 10, domain.SizeL, 3)
	require.NoError(t, err)

	orch, err := createOrchestrator(cfg, deps, clients, metrics.NewSagaMetricsWithRegisterer(prometheus.NewRegistry()), testLogger())
	require.NoError(t, err)

	order, err := orch.CreateOrder(context.Background(), domain.CreateOrderRequest{
		UserID: 1, ProductID: 10, Size: "L", Quantity: 2,
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusConfirmed, order.Status)
	require.Equal(t, int64(5100), order.TotalPriceMinor)

	qty, err := clients.stock.GetQuantity(context.Background(), 10, domain.SizeL)
	require.NoError(t, err)
	require.Equal(t, int64(1), qty)

	sweeper := createSweeper(cfg, deps, clients, nil, testLogger())
	result, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, result.Scanned, "completed sagas are not reconciled")
}

// staleCatalog изображает кеш со старой ценой.
type staleCatalog struct{}

func (staleCatalog) GetProduct(_ context.Context, id int64) (domain.Product, error) {
	return domain.Product{ID: id, Name: "Hoodie", PriceMinor: 100}, nil
}

func TestCreateOrchestrator_PriceIsNotReadFromCache(t *testing.T) {
	srv := upstreamServer(t)
	cfg := DefaultConfig()
	cfg.IdentityURL = srv.URL
	cfg.CatalogURL = srv.URL

	deps, err := initRuntimeDependencies(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	clients, err := initClients(context.Background(), cfg, deps.stockRepo, prometheus.NewRegistry(), testLogger())
	require.NoError(t, err)
	require.IsType(t, &catalog.Client{}, clients.pricing)
	clients.catalog = staleCatalog{}

	_, err = clients.ledger.Set(context.Background(), 10, domain.SizeM, 1)
	require.NoError(t, err)
	orch, err := createOrchestrator(cfg, deps, clients, metrics.NewSagaMetricsWithRegisterer(prometheus.NewRegistry()), testLogger())
	require.NoError(t, err)

	order, err := orch.CreateOrder(context.Background(), domain.CreateOrderRequest{
		UserID: 1, ProductID: 10, Size: "M", Quantity: 1,
	})
	require.NoError(t, err)
	require.Equal(t, int64(2550), order.UnitPriceMinor)
}
