package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/client/catalog"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/stock"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func localConfig(t *testing.T) Config {
	t.Helper()
	srv := upstreamServer(t)
	cfg := DefaultConfig()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.IdentityURL = srv.URL
	cfg.CatalogURL = srv.URL
	cfg.OutboxPollInterval = 10 * time.Millisecond
	return cfg
}

func runUntilCancelled(t *testing.T, run func(context.Context, Config) error, cfg Config) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	err := run(ctx, cfg)
	require.True(t, errors.Is(err, context.Canceled), "expected context.Canceled, got %v", err)
}

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	runUntilCancelled(t, Run, localConfig(t))
}

func TestRunInventory_GracefulShutdown(t *testing.T) {
	runUntilCancelled(t, RunInventory, localConfig(t))
}

func TestRunReconciler_GracefulShutdown(t *testing.T) {
	runUntilCancelled(t, RunReconciler, localConfig(t))
}

func TestRun_InvalidConfig(t *testing.T) {
	cfg := localConfig(t)
	cfg.StorageDriver = "invalid-driver"
	require.ErrorContains(t, Run(context.Background(), cfg), "unsupported storage driver")

	cfg = localConfig(t)
	cfg.IdentityURL = ""
	require.ErrorContains(t, Run(context.Background(), cfg), "SHOP_IDENTITY_URL")

	cfg = localConfig(t)
	cfg.StorageDriver = StorageDriverPostgres
	require.ErrorContains(t, RunInventory(context.Background(), cfg), "SHOP_POSTGRES_DSN")
}

func TestReconcileOnce_EmptyLog(t *testing.T) {
	result, err := ReconcileOnce(context.Background(), localConfig(t))
	require.NoError(t, err)
	require.Zero(t, result.Scanned)
}

func TestSyncOnStart_FillsMissingLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":10,"name":"Hoodie","price":"25.50","sizes":[{"size":"L","quantity":6},{"size":"S","quantity":2}]}]`))
	}))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	ledger := stock.NewService(memory.NewStockRepository(), testLogger(), nil)
	_, err := ledger.Set(context.Background(), 10, domain.SizeS, 9)
	require.NoError(t, err)

	syncer := stock.NewSyncer(ledger, catalog.New(srv.URL, time.Second), testLogger())
	syncOnStart(context.Background(), cfg, syncer, testLogger())

	qty, err := ledger.GetQuantity(context.Background(), 10, domain.SizeL)
	require.NoError(t, err)
	require.Equal(t, int64(6), qty)
	qty, err = ledger.GetQuantity(context.Background(), 10, domain.SizeS)
	require.NoError(t, err)
	require.Equal(t, int64(9), qty, "live stock survives restart")

	cfg.InventorySyncOnStart = false
	_, err = ledger.Set(context.Background(), 10, domain.SizeL, 1)
	require.NoError(t, err)
	syncOnStart(context.Background(), cfg, syncer, testLogger())
	qty, err = ledger.GetQuantity(context.Background(), 10, domain.SizeL)
	require.NoError(t, err)
	require.Equal(t, int64(1), qty)
}
