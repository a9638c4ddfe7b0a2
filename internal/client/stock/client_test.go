package stock_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/client/stock"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/httpapi"
	stocksvc "github.com/vladislavdragonenkov/storefront/internal/service/stock"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func newLedgerServer(t *testing.T) *stock.Client {
	t.Helper()
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	entry := logger.WithField("component", "stock-client-test")

	ledger := stocksvc.NewService(memory.NewStockRepository(), entry, nil)
	srv := httptest.NewServer(httpapi.NewRouter(entry, nil, httpapi.NewInventoryHandler(ledger, entry)))
	t.Cleanup(srv.Close)

	return stock.New(srv.URL, time.Second)
}

func TestClient_RoundTrip(t *testing.T) {
	client := newLedgerServer(t)
	ctx := context.Background()

	qty, err := client.GetQuantity(ctx, 5, domain.SizeS)
	require.NoError(t, err)
	require.Zero(t, qty)

	qty, err = client.Set(ctx, 5, domain.SizeS, 8)
	require.NoError(t, err)
	require.Equal(t, int64(8), qty)

	qty, err = client.Decrement(ctx, 5, domain.SizeS, 3, "saga-a")
	require.NoError(t, err)
	require.Equal(t, int64(5), qty)

	qty, err = client.Decrement(ctx, 5, domain.SizeS, 3, "saga-a")
	require.NoError(t, err)
	require.Equal(t, int64(5), qty, "replayed decrement must not apply twice")

	qty, err = client.Add(ctx, 5, domain.SizeS, 3, "saga-a:compensate")
	require.NoError(t, err)
	require.Equal(t, int64(8), qty)

	qty, err = client.Add(ctx, 5, domain.SizeL, 2, "")
	require.NoError(t, err)
	require.Equal(t, int64(2), qty, "add creates a missing line")

	lines, err := client.ListByProduct(ctx, 5)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, domain.SizeL, lines[0].Size)
	require.Equal(t, domain.SizeS, lines[1].Size)
}

func TestClient_ErrorKinds(t *testing.T) {
	client := newLedgerServer(t)
	ctx := context.Background()

	_, err := client.Set(ctx, 6, domain.SizeM, 2)
	require.NoError(t, err)

	_, err = client.Decrement(ctx, 6, domain.SizeM, 5, "saga-b")
	require.True(t, domain.IsKind(err, domain.KindInsufficientStock), "got %v", err)
	var typed *domain.Error
	require.ErrorAs(t, err, &typed)
	require.Equal(t, int64(2), typed.Available)
	require.Equal(t, int64(5), typed.Requested)

	_, err = client.Decrement(ctx, 7, domain.SizeM, 1, "saga-c")
	require.True(t, domain.IsKind(err, domain.KindNotFound), "got %v", err)

	_, err = client.Add(ctx, 6, domain.SizeM, 0, "")
	require.True(t, domain.IsKind(err, domain.KindUpstreamRejected), "got %v", err)
}

func TestClient_Unavailable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	client := stock.New(url, 200*time.Millisecond)
	_, err := client.GetQuantity(context.Background(), 1, domain.SizeM)
	require.True(t, domain.IsKind(err, domain.KindUpstreamUnavailable), "got %v", err)
}
