package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
)

func TestMetricsMux_Endpoints(t *testing.T) {
	healthHandler := healthcheck.NewHandler("test")
	healthHandler.RegisterChecker("storage", healthcheck.NewSimpleChecker("storage", func(context.Context) error { return nil }))
	srv := httptest.NewServer(metricsMux(healthHandler))
	defer srv.Close()

	for _, path := range []string{"/metrics", "/healthz", "/readyz", "/livez"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		_ = resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestMetricsMux_ReadinessFailsWhenStorageDown(t *testing.T) {
	healthHandler := healthcheck.NewHandler("test")
	healthHandler.RegisterChecker("storage", healthcheck.NewSimpleChecker("storage", func(context.Context) error {
		return errors.New("connection refused")
	}))
	srv := httptest.NewServer(metricsMux(healthHandler))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/livez")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWorkerGroup_StopsWorkers(t *testing.T) {
	group := newWorkerGroup(context.Background())
	stopped := make(chan struct{})
	group.start(func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	})
	group.stop(testLogger())

	select {
	case <-stopped:
	default:
		t.Fatal("worker should observe cancellation before stop returns")
	}
}
