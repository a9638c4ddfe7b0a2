package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestParsePriceMinor(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{raw: `"19.99"`, want: 1999},
		{raw: `19.99`, want: 1999},
		{raw: `"250000.00"`, want: 25000000},
		{raw: `5`, want: 500},
		{raw: `"0.015"`, want: 2},
		{raw: `"-1.00"`, wantErr: true},
		{raw: `"abc"`, wantErr: true},
		{raw: `null`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParsePriceMinor(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestClientGetProduct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/products/3":
			_, _ = w.Write([]byte(`{"id":3,"name":"Linen shirt","price":"49.90"}`))
		case "/products/4":
			_, _ = w.Write([]byte(`{"id":4,"name":"Broken","price":"n/a"}`))
		case "/products/5":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := New(srv.URL, time.Second)

	product, err := client.GetProduct(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, domain.Product{ID: 3, Name: "Linen shirt", PriceMinor: 4990}, product)

	_, err = client.GetProduct(context.Background(), 4)
	require.True(t, domain.IsKind(err, domain.KindUpstreamRejected))

	_, err = client.GetProduct(context.Background(), 5)
	require.True(t, domain.IsKind(err, domain.KindUpstreamRejected))

	_, err = client.GetProduct(context.Background(), 9)
	require.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestClientListStock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/products/", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"id":3,"name":"Linen shirt","price":"49.90","sizes":[{"size":"S","quantity":4},{"size":"XXL","quantity":1}]},
			{"id":4,"name":"Cap","price":"9.00"},
			{"id":5,"name":"Hoodie","price":"25.50","sizes":[{"size":"M","quantity":0}]}
		]`))
	}))
	defer srv.Close()

	entries, err := New(srv.URL, time.Second).ListStock(context.Background())
	require.NoError(t, err)
	require.Equal(t, []domain.CatalogStockEntry{
		{ProductID: 3, Size: "S", Quantity: 4},
		{ProductID: 3, Size: "XXL", Quantity: 1},
		{ProductID: 5, Size: "M", Quantity: 0},
	}, entries)
}
