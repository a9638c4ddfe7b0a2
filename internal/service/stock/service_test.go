package stock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	return NewService(memory.NewStockRepository(), logger.WithField("component", "stock-test"), nil)
}

func TestService_GetQuantityMissingLineIsZero(t *testing.T) {
	svc := newTestService(t)

	qty, err := svc.GetQuantity(context.Background(), 1, domain.SizeM)
	require.NoError(t, err)
	require.Zero(t, qty)
}

func TestService_AddCreatesLineAndDecrementReplays(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	qty, err := svc.Add(ctx, 1, domain.SizeM, 5, "")
	require.NoError(t, err)
	require.Equal(t, int64(5), qty)

	qty, err = svc.Decrement(ctx, 1, domain.SizeM, 2, "saga-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), qty)

	qty, err = svc.Decrement(ctx, 1, domain.SizeM, 2, "saga-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), qty, "replay must return the recorded quantity")

	current, err := svc.GetQuantity(ctx, 1, domain.SizeM)
	require.NoError(t, err)
	require.Equal(t, int64(3), current)
}

func TestService_AddWithKeyAppliesOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Set(ctx, 2, domain.SizeL, 1)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		qty, err := svc.Add(ctx, 2, domain.SizeL, 4, "saga-9:compensate")
		require.NoError(t, err)
		require.Equal(t, int64(5), qty)
	}
}

func TestService_Errors(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Decrement(ctx, 3, domain.SizeS, 1, "k")
	require.True(t, domain.IsKind(err, domain.KindNotFound), "got %v", err)

	_, err = svc.Set(ctx, 3, domain.SizeS, 2)
	require.NoError(t, err)

	_, err = svc.Decrement(ctx, 3, domain.SizeS, 5, "k2")
	require.True(t, domain.IsKind(err, domain.KindInsufficientStock))

	_, err = svc.Decrement(ctx, 3, domain.SizeS, 0, "")
	require.True(t, domain.IsKind(err, domain.KindInvalidRequest))

	_, err = svc.Add(ctx, 3, domain.Size("XXL"), 1, "")
	require.True(t, domain.IsKind(err, domain.KindInvalidRequest))

	_, err = svc.Set(ctx, 3, domain.SizeS, -1)
	require.True(t, domain.IsKind(err, domain.KindInvalidRequest))

	_, err = svc.Decrement(ctx, 3, domain.SizeS, 1, "reuse")
	require.NoError(t, err)
	_, err = svc.Decrement(ctx, 3, domain.SizeS, 2, "reuse")
	require.True(t, domain.IsKind(err, domain.KindInvalidRequest), "key reused with another amount")
}

func TestService_ConcurrentDecrementsNeverOversell(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	const initial = 10
	_, err := svc.Set(ctx, 4, domain.SizeXL, initial)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
		rejected  atomic.Int64
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Decrement(ctx, 4, domain.SizeXL, 1, fmt.Sprintf("buyer-%d", i))
			switch {
			case err == nil:
				succeeded.Add(1)
			case domain.IsKind(err, domain.KindInsufficientStock):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, int64(initial), succeeded.Load())
	require.Equal(t, int64(100-initial), rejected.Load())

	qty, err := svc.GetQuantity(ctx, 4, domain.SizeXL)
	require.NoError(t, err)
	require.Zero(t, qty)
}

func TestService_ListByProduct(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _ = svc.Set(ctx, 5, domain.SizeS, 1)
	_, _ = svc.Set(ctx, 5, domain.SizeL, 3)
	_, _ = svc.Set(ctx, 6, domain.SizeL, 9)

	lines, err := svc.ListByProduct(ctx, 5)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	require.Equal(t, domain.SizeL, lines[0].Size)
	require.Equal(t, domain.SizeS, lines[1].Size)
}
