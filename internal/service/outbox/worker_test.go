package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func orderEvent(id, orderID, eventType string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: domain.AggregateOrder,
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       []byte(`{"order_id":` + orderID + `}`),
	}
}

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderEvent("msg-1", "1", domain.EventOrderCreated)}}
	publisher := &stubPublisher{}

	res := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3)).ProcessOnce(context.Background())

	require.Equal(t, BatchResult{Sent: 1}, res)
	require.Equal(t, []string{"msg-1"}, repo.sentIDs)
	require.Empty(t, repo.failedIDs)
	require.Equal(t, 1, publisher.calls())
}

func TestWorker_ProcessOnce_DeadLetterAfterRetries(t *testing.T) {
	t.Parallel()

	failedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderEvent("msg-2", "2", domain.EventOrderCancelled)}}
	publisher := &stubPublisher{err: errors.New("broker unavailable")}
	dlqPublisher := &stubPublisher{}

	worker := NewWorker(repo, publisher, WithDLQPublisher(dlqPublisher), WithRetryBaseDelay(0), WithMaxAttempts(3))
	worker.now = func() time.Time { return failedAt }

	res := worker.ProcessOnce(context.Background())

	require.Equal(t, BatchResult{Failed: 1}, res)
	require.Equal(t, 3, publisher.calls())
	require.Equal(t, []string{"msg-2"}, repo.failedIDs)
	require.Empty(t, repo.sentIDs)

	sent := dlqPublisher.messages()
	require.Len(t, sent, 1)
	require.Equal(t, "msg-2", sent[0].ID)

	var letter DeadLetter
	require.NoError(t, json.Unmarshal(sent[0].Payload, &letter))
	require.Equal(t, "msg-2", letter.OutboxID)
	require.Equal(t, domain.EventOrderCancelled, letter.EventType)
	require.Equal(t, "2", letter.AggregateID)
	require.JSONEq(t, `{"order_id":2}`, string(letter.Payload))
	require.Contains(t, letter.PublishError, "broker unavailable")
	require.Equal(t, 3, letter.Attempts)
	require.True(t, failedAt.Equal(letter.FailedAt))
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderEvent("msg-3", "3", domain.EventOrderStatusChanged)}}
	publisher := &stubPublisher{sequenceErrors: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil}}

	res := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3)).ProcessOnce(context.Background())

	require.Equal(t, BatchResult{Sent: 1}, res)
	require.Equal(t, 3, publisher.calls())
	require.Len(t, repo.sentIDs, 1)
	require.Empty(t, repo.failedIDs)
}

func TestWorker_ProcessOnce_DefersLaterEventsOfFailedOrder(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{
		orderEvent("a-1", "10", domain.EventOrderCreated),
		orderEvent("b-1", "11", domain.EventOrderCreated),
		orderEvent("a-2", "10", domain.EventOrderCancelled),
	}}
	publisher := &stubPublisher{failIDs: map[string]bool{"a-1": true}}

	res := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(2)).ProcessOnce(context.Background())

	require.Equal(t, BatchResult{Sent: 1, Failed: 1, Deferred: 1}, res)
	require.Equal(t, []string{"a-1"}, repo.failedIDs)
	require.Equal(t, []string{"b-1"}, repo.sentIDs)
	require.NotContains(t, publisher.publishedIDs(), "a-2")
}

func TestWorker_ProcessOnce_CancelledContextPublishesNothing(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderEvent("msg-4", "4", domain.EventOrderCreated)}}
	publisher := &stubPublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewWorker(repo, publisher).ProcessOnce(ctx)

	require.Equal(t, BatchResult{}, res)
	require.Zero(t, publisher.calls())
	require.Empty(t, repo.sentIDs)
}

func TestWorker_ProcessOnce_RecordsMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{
		orderEvent("m-1", "20", domain.EventOrderCreated),
		orderEvent("m-2", "21", domain.EventOrderCreated),
	}}
	publisher := &stubPublisher{failIDs: map[string]bool{"m-2": true}}

	worker := NewWorker(repo, publisher,
		WithRetryBaseDelay(0),
		WithMaxAttempts(1),
		WithMetrics(metrics.NewOutboxMetrics(registry)),
	)
	worker.ProcessOnce(context.Background())

	// sent, retry и failed для OrderCreated
	count, err := testutil.GatherAndCount(registry, "shop_outbox_publish_total")
	require.NoError(t, err)
	require.Equal(t, 3, count)

	count, err = testutil.GatherAndCount(registry, "shop_outbox_pending_records")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestWorker_ProcessOnce_WithMemoryRepository(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	for _, eventType := range []string{domain.EventOrderCreated, domain.EventOrderStatusChanged} {
		_, err := repo.Enqueue(domain.OutboxMessage{
			AggregateType: domain.AggregateOrder,
			AggregateID:   "5",
			EventType:     eventType,
			Payload:       []byte(`{}`),
		})
		require.NoError(t, err)
	}

	publisher := &stubPublisher{}
	res := NewWorker(repo, publisher, WithRetryBaseDelay(0)).ProcessOnce(context.Background())
	require.Equal(t, 2, res.Sent)

	stats, err := repo.Stats()
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
	require.Equal(t, 2, publisher.calls())
}

func TestWorker_Backoff(t *testing.T) {
	t.Parallel()

	worker := NewWorker(nil, nil, WithRetryBaseDelay(time.Second))
	require.Equal(t, time.Second, worker.backoff(1))
	require.Equal(t, 2*time.Second, worker.backoff(2))
	require.Equal(t, 4*time.Second, worker.backoff(3))
	require.Equal(t, maxRetryDelay, worker.backoff(10))
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&stubOutboxRepo{}, &stubPublisher{}, WithPollInterval(5*time.Millisecond), WithRetryBaseDelay(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

type stubOutboxRepo struct {
	pending   []domain.OutboxMessage
	sentIDs   []string
	failedIDs []string
}

func (s *stubOutboxRepo) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return msg, nil
}

func (s *stubOutboxRepo) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats() (domain.OutboxStats, error) {
	stats := domain.OutboxStats{
		PendingCount: len(s.pending) - len(s.sentIDs) - len(s.failedIDs),
		FailedCount:  len(s.failedIDs),
	}
	if stats.PendingCount > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(id string) error {
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(id string) error {
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	failIDs        map[string]bool
	sequenceErrors []error
	published      []domain.OutboxMessage
}

func (s *stubPublisher) Publish(event domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.published = append(s.published, event)
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		return err
	}
	if s.failIDs[event.ID] {
		return errors.New("broker rejected event")
	}
	return s.err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

func (s *stubPublisher) messages() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboxMessage(nil), s.published...)
}

func (s *stubPublisher) publishedIDs() []string {
	ids := make([]string, 0)
	for _, msg := range s.messages() {
		ids = append(ids, msg.ID)
	}
	return ids
}

var _ domain.OutboxRepository = (*stubOutboxRepo)(nil)
var _ domain.OutboxPublisher = (*stubPublisher)(nil)
