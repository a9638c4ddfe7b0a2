package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type mockConsumerGroup struct {
	consumeFn func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errorsCh  chan error
	closeFn   func() error
}

func (m *mockConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, topics, handler)
	}
	return nil
}

func (m *mockConsumerGroup) Errors() <-chan error {
	return m.errorsCh
}

func (m *mockConsumerGroup) Close() error {
	if m.closeFn != nil {
		return m.closeFn()
	}
	if m.errorsCh != nil {
		close(m.errorsCh)
	}
	return nil
}

func (m *mockConsumerGroup) Pause(map[string][]int32)  {}
func (m *mockConsumerGroup) Resume(map[string][]int32) {}
func (m *mockConsumerGroup) PauseAll()                 {}
func (m *mockConsumerGroup) ResumeAll()                {}

type mockSession struct {
	ctx    context.Context
	marked []*sarama.ConsumerMessage
}

func (m *mockSession) Claims() map[string][]int32               { return nil }
func (m *mockSession) MemberID() string                         { return "member" }
func (m *mockSession) GenerationID() int32                      { return 1 }
func (m *mockSession) MarkOffset(string, int32, int64, string)  {}
func (m *mockSession) Commit()                                  {}
func (m *mockSession) ResetOffset(string, int32, int64, string) {}
func (m *mockSession) Context() context.Context                 { return m.ctx }
func (m *mockSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	m.marked = append(m.marked, msg)
}

type mockClaim struct {
	topic     string
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (m *mockClaim) Topic() string                            { return m.topic }
func (m *mockClaim) Partition() int32                         { return m.partition }
func (m *mockClaim) InitialOffset() int64                     { return 0 }
func (m *mockClaim) HighWaterMarkOffset() int64               { return 0 }
func (m *mockClaim) Messages() <-chan *sarama.ConsumerMessage { return m.messages }

func TestNewConsumerErrors(t *testing.T) {
	if _, err := NewConsumer([]string{"invalid-broker:9092"}, "group", []string{"topic"}, func(context.Context, *sarama.ConsumerMessage) error { return nil }); err == nil {
		t.Fatal("expected new consumer error")
	}
	if _, err := NewConsumerWithDLQ([]string{"invalid-broker:9092"}, "group", []string{"topic"}, func(context.Context, *sarama.ConsumerMessage) error { return nil }, nil, 3); err == nil {
		t.Fatal("expected new consumer with dlq error")
	}
}

func TestConsumerStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumeCalls := 0
	errorsCh := make(chan error, 1)
	group := &mockConsumerGroup{
		errorsCh: errorsCh,
		consumeFn: func(_ context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
			consumeCalls++
			cancel()
			return nil
		},
		closeFn: func() error {
			close(errorsCh)
			return nil
		},
	}

	consumer := &Consumer{
		consumer:   group,
		topics:     []string{"topic-a"},
		handler:    func(context.Context, *sarama.ConsumerMessage) error { return nil },
		logger:     log.WithField("test", "consumer"),
		maxRetries: 2,
	}

	errorsCh <- errors.New("background error")
	if err := consumer.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := consumer.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if consumeCalls == 0 {
		t.Fatal("expected consume call")
	}
}

func TestConsumerStopError(t *testing.T) {
	errorsCh := make(chan error)
	group := &mockConsumerGroup{errorsCh: errorsCh, closeFn: func() error {
		close(errorsCh)
		return errors.New("close failed")
	}}
	consumer := &Consumer{consumer: group, logger: log.WithField("test", "stop")}
	if err := consumer.Stop(); err == nil {
		t.Fatal("expected stop error")
	}
}

func TestConsumerSetupCleanup(t *testing.T) {
	consumer := &Consumer{}
	if err := consumer.Setup(nil); err != nil {
		t.Fatalf("setup should return nil: %v", err)
	}
	if err := consumer.Cleanup(nil); err != nil {
		t.Fatalf("cleanup should return nil: %v", err)
	}
}

func TestConsumeClaim(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := &Consumer{
		handler: func(context.Context, *sarama.ConsumerMessage) error { return nil },
		logger:  log.WithField("test", "claim"),
	}

	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: "topic", partition: 0, messages: make(chan *sarama.ConsumerMessage, 2)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "topic", Partition: 0, Offset: 1, Key: []byte("k"), Value: []byte("v")}
	close(claim.messages)

	if err := consumer.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim failed: %v", err)
	}
	if len(session.marked) != 1 {
		t.Fatalf("expected one marked message, got %d", len(session.marked))
	}
}

func TestConsumeClaimFailedHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := &Consumer{
		handler:    func(context.Context, *sarama.ConsumerMessage) error { return errors.New("failed") },
		logger:     log.WithField("test", "claim-fail"),
		maxRetries: 1,
	}

	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: "topic", partition: 0, messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- &sarama.ConsumerMessage{Topic: "topic", Partition: 0, Offset: 1, Key: []byte("k"), Value: []byte("v")}
	close(claim.messages)

	if err := consumer.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim failed: %v", err)
	}
	if len(session.marked) != 0 {
		t.Fatalf("failed message should not be marked, got %d", len(session.marked))
	}
}

func retryHeader(count string) []*sarama.RecordHeader {
	return []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(count)}}
}

func TestHandleMessageWithRetry(t *testing.T) {
	msg := &sarama.ConsumerMessage{Topic: "topic", Key: []byte("key"), Value: []byte(`{"a":1}`)}

	t.Run("success", func(t *testing.T) {
		consumer := &Consumer{
			handler:    func(context.Context, *sarama.ConsumerMessage) error { return nil },
			logger:     log.WithField("test", "retry-success"),
			maxRetries: 2,
		}
		require.NoError(t, consumer.handleMessageWithRetry(context.Background(), msg))
	})

	t.Run("retries remaining budget", func(t *testing.T) {
		retrying := &sarama.ConsumerMessage{Topic: "topic", Key: []byte("key"), Value: []byte("{}"), Headers: retryHeader("1")}
		attempts := 0
		consumer := &Consumer{
			handler: func(context.Context, *sarama.ConsumerMessage) error {
				attempts++
				return errors.New("temporary")
			},
			logger:     log.WithField("test", "retry"),
			maxRetries: 3,
		}
		require.Error(t, consumer.handleMessageWithRetry(context.Background(), retrying))
		require.Equal(t, 3, attempts)
	})

	t.Run("recovers before budget ends", func(t *testing.T) {
		attempts := 0
		consumer := &Consumer{
			handler: func(context.Context, *sarama.ConsumerMessage) error {
				attempts++
				if attempts < 2 {
					return errors.New("temporary")
				}
				return nil
			},
			logger:     log.WithField("test", "retry-recover"),
			maxRetries: 3,
		}
		require.NoError(t, consumer.handleMessageWithRetry(context.Background(), msg))
		require.Equal(t, 2, attempts)
	})

	t.Run("max retries without dlq", func(t *testing.T) {
		retrying := &sarama.ConsumerMessage{Topic: "topic", Key: []byte("key"), Value: []byte("{}"), Headers: retryHeader("3")}
		consumer := &Consumer{
			handler:    func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
			logger:     log.WithField("test", "max-no-dlq"),
			maxRetries: 3,
		}
		require.Error(t, consumer.handleMessageWithRetry(context.Background(), retrying))
	})

	t.Run("max retries with dlq success", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
			if m.Topic != TopicDeadLetterQueue {
				return errors.New("expected dlq topic")
			}
			if headerCarrier(m.Headers).Get(HeaderOriginalTopic) != "topic" {
				return errors.New("original topic header missing")
			}
			return nil
		})
		retrying := &sarama.ConsumerMessage{Topic: "topic", Key: []byte("key"), Value: []byte("{}"), Headers: retryHeader("3")}
		consumer := &Consumer{
			handler:     func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
			dlqProducer: NewProducerFromSync(mockProducer, log.WithField("test", "dlq")),
			logger:      log.WithField("test", "max-dlq"),
			maxRetries:  3,
		}
		require.NoError(t, consumer.handleMessageWithRetry(context.Background(), retrying))
		require.NoError(t, mockProducer.Close())
	})

	t.Run("max retries with dlq failure", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
		retrying := &sarama.ConsumerMessage{Topic: "topic", Key: []byte("key"), Value: []byte("{}"), Headers: retryHeader("3")}
		consumer := &Consumer{
			handler:     func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") },
			dlqProducer: NewProducerFromSync(mockProducer, log.WithField("test", "dlq")),
			logger:      log.WithField("test", "max-dlq-fail"),
			maxRetries:  3,
		}
		require.Error(t, consumer.handleMessageWithRetry(context.Background(), retrying))
		require.NoError(t, mockProducer.Close())
	})
}

func TestGetRetryCount(t *testing.T) {
	consumer := &Consumer{}

	require.Equal(t, 5, consumer.getRetryCount(&sarama.ConsumerMessage{Headers: retryHeader("5")}))
	require.Zero(t, consumer.getRetryCount(&sarama.ConsumerMessage{Headers: retryHeader("bad")}))
	require.Zero(t, consumer.getRetryCount(&sarama.ConsumerMessage{}))
}

func TestParseEnvelope(t *testing.T) {
	envelope, err := ParseEnvelope(&sarama.ConsumerMessage{Value: []byte(`{"id":"1","event_type":"OrderCreated","aggregate_id":"order-1","payload":{"a":1}}`)})
	require.NoError(t, err)
	require.Equal(t, domain.EventOrderCreated, envelope.EventType)
	require.Equal(t, "order-1", envelope.AggregateID)

	_, err = ParseEnvelope(&sarama.ConsumerMessage{Value: []byte("{")})
	require.Error(t, err)
	_, err = ParseEnvelope(&sarama.ConsumerMessage{Value: []byte(`{"id":"1"}`)})
	require.Error(t, err)

	_, err = ParseCompensationFailure(envelope)
	require.Error(t, err, "order events carry no compensation failure")
}

type countingTrigger struct{ calls int }

func (c *countingTrigger) Trigger() { c.calls++ }

func TestReconcileHandler(t *testing.T) {
	trigger := &countingTrigger{}
	handler := NewReconcileHandler(trigger, log.WithField("test", "reconcile"))

	failure := &sarama.ConsumerMessage{Value: []byte(`{"id":"1","aggregate_type":"saga","aggregate_id":"saga-1","event_type":"SagaCompensationFailed","payload":{"saga_id":"saga-1","product_id":3,"size":"M","quantity":2,"reason":"timeout"}}`)}
	require.NoError(t, handler(context.Background(), failure))
	require.Equal(t, 1, trigger.calls)

	other := &sarama.ConsumerMessage{Value: []byte(`{"id":"2","event_type":"OrderCreated","payload":{}}`)}
	require.NoError(t, handler(context.Background(), other))
	require.Equal(t, 1, trigger.calls)

	broken := &sarama.ConsumerMessage{Value: []byte(`{"id":"3","event_type":"SagaCompensationFailed","payload":"oops"}`)}
	require.Error(t, handler(context.Background(), broken))
	require.Equal(t, 1, trigger.calls)
}

func TestSendToDLQ(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndSucceed()

	consumer := &Consumer{
		dlqProducer: NewProducerFromSync(mockProducer, log.WithField("test", "send-dlq")),
		logger:      log.WithField("test", "consumer-send-dlq"),
	}

	msg := &sarama.ConsumerMessage{Topic: "orders", Partition: 1, Offset: 42, Key: []byte("k"), Value: []byte("v")}
	require.NoError(t, consumer.sendToDLQ(context.Background(), msg, errors.New("boom")))
	require.NoError(t, mockProducer.Close())
}

func TestConsumeClaimStopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := &Consumer{
		handler:    func(context.Context, *sarama.ConsumerMessage) error { return nil },
		logger:     log.WithField("test", "claim-stop"),
		maxRetries: 1,
	}
	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: "topic", partition: 0, messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = consumer.ConsumeClaim(session, claim)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after context cancellation")
	}
}
