package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func testProducer(t *testing.T) (*Producer, *mocks.SyncProducer) {
	t.Helper()
	mockProducer := mocks.NewSyncProducer(t, nil)
	return NewProducerFromSync(mockProducer, log.WithField("component", "kafka-producer-test")), mockProducer
}

func TestProducer_PublishEvent(t *testing.T) {
	producer, mockProducer := testProducer(t)

	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicOrderEvents {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "order-1" {
			return errors.New("unexpected key " + string(key))
		}
		return nil
	})

	err := producer.PublishEvent(context.Background(), TopicOrderEvents, "order-1", map[string]string{"status": "confirmed"})
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_PublishEvent_Error(t *testing.T) {
	producer, mockProducer := testProducer(t)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.PublishEvent(context.Background(), TopicOrderEvents, "order-1", map[string]string{})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_PublishEvent_MarshalError(t *testing.T) {
	producer, mockProducer := testProducer(t)

	err := producer.PublishEvent(context.Background(), TopicOrderEvents, "k", make(chan int))
	require.Error(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_InjectsTraceContext(t *testing.T) {
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	producer, mockProducer := testProducer(t)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		carrier := headerCarrier(msg.Headers)
		if carrier.Get("traceparent") == "" {
			return errors.New("traceparent header missing")
		}
		if carrier.Get(HeaderEventType) != "OrderCreated" {
			return errors.New("event type header missing")
		}
		return nil
	})

	err = producer.PublishEvent(ctx, TopicOrderEvents, "order-1", json.RawMessage(`{}`),
		sarama.RecordHeader{Key: []byte(HeaderEventType), Value: []byte("OrderCreated")})
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestHeaderCarrier(t *testing.T) {
	var carrier headerCarrier
	carrier.Set("a", "1")
	carrier.Set("b", "2")
	carrier.Set("a", "3")

	require.Equal(t, "3", carrier.Get("a"))
	require.Equal(t, "2", carrier.Get("b"))
	require.Empty(t, carrier.Get("missing"))
	require.ElementsMatch(t, []string{"a", "b"}, carrier.Keys())

	incoming := consumerHeaderCarrier{{Key: []byte("x"), Value: []byte("y")}, nil}
	require.Equal(t, "y", incoming.Get("x"))
	require.Equal(t, []string{"x"}, incoming.Keys())
}

func TestProducerConfig_Idempotent(t *testing.T) {
	cfg := ProducerConfig()
	require.True(t, cfg.Producer.Idempotent)
	require.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
	require.Equal(t, 1, cfg.Net.MaxOpenRequests)
	require.True(t, cfg.Producer.Return.Successes)
}
