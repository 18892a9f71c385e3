package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/egannguyen/storefront/internal/messaging"
	kafkaGo "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type kafkaBroker struct {
	brokers []string

	mu      sync.Mutex
	writers map[string]*kafkaGo.Writer
	closed  bool
}

// Broker publishes to and consumes from Kafka. Writers are created lazily,
// one per topic, and reused until Close.
type Broker interface {
	messaging.Publisher
	messaging.Subscriber
	Close() error
}

// NewKafkaBroker creates a new Kafka publisher and subscriber.
func NewKafkaBroker(brokers []string) Broker {
	return &kafkaBroker{brokers: brokers, writers: make(map[string]*kafkaGo.Writer)}
}

var errClosed = errors.New("kafka broker closed")

func (k *kafkaBroker) writer(topic string) (*kafkaGo.Writer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, errClosed
	}
	w, ok := k.writers[topic]
	if !ok {
		w = &kafkaGo.Writer{
			Addr:                   kafkaGo.TCP(k.brokers...),
			Topic:                  topic,
			Balancer:               &kafkaGo.Hash{},
			RequiredAcks:           kafkaGo.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		}
		k.writers[topic] = w
	}
	return w, nil
}

func (k *kafkaBroker) PublishEvent(ctx context.Context, topic string, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	w, err := k.writer(topic)
	if err != nil {
		return err
	}

	// Keyed by order or product ID so all events of one stream stay in order.
	return w.WriteMessages(ctx, kafkaGo.Message{
		Key:     []byte(key),
		Value:   payload,
		Headers: traceHeaders(ctx),
	})
}

func (k *kafkaBroker) Consume(ctx context.Context, topic string, groupID string, handler func(ctx context.Context, payload []byte) error) {
	reader := kafkaGo.NewReader(kafkaGo.ReaderConfig{
		Brokers: k.brokers,
		Topic:   topic,
		GroupID: groupID,
	})
	defer reader.Close()

	consume(ctx, reader, topic, newBackOff(), handler)
	slog.Info("Consumer shutting down", "topic", topic)
}

// messageReader is the part of *kafkaGo.Reader the consume loop needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafkaGo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkaGo.Message) error
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// consume commits a message only after handler accepts it. A failing message
// is retried in place and holds back the rest of its partition.
func consume(ctx context.Context, reader messageReader, topic string, bo backoff.BackOff, handler func(ctx context.Context, payload []byte) error) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Error reading message", "topic", topic, "err", err)
			if !wait(ctx, bo) {
				return
			}
			continue
		}
		bo.Reset()

		if !deliver(ctx, msg, topic, bo, handler) {
			return
		}
		bo.Reset()

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			// The message will be seen again after a rebalance; handlers are idempotent.
			slog.Error("Failed to commit offset", "topic", topic, "offset", msg.Offset, "err", err)
		}
	}
}

// deliver runs handler until it succeeds or fails permanently. It returns
// false if ctx ends first.
func deliver(ctx context.Context, msg kafkaGo.Message, topic string, bo backoff.BackOff, handler func(ctx context.Context, payload []byte) error) bool {
	msgCtx := extractTrace(ctx, msg.Headers)
	for attempt := 1; ; attempt++ {
		err := handler(msgCtx, msg.Value)
		if err == nil {
			return true
		}
		if messaging.IsPermanent(err) {
			slog.ErrorContext(msgCtx, "Dropping unprocessable message", "topic", topic, "offset", msg.Offset, "err", err)
			return true
		}
		slog.WarnContext(msgCtx, "Error handling message, retrying", "topic", topic, "offset", msg.Offset, "attempt", attempt, "err", err)
		if !wait(ctx, bo) {
			return false
		}
	}
}

func wait(ctx context.Context, bo backoff.BackOff) bool {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (k *kafkaBroker) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.closed = true

	var errs []error
	for topic, w := range k.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
	}
	k.writers = nil
	return errors.Join(errs...)
}

func traceHeaders(ctx context.Context) []kafkaGo.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	headers := make([]kafkaGo.Header, 0, len(carrier))
	for k, v := range carrier {
		headers = append(headers, kafkaGo.Header{Key: k, Value: []byte(v)})
	}
	return headers
}

func extractTrace(ctx context.Context, headers []kafkaGo.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, h := range headers {
		carrier[h.Key] = string(h.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
