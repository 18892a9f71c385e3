// Package dispatch delivers committed domain events to the outside world
// without ever holding up, or failing, the request that produced them.
//
// Events are published on an in-process watermill pub/sub. Each handler gets
// its own copy of every message and runs behind a retry middleware; when the
// retries are used up the failure is logged, written to the delivery log and
// the message is acknowledged anyway.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/egannguyen/storefront/internal/dispatch/deliverylog"
	"github.com/egannguyen/storefront/internal/entity"
	"github.com/egannguyen/storefront/internal/messaging"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	eventsTopic = "storefront.events"

	HandlerNotify  = "notify"
	HandlerInvoice = "invoice"

	metaEventType = "event_type"
	metaStreamID  = "stream_id"
	metaAttempts  = "attempts"
)

// External topics, one per event family.
const (
	TopicOrderPlaced    = "orders.placed"
	TopicStatusChanged  = "orders.status-changed"
	TopicPaymentChanged = "orders.payment-changed"
	TopicInventory      = "inventory.alerts"
)

var tracer = otel.Tracer("github.com/egannguyen/storefront/internal/dispatch")

// TopicFor maps an event type to the broker topic it is published on.
func TopicFor(eventType string) (string, bool) {
	switch eventType {
	case "OrderPlaced":
		return TopicOrderPlaced, true
	case "OrderStatusChanged":
		return TopicStatusChanged, true
	case "PaymentStatusChanged":
		return TopicPaymentChanged, true
	case "StockLow", "StockReplenished":
		return TopicInventory, true
	}
	return "", false
}

// InvoiceIssuer is the part of the invoice service the dispatcher needs.
type InvoiceIssuer interface {
	EnsureInvoice(ctx context.Context, orderID string) (*entity.Invoice, error)
}

type Config struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	CloseTimeout    time.Duration
	Logger          *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = 200 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type Dispatcher struct {
	pubSub     *gochannel.GoChannel
	router     *message.Router
	publisher  messaging.Publisher
	invoices   InvoiceIssuer
	deliveries deliverylog.Repository
	logger     *slog.Logger
}

// New builds the dispatcher. invoices and deliveries may be nil, in which
// case POS invoicing and the delivery log are skipped.
func New(cfg Config, publisher messaging.Publisher, invoices InvoiceIssuer, deliveries deliverylog.Repository) (*Dispatcher, error) {
	cfg.setDefaults()
	wmLogger := watermill.NewSlogLogger(cfg.Logger)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	d := &Dispatcher{
		pubSub:     gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, wmLogger),
		router:     router,
		publisher:  publisher,
		invoices:   invoices,
		deliveries: deliveries,
		logger:     cfg.Logger,
	}

	retry := middleware.Retry{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      2,
		Logger:          wmLogger,
	}
	// Outermost first.
	router.AddMiddleware(
		d.settle,
		traceMessage,
		retry.Middleware,
		countAttempts,
		middleware.Recoverer,
	)

	router.AddNoPublisherHandler(HandlerNotify, eventsTopic, d.pubSub, d.notify)
	if invoices != nil {
		router.AddNoPublisherHandler(HandlerInvoice, eventsTopic, d.pubSub, d.issueInvoice)
	}
	return d, nil
}

// Run blocks until ctx is cancelled or Close is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.router.Run(ctx)
}

// Running is closed once every handler is subscribed. Events emitted earlier
// are dropped.
func (d *Dispatcher) Running() chan struct{} {
	return d.router.Running()
}

func (d *Dispatcher) Close() error {
	return errors.Join(d.router.Close(), d.pubSub.Close())
}

// Emit hands events to the handlers and returns immediately.
func (d *Dispatcher) Emit(ctx context.Context, events ...entity.Event) {
	select {
	case <-d.router.Running():
	default:
		d.logger.WarnContext(ctx, "Dispatcher not running, dropping events", "count", len(events))
		return
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	for _, e := range events {
		msg, err := newMessage(e, carrier)
		if err != nil {
			d.logger.ErrorContext(ctx, "Failed to encode event", "event_type", e.EventType(), "err", err)
			continue
		}
		if err := d.pubSub.Publish(eventsTopic, msg); err != nil {
			d.logger.ErrorContext(ctx, "Failed to enqueue event", "event_type", e.EventType(), "stream_id", e.StreamID(), "err", err)
		}
	}
}

func newMessage(e entity.Event, carrier propagation.MapCarrier) (*message.Message, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	record, err := json.Marshal(entity.EventRecord{
		ID:        id,
		StreamID:  e.StreamID(),
		EventType: e.EventType(),
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	msg := message.NewMessage(id, record)
	msg.Metadata.Set(metaEventType, e.EventType())
	msg.Metadata.Set(metaStreamID, e.StreamID())
	for k, v := range carrier {
		msg.Metadata.Set(k, v)
	}
	return msg, nil
}

func decode(msg *message.Message) (entity.Event, error) {
	var record entity.EventRecord
	if err := json.Unmarshal(msg.Payload, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event record: %w", err)
	}
	return record.Decode()
}

// Notification is the payload published to the broker.
type Notification struct {
	EventType  string            `json:"event_type"`
	StreamID   string            `json:"stream_id"`
	Message    string            `json:"message,omitempty"`
	Recipient  *entity.Recipient `json:"recipient,omitempty"`
	Event      entity.Event      `json:"event"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func NewNotification(e entity.Event) Notification {
	n := Notification{EventType: e.EventType(), StreamID: e.StreamID(), Event: e, OccurredAt: time.Now().UTC()}
	if m, ok := e.(interface{ Message() string }); ok {
		n.Message = m.Message()
	}
	switch v := e.(type) {
	case entity.OrderPlaced:
		n.Recipient = &v.Recipient
	case entity.OrderStatusChanged:
		n.Recipient = &v.Recipient
	}
	return n
}

func (d *Dispatcher) notify(msg *message.Message) error {
	e, err := decode(msg)
	if err != nil {
		return err
	}
	topic, ok := TopicFor(e.EventType())
	if !ok {
		return fmt.Errorf("no topic for event type %s", e.EventType())
	}
	return d.publisher.PublishEvent(msg.Context(), topic, e.StreamID(), NewNotification(e))
}

var errNotRendered = errors.New("invoice document not rendered yet")

// issueInvoice invoices POS sales as soon as they are placed.
func (d *Dispatcher) issueInvoice(msg *message.Message) error {
	if msg.Metadata.Get(metaEventType) != "OrderPlaced" {
		return nil
	}
	e, err := decode(msg)
	if err != nil {
		return err
	}
	placed := e.(entity.OrderPlaced)
	if placed.Channel != entity.ChannelPOS {
		return nil
	}
	inv, err := d.invoices.EnsureInvoice(msg.Context(), placed.OrderID)
	if err != nil {
		return err
	}
	if inv.DocumentRef == "" {
		return errNotRendered
	}
	return nil
}

// settle records the final outcome and always acknowledges the message.
func (d *Dispatcher) settle(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		_, err := h(msg)

		ctx := msg.Context()
		handler := message.HandlerNameFromCtx(ctx)
		eventType := msg.Metadata.Get(metaEventType)
		streamID := msg.Metadata.Get(metaStreamID)
		if err != nil {
			d.logger.ErrorContext(ctx, "Giving up on delivery",
				"handler", handler, "event_type", eventType, "stream_id", streamID, "attempts", msg.Metadata.Get(metaAttempts), "err", err)
		}

		if d.deliveries != nil {
			entry := deliverylog.NewEntry(ctx, msg.UUID, eventType, streamID, handler, err)
			entry.Attempts, _ = strconv.Atoi(msg.Metadata.Get(metaAttempts))
			if saveErr := d.deliveries.Save(context.WithoutCancel(ctx), entry); saveErr != nil {
				d.logger.ErrorContext(ctx, "Failed to record delivery", "message_id", msg.UUID, "err", saveErr)
			}
		}
		return nil, nil
	}
}

// traceMessage continues the trace of the request that emitted the event.
func traceMessage(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx := otel.GetTextMapPropagator().Extract(msg.Context(), propagation.MapCarrier(msg.Metadata))
		ctx, span := tracer.Start(ctx, "dispatch."+message.HandlerNameFromCtx(ctx),
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.message.id", msg.UUID),
				attribute.String("event.type", msg.Metadata.Get(metaEventType)),
			),
		)
		defer span.End()
		msg.SetContext(ctx)

		out, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return out, err
	}
}

func countAttempts(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		n, _ := strconv.Atoi(msg.Metadata.Get(metaAttempts))
		msg.Metadata.Set(metaAttempts, strconv.Itoa(n+1))
		return h(msg)
	}
}
