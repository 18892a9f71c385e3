package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/egannguyen/storefront/internal/entity"
	"github.com/egannguyen/storefront/internal/messaging"
	"github.com/egannguyen/storefront/internal/repository"
	"github.com/egannguyen/storefront/internal/repository/memory"
	"github.com/egannguyen/storefront/internal/service"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discardEvents struct{}

func (discardEvents) Emit(context.Context, ...entity.Event) {}

func newStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	err := store.Atomically(context.Background(), func(ctx context.Context, uow repository.UnitOfWork) error {
		return uow.Products().Seed(ctx, []entity.Product{
			{ID: "lamp", Name: "Desk Lamp", RetailPrice: decimal.RequireFromString("40.00"), TaxRate: decimal.NewFromInt(5), Stock: 5, Active: true},
		})
	})
	require.NoError(t, err)
	return store
}

func setup(t *testing.T) (*service.OrderService, *service.StatusService) {
	t.Helper()
	store := newStore(t)
	return service.NewOrderService(store, discardEvents{}, decimal.NewFromInt(18)),
		service.NewStatusService(store, discardEvents{})
}

func placeOnline(t *testing.T, orders *service.OrderService) *entity.Order {
	t.Helper()
	order, err := orders.PlaceOrder(context.Background(), &entity.PlaceOrder{
		Channel:       entity.ChannelAPI,
		Customer:      entity.Customer{AccountID: "acc-9"},
		Items:         []entity.LineRequest{{ProductID: "lamp", Quantity: 1}},
		PaymentMethod: entity.PaymentUPI,
	})
	require.NoError(t, err)
	return order
}

func callback(t *testing.T, cb PaymentCallback) []byte {
	t.Helper()
	b, err := json.Marshal(cb)
	require.NoError(t, err)
	return b
}

func TestPaymentHandler_CompletedConfirms(t *testing.T) {
	orders, statuses := setup(t)
	order := placeOnline(t, orders)
	h := NewPaymentHandler(statuses)

	err := h.Handle(context.Background(), callback(t, PaymentCallback{OrderID: order.ID, Status: entity.PaymentCompleted, Reference: " upi-42 "}))
	require.NoError(t, err)

	got, err := orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentCompleted, got.PaymentStatus)
	assert.Equal(t, "upi-42", got.PaymentReference)
	assert.Equal(t, entity.StatusConfirmed, got.Status)

	// Redelivery changes nothing.
	require.NoError(t, h.Handle(context.Background(), callback(t, PaymentCallback{OrderID: order.ID, Status: entity.PaymentCompleted, Reference: "upi-42"})))
	got, err = orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusConfirmed, got.Status)
}

func TestPaymentHandler_FailedKeepsPending(t *testing.T) {
	orders, statuses := setup(t)
	order := placeOnline(t, orders)
	h := NewPaymentHandler(statuses)

	require.NoError(t, h.Handle(context.Background(), callback(t, PaymentCallback{OrderID: order.ID, Status: entity.PaymentFailed})))

	got, err := orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentFailed, got.PaymentStatus)
	assert.Equal(t, entity.StatusPending, got.Status)
}

func TestPaymentHandler_RejectsPermanently(t *testing.T) {
	orders, statuses := setup(t)
	order := placeOnline(t, orders)
	h := NewPaymentHandler(statuses)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"not json", []byte("not json")},
		{"no order id", callback(t, PaymentCallback{Status: entity.PaymentCompleted})},
		{"unknown order", callback(t, PaymentCallback{OrderID: "missing", Status: entity.PaymentCompleted})},
		{"unknown status", callback(t, PaymentCallback{OrderID: order.ID, Status: "REFUNDED"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.Handle(context.Background(), tt.payload)
			require.Error(t, err)
			assert.True(t, messaging.IsPermanent(err), "%v", err)
		})
	}
}

var errConnReset = errors.New("read tcp 10.0.0.4:5432: connection reset by peer")

// flakyStore fails the next n units of work before reaching storage.
type flakyStore struct {
	repository.Store
	n atomic.Int32
}

func (s *flakyStore) Atomically(ctx context.Context, fn func(ctx context.Context, uow repository.UnitOfWork) error) error {
	if s.n.Add(-1) >= 0 {
		return errConnReset
	}
	return s.Store.Atomically(ctx, fn)
}

func TestPaymentHandler_StorageErrorIsRetryable(t *testing.T) {
	store := newStore(t)
	orders := service.NewOrderService(store, discardEvents{}, decimal.NewFromInt(18))
	order := placeOnline(t, orders)

	flaky := &flakyStore{Store: store}
	flaky.n.Store(1)
	h := NewPaymentHandler(service.NewStatusService(flaky, discardEvents{}))
	payload := callback(t, PaymentCallback{OrderID: order.ID, Status: entity.PaymentCompleted, Reference: "upi-7"})

	err := h.Handle(context.Background(), payload)
	require.Error(t, err)
	assert.ErrorIs(t, err, errConnReset)
	assert.False(t, messaging.IsPermanent(err), "a storage outage must leave the message unacknowledged")

	got, err := orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentPending, got.PaymentStatus)

	require.NoError(t, h.Handle(context.Background(), payload))
	got, err = orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentCompleted, got.PaymentStatus)
	assert.Equal(t, entity.StatusConfirmed, got.Status)
}

// fakeSubscriber redelivers each payload until the handler accepts it or
// fails permanently, the way the Kafka consumer does.
type fakeSubscriber struct {
	mu       sync.Mutex
	topic    string
	group    string
	payloads [][]byte
	attempts []int
	acked    []bool
}

func (f *fakeSubscriber) Consume(ctx context.Context, topic, groupID string, handler func(ctx context.Context, payload []byte) error) {
	f.mu.Lock()
	f.topic, f.group = topic, groupID
	f.attempts = make([]int, len(f.payloads))
	f.acked = make([]bool, len(f.payloads))
	f.mu.Unlock()

	for i, p := range f.payloads {
		for ctx.Err() == nil {
			err := handler(ctx, p)
			f.mu.Lock()
			f.attempts[i]++
			f.acked[i] = err == nil || messaging.IsPermanent(err)
			done := f.acked[i]
			f.mu.Unlock()
			if done {
				break
			}
		}
	}
	<-ctx.Done()
}

func TestPaymentHandler_Run(t *testing.T) {
	store := newStore(t)
	orders := service.NewOrderService(store, discardEvents{}, decimal.NewFromInt(18))
	order := placeOnline(t, orders)

	flaky := &flakyStore{Store: store}
	flaky.n.Store(2)
	statuses := service.NewStatusService(flaky, discardEvents{})
	sub := &fakeSubscriber{payloads: [][]byte{
		[]byte("{"),
		callback(t, PaymentCallback{OrderID: order.ID, Status: entity.PaymentCompleted}),
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewPaymentHandler(statuses).Run(ctx, sub, "payments.callbacks")
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := orders.GetOrder(context.Background(), order.ID)
		return err == nil && got.Status == entity.StatusConfirmed
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, "payments.callbacks", sub.topic)
	assert.Equal(t, PaymentGroupID, sub.group)
	assert.Equal(t, []int{1, 3}, sub.attempts, "the callback is redelivered while storage is down")
	assert.Equal(t, []bool{true, true}, sub.acked)
}
