package entity

// OrderStatus is the fulfilment state of an order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusConfirmed OrderStatus = "CONFIRMED"
	StatusShipped   OrderStatus = "SHIPPED"
	StatusDelivered OrderStatus = "DELIVERED"
	StatusCancelled OrderStatus = "CANCELLED"
	// StatusCompleted is the initial status of counter sales.
	StatusCompleted OrderStatus = "COMPLETED"
)

// rank orders the forward fulfilment chain.
var rank = map[OrderStatus]int{
	StatusPending:   0,
	StatusConfirmed: 1,
	StatusShipped:   2,
	StatusDelivered: 3,
}

func (s OrderStatus) Valid() bool {
	_, ok := rank[s]
	return ok || s == StatusCancelled || s == StatusCompleted
}

func (s OrderStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// InitialStatus is the status an order is committed with.
func InitialStatus(c Channel) OrderStatus {
	if c == ChannelPOS {
		return StatusCompleted
	}
	return StatusPending
}

// CheckTransition validates moving an order from one status to another.
// It returns noop=true when the write would not change anything.
func CheckTransition(from, to OrderStatus) (noop bool, err error) {
	if !to.Valid() {
		return false, InvalidRequest("unknown order status %q", to)
	}
	if from.Terminal() {
		return false, InvalidTransition(from, to)
	}
	if from == to {
		return true, nil
	}
	if to == StatusCancelled {
		return false, nil
	}
	if from == StatusCompleted || to == StatusCompleted {
		return false, InvalidTransition(from, to)
	}
	if rank[to] < rank[from] {
		return false, InvalidTransition(from, to)
	}
	return false, nil
}

// CheckPaymentTransition validates a payment status change on an order in the given status.
func CheckPaymentTransition(orderStatus OrderStatus, from, to PaymentStatus) (noop bool, err error) {
	switch to {
	case PaymentPending, PaymentCompleted, PaymentFailed:
	default:
		return false, InvalidRequest("unknown payment status %q", to)
	}
	if orderStatus == StatusCancelled {
		return false, &Error{Code: CodeInvalidTransition, Message: "payment cannot change on a cancelled order"}
	}
	if from == to {
		return true, nil
	}
	if from == PaymentCompleted {
		return false, &Error{Code: CodeInvalidTransition, Message: "payment already completed"}
	}
	return false, nil
}
