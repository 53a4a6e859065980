package domain

import "time"

// OrderEventType — тип события жизненного цикла заказа.
type OrderEventType string

const (
	OrderEventCreated          OrderEventType = "order.created"
	OrderEventStatusChanged    OrderEventType = "order.status_changed"
	OrderEventPaid             OrderEventType = "order.paid"
	OrderEventCancelled        OrderEventType = "order.cancelled"
	OrderEventCheckoutRejected OrderEventType = "checkout.rejected"
)

// OrderEvent передаётся наблюдателю оформления заказов.
type OrderEvent struct {
	Type           OrderEventType
	Order          Order
	PreviousStatus OrderStatus
	// Reason заполняется для отклонённых оформлений.
	Reason   string
	Occurred time.Time
}

// TimelineEvent описывает событие в жизненном цикле заказа.
// Status фиксирует статус заказа сразу после события.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Status   OrderStatus
	Reason   string
	Occurred time.Time
}

// Validate проверяет, что событие привязано к заказу и имеет тип.
func (e TimelineEvent) Validate() error {
	if e.OrderID == "" || e.Type == "" {
		return ErrTimelineEventInvalid
	}
	return nil
}
