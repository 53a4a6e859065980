// Package journal фиксирует события заказов: лог, метрики, timeline и outbox.
package journal

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// AggregateOrder: тип агрегата в outbox-сообщениях.
const AggregateOrder = "order"

// Типы событий в timeline заказа.
const (
	TimelineOrderCreated       = "OrderCreated"
	TimelineOrderStatusChanged = "OrderStatusChanged"
	TimelineOrderPaid          = "OrderPaid"
	TimelineOrderCanceled      = "OrderCanceled"
)

// Journal реализует наблюдателя checkout. Ошибки хранилищ только логируются.
type Journal struct {
	timeline domain.TimelineRepository
	outbox   domain.OutboxRepository
	logger   *log.Entry
	metrics  *metrics.ShopMetrics
}

// Option настраивает Journal.
type Option func(*Journal)

// WithTimeline подключает хранилище timeline.
func WithTimeline(timeline domain.TimelineRepository) Option {
	return func(j *Journal) { j.timeline = timeline }
}

// WithOutbox подключает transactional outbox.
func WithOutbox(outbox domain.OutboxRepository) Option {
	return func(j *Journal) { j.outbox = outbox }
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.ShopMetrics) Option {
	return func(j *Journal) { j.metrics = m }
}

// New создаёт журнал.
func New(logger *log.Entry, opts ...Option) *Journal {
	if logger == nil {
		logger = log.WithField("component", "order-journal")
	}
	j := &Journal{logger: logger}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

type eventPayload struct {
	OrderID        string `json:"order_id"`
	Owner          string `json:"owner"`
	Status         string `json:"status"`
	PreviousStatus string `json:"previous_status,omitempty"`
	TotalAmount    string `json:"total_amount"`
	Lines          int    `json:"lines"`
	IsPaid         bool   `json:"is_paid"`
	Reason         string `json:"reason,omitempty"`
	Occurred       string `json:"ts"`
}

// Notify записывает событие.
func (j *Journal) Notify(ctx context.Context, event domain.OrderEvent) {
	occurred := event.Occurred
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	fields := log.Fields{
		"event":  event.Type,
		"status": event.Order.Status,
	}
	if event.Order.ID != "" {
		fields["order_id"] = event.Order.ID
	}
	if event.Reason != "" {
		fields["reason"] = event.Reason
	}
	entry := j.logger.WithFields(fields)

	if event.Order.ID == "" {
		entry.Warn("checkout rejected")
		return
	}
	entry.Info("order event")

	j.appendTimeline(ctx, event, occurred)
	j.enqueue(ctx, event, occurred)
}

func (j *Journal) appendTimeline(ctx context.Context, event domain.OrderEvent, occurred time.Time) {
	if j.timeline == nil {
		return
	}
	eventType, ok := timelineType(event.Type)
	if !ok {
		return
	}

	record := domain.TimelineEvent{
		OrderID:  event.Order.ID,
		Type:     eventType,
		Status:   event.Order.Status,
		Reason:   event.Reason,
		Occurred: occurred,
	}
	if event.Type == domain.OrderEventStatusChanged && record.Reason == "" {
		record.Reason = string(event.PreviousStatus) + " -> " + string(event.Order.Status)
	}
	if err := j.timeline.Append(ctx, record); err != nil {
		j.logger.WithError(err).WithFields(log.Fields{
			"order_id": event.Order.ID,
			"event":    eventType,
		}).Warn("append timeline event failed")
		return
	}
	j.metrics.RecordTimelineEvent()
}

func (j *Journal) enqueue(ctx context.Context, event domain.OrderEvent, occurred time.Time) {
	if j.outbox == nil {
		return
	}

	payload := eventPayload{
		OrderID:        event.Order.ID,
		Owner:          event.Order.Owner.Key(),
		Status:         string(event.Order.Status),
		PreviousStatus: string(event.PreviousStatus),
		TotalAmount:    event.Order.TotalAmount.StringFixed(2),
		Lines:          len(event.Order.Lines),
		IsPaid:         event.Order.IsPaid,
		Reason:         event.Reason,
		Occurred:       occurred.UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		j.logger.WithError(err).WithFields(log.Fields{
			"order_id": event.Order.ID,
			"event":    event.Type,
		}).Error("marshal event failed")
		return
	}

	msg := domain.OutboxMessage{
		AggregateType: AggregateOrder,
		AggregateID:   event.Order.ID,
		EventType:     string(event.Type),
		Payload:       data,
	}
	if _, err := j.outbox.Enqueue(ctx, msg); err != nil {
		j.logger.WithError(err).WithFields(log.Fields{
			"order_id": event.Order.ID,
			"event":    event.Type,
		}).Error("enqueue event failed")
		return
	}
	j.metrics.RecordOutboxEvent()
}

func timelineType(eventType domain.OrderEventType) (string, bool) {
	switch eventType {
	case domain.OrderEventCreated:
		return TimelineOrderCreated, true
	case domain.OrderEventStatusChanged:
		return TimelineOrderStatusChanged, true
	case domain.OrderEventPaid:
		return TimelineOrderPaid, true
	case domain.OrderEventCancelled:
		return TimelineOrderCanceled, true
	default:
		return "", false
	}
}
