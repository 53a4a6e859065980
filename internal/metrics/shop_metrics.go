package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ShopMetrics содержит метрики корзин, оформления заказов и поиска.
type ShopMetrics struct {
	// Оформление заказов
	ordersCreated      prometheus.Counter
	checkoutRejected   *prometheus.CounterVec
	checkoutDuration   prometheus.Histogram
	reservationFailure prometheus.Counter
	compensations      prometheus.Counter

	// Жизненный цикл заказа
	statusChanges *prometheus.CounterVec
	ordersPaid    prometheus.Counter

	// Корзины
	cartMutations *prometheus.CounterVec

	// Поиск
	searchDuration   *prometheus.HistogramVec
	externalFailures prometheus.Counter

	// Журнал событий
	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter
}

// NewShopMetrics регистрирует метрики в DefaultRegisterer.
func NewShopMetrics() *ShopMetrics {
	return NewShopMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewShopMetricsWithRegisterer регистрирует метрики в переданном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewShopMetricsWithRegisterer(registerer prometheus.Registerer) *ShopMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ShopMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_orders_created_total",
			Help: "Total number of orders created from carts",
		}),
		checkoutRejected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_checkout_rejected_total",
			Help: "Total number of rejected checkouts by reason",
		}, []string{"reason"}),
		checkoutDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "storefront_checkout_duration_seconds",
			Help:    "Duration of checkout in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		reservationFailure: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_stock_reservation_failures_total",
			Help: "Total number of stock reservations rejected for insufficient stock",
		}),
		compensations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_stock_compensations_total",
			Help: "Total number of reserved lines released by compensation",
		}),
		statusChanges: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_order_status_changes_total",
			Help: "Total number of order status transitions by target status",
		}, []string{"status"}),
		ordersPaid: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_orders_paid_total",
			Help: "Total number of orders marked as paid",
		}),
		cartMutations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_cart_mutations_total",
			Help: "Total number of cart mutations by operation and owner kind",
		}, []string{"operation", "owner"}),
		searchDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "storefront_search_duration_seconds",
			Help:    "Duration of product search in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		externalFailures: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_catalog_failures_total",
			Help: "Total number of failed or timed out external catalog queries",
		}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// Методы безопасны для nil-получателя: сервисы в тестах работают без метрик.

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *ShopMetrics) RecordOrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

// RecordCheckoutRejected учитывает отклонённое оформление.
func (m *ShopMetrics) RecordCheckoutRejected(reason string) {
	if m == nil {
		return
	}
	m.checkoutRejected.WithLabelValues(reason).Inc()
}

// RecordCheckoutDuration записывает длительность оформления.
func (m *ShopMetrics) RecordCheckoutDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.checkoutDuration.Observe(duration.Seconds())
}

// RecordReservationFailure учитывает отказ склада.
func (m *ShopMetrics) RecordReservationFailure() {
	if m == nil {
		return
	}
	m.reservationFailure.Inc()
}

// RecordCompensation учитывает возврат позиции на склад при откате.
func (m *ShopMetrics) RecordCompensation() {
	if m == nil {
		return
	}
	m.compensations.Inc()
}

// RecordStatusChange учитывает смену статуса заказа.
func (m *ShopMetrics) RecordStatusChange(status string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(status).Inc()
}

// RecordOrderPaid учитывает оплаченный заказ.
func (m *ShopMetrics) RecordOrderPaid() {
	if m == nil {
		return
	}
	m.ordersPaid.Inc()
}

// RecordCartMutation учитывает изменение корзины.
func (m *ShopMetrics) RecordCartMutation(operation, owner string) {
	if m == nil {
		return
	}
	m.cartMutations.WithLabelValues(operation, owner).Inc()
}

// RecordSearchDuration записывает длительность поиска по источнику (local/external).
func (m *ShopMetrics) RecordSearchDuration(source string, duration time.Duration) {
	if m == nil {
		return
	}
	m.searchDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordExternalFailure учитывает сбой внешнего каталога.
func (m *ShopMetrics) RecordExternalFailure() {
	if m == nil {
		return
	}
	m.externalFailures.Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *ShopMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *ShopMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}
