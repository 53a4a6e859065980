// Package checkout превращает корзину в заказ и управляет жизненным циклом заказа.
package checkout

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	saveMaxRetries = 3
	saveBaseDelay  = 10 * time.Millisecond
	defaultListMax = 100
)

// Observer получает события оформления и жизненного цикла заказов.
type Observer interface {
	Notify(ctx context.Context, event domain.OrderEvent)
}

// ObserverFunc адаптирует функцию к Observer.
type ObserverFunc func(ctx context.Context, event domain.OrderEvent)

// Notify вызывает f.
func (f ObserverFunc) Notify(ctx context.Context, event domain.OrderEvent) { f(ctx, event) }

type nopObserver struct{}

func (nopObserver) Notify(context.Context, domain.OrderEvent) {}

// LineRequest: позиция снимка корзины вместе с данными, заявленными клиентом.
// Name/Price/Image используются, только если товар не найден на складе.
type LineRequest struct {
	Ref      domain.ProductRef
	Quantity int
	Name     string
	Price    decimal.Decimal
	Image    string
}

// CreateOrderRequest: запрос на оформление заказа.
type CreateOrderRequest struct {
	Owner           domain.CartIdentity
	Lines           []LineRequest
	TotalAmount     decimal.Decimal
	ShippingAddress domain.ShippingAddress
	PaymentMethod   string
}

// Tracking: публичное состояние доставки заказа.
type Tracking struct {
	OrderID     string
	Status      domain.OrderStatus
	IsPaid      bool
	PaidAt      *time.Time
	IsDelivered bool
	DeliveredAt *time.Time
	UpdatedAt   time.Time
	Timeline    []domain.TimelineEvent
}

// Service: фабрика заказов: резервирование, создание, переходы статусов.
type Service struct {
	orders          domain.OrderRepository
	products        domain.ProductRepository
	carts           domain.CartRepository
	timeline        domain.TimelineRepository
	observer        Observer
	logger          *log.Entry
	metrics         *metrics.ShopMetrics
	restockOnCancel bool
	now             func() time.Time
	newID           func() string
}

// Option настраивает Service.
type Option func(*Service)

// WithObserver подключает наблюдателя событий заказа.
func WithObserver(observer Observer) Option {
	return func(s *Service) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// WithTimeline подключает журнал событий для TrackOrder.
func WithTimeline(timeline domain.TimelineRepository) Option {
	return func(s *Service) {
		s.timeline = timeline
	}
}

// WithMetrics подключает Prometheus-метрики.
func WithMetrics(m *metrics.ShopMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithRestockOnCancel включает возврат зарезервированных позиций на склад при отмене.
func WithRestockOnCancel(enabled bool) Option {
	return func(s *Service) {
		s.restockOnCancel = enabled
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator подменяет генератор идентификаторов.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewService создаёт фабрику заказов.
func NewService(
	orders domain.OrderRepository,
	products domain.ProductRepository,
	carts domain.CartRepository,
	logger *log.Entry,
	opts ...Option,
) *Service {
	if logger == nil {
		logger = log.WithField("component", "checkout")
	}
	s := &Service{
		orders:          orders,
		products:        products,
		carts:           carts,
		observer:        nopObserver{},
		logger:          logger,
		restockOnCancel: true,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrder резервирует остатки по снимку корзины и сохраняет заказ.
// Любой отказ склада или хранилища возвращает на склад всё, что уже списано
// в рамках этого запроса; заказ в этом случае не сохраняется.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (domain.Order, error) {
	start := time.Now()
	defer func() {
		s.metrics.RecordCheckoutDuration(time.Since(start))
	}()

	address := req.ShippingAddress.Normalize()
	if err := validateRequest(req, address); err != nil {
		s.reject(ctx, req.Owner, "invalid_argument", err)
		return domain.Order{}, err
	}

	lines := collapseLines(req.Lines)
	orderLines, err := s.reserveLines(ctx, lines)
	if err != nil {
		reason := "storage_error"
		if domain.IsInsufficientStock(err) {
			reason = "insufficient_stock"
		}
		s.reject(ctx, req.Owner, reason, err)
		return domain.Order{}, err
	}

	now := s.now()
	order := domain.Order{
		ID:              s.newID(),
		Owner:           req.Owner,
		Lines:           orderLines,
		TotalAmount:     req.TotalAmount,
		ShippingAddress: address,
		PaymentMethod:   strings.TrimSpace(req.PaymentMethod),
		Status:          domain.OrderStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.orders.Create(ctx, order); err != nil {
		s.logger.WithError(err).WithField("owner", req.Owner.Key()).Error("persist order failed")
		s.releaseLines(ctx, orderLines)
		s.reject(ctx, req.Owner, "storage_error", err)
		return domain.Order{}, err
	}

	if err := s.carts.Clear(ctx, req.Owner); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"owner":    req.Owner.Key(),
		}).Warn("clear cart after checkout failed")
	}

	s.metrics.RecordOrderCreated()
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"owner":    req.Owner.Key(),
		"lines":    len(order.Lines),
		"total":    order.TotalAmount.String(),
	}).Info("order created")
	s.observer.Notify(ctx, domain.OrderEvent{Type: domain.OrderEventCreated, Order: order, Occurred: now})
	return order, nil
}

func validateRequest(req CreateOrderRequest, address domain.ShippingAddress) error {
	var errs []error
	if err := req.Owner.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(req.Lines) == 0 {
		errs = append(errs, domain.ErrItemsRequired)
	}
	if !req.TotalAmount.IsPositive() {
		errs = append(errs, domain.ErrTotalAmountInvalid)
	}
	errs = append(errs, address.Validate()...)
	if strings.TrimSpace(req.PaymentMethod) == "" {
		errs = append(errs, domain.ErrPaymentMethodRequired)
	}

	var refMissing, qtyInvalid, priceInvalid bool
	for _, line := range req.Lines {
		if line.Ref.ID == "" && !refMissing {
			refMissing = true
			errs = append(errs, domain.ErrItemProductRequired)
		}
		if line.Quantity < 1 && !qtyInvalid {
			qtyInvalid = true
			errs = append(errs, domain.ErrItemQtyInvalid)
		}
		if line.Price.IsNegative() && !priceInvalid {
			priceInvalid = true
			errs = append(errs, domain.ErrItemPriceInvalid)
		}
	}
	return domain.NewValidationError(errs)
}

// collapseLines складывает количества позиций с одинаковой ссылкой, сохраняя порядок.
func collapseLines(lines []LineRequest) []LineRequest {
	result := make([]LineRequest, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Ref.Kind == "" {
			line.Ref.Kind = domain.RefInternal
		}
		key := line.Ref.Key()
		if i, ok := index[key]; ok {
			result[i].Quantity += line.Quantity
			continue
		}
		index[key] = len(result)
		result = append(result, line)
	}
	return result
}

func (s *Service) reserveLines(ctx context.Context, lines []LineRequest) ([]domain.OrderLine, error) {
	orderLines := make([]domain.OrderLine, 0, len(lines))
	for _, line := range lines {
		orderLine := domain.OrderLine{
			ID:       s.newID(),
			Ref:      domain.ProductRef{Kind: line.Ref.Kind, ID: line.Ref.ID},
			Quantity: line.Quantity,
		}
		if orderLine.Ref.Kind == "" {
			orderLine.Ref.Kind = domain.RefInternal
		}

		if !line.Ref.IsInternal() {
			fillDeclared(&orderLine, line)
			orderLines = append(orderLines, orderLine)
			continue
		}

		snapshot, err := s.products.Reserve(ctx, line.Ref.ID, line.Quantity)
		switch {
		case err == nil:
			orderLine.Name = snapshot.Name
			orderLine.Price = snapshot.Price
			orderLine.Image = snapshot.Image
			orderLine.Reserved = true
		case domain.IsNotFound(err):
			s.logger.WithField("product_id", line.Ref.ID).Debug("product not in stock ledger, using declared line")
			fillDeclared(&orderLine, line)
		default:
			if domain.IsInsufficientStock(err) {
				s.metrics.RecordReservationFailure()
			}
			s.logger.WithError(err).WithField("product_id", line.Ref.ID).Warn("reserve failed, releasing checkout")
			s.releaseLines(ctx, orderLines)
			return nil, err
		}
		orderLines = append(orderLines, orderLine)
	}
	return orderLines, nil
}

func fillDeclared(orderLine *domain.OrderLine, line LineRequest) {
	orderLine.Name = strings.TrimSpace(line.Name)
	orderLine.Price = line.Price
	orderLine.Image = line.Image
	if ext := line.Ref.External; ext != nil {
		if orderLine.Name == "" {
			orderLine.Name = ext.Name
		}
		if line.Price.IsZero() {
			orderLine.Price = ext.Price
		}
		if orderLine.Image == "" {
			orderLine.Image = ext.Image
		}
	}
	if orderLine.Name == "" {
		orderLine.Name = line.Ref.ID
	}
}

// releaseLines возвращает на склад все зарезервированные позиции.
func (s *Service) releaseLines(ctx context.Context, lines []domain.OrderLine) {
	for _, line := range lines {
		if !line.Reserved {
			continue
		}
		if err := s.products.Release(ctx, line.Ref.ID, line.Quantity); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"product_id": line.Ref.ID,
				"quantity":   line.Quantity,
			}).Error("release reservation failed")
			continue
		}
		s.metrics.RecordCompensation()
	}
}

func (s *Service) reject(ctx context.Context, owner domain.CartIdentity, reason string, err error) {
	s.metrics.RecordCheckoutRejected(reason)
	s.observer.Notify(ctx, domain.OrderEvent{
		Type:     domain.OrderEventCheckoutRejected,
		Order:    domain.Order{Owner: owner},
		Reason:   err.Error(),
		Occurred: s.now(),
	})
}

// GetOrder возвращает заказ владельцу или администратору.
func (s *Service) GetOrder(ctx context.Context, principal domain.Principal, id string) (domain.Order, error) {
	if _, ok := principal.Identity(); !ok {
		return domain.Order{}, domain.ErrAuthRequired
	}
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if !principal.CanAccess(order.Owner) {
		return domain.Order{}, domain.ErrOrderForbidden
	}
	return order, nil
}

// ListMyOrders возвращает заказы вызывающего, новые первыми.
func (s *Service) ListMyOrders(ctx context.Context, principal domain.Principal, limit int) ([]domain.Order, error) {
	identity, ok := principal.Identity()
	if !ok {
		return nil, domain.ErrAuthRequired
	}
	return s.orders.ListByOwner(ctx, identity, normalizeLimit(limit))
}

// ListOrders возвращает все заказы; только для администратора.
func (s *Service) ListOrders(ctx context.Context, principal domain.Principal, limit int) ([]domain.Order, error) {
	if err := requireAdmin(principal); err != nil {
		return nil, err
	}
	return s.orders.List(ctx, normalizeLimit(limit))
}

// TrackOrder возвращает статус доставки и журнал событий заказа.
func (s *Service) TrackOrder(ctx context.Context, principal domain.Principal, id string) (Tracking, error) {
	order, err := s.GetOrder(ctx, principal, id)
	if err != nil {
		return Tracking{}, err
	}

	tracking := Tracking{
		OrderID:     order.ID,
		Status:      order.Status,
		IsPaid:      order.IsPaid,
		PaidAt:      order.PaidAt,
		IsDelivered: order.IsDelivered,
		DeliveredAt: order.DeliveredAt,
		UpdatedAt:   order.UpdatedAt,
		Timeline:    []domain.TimelineEvent{},
	}
	if s.timeline != nil {
		events, err := s.timeline.List(ctx, order.ID)
		if err != nil {
			s.logger.WithError(err).WithField("order_id", order.ID).Warn("load timeline failed")
		} else {
			tracking.Timeline = events
		}
	}
	return tracking, nil
}

// UpdateStatus переводит заказ в новый статус; только для администратора.
func (s *Service) UpdateStatus(ctx context.Context, principal domain.Principal, id, rawStatus string) (domain.Order, error) {
	if err := requireAdmin(principal); err != nil {
		return domain.Order{}, err
	}
	next, err := domain.ParseOrderStatus(rawStatus)
	if err != nil {
		return domain.Order{}, err
	}

	order, previous, changed, err := s.mutate(ctx, id, func(order *domain.Order) (bool, error) {
		return order.ApplyStatus(next, s.now())
	})
	if err != nil || !changed {
		return order, err
	}

	s.afterStatusChange(ctx, order, previous)
	return order, nil
}

// MarkPaid фиксирует оплату; доступно владельцу и администратору.
func (s *Service) MarkPaid(ctx context.Context, principal domain.Principal, id string, result domain.PaymentResult) (domain.Order, error) {
	if _, ok := principal.Identity(); !ok {
		return domain.Order{}, domain.ErrAuthRequired
	}

	order, previous, _, err := s.mutate(ctx, id, func(order *domain.Order) (bool, error) {
		if !principal.CanAccess(order.Owner) {
			return false, domain.ErrOrderForbidden
		}
		order.MarkPaid(result, s.now())
		return true, nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.metrics.RecordOrderPaid()
	s.logger.WithField("order_id", order.ID).Info("order marked as paid")
	s.observer.Notify(ctx, domain.OrderEvent{Type: domain.OrderEventPaid, Order: order, PreviousStatus: previous, Occurred: order.UpdatedAt})
	return order, nil
}

// CancelOrder отменяет заказ в статусе pending; доступно владельцу и администратору.
// Повторная отмена уже отменённого заказа ничего не меняет.
func (s *Service) CancelOrder(ctx context.Context, principal domain.Principal, id string) (domain.Order, error) {
	if _, ok := principal.Identity(); !ok {
		return domain.Order{}, domain.ErrAuthRequired
	}

	order, previous, changed, err := s.mutate(ctx, id, func(order *domain.Order) (bool, error) {
		if !principal.CanAccess(order.Owner) {
			return false, domain.ErrOrderForbidden
		}
		if order.Status != domain.OrderStatusPending && order.Status != domain.OrderStatusCancelled {
			return false, domain.ErrOrderNotCancelable
		}
		return order.ApplyStatus(domain.OrderStatusCancelled, s.now())
	})
	if err != nil || !changed {
		return order, err
	}

	s.afterStatusChange(ctx, order, previous)
	return order, nil
}

func (s *Service) afterStatusChange(ctx context.Context, order domain.Order, previous domain.OrderStatus) {
	s.metrics.RecordStatusChange(string(order.Status))
	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"from":     previous,
		"to":       order.Status,
	}).Info("order status changed")

	eventType := domain.OrderEventStatusChanged
	if order.Status == domain.OrderStatusCancelled {
		eventType = domain.OrderEventCancelled
		if s.restockOnCancel {
			s.releaseLines(ctx, order.ReservedLines())
		}
	}
	s.observer.Notify(ctx, domain.OrderEvent{Type: eventType, Order: order, PreviousStatus: previous, Occurred: order.UpdatedAt})
}

// mutate читает заказ, применяет apply и сохраняет с optimistic locking.
// При конфликте версий заказ перечитывается, а apply применяется заново.
func (s *Service) mutate(
	ctx context.Context,
	id string,
	apply func(order *domain.Order) (bool, error),
) (domain.Order, domain.OrderStatus, bool, error) {
	for attempt := 0; ; attempt++ {
		order, err := s.orders.Get(ctx, id)
		if err != nil {
			return domain.Order{}, "", false, err
		}
		previous := order.Status

		changed, err := apply(&order)
		if err != nil {
			return domain.Order{}, "", false, err
		}
		if !changed {
			return order, previous, false, nil
		}

		err = s.orders.Save(ctx, order)
		if err == nil {
			order.Version++
			return order, previous, true, nil
		}
		if !domain.IsVersionConflict(err) || attempt >= saveMaxRetries-1 {
			s.logger.WithError(err).WithFields(log.Fields{
				"order_id": id,
				"attempt":  attempt + 1,
			}).Error("failed to persist order")
			return domain.Order{}, "", false, err
		}

		s.logger.WithFields(log.Fields{
			"order_id": id,
			"attempt":  attempt + 1,
		}).Warn("version conflict detected, retrying")

		select {
		case <-ctx.Done():
			return domain.Order{}, "", false, ctx.Err()
		case <-time.After(saveBaseDelay * time.Duration(1<<uint(attempt))):
		}
	}
}

func requireAdmin(principal domain.Principal) error {
	if !principal.Authenticated() {
		return domain.ErrAuthRequired
	}
	if !principal.Admin {
		return domain.ErrAdminRequired
	}
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > defaultListMax {
		return defaultListMax
	}
	return limit
}
