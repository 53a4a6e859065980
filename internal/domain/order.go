package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан, товары зарезервированы.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusShipped — заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered — заказ получен покупателем.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — заказ отменён.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// ParseOrderStatus разбирает статус из запроса.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrOrderStatusInvalid, raw)
	}
	return status, nil
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal сообщает, что из статуса переходов нет.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// CanTransitionTo проверяет переход только вперёд по графу статусов.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusShipped || next == OrderStatusDelivered || next == OrderStatusCancelled
	case OrderStatusShipped:
		return next == OrderStatusDelivered
	default:
		return false
	}
}

// OrderLine — замороженная копия товара на момент оформления.
type OrderLine struct {
	ID       string
	Ref      ProductRef
	Name     string
	Quantity int
	Price    decimal.Decimal
	Image    string
	// Reserved — количество списано со склада и при отмене возвращается.
	Reserved bool
}

// Subtotal возвращает стоимость позиции.
func (l OrderLine) Subtotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// ShippingAddress — адрес доставки.
type ShippingAddress struct {
	Street  string
	City    string
	State   string
	ZipCode string
	Country string
}

// Normalize обрезает пробелы во всех полях.
func (a ShippingAddress) Normalize() ShippingAddress {
	return ShippingAddress{
		Street:  strings.TrimSpace(a.Street),
		City:    strings.TrimSpace(a.City),
		State:   strings.TrimSpace(a.State),
		ZipCode: strings.TrimSpace(a.ZipCode),
		Country: strings.TrimSpace(a.Country),
	}
}

// Validate возвращает все незаполненные обязательные поля.
func (a ShippingAddress) Validate() []error {
	var errs []error
	if strings.TrimSpace(a.Street) == "" {
		errs = append(errs, ErrStreetRequired)
	}
	if strings.TrimSpace(a.City) == "" {
		errs = append(errs, ErrCityRequired)
	}
	if strings.TrimSpace(a.State) == "" {
		errs = append(errs, ErrStateRequired)
	}
	if strings.TrimSpace(a.ZipCode) == "" {
		errs = append(errs, ErrZipCodeRequired)
	}
	return errs
}

// PaymentResult — данные платёжного провайдера, которые присылает клиент.
type PaymentResult struct {
	ID           string
	Status       string
	UpdateTime   string
	EmailAddress string
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID              string
	Owner           CartIdentity
	Lines           []OrderLine
	TotalAmount     decimal.Decimal
	ShippingAddress ShippingAddress
	PaymentMethod   string
	PaymentResult   *PaymentResult
	Status          OrderStatus
	IsPaid          bool
	PaidAt          *time.Time
	IsDelivered     bool
	DeliveredAt     *time.Time
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if len(o.Lines) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if !o.TotalAmount.IsPositive() {
		errs = append(errs, ErrTotalAmountInvalid)
	}
	errs = append(errs, o.ShippingAddress.Validate()...)
	if strings.TrimSpace(o.PaymentMethod) == "" {
		errs = append(errs, ErrPaymentMethodRequired)
	}

	for _, line := range o.Lines {
		if line.Quantity < 1 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if line.Price.IsNegative() {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}

	return errs
}

// LinesTotal возвращает сумму позиций (для сверки с заявленной клиентом суммой).
func (o *Order) LinesTotal() decimal.Decimal {
	total := decimal.Zero
	for _, line := range o.Lines {
		total = total.Add(line.Subtotal())
	}
	return total
}

// ApplyStatus переводит заказ в новый статус. Повторное применение того же статуса
// ничего не меняет и возвращает changed=false.
func (o *Order) ApplyStatus(next OrderStatus, now time.Time) (bool, error) {
	if !next.Valid() {
		return false, fmt.Errorf("%w: %q", ErrOrderStatusInvalid, next)
	}
	if next == o.Status {
		return false, nil
	}
	if !o.Status.CanTransitionTo(next) {
		return false, fmt.Errorf("%w: %s -> %s", ErrOrderStatusTransition, o.Status, next)
	}

	o.Status = next
	if next == OrderStatusDelivered && !o.IsDelivered {
		o.IsDelivered = true
		at := now
		o.DeliveredAt = &at
	}
	o.UpdatedAt = now
	return true, nil
}

// MarkPaid фиксирует оплату независимо от статуса заказа.
func (o *Order) MarkPaid(result PaymentResult, now time.Time) {
	o.IsPaid = true
	at := now
	o.PaidAt = &at
	o.PaymentResult = &result
	o.UpdatedAt = now
}

// ReservedLines возвращает позиции, количество которых было списано со склада.
func (o *Order) ReservedLines() []OrderLine {
	result := make([]OrderLine, 0, len(o.Lines))
	for _, line := range o.Lines {
		if line.Reserved {
			result = append(result, line)
		}
	}
	return result
}
