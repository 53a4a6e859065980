package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Категории ошибок. Транспортный слой сопоставляет их с HTTP-статусами,
// конкретные ошибки ниже оборачивают одну из категорий.
var (
	ErrInvalidArgument         = errors.New("invalid argument")
	ErrNotFound                = errors.New("not found")
	ErrInsufficientStock       = errors.New("insufficient stock")
	ErrUnauthorized            = errors.New("unauthorized")
	ErrForbidden               = errors.New("forbidden")
	ErrConflict                = errors.New("conflict")
	ErrExternalServiceDegraded = errors.New("external service degraded")
)

// kindError — ошибка с фиксированной категорией.
type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

func newKindError(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

var (
	// ErrProductNotFound — товара нет в каталоге магазина.
	ErrProductNotFound = newKindError(ErrNotFound, "product not found")
	// ErrCartLineNotFound — в корзине нет позиции с таким товаром.
	ErrCartLineNotFound = newKindError(ErrNotFound, "product not found in cart")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = newKindError(ErrNotFound, "order not found")
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = newKindError(ErrConflict, "order version conflict")

	ErrQuantityInvalid       = newKindError(ErrInvalidArgument, "quantity must be at least 1")
	ErrProductRefRequired    = newKindError(ErrInvalidArgument, "product id is required")
	ErrExternalItemInvalid   = newKindError(ErrInvalidArgument, "external item requires a name and a non-negative price")
	ErrIdentityRequired      = newKindError(ErrInvalidArgument, "cart owner is required")
	ErrSearchTermTooShort    = newKindError(ErrInvalidArgument, "search term must be at least 2 characters")
	ErrOrderStatusInvalid    = newKindError(ErrInvalidArgument, "unknown order status")
	ErrOrderStatusTransition = newKindError(ErrInvalidArgument, "order status transition is not allowed")
	ErrOrderNotCancelable    = newKindError(ErrInvalidArgument, "only pending orders can be cancelled")
	ErrProductInvalid        = newKindError(ErrInvalidArgument, "product requires a name, a non-negative price and non-negative stock")
	ErrTimelineEventInvalid  = newKindError(ErrInvalidArgument, "timeline event requires an order id and a type")

	// Ошибки авторизации.
	ErrAuthRequired   = newKindError(ErrUnauthorized, "authentication required")
	ErrAdminRequired  = newKindError(ErrForbidden, "admin role required")
	ErrOrderForbidden = newKindError(ErrForbidden, "order belongs to another customer")

	// ErrCatalogUnavailable — внешний каталог не ответил или ответил ошибкой.
	ErrCatalogUnavailable = newKindError(ErrExternalServiceDegraded, "external catalog unavailable")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
	// ErrOutboxMessageNotFound — сообщения с таким id нет в outbox.
	ErrOutboxMessageNotFound = newKindError(ErrNotFound, "outbox message not found")
)

// Ошибки идемпотентности.
var (
	ErrIdempotencyKeyRequired         = newKindError(ErrInvalidArgument, "idempotency key is required")
	ErrIdempotencyKeyTooLong          = newKindError(ErrInvalidArgument, "idempotency key is too long")
	ErrIdempotencyRequestHashRequired = newKindError(ErrInvalidArgument, "idempotency request hash is required")
	ErrIdempotencyStatusInvalid       = newKindError(ErrInvalidArgument, "idempotency status must be done or failed")
	ErrIdempotencyKeyNotFound         = newKindError(ErrNotFound, "idempotency key not found")
	ErrIdempotencyKeyAlreadyExists    = newKindError(ErrConflict, "idempotency key already exists")
	ErrIdempotencyHashMismatch        = newKindError(ErrConflict, "idempotency key reused with a different request")
	ErrIdempotencyInProgress          = newKindError(ErrConflict, "request with the same idempotency key is already processing")
)

// FieldError — замечание валидации, привязанное к полю запроса.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *FieldError) Unwrap() error { return ErrInvalidArgument }

// Замечания валидации заказа.
var (
	ErrItemsRequired         = &FieldError{Field: "items", Message: "order must contain at least one item"}
	ErrItemQtyInvalid        = &FieldError{Field: "items.quantity", Message: "item quantity must be at least 1"}
	ErrItemPriceInvalid      = &FieldError{Field: "items.price", Message: "item price must be non-negative"}
	ErrItemProductRequired   = &FieldError{Field: "items.productId", Message: "item product id is required"}
	ErrTotalAmountInvalid    = &FieldError{Field: "totalAmount", Message: "total amount must be greater than zero"}
	ErrStreetRequired        = &FieldError{Field: "shippingAddress.street", Message: "street is required"}
	ErrCityRequired          = &FieldError{Field: "shippingAddress.city", Message: "city is required"}
	ErrStateRequired         = &FieldError{Field: "shippingAddress.state", Message: "state is required"}
	ErrZipCodeRequired       = &FieldError{Field: "shippingAddress.zipCode", Message: "zip code is required"}
	ErrPaymentMethodRequired = &FieldError{Field: "paymentMethod", Message: "payment method is required"}
)

// ValidationError собирает все найденные замечания, а не только первое.
type ValidationError struct {
	Errs []error
}

// NewValidationError возвращает nil, если замечаний нет.
func NewValidationError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &ValidationError{Errs: errs}
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		parts = append(parts, err.Error())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() []error { return e.Errs }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidArgument }

// Fields возвращает замечания в виде пар поле/сообщение.
func (e *ValidationError) Fields() []FieldError {
	result := make([]FieldError, 0, len(e.Errs))
	for _, err := range e.Errs {
		var fe *FieldError
		if errors.As(err, &fe) {
			result = append(result, *fe)
			continue
		}
		result = append(result, FieldError{Message: err.Error()})
	}
	return result
}

// InsufficientStockError описывает нехватку остатка по конкретному товару.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIdempotencyConflict проверяет, что ключ идемпотентности уже занят.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

// IsNotFound проверяет категорию NotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidArgument проверяет категорию InvalidArgument.
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }

// IsInsufficientStock проверяет категорию InsufficientStock.
func IsInsufficientStock(err error) bool { return errors.Is(err, ErrInsufficientStock) }
