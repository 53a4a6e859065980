package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// IdentityKind различает владельцев корзины.
type IdentityKind string

const (
	// IdentityUser — авторизованный покупатель.
	IdentityUser IdentityKind = "user"
	// IdentityGuest — гостевая сессия без аккаунта.
	IdentityGuest IdentityKind = "guest"
)

// CartIdentity идентифицирует владельца корзины (и заказа).
type CartIdentity struct {
	Kind  IdentityKind
	Value string
}

// UserIdentity возвращает идентичность авторизованного пользователя.
func UserIdentity(userID string) CartIdentity {
	return CartIdentity{Kind: IdentityUser, Value: strings.TrimSpace(userID)}
}

// GuestIdentity возвращает идентичность гостевой сессии.
func GuestIdentity(sessionID string) CartIdentity {
	return CartIdentity{Kind: IdentityGuest, Value: strings.TrimSpace(sessionID)}
}

// Key — уникальный ключ корзины: не больше одной живой корзины на ключ.
func (i CartIdentity) Key() string {
	return string(i.Kind) + ":" + i.Value
}

// IsGuest сообщает, принадлежит ли корзина гостевой сессии.
func (i CartIdentity) IsGuest() bool {
	return i.Kind == IdentityGuest
}

// Validate проверяет, что владелец задан.
func (i CartIdentity) Validate() error {
	if i.Value == "" {
		return ErrIdentityRequired
	}
	if i.Kind != IdentityUser && i.Kind != IdentityGuest {
		return ErrIdentityRequired
	}
	return nil
}

func (i CartIdentity) String() string { return i.Key() }

// RefKind — вид ссылки на товар.
type RefKind string

const (
	// RefInternal — товар из собственного каталога, у него есть остаток.
	RefInternal RefKind = "internal"
	// RefExternal — товар внешнего каталога, остаток не отслеживается.
	RefExternal RefKind = "external"
)

const externalKeyPrefix = "external:"

// ExternalItem — описание товара внешнего каталога, которое приносит клиент.
type ExternalItem struct {
	Name  string
	Price decimal.Decimal
	Image string
}

// ProductRef ссылается либо на собственный товар, либо на товар внешнего каталога.
type ProductRef struct {
	Kind RefKind
	// ID — идентификатор складской записи или код во внешнем каталоге.
	ID string
	// External заполнен только для RefExternal.
	External *ExternalItem
}

// InternalRef ссылается на товар собственного каталога.
func InternalRef(productID string) ProductRef {
	return ProductRef{Kind: RefInternal, ID: strings.TrimSpace(productID)}
}

// ExternalRef ссылается на товар внешнего каталога вместе с его описанием.
func ExternalRef(code string, item ExternalItem) ProductRef {
	return ProductRef{Kind: RefExternal, ID: strings.TrimSpace(code), External: &item}
}

// ParseRefKey разбирает ключ из URL: "external:<code>" или идентификатор товара.
func ParseRefKey(raw string) ProductRef {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, externalKeyPrefix) {
		return ProductRef{Kind: RefExternal, ID: strings.TrimPrefix(raw, externalKeyPrefix)}
	}
	return InternalRef(strings.TrimPrefix(raw, "internal:"))
}

// Key — ключ схлопывания позиций: две позиции с одинаковым ключом не допускаются.
func (r ProductRef) Key() string {
	return string(r.Kind) + ":" + r.ID
}

// IsInternal сообщает, что ссылка указывает на собственный товар.
func (r ProductRef) IsInternal() bool {
	return r.Kind != RefExternal
}

// Validate проверяет ссылку. Для внешних товаров описание обязательно.
func (r ProductRef) Validate() error {
	if r.ID == "" {
		return ErrProductRefRequired
	}
	if r.IsInternal() {
		return nil
	}
	if r.External == nil || strings.TrimSpace(r.External.Name) == "" || r.External.Price.IsNegative() {
		return ErrExternalItemInvalid
	}
	return nil
}

// CartLine — одна позиция корзины.
type CartLine struct {
	Ref      ProductRef
	Quantity int
	AddedAt  time.Time
}

// Cart — корзина покупателя или гостя. Позиции упорядочены по первому добавлению.
type Cart struct {
	Identity  CartIdentity
	Lines     []CartLine
	UpdatedAt time.Time
}

// EmptyCart возвращает пустую корзину для владельца без сохранённой записи.
func EmptyCart(identity CartIdentity) Cart {
	return Cart{Identity: identity, Lines: []CartLine{}}
}

// IsGuest сообщает, что корзина гостевая.
func (c Cart) IsGuest() bool {
	return c.Identity.IsGuest()
}

// Line ищет позицию по ключу ссылки.
func (c Cart) Line(ref ProductRef) (CartLine, bool) {
	key := ref.Key()
	for _, line := range c.Lines {
		if line.Ref.Key() == key {
			return line, true
		}
	}
	return CartLine{}, false
}

// TotalQuantity возвращает суммарное количество единиц в корзине.
func (c Cart) TotalQuantity() int {
	total := 0
	for _, line := range c.Lines {
		total += line.Quantity
	}
	return total
}
