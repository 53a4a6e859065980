// Package cart реализует корзины покупателей и гостей поверх CartRepository.
package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const unlimitedQuantity = -1

// Service управляет корзинами. Пользовательские и гостевые корзины хранятся
// в одном репозитории и различаются только видом идентичности.
type Service struct {
	carts    domain.CartRepository
	products domain.ProductRepository
	logger   *log.Entry
	metrics  *metrics.ShopMetrics
}

// Option настраивает Service.
type Option func(*Service)

// WithMetrics подключает Prometheus-метрики.
func WithMetrics(m *metrics.ShopMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService создаёт сервис корзин.
func NewService(carts domain.CartRepository, products domain.ProductRepository, logger *log.Entry, opts ...Option) *Service {
	if logger == nil {
		logger = log.WithField("component", "cart")
	}
	s := &Service{
		carts:    carts,
		products: products,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get возвращает корзину; для отсутствующей возвращается пустая, без ошибки.
func (s *Service) Get(ctx context.Context, identity domain.CartIdentity) (domain.Cart, error) {
	return s.carts.Get(ctx, identity)
}

// AddItem добавляет товар или увеличивает количество существующей позиции.
// Для собственных товаров итоговое количество не может превысить остаток.
func (s *Service) AddItem(ctx context.Context, identity domain.CartIdentity, ref domain.ProductRef, qty int) (domain.CartLine, error) {
	if err := identity.Validate(); err != nil {
		return domain.CartLine{}, err
	}
	if qty < 1 {
		return domain.CartLine{}, domain.ErrQuantityInvalid
	}
	if err := ref.Validate(); err != nil {
		return domain.CartLine{}, err
	}

	maxQuantity := unlimitedQuantity
	if ref.IsInternal() {
		product, err := s.products.Get(ctx, ref.ID)
		if err != nil {
			return domain.CartLine{}, err
		}
		maxQuantity = product.Stock
		ref.Kind = domain.RefInternal
		ref.External = nil
	}

	line, err := s.carts.AddLine(ctx, identity, ref, qty, maxQuantity)
	if err != nil {
		return domain.CartLine{}, err
	}

	s.recordMutation("add", identity)
	s.logger.WithFields(log.Fields{
		"owner":    identity.Key(),
		"ref":      ref.Key(),
		"quantity": line.Quantity,
	}).Debug("cart line added")
	return line, nil
}

// SetItemQuantity задаёт абсолютное количество позиции. Отсутствующая позиция
// даёт NotFound раньше проверки остатка.
func (s *Service) SetItemQuantity(ctx context.Context, identity domain.CartIdentity, ref domain.ProductRef, qty int) (domain.CartLine, error) {
	if err := identity.Validate(); err != nil {
		return domain.CartLine{}, err
	}
	if qty < 1 {
		return domain.CartLine{}, domain.ErrQuantityInvalid
	}
	if ref.ID == "" {
		return domain.CartLine{}, domain.ErrProductRefRequired
	}

	maxQuantity := unlimitedQuantity
	if ref.IsInternal() {
		product, err := s.products.Get(ctx, ref.ID)
		if err != nil {
			return domain.CartLine{}, err
		}
		maxQuantity = product.Stock
		ref.Kind = domain.RefInternal
		ref.External = nil
	}

	line, err := s.carts.SetLineQuantity(ctx, identity, ref, qty, maxQuantity)
	if err != nil {
		return domain.CartLine{}, err
	}
	s.recordMutation("set", identity)
	return line, nil
}

// RemoveItem удаляет позицию; отсутствие позиции не ошибка.
func (s *Service) RemoveItem(ctx context.Context, identity domain.CartIdentity, ref domain.ProductRef) error {
	if err := s.carts.RemoveLine(ctx, identity, ref); err != nil {
		return err
	}
	s.recordMutation("remove", identity)
	return nil
}

// Clear очищает корзину; отсутствие корзины не ошибка.
func (s *Service) Clear(ctx context.Context, identity domain.CartIdentity) error {
	if err := s.carts.Clear(ctx, identity); err != nil {
		return err
	}
	s.recordMutation("clear", identity)
	return nil
}

// SkippedLine: позиция гостевой корзины, которую не удалось перенести.
type SkippedLine struct {
	Ref      domain.ProductRef
	Quantity int
	Reason   string
}

// MergeResult: итог переноса гостевой корзины.
type MergeResult struct {
	Cart    domain.Cart
	Merged  int
	Skipped []SkippedLine
}

// MergeGuestIntoUser переносит позиции гостевой корзины в корзину пользователя
// по правилам AddItem и очищает гостевую корзину. Позиции без товара или без
// остатка пропускаются и перечисляются в результате. Перенесённая позиция сразу
// удаляется из гостевой корзины: повтор после сбоя хранилища не добавит её второй раз.
func (s *Service) MergeGuestIntoUser(ctx context.Context, guest, user domain.CartIdentity) (MergeResult, error) {
	if err := guest.Validate(); err != nil {
		return MergeResult{}, err
	}
	if err := user.Validate(); err != nil {
		return MergeResult{}, err
	}
	if !guest.IsGuest() || user.IsGuest() {
		return MergeResult{}, fmt.Errorf("%w: merge requires a guest source and a user target", domain.ErrInvalidArgument)
	}

	source, err := s.carts.Get(ctx, guest)
	if err != nil {
		return MergeResult{}, err
	}

	result := MergeResult{Skipped: []SkippedLine{}}
	for _, line := range source.Lines {
		_, err := s.AddItem(ctx, user, line.Ref, line.Quantity)
		switch {
		case err == nil:
			if err := s.carts.RemoveLine(ctx, guest, line.Ref); err != nil {
				return MergeResult{}, err
			}
			result.Merged++
		case domain.IsInsufficientStock(err), domain.IsNotFound(err), errors.Is(err, domain.ErrInvalidArgument):
			result.Skipped = append(result.Skipped, SkippedLine{Ref: line.Ref, Quantity: line.Quantity, Reason: err.Error()})
		default:
			return MergeResult{}, err
		}
	}

	if err := s.carts.Clear(ctx, guest); err != nil {
		return MergeResult{}, err
	}

	result.Cart, err = s.carts.Get(ctx, user)
	if err != nil {
		return MergeResult{}, err
	}

	s.recordMutation("merge", user)
	s.logger.WithFields(log.Fields{
		"guest":   guest.Key(),
		"user":    user.Key(),
		"merged":  result.Merged,
		"skipped": len(result.Skipped),
	}).Info("guest cart merged")
	return result, nil
}

// LineView: позиция корзины вместе с актуальными данными каталога.
type LineView struct {
	Ref       domain.ProductRef
	Quantity  int
	Name      string
	Price     decimal.Decimal
	Image     string
	Stock     int
	Available bool
	Subtotal  decimal.Decimal
}

// View: корзина для отображения клиенту.
type View struct {
	Identity      domain.CartIdentity
	Lines         []LineView
	TotalQuantity int
	Subtotal      decimal.Decimal
}

// View возвращает корзину с названиями и ценами. Собственные товары
// подтягиваются из каталога, внешние берут сохранённое описание.
func (s *Service) View(ctx context.Context, identity domain.CartIdentity) (View, error) {
	cart, err := s.carts.Get(ctx, identity)
	if err != nil {
		return View{}, err
	}

	view := View{Identity: identity, Lines: make([]LineView, 0, len(cart.Lines)), Subtotal: decimal.Zero}
	for _, line := range cart.Lines {
		item := LineView{Ref: line.Ref, Quantity: line.Quantity}
		if line.Ref.IsInternal() {
			product, err := s.products.Get(ctx, line.Ref.ID)
			switch {
			case err == nil:
				item.Name = product.Name
				item.Price = product.Price
				item.Image = product.Image
				item.Stock = product.Stock
				item.Available = product.Stock >= line.Quantity
			case domain.IsNotFound(err):
				s.logger.WithField("ref", line.Ref.Key()).Warn("cart references missing product")
			default:
				return View{}, err
			}
		} else if line.Ref.External != nil {
			item.Name = line.Ref.External.Name
			item.Price = line.Ref.External.Price
			item.Image = line.Ref.External.Image
			item.Available = true
		}

		item.Subtotal = item.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		view.Subtotal = view.Subtotal.Add(item.Subtotal)
		view.TotalQuantity += item.Quantity
		view.Lines = append(view.Lines, item)
	}
	return view, nil
}

func (s *Service) recordMutation(operation string, identity domain.CartIdentity) {
	s.metrics.RecordCartMutation(operation, string(identity.Kind))
}
