package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// cartRepositoryInMemory хранит корзины по ключу владельца.
type cartRepositoryInMemory struct {
	mu    sync.Mutex
	carts map[string]domain.Cart
}

// NewCartRepository создаёт in-memory реализацию CartRepository.
func NewCartRepository() domain.CartRepository {
	return &cartRepositoryInMemory{carts: make(map[string]domain.Cart)}
}

func (r *cartRepositoryInMemory) Get(_ context.Context, identity domain.CartIdentity) (domain.Cart, error) {
	if err := identity.Validate(); err != nil {
		return domain.Cart{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cart, ok := r.carts[identity.Key()]
	if !ok {
		return domain.EmptyCart(identity), nil
	}
	return cloneCart(cart), nil
}

// AddLine проверяет лимит и увеличивает количество в одной критической секции.
func (r *cartRepositoryInMemory) AddLine(_ context.Context, identity domain.CartIdentity, ref domain.ProductRef, qty, maxQuantity int) (domain.CartLine, error) {
	if err := identity.Validate(); err != nil {
		return domain.CartLine{}, err
	}
	if qty < 1 {
		return domain.CartLine{}, domain.ErrQuantityInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	cart, ok := r.carts[identity.Key()]
	if !ok {
		cart = domain.EmptyCart(identity)
	}

	idx := lineIndex(cart, ref)
	existing := 0
	if idx >= 0 {
		existing = cart.Lines[idx].Quantity
	}
	if maxQuantity >= 0 && existing+qty > maxQuantity {
		return domain.CartLine{}, &domain.InsufficientStockError{
			ProductID: ref.ID,
			Requested: existing + qty,
			Available: maxQuantity,
		}
	}

	if idx >= 0 {
		cart.Lines[idx].Quantity += qty
		if ref.External != nil {
			cart.Lines[idx].Ref.External = ref.External
		}
	} else {
		cart.Lines = append(cart.Lines, domain.CartLine{Ref: ref, Quantity: qty, AddedAt: now})
		idx = len(cart.Lines) - 1
	}
	cart.UpdatedAt = now
	r.carts[identity.Key()] = cart
	return cart.Lines[idx], nil
}

// SetLineQuantity ищет позицию и проверяет лимит в одной критической секции.
func (r *cartRepositoryInMemory) SetLineQuantity(_ context.Context, identity domain.CartIdentity, ref domain.ProductRef, qty, maxQuantity int) (domain.CartLine, error) {
	if err := identity.Validate(); err != nil {
		return domain.CartLine{}, err
	}
	if qty < 1 {
		return domain.CartLine{}, domain.ErrQuantityInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cart, ok := r.carts[identity.Key()]
	if !ok {
		return domain.CartLine{}, domain.ErrCartLineNotFound
	}
	idx := lineIndex(cart, ref)
	if idx < 0 {
		return domain.CartLine{}, domain.ErrCartLineNotFound
	}
	if maxQuantity >= 0 && qty > maxQuantity {
		return domain.CartLine{}, &domain.InsufficientStockError{ProductID: ref.ID, Requested: qty, Available: maxQuantity}
	}

	cart.Lines[idx].Quantity = qty
	cart.UpdatedAt = time.Now().UTC()
	r.carts[identity.Key()] = cart
	return cart.Lines[idx], nil
}

func (r *cartRepositoryInMemory) RemoveLine(_ context.Context, identity domain.CartIdentity, ref domain.ProductRef) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cart, ok := r.carts[identity.Key()]
	if !ok {
		return nil
	}
	idx := lineIndex(cart, ref)
	if idx < 0 {
		return nil
	}

	cart.Lines = append(cart.Lines[:idx], cart.Lines[idx+1:]...)
	cart.UpdatedAt = time.Now().UTC()
	r.carts[identity.Key()] = cart
	return nil
}

// Clear оставляет пустую корзину: запись владельца сохраняется.
func (r *cartRepositoryInMemory) Clear(_ context.Context, identity domain.CartIdentity) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cart, ok := r.carts[identity.Key()]
	if !ok {
		return nil
	}
	cart.Lines = []domain.CartLine{}
	cart.UpdatedAt = time.Now().UTC()
	r.carts[identity.Key()] = cart
	return nil
}

func lineIndex(cart domain.Cart, ref domain.ProductRef) int {
	key := ref.Key()
	for i, line := range cart.Lines {
		if line.Ref.Key() == key {
			return i
		}
	}
	return -1
}

func cloneCart(src domain.Cart) domain.Cart {
	dst := src
	dst.Lines = append([]domain.CartLine{}, src.Lines...)
	return dst
}

var _ domain.CartRepository = (*cartRepositoryInMemory)(nil)
