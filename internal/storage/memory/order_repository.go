package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// OrderRepository хранит заказы в памяти с индексом по владельцу.
type OrderRepository struct {
	mu      sync.RWMutex
	orders  map[string]domain.Order
	byOwner map[string][]string
}

// NewOrderRepository создаёт in-memory реализацию OrderRepository.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:  make(map[string]domain.Order),
		byOwner: make(map[string][]string),
	}
}

func (r *OrderRepository) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.orders[order.ID]; taken {
		return domain.ErrOrderVersionConflict
	}
	r.orders[order.ID] = cloneOrder(order)
	owner := order.Owner.Key()
	r.byOwner[owner] = append(r.byOwner[owner], order.ID)
	return nil
}

func (r *OrderRepository) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (r *OrderRepository) ListByOwner(_ context.Context, owner domain.CartIdentity, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byOwner[owner.Key()]
	found := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		found = append(found, cloneOrder(r.orders[id]))
	}
	return newestFirst(found, limit), nil
}

func (r *OrderRepository) List(_ context.Context, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		all = append(all, cloneOrder(order))
	}
	return newestFirst(all, limit), nil
}

// Save принимает заказ только с той версией, что лежит в хранилище, и увеличивает её.
// Владелец заказа не меняется.
func (r *OrderRepository) Save(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if stored.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}
	order.Owner = stored.Owner
	order.Version = stored.Version + 1
	r.orders[order.ID] = cloneOrder(order)
	return nil
}

// newestFirst сортирует по CreatedAt убыванием, при равенстве по ID, и обрезает до limit (>0).
func newestFirst(orders []domain.Order, limit int) []domain.Order {
	sort.Slice(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Lines = append([]domain.OrderLine(nil), src.Lines...)
	if src.PaymentResult != nil {
		payment := *src.PaymentResult
		dst.PaymentResult = &payment
	}
	return dst
}

var _ domain.OrderRepository = (*OrderRepository)(nil)
