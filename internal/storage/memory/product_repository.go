package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// productRepositoryInMemory хранит каталог и остатки в памяти.
// Все изменения остатка выполняются под одной блокировкой.
type productRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Product
}

// NewProductRepository возвращает in-memory каталог для локальной разработки и тестов.
func NewProductRepository(seed ...domain.Product) domain.ProductRepository {
	repo := &productRepositoryInMemory{items: make(map[string]domain.Product, len(seed))}
	for _, product := range seed {
		repo.items[product.ID] = cloneProduct(product)
	}
	return repo
}

func (r *productRepositoryInMemory) Get(_ context.Context, id string) (domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	product, ok := r.items[strings.TrimSpace(id)]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return cloneProduct(product), nil
}

func (r *productRepositoryInMemory) Create(_ context.Context, product domain.Product) (domain.Product, error) {
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	if _, exists := r.items[product.ID]; exists {
		return domain.Product{}, domain.ErrConflict
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	r.items[product.ID] = cloneProduct(product)
	return cloneProduct(product), nil
}

// Reserve проверяет остаток и списывает его в одной критической секции.
func (r *productRepositoryInMemory) Reserve(_ context.Context, id string, qty int) (domain.ProductSnapshot, error) {
	if qty < 1 {
		return domain.ProductSnapshot{}, domain.ErrQuantityInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	product, ok := r.items[id]
	if !ok {
		return domain.ProductSnapshot{}, domain.ErrProductNotFound
	}
	if product.Stock < qty {
		return domain.ProductSnapshot{}, &domain.InsufficientStockError{
			ProductID: id,
			Requested: qty,
			Available: product.Stock,
		}
	}

	product.Stock -= qty
	product.UpdatedAt = time.Now().UTC()
	r.items[id] = product
	return product.Snapshot(), nil
}

func (r *productRepositoryInMemory) Release(_ context.Context, id string, qty int) error {
	if qty < 1 {
		return domain.ErrQuantityInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	product, ok := r.items[id]
	if !ok {
		return domain.ErrProductNotFound
	}
	product.Stock += qty
	product.UpdatedAt = time.Now().UTC()
	r.items[id] = product
	return nil
}

func (r *productRepositoryInMemory) Search(_ context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Product, 0)
	for _, product := range r.items {
		if product.Matches(filter) {
			result = append(result, cloneProduct(product))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].RankBefore(result[j])
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func cloneProduct(src domain.Product) domain.Product {
	dst := src
	dst.Tags = append([]string(nil), src.Tags...)
	dst.Benefits = append([]string(nil), src.Benefits...)
	return dst
}

var _ domain.ProductRepository = (*productRepositoryInMemory)(nil)
