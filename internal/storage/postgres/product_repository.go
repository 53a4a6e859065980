package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const productColumns = `id, name, description, brand, category, tags, benefits, price, stock,
		image, rating, num_reviews, is_organic, created_at, updated_at`

type productRepository struct {
	db *sql.DB
}

// NewProductRepository создаёт PostgreSQL-реализацию каталога и складского учёта.
func NewProductRepository(store *Store) domain.ProductRepository {
	return &productRepository{db: store.DB()}
}

func (r *productRepository) Get(ctx context.Context, id string) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	product, err := scanProduct(r.db.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
	`, strings.TrimSpace(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	return product, nil
}

func (r *productRepository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now

	tags, err := encodeStringList(product.Tags)
	if err != nil {
		return domain.Product{}, err
	}
	benefits, err := encodeStringList(product.Benefits)
	if err != nil {
		return domain.Product{}, err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`,
		product.ID, product.Name, product.Description, product.Brand, product.Category,
		tags, benefits, product.Price, product.Stock, product.Image, product.Rating,
		product.NumReviews, product.IsOrganic, product.CreatedAt, product.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Product{}, domain.ErrConflict
		}
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
	return product, nil
}

// Reserve списывает остаток одним условным UPDATE: проверка и списание атомарны.
func (r *productRepository) Reserve(ctx context.Context, id string, qty int) (domain.ProductSnapshot, error) {
	if qty < 1 {
		return domain.ProductSnapshot{}, domain.ErrQuantityInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var snapshot domain.ProductSnapshot
	err := r.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock - $2,
		    updated_at = $3
		WHERE id = $1
		  AND stock >= $2
		RETURNING id, name, price, image
	`, id, qty, time.Now().UTC()).Scan(&snapshot.ID, &snapshot.Name, &snapshot.Price, &snapshot.Image)
	if err == nil {
		return snapshot, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.ProductSnapshot{}, fmt.Errorf("reserve stock: %w", err)
	}

	var available int
	err = r.db.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = $1`, id).Scan(&available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ProductSnapshot{}, domain.ErrProductNotFound
		}
		return domain.ProductSnapshot{}, fmt.Errorf("read stock: %w", err)
	}
	return domain.ProductSnapshot{}, &domain.InsufficientStockError{ProductID: id, Requested: qty, Available: available}
}

func (r *productRepository) Release(ctx context.Context, id string, qty int) error {
	if qty < 1 {
		return domain.ErrQuantityInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $2,
		    updated_at = $3
		WHERE id = $1
	`, id, qty, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for release: %w", err)
	}
	if affected == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

func (r *productRepository) Search(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	term := strings.TrimSpace(filter.Term)
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE ($1 = '' OR name ILIKE $2 OR description ILIKE $2 OR brand ILIKE $2
		       OR tags::text ILIKE $2 OR benefits::text ILIKE $2)
		  AND ($3 = '' OR LOWER(category) = LOWER($3))
		ORDER BY rating DESC, created_at DESC, id ASC
		LIMIT $4
	`, term, "%"+escapeLike(term)+"%", strings.TrimSpace(filter.Category), limit)
	if err != nil {
		return nil, fmt.Errorf("search products: %w", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product rows: %w", err)
	}
	return products, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		product  domain.Product
		tags     []byte
		benefits []byte
	)
	if err := row.Scan(
		&product.ID, &product.Name, &product.Description, &product.Brand, &product.Category,
		&tags, &benefits, &product.Price, &product.Stock, &product.Image, &product.Rating,
		&product.NumReviews, &product.IsOrganic, &product.CreatedAt, &product.UpdatedAt,
	); err != nil {
		return domain.Product{}, err
	}

	var err error
	if product.Tags, err = decodeStringList(tags); err != nil {
		return domain.Product{}, err
	}
	if product.Benefits, err = decodeStringList(benefits); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func encodeStringList(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode string list: %w", err)
	}
	return raw, nil
}

func decodeStringList(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return values, nil
}

func escapeLike(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(term)
}

var _ domain.ProductRepository = (*productRepository)(nil)
