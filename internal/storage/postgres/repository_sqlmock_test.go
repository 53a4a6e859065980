package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return NewStore(db), mock
}

func TestProductRepository_ReserveSuccess(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewProductRepository(store)

	mock.ExpectQuery(`UPDATE products`).
		WithArgs("prod-1", 2, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "price", "image"}).
			AddRow("prod-1", "Milk", "2.49", "/milk.png"))

	snapshot, err := repo.Reserve(context.Background(), "prod-1", 2)
	require.NoError(t, err)
	require.Equal(t, "Milk", snapshot.Name)
	require.True(t, snapshot.Price.Equal(decimal.RequireFromString("2.49")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_ReserveInsufficient(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewProductRepository(store)

	mock.ExpectQuery(`UPDATE products`).
		WithArgs("prod-1", 5, sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT stock FROM products`).
		WithArgs("prod-1").
		WillReturnRows(sqlmock.NewRows([]string{"stock"}).AddRow(3))

	_, err := repo.Reserve(context.Background(), "prod-1", 5)
	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.Equal(t, 5, stockErr.Requested)
	require.Equal(t, 3, stockErr.Available)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_ReserveNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewProductRepository(store)

	mock.ExpectQuery(`UPDATE products`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT stock FROM products`).WillReturnError(sql.ErrNoRows)

	_, err := repo.Reserve(context.Background(), "missing", 1)
	require.ErrorIs(t, err, domain.ErrProductNotFound)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_ReserveRejectsInvalidQuantity(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewProductRepository(store)

	_, err := repo.Reserve(context.Background(), "prod-1", 0)
	require.ErrorIs(t, err, domain.ErrQuantityInvalid)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository_ReleaseMissing(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewProductRepository(store)

	mock.ExpectExec(`UPDATE products`).
		WithArgs("missing", 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Release(context.Background(), "missing", 1)
	require.ErrorIs(t, err, domain.ErrProductNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCartRepository_AddLineOverLimitRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewCartRepository(store)
	identity := domain.UserIdentity("user-1")

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO carts`).
		WithArgs("user", "user-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO cart_lines`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT quantity`).
		WithArgs("user", "user-1", "internal", "prod-1").
		WillReturnRows(sqlmock.NewRows([]string{"quantity"}).AddRow(4))
	mock.ExpectRollback()

	_, err := repo.AddLine(context.Background(), identity, domain.InternalRef("prod-1"), 2, 5)
	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.Equal(t, 6, stockErr.Requested)
	require.Equal(t, 5, stockErr.Available)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCartRepository_AddLineCommits(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewCartRepository(store)
	identity := domain.GuestIdentity("sess-1")
	addedAt := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO carts`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO cart_lines`).
		WillReturnRows(sqlmock.NewRows([]string{"quantity", "added_at"}).AddRow(3, addedAt))
	mock.ExpectCommit()

	line, err := repo.AddLine(context.Background(), identity, domain.InternalRef("prod-1"), 3, -1)
	require.NoError(t, err)
	require.Equal(t, 3, line.Quantity)
	require.Equal(t, "prod-1", line.Ref.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCartRepository_SetLineQuantityMissing(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewCartRepository(store)

	mock.ExpectQuery(`WITH updated AS`).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("user", "u", "internal", "p").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := repo.SetLineQuantity(context.Background(), domain.UserIdentity("u"), domain.InternalRef("p"), 10, 3)
	require.ErrorIs(t, err, domain.ErrCartLineNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCartRepository_SetLineQuantityOverLimit(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewCartRepository(store)

	mock.ExpectQuery(`WITH updated AS`).
		WithArgs("user", "u", "internal", "p", 10, sqlmock.AnyArg(), 3).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := repo.SetLineQuantity(context.Background(), domain.UserIdentity("u"), domain.InternalRef("p"), 10, 3)
	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.Equal(t, 3, stockErr.Available)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCartRepository_RejectsEmptyIdentity(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewCartRepository(store)

	_, err := repo.Get(context.Background(), domain.UserIdentity(" "))
	require.ErrorIs(t, err, domain.ErrIdentityRequired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_SaveVersionConflict(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewOrderRepository(store)
	order := sampleOrder("order-1", domain.UserIdentity("u"), time.Now().UTC())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id FROM orders`).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("order-1"))
	mock.ExpectRollback()

	err := repo.Save(context.Background(), order)
	require.ErrorIs(t, err, domain.ErrOrderVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_SaveMissing(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewOrderRepository(store)
	order := sampleOrder("order-1", domain.UserIdentity("u"), time.Now().UTC())

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE orders`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT id FROM orders`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := repo.Save(context.Background(), order)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOrderRepository_CreateWritesLines(t *testing.T) {
	store, mock := newMockStore(t)
	repo := NewOrderRepository(store)
	order := sampleOrder("order-1", domain.UserIdentity("u"), time.Now().UTC())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO orders`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO order_lines`).
		WithArgs("order-1-line-1", "order-1", 0, "internal", "prod-1", "Oat Milk", 2, sqlmock.AnyArg(), "", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO order_lines`).
		WithArgs("order-1-line-2", "order-1", 1, "external", "3017620422003", "Hazelnut Spread", 1, sqlmock.AnyArg(), "", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Create(context.Background(), order))
	require.NoError(t, mock.ExpectationsWereMet())
}
