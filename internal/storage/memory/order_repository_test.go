package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func newOrder(id string, owner domain.CartIdentity, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:    id,
		Owner: owner,
		Lines: []domain.OrderLine{
			{ID: "line-1", Ref: domain.InternalRef("milk"), Name: "Milk", Quantity: 5, Price: decimal.NewFromInt(1)},
		},
		TotalAmount:     decimal.NewFromInt(5),
		ShippingAddress: domain.ShippingAddress{Street: "1 Main", City: "Town", State: "ST", ZipCode: "00001"},
		PaymentMethod:   "card",
		Status:          domain.OrderStatusPending,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

func TestOrderRepository_CreateGet(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	order := newOrder("order-1", domain.UserIdentity("customer-1"), time.Now().UTC())

	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Create(ctx, order); !domain.IsVersionConflict(err) {
		t.Fatalf("expected conflict on duplicate id, got %v", err)
	}

	stored, err := repo.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.ID != order.ID || len(stored.Lines) != 1 {
		t.Fatalf("unexpected stored order %+v", stored)
	}

	if _, err := repo.Get(ctx, "missing"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOrderRepository_ListByOwner(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	base := time.Now().UTC()
	user := domain.UserIdentity("customer-1")

	for i, order := range []domain.Order{
		newOrder("order-old", user, base),
		newOrder("order-new", user, base.Add(time.Minute)),
		newOrder("order-guest", domain.GuestIdentity("customer-1"), base),
	} {
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
	}

	orders, err := repo.ListByOwner(ctx, user, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(orders) != 2 || orders[0].ID != "order-new" {
		t.Fatalf("expected newest user order first, got %+v", orders)
	}

	all, err := repo.List(ctx, 2)
	if err != nil {
		t.Fatalf("list all failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(all))
	}
}

func TestOrderRepository_Save(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	order := newOrder("order-1", domain.UserIdentity("customer-1"), time.Now().UTC())
	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stored, err := repo.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	stored.Status = domain.OrderStatusShipped
	if err := repo.Save(ctx, stored); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	updated, err := repo.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if updated.Status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped, got %s", updated.Status)
	}
	if updated.Version != stored.Version+1 {
		t.Fatalf("expected version increment, got %d", updated.Version)
	}
}

func TestOrderRepository_SaveVersionConflict(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	order := newOrder("order-1", domain.UserIdentity("customer-1"), time.Now().UTC())
	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	order.Version = 42
	if err := repo.Save(ctx, order); !domain.IsVersionConflict(err) {
		t.Fatalf("expected version conflict error, got %v", err)
	}
}

func TestOrderRepository_SaveKeepsOwnerIndex(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	owner := domain.UserIdentity("customer-1")
	order := newOrder("order-1", owner, time.Now().UTC())
	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	order.Owner = domain.UserIdentity("intruder")
	if err := repo.Save(ctx, order); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	mine, err := repo.ListByOwner(ctx, owner, 0)
	if err != nil || len(mine) != 1 || mine[0].Owner != owner {
		t.Fatalf("order must stay with its owner, got %+v (%v)", mine, err)
	}
	theirs, err := repo.ListByOwner(ctx, domain.UserIdentity("intruder"), 0)
	if err != nil || len(theirs) != 0 {
		t.Fatalf("owner must not change on save, got %+v (%v)", theirs, err)
	}
}
