package redisstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func getRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("STOREFRONT_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client, err := Open(context.Background(), Config{Addr: addr})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func newTestRepository(t *testing.T, opts ...Option) (*CartRepository, *redis.Client) {
	t.Helper()

	client := getRedisClient(t)
	prefix := fmt.Sprintf("storefront-test:%s:%d:", t.Name(), time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
	})

	opts = append([]Option{WithKeyPrefix(prefix)}, opts...)
	return NewCartRepository(client, opts...), client
}

func TestCartRepository_AddCollapsesAndKeepsOrder(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	user := domain.UserIdentity("user-1")

	_, err := repo.AddLine(ctx, user, domain.InternalRef("b"), 1, -1)
	require.NoError(t, err)
	external := domain.ExternalRef("3017620422003", domain.ExternalItem{Name: "Spread", Price: decimal.RequireFromString("4.25")})
	_, err = repo.AddLine(ctx, user, external, 2, -1)
	require.NoError(t, err)
	line, err := repo.AddLine(ctx, user, domain.InternalRef("b"), 3, -1)
	require.NoError(t, err)
	require.Equal(t, 4, line.Quantity)

	cart, err := repo.Get(ctx, user)
	require.NoError(t, err)
	require.Len(t, cart.Lines, 2)
	require.Equal(t, "b", cart.Lines[0].Ref.ID)
	require.Equal(t, 4, cart.Lines[0].Quantity)
	require.Equal(t, domain.RefExternal, cart.Lines[1].Ref.Kind)
	require.NotNil(t, cart.Lines[1].Ref.External)
	require.True(t, cart.Lines[1].Ref.External.Price.Equal(decimal.RequireFromString("4.25")))
	require.False(t, cart.UpdatedAt.IsZero())
}

func TestCartRepository_AddRespectsLimit(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	user := domain.UserIdentity("user-1")

	_, err := repo.AddLine(ctx, user, domain.InternalRef("p"), 4, 5)
	require.NoError(t, err)

	_, err = repo.AddLine(ctx, user, domain.InternalRef("p"), 2, 5)
	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.Equal(t, 6, stockErr.Requested)
	require.Equal(t, 5, stockErr.Available)

	cart, err := repo.Get(ctx, user)
	require.NoError(t, err)
	require.Equal(t, 4, cart.Lines[0].Quantity)
}

func TestCartRepository_ConcurrentAddsNeverExceedLimit(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	user := domain.UserIdentity("user-1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = repo.AddLine(ctx, user, domain.InternalRef("p"), 1, 7)
		}()
	}
	wg.Wait()

	cart, err := repo.Get(ctx, user)
	require.NoError(t, err)
	require.Len(t, cart.Lines, 1)
	require.Equal(t, 7, cart.Lines[0].Quantity)
}

func TestCartRepository_SetRemoveClear(t *testing.T) {
	repo, _ := newTestRepository(t)
	ctx := context.Background()
	guest := domain.GuestIdentity("sess-1")

	_, err := repo.SetLineQuantity(ctx, guest, domain.InternalRef("p"), 2, -1)
	require.True(t, errors.Is(err, domain.ErrCartLineNotFound))

	_, err = repo.AddLine(ctx, guest, domain.InternalRef("p"), 1, -1)
	require.NoError(t, err)
	line, err := repo.SetLineQuantity(ctx, guest, domain.InternalRef("p"), 9, -1)
	require.NoError(t, err)
	require.Equal(t, 9, line.Quantity)

	_, err = repo.SetLineQuantity(ctx, guest, domain.InternalRef("p"), 12, 10)
	require.True(t, domain.IsInsufficientStock(err))
	_, err = repo.SetLineQuantity(ctx, guest, domain.InternalRef("zzz"), 12, 10)
	require.True(t, errors.Is(err, domain.ErrCartLineNotFound))

	require.NoError(t, repo.RemoveLine(ctx, guest, domain.InternalRef("p")))
	require.NoError(t, repo.RemoveLine(ctx, guest, domain.InternalRef("p")))

	cart, err := repo.Get(ctx, guest)
	require.NoError(t, err)
	require.Empty(t, cart.Lines)

	_, err = repo.AddLine(ctx, guest, domain.InternalRef("p"), 1, -1)
	require.NoError(t, err)
	require.NoError(t, repo.Clear(ctx, guest))
	require.NoError(t, repo.Clear(ctx, guest))

	cart, err = repo.Get(ctx, guest)
	require.NoError(t, err)
	require.Empty(t, cart.Lines)
}

func TestCartRepository_GuestCartExpires(t *testing.T) {
	repo, client := newTestRepository(t, WithGuestTTL(time.Hour))
	ctx := context.Background()
	guest := domain.GuestIdentity("sess-ttl")
	user := domain.UserIdentity("sess-ttl")

	_, err := repo.AddLine(ctx, guest, domain.InternalRef("p"), 1, -1)
	require.NoError(t, err)
	_, err = repo.AddLine(ctx, user, domain.InternalRef("p"), 1, -1)
	require.NoError(t, err)

	guestKey, _ := repo.keys(guest)
	userKey, _ := repo.keys(user)

	ttl, err := client.PTTL(ctx, guestKey).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))

	ttl, err = client.PTTL(ctx, userKey).Result()
	require.NoError(t, err)
	require.Less(t, ttl, time.Duration(0))
}

func TestDecodeLineRejectsGarbage(t *testing.T) {
	_, err := decodeLine("not-json", "1")
	require.Error(t, err)

	meta, err := encodeMeta(domain.InternalRef("p"), time.Now().UTC())
	require.NoError(t, err)
	_, err = decodeLine(meta, "x")
	require.Error(t, err)

	line, err := decodeLine(meta, "3")
	require.NoError(t, err)
	require.Equal(t, 3, line.Quantity)
	require.Nil(t, line.Ref.External)
}
