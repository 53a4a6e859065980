package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func orderEvent(orderID string, eventType domain.OrderEventType) domain.OutboxMessage {
	return domain.OutboxMessage{
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     string(eventType),
		Payload:       []byte(`{"order_id":"` + orderID + `"}`),
	}
}

func TestOutboxRepository_PostgresBacklogLifecycle(t *testing.T) {
	repo := NewOutboxRepository(openPostgresStoreForIntegrationTest(t))
	ctx := context.Background()

	created, err := repo.Enqueue(ctx, orderEvent("order-1", domain.OrderEventCreated))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	time.Sleep(2 * time.Millisecond)
	fixed := orderEvent("order-1", domain.OrderEventPaid)
	fixed.ID = "outbox-fixed-id"
	paid, err := repo.Enqueue(ctx, fixed)
	require.NoError(t, err)
	require.Equal(t, "outbox-fixed-id", paid.ID)

	pending, err := repo.PullPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, created.ID, pending[0].ID, "oldest message goes first")
	require.JSONEq(t, `{"order_id":"order-1"}`, string(pending[1].Payload))
	require.Zero(t, pending[0].Attempts)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.PendingCount)
	require.Zero(t, stats.FailedCount)
	require.WithinDuration(t, created.CreatedAt, stats.OldestPendingAt, time.Millisecond)

	require.NoError(t, repo.MarkSent(ctx, created.ID))
	require.NoError(t, repo.MarkFailed(ctx, paid.ID))

	pending, err = repo.PullPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	stats, err = repo.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
	require.Equal(t, 1, stats.FailedCount)
	require.True(t, stats.OldestPendingAt.IsZero())
}

func TestOutboxRepository_PostgresUnknownMessage(t *testing.T) {
	repo := NewOutboxRepository(openPostgresStoreForIntegrationTest(t))
	ctx := context.Background()

	require.ErrorIs(t, repo.MarkSent(ctx, "missing-outbox"), domain.ErrOutboxMessageNotFound)
	require.ErrorIs(t, repo.MarkFailed(ctx, "missing-outbox"), domain.ErrOutboxMessageNotFound)
}
