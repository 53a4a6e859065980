package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func TestTimelineRepository_KeepsChronologicalOrder(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewTimelineRepository()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, repo.Append(ctx, domain.TimelineEvent{OrderID: "o1", Type: "shipped", Status: domain.OrderStatusShipped, Occurred: base.Add(2 * time.Minute)}))
	require.NoError(t, repo.Append(ctx, domain.TimelineEvent{OrderID: "o1", Type: "created", Status: domain.OrderStatusPending, Occurred: base}))
	require.NoError(t, repo.Append(ctx, domain.TimelineEvent{OrderID: "o1", Type: "note-a", Occurred: base.Add(time.Minute)}))
	require.NoError(t, repo.Append(ctx, domain.TimelineEvent{OrderID: "o1", Type: "note-b", Occurred: base.Add(time.Minute)}))
	require.NoError(t, repo.Append(ctx, domain.TimelineEvent{OrderID: "o2", Type: "created", Occurred: base}))

	events, err := repo.List(ctx, "o1")
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	require.Equal(t, []string{"created", "note-a", "note-b", "shipped"}, types)
	require.Equal(t, domain.OrderStatusPending, events[0].Status)
}

func TestTimelineRepository_ListReturnsCopy(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewTimelineRepository()
	require.NoError(t, repo.Append(ctx, domain.TimelineEvent{OrderID: "o1", Type: "created"}))

	events, err := repo.List(ctx, "o1")
	require.NoError(t, err)
	require.False(t, events[0].Occurred.IsZero(), "zero time must be filled on append")
	events[0].Type = "mutated"

	again, err := repo.List(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, "created", again[0].Type)

	missing, err := repo.List(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestTimelineRepository_RejectsIncompleteEvent(t *testing.T) {
	repo := memory.NewTimelineRepository()

	err := repo.Append(context.Background(), domain.TimelineEvent{Type: "created"})
	require.ErrorIs(t, err, domain.ErrTimelineEventInvalid)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	err = repo.Append(context.Background(), domain.TimelineEvent{OrderID: "o1"})
	require.ErrorIs(t, err, domain.ErrTimelineEventInvalid)
}
