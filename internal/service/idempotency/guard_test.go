package idempotency

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func key(value string) domain.IdempotencyKey {
	return domain.NewIdempotencyKey(domain.UserIdentity("u1"), value)
}

func TestGuardReplaysCompletedRequest(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyRepository(), WithGuardLogger(quietLogger()))
	ctx := context.Background()
	hash := HashRequest([]byte("POST /api/orders"), []byte(`{"items":[]}`))

	var runs atomic.Int32
	run := func(context.Context) Response {
		runs.Add(1)
		return Response{Status: 201, Body: []byte(`{"id":"o-1"}`)}
	}

	first, err := guard.Do(ctx, key("key-1"), hash, run)
	require.NoError(t, err)
	require.False(t, first.Replayed)
	require.Equal(t, 201, first.Status)

	second, err := guard.Do(ctx, key("key-1"), hash, run)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, 201, second.Status)
	require.JSONEq(t, `{"id":"o-1"}`, string(second.Body))
	require.EqualValues(t, 1, runs.Load())
}

func TestGuardReplaysFailure(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyRepository(), WithGuardLogger(quietLogger()))
	ctx := context.Background()

	run := func(context.Context) Response {
		return Response{Status: 409, Body: []byte(`{"success":false}`)}
	}
	_, err := guard.Do(ctx, key("key-2"), "hash", run)
	require.NoError(t, err)

	replayed, err := guard.Do(ctx, key("key-2"), "hash", func(context.Context) Response {
		t.Fatal("handler must not run again")
		return Response{}
	})
	require.NoError(t, err)
	require.True(t, replayed.Replayed)
	require.Equal(t, 409, replayed.Status)
}

func TestGuardRetriesAfterServerError(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyRepository(), WithGuardLogger(quietLogger()))
	ctx := context.Background()

	var runs atomic.Int32
	run := func(context.Context) Response {
		if runs.Add(1) == 1 {
			return Response{Status: 500, Body: []byte(`{"success":false}`)}
		}
		return Response{Status: 201, Body: []byte(`{"id":"o-1"}`)}
	}

	first, err := guard.Do(ctx, key("key-5"), "hash", run)
	require.NoError(t, err)
	require.Equal(t, 500, first.Status)

	second, err := guard.Do(ctx, key("key-5"), "hash", run)
	require.NoError(t, err)
	require.False(t, second.Replayed)
	require.Equal(t, 201, second.Status)

	third, err := guard.Do(ctx, key("key-5"), "hash", run)
	require.NoError(t, err)
	require.True(t, third.Replayed)
	require.Equal(t, 201, third.Status)
	require.EqualValues(t, 2, runs.Load())
}

func TestGuardReleasesKeyWhenHandlerPanics(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	guard := NewGuard(repo, WithGuardLogger(quietLogger()))
	ctx := context.Background()

	require.Panics(t, func() {
		_, _ = guard.Do(ctx, key("key-6"), "hash", func(context.Context) Response {
			panic("boom")
		})
	})
	_, err := repo.Get(ctx, key("key-6"))
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

	resp, err := guard.Do(ctx, key("key-6"), "hash", func(context.Context) Response {
		return Response{Status: 201}
	})
	require.NoError(t, err)
	require.False(t, resp.Replayed)
}

func TestGuardRejectsDifferentPayload(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyRepository(), WithGuardLogger(quietLogger()))
	ctx := context.Background()
	ok := func(context.Context) Response { return Response{Status: 201} }

	_, err := guard.Do(ctx, key("key-3"), HashRequest([]byte("a")), ok)
	require.NoError(t, err)

	_, err = guard.Do(ctx, key("key-3"), HashRequest([]byte("b")), ok)
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestGuardReportsInProgress(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	guard := NewGuard(repo, WithGuardLogger(quietLogger()))
	ctx := context.Background()

	_, err := guard.Do(ctx, key("key-4"), "hash", func(ctx context.Context) Response {
		_, innerErr := guard.Do(ctx, key("key-4"), "hash", func(context.Context) Response { return Response{Status: 201} })
		require.ErrorIs(t, innerErr, domain.ErrIdempotencyInProgress)
		return Response{Status: 201}
	})
	require.NoError(t, err)
}

func TestGuardWithoutKeyAlwaysRuns(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyRepository())
	var runs atomic.Int32
	run := func(context.Context) Response {
		runs.Add(1)
		return Response{Status: 201}
	}

	for i := 0; i < 2; i++ {
		_, err := guard.Do(context.Background(), key("  "), "hash", run)
		require.NoError(t, err)
	}
	require.EqualValues(t, 2, runs.Load())

	var nilGuard *Guard
	_, err := nilGuard.Do(context.Background(), key("k"), "hash", run)
	require.NoError(t, err)
	require.EqualValues(t, 3, runs.Load())
}

func TestGuardRejectsOversizedKey(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyRepository())

	_, err := guard.Do(context.Background(), key(strings.Repeat("k", domain.MaxIdempotencyKeyLength+1)), "hash", func(context.Context) Response {
		return Response{Status: 201}
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestGuardKeysAreScopedByOwner(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyRepository(), WithGuardLogger(quietLogger()))
	ctx := context.Background()

	var runs atomic.Int32
	run := func(context.Context) Response {
		runs.Add(1)
		return Response{Status: 201}
	}

	_, err := guard.Do(ctx, domain.NewIdempotencyKey(domain.UserIdentity("u1"), "1"), HashRequest([]byte("a")), run)
	require.NoError(t, err)
	resp, err := guard.Do(ctx, domain.NewIdempotencyKey(domain.GuestIdentity("s1"), "1"), HashRequest([]byte("b")), run)
	require.NoError(t, err)
	require.False(t, resp.Replayed)
	require.EqualValues(t, 2, runs.Load())
}

func TestGuardSurfacesStorageErrors(t *testing.T) {
	guard := NewGuard(memory.NewIdempotencyRepository(), WithGuardLogger(quietLogger()))

	_, err := guard.Do(context.Background(), key("k"), " ", func(context.Context) Response {
		t.Fatal("handler must not run when the key cannot be claimed")
		return Response{}
	})
	require.ErrorIs(t, err, domain.ErrIdempotencyRequestHashRequired)
}

func TestHashRequestSeparatesParts(t *testing.T) {
	require.NotEqual(t, HashRequest([]byte("ab"), []byte("c")), HashRequest([]byte("a"), []byte("bc")))
	require.Equal(t, HashRequest([]byte("x")), HashRequest([]byte("x")))
	require.Len(t, HashRequest(), 64)
}
