package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMigrator_PostgresUpDownStatus(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, store.MigrateDown(ctx, 100))

	expect := func(version int64, applied, pending int) {
		t.Helper()
		state, err := store.MigrationStatus(ctx)
		require.NoError(t, err)
		require.Equal(t, version, state.Version)
		require.Equal(t, applied, state.Applied)
		require.Len(t, state.Pending, pending)
		require.Empty(t, state.Drifted)
	}

	expect(0, 0, 4)

	require.NoError(t, store.MigrateUp(ctx, 2))
	expect(2, 2, 2)

	require.NoError(t, store.MigrateUp(ctx, 0))
	expect(4, 4, 0)

	require.NoError(t, store.MigrateUp(ctx, 0), "second up is a no-op")
	expect(4, 4, 0)

	require.NoError(t, store.MigrateDown(ctx, 0), "down without steps rolls back one")
	expect(3, 3, 1)

	require.NoError(t, store.MigrateDown(ctx, 10))
	expect(0, 0, 4)

	require.NoError(t, store.MigrateDown(ctx, 1), "down on an empty schema is a no-op")
	require.NoError(t, store.EnsureSchema(ctx))
}

func TestMigrator_PostgresDetectsDrift(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, store.EnsureSchema(ctx))
	_, err := store.DB().ExecContext(ctx, `UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1`)
	require.NoError(t, err)
	t.Cleanup(func() {
		set, _ := loadMigrationsFromFS(migrationsFS)
		_, _ = store.DB().ExecContext(context.Background(),
			`UPDATE schema_migrations SET checksum = $1 WHERE version = 1`, set[0].Checksum())
	})

	state, err := store.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"0001_catalog"}, state.Drifted)
	require.ErrorIs(t, store.EnsureSchema(ctx), ErrSchemaDrift)
}

func TestMigrator_NilStore(t *testing.T) {
	var store *Store
	ctx := context.Background()

	require.ErrorIs(t, store.MigrateUp(ctx, 0), errStoreNotInitialized)
	require.ErrorIs(t, store.MigrateDown(ctx, 1), errStoreNotInitialized)
	_, err := store.MigrationStatus(ctx)
	require.ErrorIs(t, err, errStoreNotInitialized)
}
