package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	pingTimeout         = 5 * time.Second
	defaultMaxOpenConns = 20
	connMaxLifetime     = 30 * time.Minute
	connMaxIdleTime     = 5 * time.Minute
)

// ErrSchemaDrift: применённая миграция отличается от встроенного файла.
var ErrSchemaDrift = errors.New("schema drift detected")

// Store владеет пулом подключений storefront к PostgreSQL.
type Store struct {
	db *sql.DB
}

// StoreOption настраивает пул при Open.
type StoreOption func(*sql.DB)

// WithMaxConns ограничивает число открытых подключений; половина держится в простое.
func WithMaxConns(n int) StoreOption {
	return func(db *sql.DB) {
		if n <= 0 {
			return
		}
		db.SetMaxOpenConns(n)
		db.SetMaxIdleConns((n + 1) / 2)
	}
}

// Open подключается через драйвер pgx и проверяет доступность базы.
func Open(ctx context.Context, dsn string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	WithMaxConns(defaultMaxOpenConns)(db)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	for _, opt := range opts {
		opt(db)
	}

	store := &Store{db: db}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

// NewStore оборачивает готовый *sql.DB, например из sqlmock.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping используется readiness-пробой.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// EnsureSchema применяет pending-миграции и отказывается стартовать при дрейфе схемы.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.MigrateUp(ctx, 0); err != nil {
		return err
	}
	state, err := s.MigrationStatus(ctx)
	if err != nil {
		return err
	}
	if len(state.Drifted) > 0 {
		return fmt.Errorf("%w: %s", ErrSchemaDrift, strings.Join(state.Drifted, ", "))
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
