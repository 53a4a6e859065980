package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
	"github.com/vladislavdragonenkov/storefront/internal/storage/redisstore"
)

// Dependencies содержит хранилища приложения.
type Dependencies struct {
	Products    domain.ProductRepository
	Carts       domain.CartRepository
	Orders      domain.OrderRepository
	Timeline    domain.TimelineRepository
	Outbox      domain.OutboxRepository
	Idempotency domain.IdempotencyRepository

	Store  *postgres.Store
	Redis  *redis.Client
	Logger *log.Entry
}

// NewMemoryDependencies создаёт in-memory хранилища; seed наполняет каталог.
func NewMemoryDependencies(logger *log.Entry, seed ...domain.Product) *Dependencies {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	return &Dependencies{
		Products:    memory.NewProductRepository(seed...),
		Carts:       memory.NewCartRepository(),
		Orders:      memory.NewOrderRepository(),
		Timeline:    memory.NewTimelineRepository(),
		Outbox:      memory.NewOutboxRepository(),
		Idempotency: memory.NewIdempotencyRepository(),
		Logger:      logger,
	}
}

// NewDependencies открывает хранилища согласно конфигурации.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	var deps *Dependencies
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		deps = NewMemoryDependencies(logger, demoCatalog()...)
		logger.WithField("products", len(demoCatalog())).Info("using in-memory storage with demo catalog")
	case StorageDriverPostgres:
		store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithMaxConns(cfg.PostgresMaxConns))
		if err != nil {
			return nil, err
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		deps = &Dependencies{
			Products:    postgres.NewProductRepository(store),
			Carts:       postgres.NewCartRepository(store),
			Orders:      postgres.NewOrderRepository(store),
			Timeline:    postgres.NewTimelineRepository(store),
			Outbox:      postgres.NewOutboxRepository(store),
			Idempotency: postgres.NewIdempotencyRepository(store),
			Store:       store,
			Logger:      logger,
		}
		logger.Info("using postgres storage")
	default:
		return nil, fmt.Errorf("%w: unsupported storage driver %q", ErrInvalidConfig, cfg.StorageDriver)
	}

	if cfg.CartDriver() == CartStoreRedis {
		client, err := redisstore.Open(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			_ = deps.Close()
			return nil, err
		}
		deps.Redis = client
		deps.Carts = redisstore.NewCartRepository(client, redisstore.WithGuestTTL(cfg.GuestCartTTL))
		logger.WithField("addr", cfg.RedisAddr).Info("using redis cart store")
	}

	return deps, nil
}

// Close закрывает открытые подключения.
func (d *Dependencies) Close() error {
	if d == nil {
		return nil
	}
	var errs []error
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close postgres: %w", err))
		}
	}
	return errors.Join(errs...)
}

func demoCatalog() []domain.Product {
	return []domain.Product{
		{
			ID:          "organic-milk",
			Name:        "Organic Whole Milk",
			Description: "Fresh whole milk from grass-fed cows",
			Brand:       "Green Valley",
			Category:    "dairy",
			Tags:        []string{"milk", "organic"},
			Benefits:    []string{"calcium", "protein"},
			Price:       decimal.RequireFromString("3.49"),
			Stock:       40,
			Rating:      4.6,
			NumReviews:  18,
			IsOrganic:   true,
		},
		{
			ID:          "sourdough-bread",
			Name:        "Sourdough Bread",
			Description: "Slow fermented sourdough loaf",
			Brand:       "Baker Street",
			Category:    "bakery",
			Tags:        []string{"bread"},
			Price:       decimal.RequireFromString("4.25"),
			Stock:       25,
			Rating:      4.8,
			NumReviews:  31,
		},
		{
			ID:          "honeycrisp-apples",
			Name:        "Honeycrisp Apples",
			Description: "Crisp and sweet apples, 1 kg bag",
			Brand:       "Orchard Hill",
			Category:    "produce",
			Tags:        []string{"fruit", "apple", "organic"},
			Benefits:    []string{"fiber", "vitamin c"},
			Price:       decimal.RequireFromString("5.99"),
			Stock:       60,
			Rating:      4.4,
			NumReviews:  12,
			IsOrganic:   true,
		},
		{
			ID:          "greek-yogurt",
			Name:        "Greek Yogurt",
			Description: "Plain strained yogurt",
			Brand:       "Green Valley",
			Category:    "dairy",
			Tags:        []string{"yogurt"},
			Benefits:    []string{"probiotics", "protein"},
			Price:       decimal.RequireFromString("2.79"),
			Stock:       35,
			Rating:      4.2,
			NumReviews:  9,
		},
	}
}
