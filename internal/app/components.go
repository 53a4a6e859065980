package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/storefront/internal/catalog/openfoodfacts"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/journal"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/service/search"
	"github.com/vladislavdragonenkov/storefront/internal/storage/redisstore"
	"github.com/vladislavdragonenkov/storefront/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

// components: собранные сервисы и фоновые воркеры.
type components struct {
	services httpapi.Services
	journal  *journal.Journal
	health   *healthcheck.Handler

	// outboxWorker равен nil, если Kafka не настроена.
	outboxWorker  *outbox.Worker
	cleanupWorker *idempotency.CleanupWorker
}

// buildComponents связывает хранилища с сервисами.
func buildComponents(cfg Config, deps *Dependencies, producer *kafka.Producer, registerer prometheus.Registerer) components {
	logger := deps.Logger
	shopMetrics := metrics.NewShopMetricsWithRegisterer(registerer)
	workerMetrics := metrics.NewWorkerMetricsWithRegisterer(registerer)

	journalOpts := []journal.Option{
		journal.WithTimeline(deps.Timeline),
		journal.WithMetrics(shopMetrics),
	}
	if cfg.KafkaEnabled() {
		journalOpts = append(journalOpts, journal.WithOutbox(deps.Outbox))
	}
	orderJournal := journal.New(logger.WithField("component", "journal"), journalOpts...)

	carts := cart.NewService(deps.Carts, deps.Products, logger.WithField("component", "cart"),
		cart.WithMetrics(shopMetrics))
	orders := checkout.NewService(deps.Orders, deps.Products, deps.Carts, logger.WithField("component", "checkout"),
		checkout.WithTimeline(deps.Timeline),
		checkout.WithObserver(orderJournal),
		checkout.WithMetrics(shopMetrics),
		checkout.WithRestockOnCancel(cfg.RestockOnCancel),
	)

	var catalog domain.CatalogSource
	if cfg.CatalogEnabled {
		catalog = openfoodfacts.NewClient(cfg.CatalogBaseURL, cfg.CatalogTimeout,
			openfoodfacts.WithLogger(logger.WithField("component", "catalog")))
	}
	searchCfg := search.DefaultConfig()
	searchCfg.ExternalTimeout = cfg.CatalogTimeout
	searchSvc := search.NewService(deps.Products, catalog, logger.WithField("component", "search"),
		search.WithConfig(searchCfg),
		search.WithMetrics(shopMetrics),
	)

	guard := idempotency.NewGuard(deps.Idempotency,
		idempotency.WithGuardLogger(logger.WithField("component", "idempotency")))

	c := components{
		services: httpapi.Services{
			Carts:       carts,
			Orders:      orders,
			Search:      searchSvc,
			Idempotency: guard,
		},
		journal: orderJournal,
		health:  newHealthHandler(deps),
		cleanupWorker: idempotency.NewCleanupWorker(deps.Idempotency, idempotency.CleanupConfig{
			Interval:  cfg.IdempotencyCleanupInterval,
			BatchSize: cfg.IdempotencyCleanupBatchSize,
		},
			idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
			idempotency.WithMetrics(workerMetrics),
		),
	}

	if producer != nil {
		c.outboxWorker = outbox.NewWorker(deps.Outbox, kafka.NewOutboxPublisher(producer, cfg.KafkaTopic), outbox.Config{
			PollInterval:   cfg.OutboxPollInterval,
			BatchSize:      cfg.OutboxBatchSize,
			MaxAttempts:    cfg.OutboxMaxAttempts,
			RetryBaseDelay: cfg.OutboxRetryDelay,
		},
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithDeadLetter(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetter)),
			outbox.WithMetrics(workerMetrics),
		)
	}

	return c
}

// newHealthHandler регистрирует проверки открытых подключений.
func newHealthHandler(deps *Dependencies) *healthcheck.Handler {
	handler := healthcheck.NewHandler(version.Version())
	if deps.Store != nil {
		handler.RegisterChecker("postgres", healthcheck.NewCriticalChecker("postgres", deps.Store.Ping))
	}
	if deps.Redis != nil {
		client := deps.Redis
		handler.RegisterChecker("redis", healthcheck.NewCriticalChecker("redis", func(ctx context.Context) error {
			return redisstore.Ping(ctx, client)
		}))
	}
	return handler
}
