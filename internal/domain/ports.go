package domain

import (
	"context"
	"time"
)

// ProductRepository — каталог товаров и складской учёт остатков.
type ProductRepository interface {
	// Get возвращает товар или ErrProductNotFound.
	Get(ctx context.Context, id string) (Product, error)
	// Create добавляет товар в каталог.
	Create(ctx context.Context, product Product) (Product, error)
	// Reserve атомарно списывает qty, если остаток позволяет; иначе *InsufficientStockError.
	Reserve(ctx context.Context, id string, qty int) (ProductSnapshot, error)
	// Release возвращает qty на склад (компенсация).
	Release(ctx context.Context, id string, qty int) error
	// Search возвращает товары по фильтру, отсортированные по рейтингу и новизне.
	Search(ctx context.Context, filter ProductFilter) ([]Product, error)
}

// CartRepository хранит корзины. Каждая операция атомарна в пределах одной корзины.
type CartRepository interface {
	// Get возвращает корзину; для отсутствующей записи — пустую корзину, без ошибки.
	Get(ctx context.Context, identity CartIdentity) (Cart, error)
	// AddLine создаёт корзину при необходимости и увеличивает количество позиции.
	// Если maxQuantity >= 0 и итоговое количество его превышает, возвращается
	// *InsufficientStockError, а корзина не меняется.
	AddLine(ctx context.Context, identity CartIdentity, ref ProductRef, qty, maxQuantity int) (CartLine, error)
	// SetLineQuantity задаёт абсолютное количество. Сначала ищется позиция
	// (ErrCartLineNotFound, если её нет), затем проверяется лимит: при
	// maxQuantity >= 0 и qty > maxQuantity возвращается *InsufficientStockError.
	SetLineQuantity(ctx context.Context, identity CartIdentity, ref ProductRef, qty, maxQuantity int) (CartLine, error)
	// RemoveLine удаляет позицию; отсутствие позиции не является ошибкой.
	RemoveLine(ctx context.Context, identity CartIdentity, ref ProductRef) error
	// Clear очищает корзину; отсутствие корзины не является ошибкой.
	Clear(ctx context.Context, identity CartIdentity) error
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ошибку, если запись с таким ID уже существует.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// ListByOwner возвращает заказы владельца, новые первыми.
	ListByOwner(ctx context.Context, owner CartIdentity, limit int) ([]Order, error)
	// List возвращает все заказы, новые первыми.
	List(ctx context.Context, limit int) ([]Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(ctx context.Context, order Order) error
}

// CatalogSource — внешний каталог товаров.
type CatalogSource interface {
	Search(ctx context.Context, term string, limit int) ([]CatalogItem, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит результаты оформления заказов по ключу покупателя.
//
// Begin занимает ключ в статусе processing. Если живой ключ уже есть, возвращается
// его запись и ErrIdempotencyKeyAlreadyExists (тот же запрос) или
// ErrIdempotencyHashMismatch (другой запрос). Просроченный ключ занимается заново.
// Release снимает ключ, оставшийся в processing, чтобы запрос можно было повторить;
// завершённые ключи и отсутствие ключа не трогаются.
type IdempotencyRepository interface {
	Begin(ctx context.Context, key IdempotencyKey, requestHash string, expiresAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key IdempotencyKey) (IdempotencyRecord, error)
	Complete(ctx context.Context, key IdempotencyKey, status IdempotencyStatus, responseStatus int, responseBody []byte) error
	Release(ctx context.Context, key IdempotencyKey) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxStatus — состояние сообщения в outbox.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	// OutboxStatusFailed — попытки исчерпаны, сообщение ушло в dead letter.
	OutboxStatusFailed OutboxStatus = "failed"
)

// OutboxMessage хранит данные для публикуемого события.
// Attempts и CreatedAt заполняет хранилище.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Attempts      int
	CreatedAt     time.Time
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	FailedCount     int
	OldestPendingAt time.Time
}
