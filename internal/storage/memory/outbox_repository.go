package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const defaultOutboxBatch = 100

type outboxEntry struct {
	msg    domain.OutboxMessage
	status domain.OutboxStatus
}

// OutboxRepository: in-memory outbox; порядок выдачи совпадает с порядком Enqueue.
type OutboxRepository struct {
	mu    sync.RWMutex
	queue []*outboxEntry
	byID  map[string]*outboxEntry
	now   func() time.Time
}

// NewOutboxRepository создаёт in-memory реализацию outbox.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		byID: make(map[string]*outboxEntry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Attempts = 0
	msg.CreatedAt = r.now()
	msg.Payload = append([]byte(nil), msg.Payload...)

	entry := &outboxEntry{msg: msg, status: domain.OutboxStatusPending}
	r.queue = append(r.queue, entry)
	r.byID[msg.ID] = entry
	return msg, nil
}

func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}
	return r.pending(limit), nil
}

func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, entry := range r.queue {
		switch entry.status {
		case domain.OutboxStatusPending:
			if stats.PendingCount == 0 {
				stats.OldestPendingAt = entry.msg.CreatedAt
			}
			stats.PendingCount++
		case domain.OutboxStatusFailed:
			stats.FailedCount++
		}
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.settle(id, domain.OutboxStatusSent)
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.settle(id, domain.OutboxStatusFailed)
}

// AllPending возвращает все неопубликованные сообщения.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	return r.pending(0)
}

func (r *OutboxRepository) settle(id string, status domain.OutboxStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byID[id]
	if !ok {
		return domain.ErrOutboxMessageNotFound
	}
	entry.status = status
	entry.msg.Attempts++
	return nil
}

// pending копирует до limit pending-сообщений, при limit <= 0 все.
func (r *OutboxRepository) pending(limit int) []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := []domain.OutboxMessage{}
	for _, entry := range r.queue {
		if limit > 0 && len(result) == limit {
			break
		}
		if entry.status != domain.OutboxStatusPending {
			continue
		}
		msg := entry.msg
		msg.Payload = append([]byte(nil), entry.msg.Payload...)
		result = append(result, msg)
	}
	return result
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
