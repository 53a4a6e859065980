// Package idempotency реализует повторяемые запросы по Idempotency-Key и очистку просроченных ключей.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultTTL: сколько хранится ответ по ключу.
const DefaultTTL = 24 * time.Hour

// Response: сохранённый ответ запроса.
type Response struct {
	Status int
	Body   []byte
	// Replayed: ответ взят из кэша, а не получен выполнением запроса.
	Replayed bool
}

// Guard выполняет запрос не более одного раза на ключ.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	logger *log.Entry
	now    func() time.Time
}

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithTTL задаёт время жизни ключа.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithGuardLogger задаёт логгер.
func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuard создаёт Guard. С nil-репозиторием запросы выполняются без кэширования.
func NewGuard(repo domain.IdempotencyRepository, opts ...GuardOption) *Guard {
	g := &Guard{
		repo:   repo,
		ttl:    DefaultTTL,
		logger: log.WithField("component", "idempotency"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// HashRequest строит отпечаток запроса из его частей (метод, путь, тело).
func HashRequest(parts ...[]byte) string {
	h := sha256.New()
	for _, part := range parts {
		_, _ = fmt.Fprintf(h, "%d:", len(part))
		_, _ = h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Do выполняет run, если ключ ещё не использовался, и сохраняет ответ.
// Повтор с тем же ключом и тем же запросом возвращает сохранённый ответ;
// тот же ключ с другим запросом даёт ErrIdempotencyHashMismatch.
// Ответы 5xx и паника в run не сохраняются: ключ освобождается для повтора.
// Пустой ключ означает, что клиент не просил идемпотентности.
func (g *Guard) Do(ctx context.Context, key domain.IdempotencyKey, requestHash string, run func(ctx context.Context) Response) (Response, error) {
	if key.IsZero() || g == nil || g.repo == nil {
		return run(ctx), nil
	}
	if err := key.Validate(); err != nil {
		return Response{}, err
	}

	record, err := g.repo.Begin(ctx, key, requestHash, g.now().Add(g.ttl))
	if err != nil {
		return g.replay(key, record, err)
	}

	defer func() {
		if p := recover(); p != nil {
			g.release(ctx, key)
			panic(p)
		}
	}()

	resp := run(ctx)
	if resp.Status >= http.StatusInternalServerError {
		g.release(ctx, key)
		return resp, nil
	}

	status := domain.IdempotencyStatusDone
	if resp.Status >= http.StatusBadRequest {
		status = domain.IdempotencyStatusFailed
	}
	if err := g.repo.Complete(ctx, key, status, resp.Status, resp.Body); err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key.String()).Warn("failed to store idempotent response")
	}
	return resp, nil
}

// release снимает ключ с контекстом без отмены: запрос к этому моменту может быть уже отменён.
func (g *Guard) release(ctx context.Context, key domain.IdempotencyKey) {
	if err := g.repo.Release(context.WithoutCancel(ctx), key); err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key.String()).Warn("failed to release idempotency key")
	}
}

func (g *Guard) replay(key domain.IdempotencyKey, record domain.IdempotencyRecord, beginErr error) (Response, error) {
	switch {
	case errors.Is(beginErr, domain.ErrIdempotencyHashMismatch):
		return Response{}, beginErr
	case !errors.Is(beginErr, domain.ErrIdempotencyKeyAlreadyExists):
		g.logger.WithError(beginErr).WithField("idempotency_key", key.String()).Warn("failed to claim idempotency key")
		return Response{}, beginErr
	}

	switch {
	case record.Status == domain.IdempotencyStatusProcessing:
		return Response{}, domain.ErrIdempotencyInProgress
	case record.Status.Final():
		status := record.ResponseStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return Response{Status: status, Body: record.ResponseBody, Replayed: true}, nil
	default:
		return Response{}, fmt.Errorf("unknown idempotency status %q", record.Status)
	}
}
