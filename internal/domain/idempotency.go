package domain

import (
	"fmt"
	"strings"
	"time"
)

// MaxIdempotencyKeyLength ограничивает длину клиентского ключа.
const MaxIdempotencyKeyLength = 128

// IdempotencyKey — клиентский ключ запроса в пространстве одного покупателя.
// Одинаковые значения у разных покупателей не пересекаются.
type IdempotencyKey struct {
	Scope string
	Value string
}

// NewIdempotencyKey привязывает значение заголовка к корзине-владельцу.
func NewIdempotencyKey(owner CartIdentity, value string) IdempotencyKey {
	return IdempotencyKey{Scope: owner.Key(), Value: strings.TrimSpace(value)}
}

// IsZero сообщает, что клиент не передал ключ.
func (k IdempotencyKey) IsZero() bool { return strings.TrimSpace(k.Value) == "" }

// Validate проверяет, что ключ можно сохранить.
func (k IdempotencyKey) Validate() error {
	switch {
	case strings.TrimSpace(k.Scope) == "" || k.IsZero():
		return ErrIdempotencyKeyRequired
	case len(k.Value) > MaxIdempotencyKeyLength:
		return fmt.Errorf("%w: longer than %d characters", ErrIdempotencyKeyTooLong, MaxIdempotencyKeyLength)
	}
	return nil
}

func (k IdempotencyKey) String() string { return k.Scope + "/" + k.Value }

// IdempotencyStatus описывает жизненный цикл ключа.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone — заказ создан, ответ сохранён.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed — запрос отклонён, повтор вернёт ту же ошибку.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// Final сообщает, что ответ уже сохранён.
func (s IdempotencyStatus) Final() bool {
	return s == IdempotencyStatusDone || s == IdempotencyStatusFailed
}

// IdempotencyRecord — сохранённый результат оформления заказа по ключу.
type IdempotencyRecord struct {
	Key            IdempotencyKey
	RequestHash    string
	Status         IdempotencyStatus
	ResponseStatus int
	ResponseBody   []byte
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Expired проверяет, что ключ можно занять заново.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
