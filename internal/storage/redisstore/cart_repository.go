package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultKeyPrefix = "storefront:cart:"
	opTimeout        = 2 * time.Second

	qtyFieldPrefix  = "q:"
	metaFieldPrefix = "m:"
	updatedAtField  = "updated_at"
)

// addLineScript увеличивает количество с проверкой лимита и пишет описание
// позиции только при первом добавлении.
//
// KEYS[1]: hash корзины, KEYS[2]: список порядка позиций.
// ARGV: ref key, qty, max (<0 без лимита), meta JSON, updated_at, ttl ms.
// Возвращает {1, total} при успехе или {0, current} при превышении лимита.
var addLineScript = redis.NewScript(`
local qtyField = 'q:' .. ARGV[1]
local metaField = 'm:' .. ARGV[1]
local qty = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

local current = tonumber(redis.call('HGET', KEYS[1], qtyField) or '0')
if max >= 0 and current + qty > max then
	return {0, current}
end

local total = redis.call('HINCRBY', KEYS[1], qtyField, qty)
if current == 0 then
	redis.call('HSET', KEYS[1], metaField, ARGV[4])
	redis.call('RPUSH', KEYS[2], ARGV[1])
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[5])

local ttl = tonumber(ARGV[6])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return {1, total}
`)

// setLineScript задаёт абсолютное количество существующей позиции.
// ARGV: ref key, qty, max (<0 без лимита), updated_at, ttl ms.
// Возвращает описание позиции, nil, если позиции нет, или 0 при превышении лимита.
var setLineScript = redis.NewScript(`
local qtyField = 'q:' .. ARGV[1]
if redis.call('HEXISTS', KEYS[1], qtyField) == 0 then
	return false
end

local max = tonumber(ARGV[3])
if max >= 0 and tonumber(ARGV[2]) > max then
	return 0
end

redis.call('HSET', KEYS[1], qtyField, ARGV[2], 'updated_at', ARGV[4])
local ttl = tonumber(ARGV[5])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
	redis.call('PEXPIRE', KEYS[2], ttl)
end
return redis.call('HGET', KEYS[1], 'm:' .. ARGV[1])
`)

// lineMeta: описание позиции, сохранённое в hash корзины.
type lineMeta struct {
	Kind    domain.RefKind   `json:"kind"`
	ID      string           `json:"id"`
	Name    string           `json:"name,omitempty"`
	Price   *decimal.Decimal `json:"price,omitempty"`
	Image   string           `json:"image,omitempty"`
	AddedAt time.Time        `json:"added_at"`
}

// CartRepository хранит корзины в Redis: hash с количествами и описаниями позиций
// плюс список, задающий порядок добавления. Гостевые корзины живут guestTTL.
type CartRepository struct {
	client    redis.UniversalClient
	keyPrefix string
	guestTTL  time.Duration
	now       func() time.Time
}

// Option настраивает CartRepository.
type Option func(*CartRepository)

// WithGuestTTL задаёт время жизни гостевой корзины с момента последнего изменения.
func WithGuestTTL(ttl time.Duration) Option {
	return func(r *CartRepository) {
		if ttl >= 0 {
			r.guestTTL = ttl
		}
	}
}

// WithKeyPrefix задаёт префикс ключей (удобно для изоляции тестов).
func WithKeyPrefix(prefix string) Option {
	return func(r *CartRepository) {
		if prefix != "" {
			r.keyPrefix = prefix
		}
	}
}

// NewCartRepository создаёт Redis-реализацию CartRepository.
func NewCartRepository(client redis.UniversalClient, opts ...Option) *CartRepository {
	r := &CartRepository{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *CartRepository) Get(ctx context.Context, identity domain.CartIdentity) (domain.Cart, error) {
	if err := identity.Validate(); err != nil {
		return domain.Cart{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cartKey, linesKey := r.keys(identity)
	var (
		fieldsCmd *redis.MapStringStringCmd
		orderCmd  *redis.StringSliceCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fieldsCmd = pipe.HGetAll(ctx, cartKey)
		orderCmd = pipe.LRange(ctx, linesKey, 0, -1)
		return nil
	})
	if err != nil {
		return domain.Cart{}, fmt.Errorf("read cart: %w", err)
	}

	fields := fieldsCmd.Val()
	cart := domain.EmptyCart(identity)
	if raw, ok := fields[updatedAtField]; ok {
		if cart.UpdatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return domain.Cart{}, fmt.Errorf("decode cart updated_at: %w", err)
		}
	}

	for _, refKey := range orderCmd.Val() {
		rawQty, ok := fields[qtyFieldPrefix+refKey]
		if !ok {
			continue
		}
		line, err := decodeLine(fields[metaFieldPrefix+refKey], rawQty)
		if err != nil {
			return domain.Cart{}, err
		}
		cart.Lines = append(cart.Lines, line)
	}
	return cart, nil
}

func (r *CartRepository) AddLine(ctx context.Context, identity domain.CartIdentity, ref domain.ProductRef, qty, maxQuantity int) (domain.CartLine, error) {
	if err := identity.Validate(); err != nil {
		return domain.CartLine{}, err
	}
	if qty < 1 {
		return domain.CartLine{}, domain.ErrQuantityInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := r.now()
	meta, err := encodeMeta(ref, now)
	if err != nil {
		return domain.CartLine{}, err
	}

	cartKey, linesKey := r.keys(identity)
	res, err := addLineScript.Run(ctx, r.client, []string{cartKey, linesKey},
		ref.Key(), qty, maxQuantity, meta, now.Format(time.RFC3339Nano), r.ttlMillis(identity),
	).Int64Slice()
	if err != nil {
		return domain.CartLine{}, fmt.Errorf("add cart line: %w", err)
	}
	if len(res) != 2 {
		return domain.CartLine{}, fmt.Errorf("add cart line: unexpected script reply %v", res)
	}
	if res[0] == 0 {
		return domain.CartLine{}, &domain.InsufficientStockError{
			ProductID: ref.ID,
			Requested: int(res[1]) + qty,
			Available: maxQuantity,
		}
	}

	if res[1] == int64(qty) {
		return domain.CartLine{Ref: ref, Quantity: qty, AddedAt: now}, nil
	}
	// Позиция уже была: берём сохранённое описание и время первого добавления.
	stored, err := r.client.HGet(ctx, cartKey, metaFieldPrefix+ref.Key()).Result()
	if err != nil {
		return domain.CartLine{}, fmt.Errorf("read cart line: %w", err)
	}
	return decodeLine(stored, strconv.FormatInt(res[1], 10))
}

func (r *CartRepository) SetLineQuantity(ctx context.Context, identity domain.CartIdentity, ref domain.ProductRef, qty, maxQuantity int) (domain.CartLine, error) {
	if err := identity.Validate(); err != nil {
		return domain.CartLine{}, err
	}
	if qty < 1 {
		return domain.CartLine{}, domain.ErrQuantityInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cartKey, linesKey := r.keys(identity)
	reply, err := setLineScript.Run(ctx, r.client, []string{cartKey, linesKey},
		ref.Key(), qty, maxQuantity, r.now().Format(time.RFC3339Nano), r.ttlMillis(identity),
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.CartLine{}, domain.ErrCartLineNotFound
		}
		return domain.CartLine{}, fmt.Errorf("set cart line quantity: %w", err)
	}

	switch meta := reply.(type) {
	case string:
		return decodeLine(meta, strconv.Itoa(qty))
	case int64:
		return domain.CartLine{}, &domain.InsufficientStockError{ProductID: ref.ID, Requested: qty, Available: maxQuantity}
	default:
		return domain.CartLine{}, fmt.Errorf("set cart line quantity: unexpected script reply %v", reply)
	}
}

func (r *CartRepository) RemoveLine(ctx context.Context, identity domain.CartIdentity, ref domain.ProductRef) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cartKey, linesKey := r.keys(identity)
	refKey := ref.Key()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, cartKey, qtyFieldPrefix+refKey, metaFieldPrefix+refKey)
		pipe.LRem(ctx, linesKey, 0, refKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove cart line: %w", err)
	}
	return nil
}

func (r *CartRepository) Clear(ctx context.Context, identity domain.CartIdentity) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cartKey, linesKey := r.keys(identity)
	if err := r.client.Del(ctx, cartKey, linesKey).Err(); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

// keys возвращает ключи корзины. Hash tag держит оба ключа в одном слоте кластера.
func (r *CartRepository) keys(identity domain.CartIdentity) (string, string) {
	base := r.keyPrefix + "{" + identity.Key() + "}"
	return base, base + ":lines"
}

func (r *CartRepository) ttlMillis(identity domain.CartIdentity) int64 {
	if !identity.IsGuest() || r.guestTTL <= 0 {
		return 0
	}
	return r.guestTTL.Milliseconds()
}

func encodeMeta(ref domain.ProductRef, addedAt time.Time) (string, error) {
	meta := lineMeta{Kind: ref.Kind, ID: ref.ID, AddedAt: addedAt}
	if ref.External != nil {
		price := ref.External.Price
		meta.Name = ref.External.Name
		meta.Price = &price
		meta.Image = ref.External.Image
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode cart line: %w", err)
	}
	return string(raw), nil
}

func decodeLine(rawMeta, rawQty string) (domain.CartLine, error) {
	var meta lineMeta
	if err := json.Unmarshal([]byte(rawMeta), &meta); err != nil {
		return domain.CartLine{}, fmt.Errorf("decode cart line: %w", err)
	}
	qty, err := strconv.Atoi(strings.TrimSpace(rawQty))
	if err != nil {
		return domain.CartLine{}, fmt.Errorf("decode cart line quantity: %w", err)
	}

	line := domain.CartLine{
		Ref:      domain.ProductRef{Kind: meta.Kind, ID: meta.ID},
		Quantity: qty,
		AddedAt:  meta.AddedAt,
	}
	if meta.Kind == domain.RefExternal {
		item := domain.ExternalItem{Name: meta.Name, Image: meta.Image}
		if meta.Price != nil {
			item.Price = *meta.Price
		}
		line.Ref.External = &item
	}
	return line, nil
}

var _ domain.CartRepository = (*CartRepository)(nil)
