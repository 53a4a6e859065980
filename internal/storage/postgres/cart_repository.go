package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type cartRepository struct {
	db *sql.DB
}

// NewCartRepository создаёт PostgreSQL-реализацию CartRepository.
// Корзина хранится строкой в carts, позиции строками в cart_lines.
func NewCartRepository(store *Store) domain.CartRepository {
	return &cartRepository{db: store.DB()}
}

func (r *cartRepository) Get(ctx context.Context, identity domain.CartIdentity) (domain.Cart, error) {
	if err := identity.Validate(); err != nil {
		return domain.Cart{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	cart := domain.EmptyCart(identity)
	err := r.db.QueryRowContext(ctx, `
		SELECT updated_at
		FROM carts
		WHERE owner_kind = $1 AND owner_id = $2
	`, string(identity.Kind), identity.Value).Scan(&cart.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cart, nil
		}
		return domain.Cart{}, fmt.Errorf("select cart: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT ref_kind, ref_id, quantity, external_name, external_price, external_image, added_at
		FROM cart_lines
		WHERE owner_kind = $1 AND owner_id = $2
		ORDER BY added_at ASC, seq ASC
	`, string(identity.Kind), identity.Value)
	if err != nil {
		return domain.Cart{}, fmt.Errorf("select cart lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		line, err := scanCartLine(rows)
		if err != nil {
			return domain.Cart{}, err
		}
		cart.Lines = append(cart.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return domain.Cart{}, fmt.Errorf("iterate cart lines: %w", err)
	}
	return cart, nil
}

// AddLine выполняет upsert с условием на лимит: чтение и инкремент происходят
// в одном операторе под блокировкой строки.
func (r *cartRepository) AddLine(ctx context.Context, identity domain.CartIdentity, ref domain.ProductRef, qty, maxQuantity int) (line domain.CartLine, err error) {
	if err := identity.Validate(); err != nil {
		return domain.CartLine{}, err
	}
	if qty < 1 {
		return domain.CartLine{}, domain.ErrQuantityInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.CartLine{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	if err = touchCart(ctx, tx, identity, now); err != nil {
		return domain.CartLine{}, err
	}

	name, price, image := externalColumns(ref)
	line = domain.CartLine{Ref: ref}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO cart_lines (
			owner_kind, owner_id, ref_kind, ref_id, quantity,
			external_name, external_price, external_image, added_at
		)
		SELECT $1, $2, $3, $4, $5::int, $6, $7, $8, $9
		WHERE $10::int < 0 OR $5::int <= $10::int
		ON CONFLICT (owner_kind, owner_id, ref_kind, ref_id) DO UPDATE
		SET quantity = cart_lines.quantity + EXCLUDED.quantity,
		    external_name = COALESCE(EXCLUDED.external_name, cart_lines.external_name),
		    external_price = COALESCE(EXCLUDED.external_price, cart_lines.external_price),
		    external_image = COALESCE(EXCLUDED.external_image, cart_lines.external_image)
		WHERE $10::int < 0 OR cart_lines.quantity + EXCLUDED.quantity <= $10::int
		RETURNING quantity, added_at
	`,
		string(identity.Kind), identity.Value, string(ref.Kind), ref.ID, qty,
		name, price, image, now, maxQuantity,
	).Scan(&line.Quantity, &line.AddedAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.CartLine{}, fmt.Errorf("upsert cart line: %w", err)
		}

		var existing int
		scanErr := tx.QueryRowContext(ctx, `
			SELECT quantity
			FROM cart_lines
			WHERE owner_kind = $1 AND owner_id = $2 AND ref_kind = $3 AND ref_id = $4
		`, string(identity.Kind), identity.Value, string(ref.Kind), ref.ID).Scan(&existing)
		if scanErr != nil && !errors.Is(scanErr, sql.ErrNoRows) {
			err = fmt.Errorf("read cart line: %w", scanErr)
			return domain.CartLine{}, err
		}
		err = &domain.InsufficientStockError{ProductID: ref.ID, Requested: existing + qty, Available: maxQuantity}
		return domain.CartLine{}, err
	}

	if err = tx.Commit(); err != nil {
		return domain.CartLine{}, fmt.Errorf("commit add cart line: %w", err)
	}
	return line, nil
}

// SetLineQuantity обновляет позицию одним условным UPDATE. Если строка не
// изменилась, повторное чтение отличает отсутствующую позицию от превышения лимита.
func (r *cartRepository) SetLineQuantity(ctx context.Context, identity domain.CartIdentity, ref domain.ProductRef, qty, maxQuantity int) (domain.CartLine, error) {
	if err := identity.Validate(); err != nil {
		return domain.CartLine{}, err
	}
	if qty < 1 {
		return domain.CartLine{}, domain.ErrQuantityInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	line, err := scanCartLine(r.db.QueryRowContext(ctx, `
		WITH updated AS (
			UPDATE cart_lines
			SET quantity = $5::int
			WHERE owner_kind = $1 AND owner_id = $2 AND ref_kind = $3 AND ref_id = $4
			  AND ($7::int < 0 OR $5::int <= $7::int)
			RETURNING ref_kind, ref_id, quantity, external_name, external_price, external_image, added_at
		), touched AS (
			UPDATE carts
			SET updated_at = $6
			WHERE owner_kind = $1 AND owner_id = $2 AND EXISTS (SELECT 1 FROM updated)
		)
		SELECT ref_kind, ref_id, quantity, external_name, external_price, external_image, added_at
		FROM updated
	`, string(identity.Kind), identity.Value, string(ref.Kind), ref.ID, qty, time.Now().UTC(), maxQuantity))
	if err == nil {
		return line, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.CartLine{}, err
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM cart_lines
			WHERE owner_kind = $1 AND owner_id = $2 AND ref_kind = $3 AND ref_id = $4
		)
	`, string(identity.Kind), identity.Value, string(ref.Kind), ref.ID).Scan(&exists); err != nil {
		return domain.CartLine{}, fmt.Errorf("read cart line: %w", err)
	}
	if !exists {
		return domain.CartLine{}, domain.ErrCartLineNotFound
	}
	return domain.CartLine{}, &domain.InsufficientStockError{ProductID: ref.ID, Requested: qty, Available: maxQuantity}
}

func (r *cartRepository) RemoveLine(ctx context.Context, identity domain.CartIdentity, ref domain.ProductRef) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM cart_lines
		WHERE owner_kind = $1 AND owner_id = $2 AND ref_kind = $3 AND ref_id = $4
	`, string(identity.Kind), identity.Value, string(ref.Kind), ref.ID); err != nil {
		return fmt.Errorf("delete cart line: %w", err)
	}
	return nil
}

// Clear удаляет позиции, оставляя запись корзины.
func (r *cartRepository) Clear(ctx context.Context, identity domain.CartIdentity) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM cart_lines
		WHERE owner_kind = $1 AND owner_id = $2
	`, string(identity.Kind), identity.Value); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `
		UPDATE carts
		SET updated_at = $3
		WHERE owner_kind = $1 AND owner_id = $2
	`, string(identity.Kind), identity.Value, time.Now().UTC()); err != nil {
		return fmt.Errorf("touch cart: %w", err)
	}
	return nil
}

func touchCart(ctx context.Context, tx *sql.Tx, identity domain.CartIdentity, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO carts (owner_kind, owner_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (owner_kind, owner_id) DO UPDATE
		SET updated_at = EXCLUDED.updated_at
	`, string(identity.Kind), identity.Value, now); err != nil {
		return fmt.Errorf("upsert cart: %w", err)
	}
	return nil
}

func externalColumns(ref domain.ProductRef) (sql.NullString, decimal.NullDecimal, sql.NullString) {
	if ref.External == nil {
		return sql.NullString{}, decimal.NullDecimal{}, sql.NullString{}
	}
	return sql.NullString{String: ref.External.Name, Valid: true},
		decimal.NullDecimal{Decimal: ref.External.Price, Valid: true},
		sql.NullString{String: ref.External.Image, Valid: true}
}

func scanCartLine(row rowScanner) (domain.CartLine, error) {
	var (
		line    domain.CartLine
		kind    string
		extName sql.NullString
		extImg  sql.NullString
		extCost decimal.NullDecimal
	)
	if err := row.Scan(&kind, &line.Ref.ID, &line.Quantity, &extName, &extCost, &extImg, &line.AddedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CartLine{}, err
		}
		return domain.CartLine{}, fmt.Errorf("scan cart line: %w", err)
	}

	line.Ref.Kind = domain.RefKind(kind)
	if line.Ref.Kind == domain.RefExternal {
		line.Ref.External = &domain.ExternalItem{Name: extName.String, Price: extCost.Decimal, Image: extImg.String}
	}
	return line, nil
}

var _ domain.CartRepository = (*cartRepository)(nil)
