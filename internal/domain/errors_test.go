package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsVersionConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "version conflict error",
			err:  ErrOrderVersionConflict,
			want: true,
		},
		{
			name: "wrapped version conflict error",
			err:  errors.Join(ErrOrderVersionConflict, errors.New("additional context")),
			want: true,
		},
		{
			name: "other error",
			err:  ErrOrderNotFound,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsVersionConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsVersionConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsIdempotencyConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "idempotency already exists",
			err:  ErrIdempotencyKeyAlreadyExists,
			want: true,
		},
		{
			name: "idempotency hash mismatch",
			err:  ErrIdempotencyHashMismatch,
			want: true,
		},
		{
			name: "wrapped idempotency conflict",
			err:  errors.Join(ErrIdempotencyHashMismatch, errors.New("extra context")),
			want: true,
		},
		{
			name: "non idempotency error",
			err:  ErrOrderVersionConflict,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsIdempotencyConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsIdempotencyConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind error
	}{
		{name: "product not found", err: ErrProductNotFound, kind: ErrNotFound},
		{name: "cart line not found", err: ErrCartLineNotFound, kind: ErrNotFound},
		{name: "order not found", err: ErrOrderNotFound, kind: ErrNotFound},
		{name: "quantity", err: ErrQuantityInvalid, kind: ErrInvalidArgument},
		{name: "search term", err: ErrSearchTermTooShort, kind: ErrInvalidArgument},
		{name: "field error", err: ErrStreetRequired, kind: ErrInvalidArgument},
		{name: "stock", err: &InsufficientStockError{ProductID: "p1", Requested: 3, Available: 1}, kind: ErrInsufficientStock},
		{name: "admin", err: ErrAdminRequired, kind: ErrForbidden},
		{name: "auth", err: ErrAuthRequired, kind: ErrUnauthorized},
		{name: "catalog", err: ErrCatalogUnavailable, kind: ErrExternalServiceDegraded},
		{name: "wrapped", err: fmt.Errorf("reserve: %w", ErrProductNotFound), kind: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.kind) {
				t.Fatalf("expected %v to be %v", tt.err, tt.kind)
			}
		})
	}
}

func TestValidationErrorCollectsAllFields(t *testing.T) {
	err := NewValidationError([]error{ErrItemsRequired, ErrCityRequired, errors.New("free text")})
	if !IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if !errors.Is(err, ErrCityRequired) {
		t.Fatalf("expected city error to be reachable")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError")
	}
	fields := verr.Fields()
	if len(fields) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(fields))
	}
	if fields[0].Field != "items" || fields[1].Field != "shippingAddress.city" || fields[2].Message != "free text" {
		t.Fatalf("unexpected fields: %+v", fields)
	}

	if NewValidationError(nil) != nil {
		t.Fatalf("expected nil for empty list")
	}
}

func TestInsufficientStockErrorMessage(t *testing.T) {
	err := &InsufficientStockError{ProductID: "milk", Requested: 5, Available: 2}
	want := "insufficient stock for product milk: requested 5, available 2"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
	if IsNotFound(err) {
		t.Fatalf("stock error must not be not-found")
	}
}
