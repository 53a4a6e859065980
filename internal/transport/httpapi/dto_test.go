package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestFlexStringAcceptsNumbersAndStrings(t *testing.T) {
	var req cartItemRequest
	require.NoError(t, json.Unmarshal([]byte(`{"productId": 42}`), &req))
	require.Equal(t, flexString("42"), req.ProductID)

	require.NoError(t, json.Unmarshal([]byte(`{"productId": " abc "}`), &req))
	require.Equal(t, flexString("abc"), req.ProductID)

	require.NoError(t, json.Unmarshal([]byte(`{"productId": null}`), &req))
	require.Equal(t, flexString(""), req.ProductID)

	require.Error(t, json.Unmarshal([]byte(`{"productId": {}}`), &req))
}

func TestAddressAliases(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want domain.ShippingAddress
	}{
		{
			name: "canonical",
			raw:  `{"street":"1 Main","city":"A","state":"B","zipCode":"100","country":"US"}`,
			want: domain.ShippingAddress{Street: "1 Main", City: "A", State: "B", ZipCode: "100", Country: "US"},
		},
		{
			name: "address and pincode",
			raw:  `{"address":" 2 Elm ","city":"A","state":"B","pincode":"200"}`,
			want: domain.ShippingAddress{Street: "2 Elm", City: "A", State: "B", ZipCode: "200"},
		},
		{
			name: "postal code",
			raw:  `{"street":"3 Oak","postalCode":"300"}`,
			want: domain.ShippingAddress{Street: "3 Oak", ZipCode: "300"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req addressRequest
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &req))
			require.Equal(t, tt.want, req.toDomain())
		})
	}

	var missing *addressRequest
	require.Equal(t, domain.ShippingAddress{}, missing.toDomain())
}

func TestOrderItemAliases(t *testing.T) {
	var req createOrderRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"products": [
			{"product": "p1", "qty": 2},
			{"externalId": "off-1", "quantity": 1, "name": "Tea", "price": "2.10"},
			{"productId": "external:off-2", "quantity": 1, "name": "Jam", "price": 1}
		],
		"totalAmount": "9.9",
		"address": {"street": "1 Main"},
		"paymentMethod": "Card"
	}`), &req))

	out := req.toCheckout(domain.UserIdentity("u1"))
	require.Len(t, out.Lines, 3)
	require.Equal(t, domain.InternalRef("p1"), out.Lines[0].Ref)
	require.Equal(t, 2, out.Lines[0].Quantity)
	require.Equal(t, domain.RefExternal, out.Lines[1].Ref.Kind)
	require.Equal(t, "Tea", out.Lines[1].Ref.External.Name)
	require.Equal(t, "off-2", out.Lines[2].Ref.ID)
	require.NotNil(t, out.Lines[2].Ref.External)
	require.Equal(t, "1 Main", out.ShippingAddress.Street)
	require.Equal(t, "9.9", out.TotalAmount.String())
}

func TestCartItemRef(t *testing.T) {
	var internal cartItemRequest
	require.NoError(t, json.Unmarshal([]byte(`{"productId":"milk"}`), &internal))
	require.Equal(t, domain.InternalRef("milk"), internal.ref())

	var external cartItemRequest
	require.NoError(t, json.Unmarshal([]byte(`{"externalItem":{"id":"c1","name":"Tea","price":"1.5"}}`), &external))
	ref := external.ref()
	require.Equal(t, domain.RefExternal, ref.Kind)
	require.Equal(t, "c1", ref.ID)
	require.NoError(t, ref.Validate())
}

func TestErrorEnvelopeStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{name: "validation", err: domain.NewValidationError([]error{domain.ErrItemsRequired}), status: http.StatusBadRequest},
		{name: "invalid", err: domain.ErrQuantityInvalid, status: http.StatusBadRequest},
		{name: "unauthorized", err: domain.ErrAuthRequired, status: http.StatusUnauthorized},
		{name: "forbidden", err: domain.ErrOrderForbidden, status: http.StatusForbidden},
		{name: "not found", err: fmt.Errorf("load: %w", domain.ErrOrderNotFound), status: http.StatusNotFound},
		{name: "stock", err: &domain.InsufficientStockError{ProductID: "p", Requested: 2, Available: 1}, status: http.StatusConflict},
		{name: "idempotency", err: domain.ErrIdempotencyHashMismatch, status: http.StatusConflict},
		{name: "internal", err: errors.New("db down"), status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := errorEnvelope(tt.err)
			require.Equal(t, tt.status, status)
			require.False(t, body.Success)
			if tt.status == http.StatusInternalServerError {
				require.Equal(t, internalErrorMessage, body.Message)
			}
		})
	}
}

func TestPrincipalClaims(t *testing.T) {
	tests := []struct {
		name    string
		claims  jwt.MapClaims
		userID  string
		admin   bool
		wantErr bool
	}{
		{name: "user_id string", claims: jwt.MapClaims{"user_id": "u1"}, userID: "u1"},
		{name: "numeric id", claims: jwt.MapClaims{"user_id": float64(42)}, userID: "42"},
		{name: "sub fallback", claims: jwt.MapClaims{"sub": "u2"}, userID: "u2"},
		{name: "admin role", claims: jwt.MapClaims{"sub": "a1", "role": "Admin"}, userID: "a1", admin: true},
		{name: "admin flag", claims: jwt.MapClaims{"id": "a2", "isAdmin": true}, userID: "a2", admin: true},
		{name: "no id", claims: jwt.MapClaims{"role": "admin"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, admin, err := principalClaims(&jwt.Token{Claims: tt.claims})
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrUnauthorized)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.userID, userID)
			require.Equal(t, tt.admin, admin)
		})
	}
}
