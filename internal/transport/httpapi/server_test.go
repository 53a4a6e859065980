package httpapi_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/journal"
	"github.com/vladislavdragonenkov/storefront/internal/service/search"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/transport/httpapi"
)

const testSecret = "test-secret"

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Errors  []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"errors"`
}

type harness struct {
	t        *testing.T
	server   *httpapi.Server
	products domain.ProductRepository
}

func newHarness(t *testing.T, secret string) *harness {
	t.Helper()

	logger := log.New()
	logger.SetOutput(io.Discard)
	entry := logger.WithField("component", "http-test")

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	products := memory.NewProductRepository(
		domain.Product{ID: "milk", Name: "Organic Milk", Category: "dairy", Price: decimal.RequireFromString("1.99"), Stock: 5, Rating: 4.5, CreatedAt: created},
		domain.Product{ID: "bread", Name: "Rye Bread", Category: "bakery", Price: decimal.RequireFromString("2.50"), Stock: 2, CreatedAt: created},
	)
	carts := memory.NewCartRepository()
	timeline := memory.NewTimelineRepository()

	server := httpapi.NewServer(httpapi.Config{JWTSecret: secret}, httpapi.Services{
		Carts:       cart.NewService(carts, products, entry),
		Orders:      checkout.NewService(memory.NewOrderRepository(), products, carts, entry,
			checkout.WithTimeline(timeline),
			checkout.WithObserver(journal.New(entry, journal.WithTimeline(timeline))),
		),
		Search:      search.NewService(products, nil, entry),
		Idempotency: idempotency.NewGuard(memory.NewIdempotencyRepository()),
	}, entry)

	return &harness{t: t, server: server, products: products}
}

func token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func userToken(t *testing.T, id string) string {
	return token(t, jwt.MapClaims{"user_id": id, "exp": time.Now().Add(time.Hour).Unix()})
}

func adminToken(t *testing.T) string {
	return token(t, jwt.MapClaims{"sub": "admin-1", "role": "admin", "exp": time.Now().Add(time.Hour).Unix()})
}

type requestOption func(*http.Request)

func withToken(tok string) requestOption {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }
}

func withHeader(name, value string) requestOption {
	return func(r *http.Request) { r.Header.Set(name, value) }
}

func (h *harness) do(method, path, body string, opts ...requestOption) (int, apiResponse, http.Header) {
	h.t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := h.server.App().Test(req, -1)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)

	var parsed apiResponse
	if len(raw) > 0 {
		require.NoError(h.t, json.Unmarshal(raw, &parsed), string(raw))
	}
	return resp.StatusCode, parsed, resp.Header
}

func (h *harness) stock(id string) int {
	h.t.Helper()
	product, err := h.products.Get(context.Background(), id)
	require.NoError(h.t, err)
	return product.Stock
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var value T
	require.NoError(t, json.Unmarshal(raw, &value))
	return value
}

type cartPayload struct {
	Owner struct {
		Kind string `json:"kind"`
		ID   string `json:"id"`
	} `json:"owner"`
	IsGuest bool `json:"isGuest"`
	Items   []struct {
		Key        string `json:"key"`
		ProductID  string `json:"productId"`
		ExternalID string `json:"externalId"`
		Source     string `json:"source"`
		Name       string `json:"name"`
		Price      string `json:"price"`
		Quantity   int    `json:"quantity"`
	} `json:"items"`
	TotalQuantity int    `json:"totalQuantity"`
	Subtotal      string `json:"subtotal"`
}

type orderPayload struct {
	ID    string `json:"_id"`
	Owner struct {
		Kind string `json:"kind"`
		ID   string `json:"id"`
	} `json:"owner"`
	Items []struct {
		ProductID string `json:"productId"`
		Name      string `json:"name"`
		Quantity  int    `json:"quantity"`
		Price     string `json:"price"`
	} `json:"orderItems"`
	TotalAmount     string `json:"totalAmount"`
	Status          string `json:"status"`
	IsPaid          bool   `json:"isPaid"`
	IsDelivered     bool   `json:"isDelivered"`
	ShippingAddress struct {
		Street  string `json:"street"`
		ZipCode string `json:"zipCode"`
	} `json:"shippingAddress"`
}

func TestUnknownRouteUsesEnvelope(t *testing.T) {
	h := newHarness(t, testSecret)

	status, body, _ := h.do(http.MethodGet, "/api/unknown", "")
	require.Equal(t, http.StatusNotFound, status)
	require.False(t, body.Success)
	require.NotEmpty(t, body.Message)
}

func TestUserRoutesRequireValidToken(t *testing.T) {
	h := newHarness(t, testSecret)

	status, body, _ := h.do(http.MethodGet, "/api/cart", "")
	require.Equal(t, http.StatusUnauthorized, status)
	require.False(t, body.Success)

	status, _, _ = h.do(http.MethodGet, "/api/cart", "", withToken("not-a-jwt"))
	require.Equal(t, http.StatusUnauthorized, status)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "u1"}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	status, _, _ = h.do(http.MethodGet, "/api/cart", "", withToken(forged))
	require.Equal(t, http.StatusUnauthorized, status)

	noUser := token(t, jwt.MapClaims{"role": "admin"})
	status, _, _ = h.do(http.MethodGet, "/api/cart", "", withToken(noUser))
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestMissingSecretRejectsTokensButServesGuests(t *testing.T) {
	h := newHarness(t, "")

	status, _, _ := h.do(http.MethodGet, "/api/cart", "", withToken(userToken(t, "u1")))
	require.Equal(t, http.StatusUnauthorized, status)

	status, body, _ := h.do(http.MethodGet, "/api/guest-cart?sessionId=s1", "")
	require.Equal(t, http.StatusOK, status)
	require.True(t, body.Success)
}

func TestSearchEndpoint(t *testing.T) {
	h := newHarness(t, testSecret)

	status, body, _ := h.do(http.MethodGet, "/api/products/search?q=milk", "")
	require.Equal(t, http.StatusOK, status)
	result := decode[struct {
		Products []struct {
			ID     string `json:"_id"`
			Source string `json:"source"`
			Price  string `json:"price"`
		} `json:"products"`
		LocalCount    int `json:"localCount"`
		ExternalCount int `json:"externalCount"`
		Total         int `json:"total"`
	}](t, body.Data)
	require.Equal(t, 1, result.LocalCount)
	require.Equal(t, 0, result.ExternalCount)
	require.Equal(t, 1, result.Total)
	require.Equal(t, "milk", result.Products[0].ID)
	require.Equal(t, "local", result.Products[0].Source)
	require.Equal(t, "1.99", result.Products[0].Price)

	status, body, _ = h.do(http.MethodGet, "/api/products/search?q=m", "")
	require.Equal(t, http.StatusBadRequest, status)
	require.False(t, body.Success)
}
