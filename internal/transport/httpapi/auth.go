package httpapi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	jwtware "github.com/gofiber/jwt/v2"
	"github.com/golang-jwt/jwt/v4"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	tokenContextKey     = "user"
	principalContextKey = "principal"

	headerSessionID      = "X-Session-Id"
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"

	roleAdmin = "admin"
)

var errAuthNotConfigured = fmt.Errorf("%w: token verification is not configured", domain.ErrUnauthorized)

// bearerAuth проверяет токен, только если он передан: гостевые маршруты
// и оформление заказа гостем работают без заголовка Authorization.
func (s *Server) bearerAuth(secret string) fiber.Handler {
	withoutToken := func(c *fiber.Ctx) bool {
		return strings.TrimSpace(c.Get(fiber.HeaderAuthorization)) == ""
	}
	if secret == "" {
		return func(c *fiber.Ctx) error {
			if withoutToken(c) {
				return c.Next()
			}
			return s.fail(c, errAuthNotConfigured)
		}
	}

	return jwtware.New(jwtware.Config{
		SigningKey:    []byte(secret),
		SigningMethod: jwt.SigningMethodHS256.Alg(),
		ContextKey:    tokenContextKey,
		Filter:        withoutToken,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return s.fail(c, fmt.Errorf("%w: %v", domain.ErrAuthRequired, err))
		},
	})
}

// resolvePrincipal собирает вызывающего из проверенного токена и гостевой сессии.
func (s *Server) resolvePrincipal(c *fiber.Ctx) error {
	principal := domain.Principal{GuestSession: sessionFromRequest(c)}

	if token, ok := c.Locals(tokenContextKey).(*jwt.Token); ok && token != nil {
		userID, admin, err := principalClaims(token)
		if err != nil {
			return s.fail(c, err)
		}
		principal.UserID = userID
		principal.Admin = admin
	}

	c.Locals(principalContextKey, principal)
	return c.Next()
}

func principalClaims(token *jwt.Token) (string, bool, error) {
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", false, domain.ErrAuthRequired
	}

	var userID string
	for _, name := range []string{"user_id", "id", "sub"} {
		if userID = claimString(claims[name]); userID != "" {
			break
		}
	}
	if userID == "" {
		return "", false, fmt.Errorf("%w: token has no user id", domain.ErrAuthRequired)
	}

	admin := strings.EqualFold(claimString(claims["role"]), roleAdmin)
	if flag, ok := claims["isAdmin"].(bool); ok && flag {
		admin = true
	}
	return userID, admin, nil
}

func claimString(raw any) string {
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}

func sessionFromRequest(c *fiber.Ctx) string {
	if session := strings.TrimSpace(c.Get(headerSessionID)); session != "" {
		return session
	}
	return strings.TrimSpace(c.Query("sessionId"))
}

func principalFrom(c *fiber.Ctx) domain.Principal {
	principal, _ := c.Locals(principalContextKey).(domain.Principal)
	return principal
}

// withBodySession дополняет принципала сессией из тела запроса.
func withBodySession(principal domain.Principal, session string) domain.Principal {
	if principal.GuestSession == "" {
		principal.GuestSession = strings.TrimSpace(session)
	}
	return principal
}

func userIdentity(principal domain.Principal) (domain.CartIdentity, error) {
	if !principal.Authenticated() {
		return domain.CartIdentity{}, domain.ErrAuthRequired
	}
	return domain.UserIdentity(principal.UserID), nil
}

func guestIdentity(principal domain.Principal) (domain.CartIdentity, error) {
	if principal.GuestSession == "" {
		return domain.CartIdentity{}, fmt.Errorf("%w: sessionId is required", domain.ErrIdentityRequired)
	}
	return domain.GuestIdentity(principal.GuestSession), nil
}
