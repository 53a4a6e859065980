package httpapi

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// decodeBody разбирает JSON-тело; пустое тело не ошибка (DELETE без тела).
func decodeBody(c *fiber.Ctx, dst any) error {
	body := c.Body()
	if len(body) == 0 {
		return nil
	}
	if err := c.App().Config().JSONDecoder(body, dst); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

type identityResolver func(domain.Principal) (domain.CartIdentity, error)

func (s *Server) renderCart(c *fiber.Ctx, identity domain.CartIdentity, status int, message string) error {
	view, err := s.carts.View(c.UserContext(), identity)
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, status, newCartView(view), message)
}

func (s *Server) getCart(c *fiber.Ctx, resolve identityResolver) error {
	identity, err := resolve(principalFrom(c))
	if err != nil {
		return s.fail(c, err)
	}
	return s.renderCart(c, identity, fiber.StatusOK, "")
}

func (s *Server) addCartItem(c *fiber.Ctx, resolve identityResolver) error {
	var req cartItemRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, err)
	}
	identity, err := resolve(withBodySession(principalFrom(c), req.SessionID))
	if err != nil {
		return s.fail(c, err)
	}

	qty := 1
	if req.Quantity != nil {
		qty = *req.Quantity
	}
	if _, err := s.carts.AddItem(c.UserContext(), identity, req.ref(), qty); err != nil {
		return s.fail(c, err)
	}
	return s.renderCart(c, identity, fiber.StatusOK, "item added to cart")
}

func (s *Server) setCartItem(c *fiber.Ctx, resolve identityResolver) error {
	var req cartItemRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, err)
	}
	identity, err := resolve(withBodySession(principalFrom(c), req.SessionID))
	if err != nil {
		return s.fail(c, err)
	}
	if req.Quantity == nil {
		return s.fail(c, domain.ErrQuantityInvalid)
	}

	ref := domain.ParseRefKey(c.Params("productId"))
	if _, err := s.carts.SetItemQuantity(c.UserContext(), identity, ref, *req.Quantity); err != nil {
		return s.fail(c, err)
	}
	return s.renderCart(c, identity, fiber.StatusOK, "cart updated")
}

func (s *Server) removeCartItem(c *fiber.Ctx, resolve identityResolver) error {
	var req sessionRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, err)
	}
	identity, err := resolve(withBodySession(principalFrom(c), req.SessionID))
	if err != nil {
		return s.fail(c, err)
	}

	ref := domain.ParseRefKey(c.Params("productId"))
	if err := s.carts.RemoveItem(c.UserContext(), identity, ref); err != nil {
		return s.fail(c, err)
	}
	return s.renderCart(c, identity, fiber.StatusOK, "item removed from cart")
}

func (s *Server) clearCart(c *fiber.Ctx, resolve identityResolver) error {
	var req sessionRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, err)
	}
	identity, err := resolve(withBodySession(principalFrom(c), req.SessionID))
	if err != nil {
		return s.fail(c, err)
	}

	if err := s.carts.Clear(c.UserContext(), identity); err != nil {
		return s.fail(c, err)
	}
	return s.renderCart(c, identity, fiber.StatusOK, "cart cleared")
}

func (s *Server) getUserCart(c *fiber.Ctx) error        { return s.getCart(c, userIdentity) }
func (s *Server) addUserCartItem(c *fiber.Ctx) error    { return s.addCartItem(c, userIdentity) }
func (s *Server) setUserCartItem(c *fiber.Ctx) error    { return s.setCartItem(c, userIdentity) }
func (s *Server) removeUserCartItem(c *fiber.Ctx) error { return s.removeCartItem(c, userIdentity) }
func (s *Server) clearUserCart(c *fiber.Ctx) error      { return s.clearCart(c, userIdentity) }

func (s *Server) getGuestCart(c *fiber.Ctx) error        { return s.getCart(c, guestIdentity) }
func (s *Server) addGuestCartItem(c *fiber.Ctx) error    { return s.addCartItem(c, guestIdentity) }
func (s *Server) setGuestCartItem(c *fiber.Ctx) error    { return s.setCartItem(c, guestIdentity) }
func (s *Server) removeGuestCartItem(c *fiber.Ctx) error { return s.removeCartItem(c, guestIdentity) }
func (s *Server) clearGuestCart(c *fiber.Ctx) error      { return s.clearCart(c, guestIdentity) }

// mergeGuestCart переносит гостевую корзину в корзину вошедшего пользователя.
func (s *Server) mergeGuestCart(c *fiber.Ctx) error {
	var req sessionRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, err)
	}
	principal := principalFrom(c)
	user, err := userIdentity(principal)
	if err != nil {
		return s.fail(c, err)
	}
	session := req.SessionID
	if session == "" {
		session = principal.GuestSession
	}
	guest, err := guestIdentity(domain.Principal{GuestSession: session})
	if err != nil {
		return s.fail(c, err)
	}

	result, err := s.carts.MergeGuestIntoUser(c.UserContext(), guest, user)
	if err != nil {
		return s.fail(c, err)
	}
	view, err := s.carts.View(c.UserContext(), user)
	if err != nil {
		return s.fail(c, err)
	}

	skipped := make([]skippedLineView, 0, len(result.Skipped))
	for _, line := range result.Skipped {
		skipped = append(skipped, skippedLineView{Key: refKey(line.Ref), Quantity: line.Quantity, Reason: line.Reason})
	}
	return respond(c, fiber.StatusOK, mergeView{Cart: newCartView(view), Merged: result.Merged, Skipped: skipped}, "guest cart merged")
}
