package httpapi

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v2"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
)

// createOrder оформляет заказ. С заголовком Idempotency-Key повтор того же
// запроса возвращает сохранённый ответ вместо второго заказа.
func (s *Server) createOrder(c *fiber.Ctx) error {
	var req createOrderRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, err)
	}
	principal := withBodySession(principalFrom(c), req.SessionID)
	owner, ok := principal.Identity()
	if !ok {
		return s.fail(c, domain.ErrAuthRequired)
	}

	run := func(ctx context.Context) idempotency.Response {
		order, err := s.orders.CreateOrder(ctx, req.toCheckout(owner))
		status, body := fiber.StatusCreated, envelope{Success: true, Data: newOrderView(order), Message: "order created"}
		if err != nil {
			status, body = errorEnvelope(err)
			s.logFailure(c, status, err)
		}
		data, err := json.Marshal(body)
		if err != nil {
			s.logFailure(c, fiber.StatusInternalServerError, err)
			return idempotency.Response{
				Status: fiber.StatusInternalServerError,
				Body:   []byte(`{"success":false,"message":"` + internalErrorMessage + `"}`),
			}
		}
		return idempotency.Response{Status: status, Body: data}
	}

	key := domain.NewIdempotencyKey(owner, c.Get(headerIdempotencyKey))
	hash := idempotency.HashRequest([]byte(c.Method()+" "+c.Path()), c.Body())
	resp, err := s.guard.Do(c.UserContext(), key, hash, run)
	if err != nil {
		return s.fail(c, err)
	}
	if resp.Replayed {
		c.Set(headerReplayed, "true")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(resp.Status).Send(resp.Body)
}

func (s *Server) listMyOrders(c *fiber.Ctx) error {
	orders, err := s.orders.ListMyOrders(c.UserContext(), principalFrom(c), parseLimit(c.Query("limit")))
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, newOrderViews(orders), "")
}

func (s *Server) listOrders(c *fiber.Ctx) error {
	orders, err := s.orders.ListOrders(c.UserContext(), principalFrom(c), parseLimit(c.Query("limit")))
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, newOrderViews(orders), "")
}

func (s *Server) getOrder(c *fiber.Ctx) error {
	order, err := s.orders.GetOrder(c.UserContext(), principalFrom(c), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, newOrderView(order), "")
}

func (s *Server) trackOrder(c *fiber.Ctx) error {
	tracking, err := s.orders.TrackOrder(c.UserContext(), principalFrom(c), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, newTrackingView(tracking), "")
}

func (s *Server) updateOrderStatus(c *fiber.Ctx) error {
	var req statusRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, err)
	}
	order, err := s.orders.UpdateStatus(c.UserContext(), principalFrom(c), c.Params("id"), req.Status)
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, newOrderView(order), "order status updated")
}

func (s *Server) payOrder(c *fiber.Ctx) error {
	var req paymentRequest
	if err := decodeBody(c, &req); err != nil {
		return s.fail(c, err)
	}
	order, err := s.orders.MarkPaid(c.UserContext(), principalFrom(c), c.Params("id"), domain.PaymentResult{
		ID:           req.ID,
		Status:       req.Status,
		UpdateTime:   req.UpdateTime,
		EmailAddress: req.EmailAddress,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, newOrderView(order), "order paid")
}

func (s *Server) cancelOrder(c *fiber.Ctx) error {
	order, err := s.orders.CancelOrder(c.UserContext(), principalFrom(c), c.Params("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, newOrderView(order), "order cancelled")
}
