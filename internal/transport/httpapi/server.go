// Package httpapi реализует REST API storefront поверх Fiber.
package httpapi

import (
	"context"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/search"
)

const defaultBodyLimit = 1 << 20

// Config: настройки HTTP API.
type Config struct {
	// JWTSecret: ключ HS256 для проверки bearer-токенов. Пустой ключ отключает
	// пользовательские маршруты, гостевые продолжают работать.
	JWTSecret    string
	AllowOrigins string
	BodyLimit    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Services: сервисы, которые обслуживает API.
type Services struct {
	Carts       *cart.Service
	Orders      *checkout.Service
	Search      *search.Service
	Idempotency *idempotency.Guard
}

// Server: HTTP-сервер API.
type Server struct {
	app    *fiber.App
	carts  *cart.Service
	orders *checkout.Service
	search *search.Service
	guard  *idempotency.Guard
	logger *log.Entry
	jwtKey string
}

// NewServer собирает приложение Fiber и регистрирует маршруты.
func NewServer(cfg Config, services Services, logger *log.Entry) *Server {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = defaultBodyLimit
	}
	if cfg.AllowOrigins == "" {
		cfg.AllowOrigins = "*"
	}

	s := &Server{
		carts:  services.Carts,
		orders: services.Orders,
		search: services.Search,
		guard:  services.Idempotency,
		logger: logger,
		jwtKey: cfg.JWTSecret,
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "storefront",
		DisableStartupMessage: true,
		Immutable:             true,
		BodyLimit:             cfg.BodyLimit,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          s.handleError,
	})
	s.app.Use(recover.New())
	s.app.Use(requestLogger(logger))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, " + headerSessionID + ", " + headerIdempotencyKey,
	}))
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.app.Group("/api", s.bearerAuth(s.jwtKey), s.resolvePrincipal)

	api.Get("/products/search", s.searchProducts)

	userCart := api.Group("/cart")
	userCart.Get("/", s.getUserCart)
	userCart.Post("/", s.addUserCartItem)
	userCart.Post("/merge", s.mergeGuestCart)
	userCart.Put("/:productId", s.setUserCartItem)
	userCart.Delete("/:productId", s.removeUserCartItem)
	userCart.Delete("/", s.clearUserCart)

	guestCart := api.Group("/guest-cart")
	guestCart.Get("/", s.getGuestCart)
	guestCart.Post("/", s.addGuestCartItem)
	guestCart.Put("/:productId", s.setGuestCartItem)
	guestCart.Delete("/:productId", s.removeGuestCartItem)
	guestCart.Delete("/", s.clearGuestCart)

	orders := api.Group("/orders")
	orders.Post("/", s.createOrder)
	orders.Get("/mine", s.listMyOrders)
	orders.Get("/", s.listOrders)
	orders.Get("/:id", s.getOrder)
	orders.Get("/:id/track", s.trackOrder)
	orders.Put("/:id/status", s.updateOrderStatus)
	orders.Put("/:id/pay", s.payOrder)
	orders.Put("/:id/cancel", s.cancelOrder)
}

// App возвращает приложение Fiber (для тестов и встраивания).
func (s *Server) App() *fiber.App { return s.app }

// Serve обслуживает уже открытый listener и блокируется до остановки сервера.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.WithField("addr", ln.Addr().String()).Info("http api listening")
	return s.app.Listener(ln)
}

// Shutdown останавливает сервер, дожидаясь активных запросов.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func requestLogger(logger *log.Entry) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		if err := c.Next(); err != nil {
			if handlerErr := c.App().ErrorHandler(c, err); handlerErr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		entry := logger.WithFields(log.Fields{
			"method":      c.Method(),
			"path":        c.Path(),
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		switch {
		case status >= fiber.StatusInternalServerError:
			entry.Warn("http request")
		default:
			entry.Debug("http request")
		}
		return nil
	}
}
