package httpapi

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/vladislavdragonenkov/storefront/internal/service/search"
)

func (s *Server) searchProducts(c *fiber.Ctx) error {
	term := c.Query("q")
	if strings.TrimSpace(term) == "" {
		term = c.Query("term")
	}
	includeExternal, _ := strconv.ParseBool(strings.TrimSpace(c.Query("includeExternal")))

	result, err := s.search.Search(c.UserContext(), search.Query{
		Term:            term,
		Category:        c.Query("category"),
		Limit:           parseLimit(c.Query("limit")),
		IncludeExternal: includeExternal,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return respond(c, fiber.StatusOK, newSearchView(result), "")
}
