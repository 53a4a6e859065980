// Package search объединяет локальный каталог с внешним каталогом товаров.
package search

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultLimit  = 20
	maxLimit      = 50
	minTermLength = 2
)

// Source: происхождение товара в выдаче.
type Source string

const (
	SourceLocal    Source = "local"
	SourceExternal Source = "external"
)

// Config задаёт параметры обращения к внешнему каталогу.
type Config struct {
	ExternalTimeout     time.Duration
	PlaceholderPriceMin decimal.Decimal
	PlaceholderPriceMax decimal.Decimal
}

// DefaultConfig возвращает настройки по умолчанию.
func DefaultConfig() Config {
	return Config{
		ExternalTimeout:     4 * time.Second,
		PlaceholderPriceMin: decimal.RequireFromString("1.99"),
		PlaceholderPriceMax: decimal.RequireFromString("14.99"),
	}
}

// Query: параметры поиска.
type Query struct {
	Term            string
	Category        string
	Limit           int
	IncludeExternal bool
}

// Item: товар в объединённой выдаче.
type Item struct {
	ID          string
	Source      Source
	Name        string
	Brand       string
	Description string
	Category    string
	Tags        []string
	Price       decimal.Decimal
	// PriceEstimated: цена внешнего товара подставлена, а не получена из каталога.
	PriceEstimated bool
	Image          string
	Stock          int
	Rating         float64
	NumReviews     int
	IsOrganic      bool
}

// Result: объединённая выдача. Счётчики считаются после усечения до лимита.
type Result struct {
	Products      []Item
	LocalCount    int
	ExternalCount int
	Total         int
}

// Service выполняет поиск по локальному каталогу и, по запросу, по внешнему.
type Service struct {
	products domain.ProductRepository
	catalog  domain.CatalogSource
	cfg      Config
	logger   *log.Entry
	metrics  *metrics.ShopMetrics

	rngMu sync.Mutex
	rng   *rand.Rand
}

// Option настраивает Service.
type Option func(*Service)

// WithConfig задаёт таймаут внешнего каталога и диапазон подставной цены.
func WithConfig(cfg Config) Option {
	return func(s *Service) {
		if cfg.ExternalTimeout > 0 {
			s.cfg.ExternalTimeout = cfg.ExternalTimeout
		}
		if !cfg.PlaceholderPriceMax.IsZero() && cfg.PlaceholderPriceMax.GreaterThanOrEqual(cfg.PlaceholderPriceMin) {
			s.cfg.PlaceholderPriceMin = cfg.PlaceholderPriceMin
			s.cfg.PlaceholderPriceMax = cfg.PlaceholderPriceMax
		}
	}
}

// WithRand подменяет генератор подставных цен.
func WithRand(rng *rand.Rand) Option {
	return func(s *Service) {
		if rng != nil {
			s.rng = rng
		}
	}
}

// WithMetrics подключает Prometheus-метрики.
func WithMetrics(m *metrics.ShopMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService создаёт сервис поиска. catalog может быть nil: тогда внешний поиск отключён.
func NewService(products domain.ProductRepository, catalog domain.CatalogSource, logger *log.Entry, opts ...Option) *Service {
	if logger == nil {
		logger = log.WithField("component", "search")
	}
	s := &Service{
		products: products,
		catalog:  catalog,
		cfg:      DefaultConfig(),
		logger:   logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search ищет товары. Ошибки внешнего каталога не возвращаются вызывающему:
// они логируются, а внешняя часть выдачи остаётся пустой.
func (s *Service) Search(ctx context.Context, q Query) (Result, error) {
	term := strings.TrimSpace(q.Term)
	if utf8.RuneCountInString(term) < minTermLength {
		return Result{}, domain.ErrSearchTermTooShort
	}
	limit := normalizeLimit(q.Limit)
	category := strings.TrimSpace(q.Category)

	start := time.Now()
	local, err := s.products.Search(ctx, domain.ProductFilter{Term: term, Category: category, Limit: limit})
	s.metrics.RecordSearchDuration(string(SourceLocal), time.Since(start))
	if err != nil {
		return Result{}, err
	}

	items := make([]Item, 0, limit)
	for _, product := range local {
		items = append(items, fromProduct(product))
	}
	if len(items) > limit {
		items = items[:limit]
	}
	result := Result{LocalCount: len(items)}

	if q.IncludeExternal && s.catalog != nil && len(items) < limit {
		external := s.searchExternal(ctx, term, category, limit-len(items))
		if len(external) > limit-len(items) {
			external = external[:limit-len(items)]
		}
		items = append(items, external...)
		result.ExternalCount = len(external)
	}

	result.Products = items
	result.Total = len(items)
	return result, nil
}

func (s *Service) searchExternal(ctx context.Context, term, category string, limit int) []Item {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExternalTimeout)
	defer cancel()

	start := time.Now()
	found, err := s.catalog.Search(ctx, term, limit)
	s.metrics.RecordSearchDuration(string(SourceExternal), time.Since(start))
	if err != nil {
		s.metrics.RecordExternalFailure()
		s.logger.WithError(err).WithFields(log.Fields{
			"term": term,
			"kind": domain.ErrExternalServiceDegraded.Error(),
		}).Warn("external catalog search failed")
		return nil
	}

	items := make([]Item, 0, len(found))
	for _, entry := range found {
		if strings.TrimSpace(entry.Code) == "" || strings.TrimSpace(entry.Name) == "" {
			continue
		}
		item := s.fromCatalog(entry)
		if category != "" && !strings.EqualFold(item.Category, category) {
			continue
		}
		items = append(items, item)
	}
	return items
}

func fromProduct(p domain.Product) Item {
	return Item{
		ID:          p.ID,
		Source:      SourceLocal,
		Name:        p.Name,
		Brand:       p.Brand,
		Description: p.Description,
		Category:    p.Category,
		Tags:        append([]string(nil), p.Tags...),
		Price:       p.Price,
		Image:       p.Image,
		Stock:       p.Stock,
		Rating:      p.Rating,
		NumReviews:  p.NumReviews,
		IsOrganic:   p.IsOrganic,
	}
}

func (s *Service) fromCatalog(entry domain.CatalogItem) Item {
	item := Item{
		ID:          strings.TrimSpace(entry.Code),
		Source:      SourceExternal,
		Name:        strings.TrimSpace(entry.Name),
		Brand:       entry.Brand,
		Description: entry.Description,
		Category:    InferCategory(entry.Name, entry.Categories),
		Tags:        append([]string(nil), entry.Labels...),
		Image:       entry.Image,
		IsOrganic:   IsOrganic(entry.Labels),
	}
	if entry.Price != nil && !entry.Price.IsNegative() {
		item.Price = *entry.Price
	} else {
		item.Price = s.placeholderPrice()
		item.PriceEstimated = true
	}
	return item
}

// placeholderPrice возвращает случайную цену из настроенного диапазона.
func (s *Service) placeholderPrice() decimal.Decimal {
	s.rngMu.Lock()
	f := s.rng.Float64()
	s.rngMu.Unlock()

	span := s.cfg.PlaceholderPriceMax.Sub(s.cfg.PlaceholderPriceMin)
	price := s.cfg.PlaceholderPriceMin.Add(span.Mul(decimal.NewFromFloat(f))).Round(2)
	if price.GreaterThan(s.cfg.PlaceholderPriceMax) {
		return s.cfg.PlaceholderPriceMax
	}
	return price
}

func normalizeLimit(limit int) int {
	switch {
	case limit == 0:
		return defaultLimit
	case limit < 1:
		return 1
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}
