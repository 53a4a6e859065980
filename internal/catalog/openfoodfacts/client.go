// Package openfoodfacts реализует domain.CatalogSource поверх поискового API Open Food Facts.
package openfoodfacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const (
	// DefaultBaseURL: публичный экземпляр Open Food Facts.
	DefaultBaseURL = "https://world.openfoodfacts.org"

	searchPath     = "/cgi/search.pl"
	defaultTimeout = 4 * time.Second
	maxBodyBytes   = 4 << 20
)

// Client: HTTP-клиент внешнего каталога. Один экземпляр переиспользуется всеми запросами.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *log.Entry
}

// Option настраивает Client.
type Option func(*Client)

// WithHTTPClient подменяет HTTP-клиент.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithLogger задаёт логгер клиента.
func WithLogger(logger *log.Entry) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient создаёт клиент. Пустой baseURL означает DefaultBaseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.WithField("component", "openfoodfacts"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type searchResponse struct {
	Products []product `json:"products"`
}

type product struct {
	Code           string   `json:"code"`
	ProductName    string   `json:"product_name"`
	GenericName    string   `json:"generic_name"`
	Brands         string   `json:"brands"`
	ImageFrontURL  string   `json:"image_front_url"`
	ImageURL       string   `json:"image_url"`
	Labels         string   `json:"labels"`
	LabelsTags     []string `json:"labels_tags"`
	Categories     string   `json:"categories"`
	CategoriesTags []string `json:"categories_tags"`
}

// Search ищет товары по строке запроса. Любой ответ, кроме 2xx с корректным JSON,
// возвращается как domain.ErrCatalogUnavailable.
func (c *Client) Search(ctx context.Context, term string, limit int) ([]domain.CatalogItem, error) {
	if limit < 1 {
		limit = 1
	}
	params := url.Values{}
	params.Set("search_terms", term)
	params.Set("search_simple", "1")
	params.Set("action", "process")
	params.Set("json", "1")
	params.Set("page_size", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+searchPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrCatalogUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCatalogUnavailable, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.WithError(cerr).Debug("close catalog response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, fmt.Errorf("%w: unexpected status %d", domain.ErrCatalogUnavailable, resp.StatusCode)
	}

	var payload searchResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", domain.ErrCatalogUnavailable, err)
	}

	items := make([]domain.CatalogItem, 0, len(payload.Products))
	for _, p := range payload.Products {
		item, ok := p.toCatalogItem()
		if !ok {
			continue
		}
		items = append(items, item)
		if len(items) == limit {
			break
		}
	}

	c.logger.WithFields(log.Fields{
		"term":     term,
		"returned": len(items),
	}).Debug("catalog search completed")
	return items, nil
}

func (p product) toCatalogItem() (domain.CatalogItem, bool) {
	code := strings.TrimSpace(p.Code)
	name := strings.TrimSpace(p.ProductName)
	if name == "" {
		name = strings.TrimSpace(p.GenericName)
	}
	if code == "" || name == "" {
		return domain.CatalogItem{}, false
	}

	image := p.ImageFrontURL
	if image == "" {
		image = p.ImageURL
	}

	return domain.CatalogItem{
		Code:        code,
		Name:        name,
		Brand:       firstListValue(p.Brands),
		Description: strings.TrimSpace(p.GenericName),
		Image:       image,
		Labels:      mergeValues(splitList(p.Labels), p.LabelsTags),
		Categories:  mergeValues(splitList(p.Categories), p.CategoriesTags),
	}, true
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

func firstListValue(raw string) string {
	values := splitList(raw)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// mergeValues объединяет текстовые значения и теги вида "en:organic" без повторов.
func mergeValues(text, tags []string) []string {
	seen := make(map[string]struct{}, len(text)+len(tags))
	result := make([]string, 0, len(text)+len(tags))
	add := func(value string) {
		value = strings.TrimSpace(value)
		key := strings.ToLower(value)
		if value == "" {
			return
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		result = append(result, value)
	}
	for _, value := range text {
		add(value)
	}
	for _, tag := range tags {
		if i := strings.Index(tag, ":"); i >= 0 {
			tag = tag[i+1:]
		}
		add(strings.ReplaceAll(tag, "-", " "))
	}
	return result
}

var _ domain.CatalogSource = (*Client)(nil)
