package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Product — товар собственного каталога вместе с остатком на складе.
type Product struct {
	ID          string
	Name        string
	Description string
	Brand       string
	Category    string
	Tags        []string
	Benefits    []string
	Price       decimal.Decimal
	Stock       int
	Image       string
	Rating      float64
	NumReviews  int
	IsOrganic   bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProductSnapshot — то, что фиксируется в заказе при резервировании.
type ProductSnapshot struct {
	ID    string
	Name  string
	Price decimal.Decimal
	Image string
}

// Snapshot возвращает снимок товара для позиции заказа.
func (p Product) Snapshot() ProductSnapshot {
	return ProductSnapshot{ID: p.ID, Name: p.Name, Price: p.Price, Image: p.Image}
}

// Validate проверяет базовые инварианты товара.
func (p Product) Validate() error {
	if strings.TrimSpace(p.Name) == "" || p.Price.IsNegative() || p.Stock < 0 {
		return ErrProductInvalid
	}
	return nil
}

// ProductFilter — параметры локального поиска.
type ProductFilter struct {
	// Term ищется без учёта регистра как подстрока.
	Term     string
	Category string
	Limit    int
}

// Matches проверяет товар по фильтру: название, описание, бренд, теги и свойства.
func (p Product) Matches(filter ProductFilter) bool {
	if filter.Category != "" && !strings.EqualFold(p.Category, filter.Category) {
		return false
	}

	term := strings.ToLower(strings.TrimSpace(filter.Term))
	if term == "" {
		return true
	}

	fields := make([]string, 0, 3+len(p.Tags)+len(p.Benefits))
	fields = append(fields, p.Name, p.Description, p.Brand)
	fields = append(fields, p.Tags...)
	fields = append(fields, p.Benefits...)
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), term) {
			return true
		}
	}
	return false
}

// RankBefore задаёт порядок выдачи: рейтинг по убыванию, затем новые раньше.
func (p Product) RankBefore(other Product) bool {
	if p.Rating != other.Rating {
		return p.Rating > other.Rating
	}
	if !p.CreatedAt.Equal(other.CreatedAt) {
		return p.CreatedAt.After(other.CreatedAt)
	}
	return p.ID < other.ID
}

// CatalogItem — товар, полученный из внешнего каталога.
type CatalogItem struct {
	Code        string
	Name        string
	Brand       string
	Description string
	Image       string
	Labels      []string
	Categories  []string
	// Price может отсутствовать: у большинства внешних каталогов цен нет.
	Price *decimal.Decimal
}
