package search

import "strings"

// DefaultCategory назначается внешнему товару, не попавшему ни в одну группу.
const DefaultCategory = "grocery"

var organicKeywords = []string{"organic", "bio", "eco"}

// categoryBuckets проверяются по порядку; побеждает первая группа с совпадением.
var categoryBuckets = []struct {
	category string
	keywords []string
}{
	{category: "dairy", keywords: []string{"milk", "dairy", "dairies", "cheese", "yogurt", "yoghurt", "butter", "cream"}},
	{category: "bakery", keywords: []string{"bread", "bakery", "cake", "biscuit", "pastry", "cookie"}},
	{category: "beverages", keywords: []string{"beverage", "drink", "juice", "water", "coffee", "tea", "soda"}},
	{category: "produce", keywords: []string{"fruit", "vegetable", "produce", "apple", "banana", "salad"}},
	{category: "meat", keywords: []string{"meat", "chicken", "beef", "pork", "fish", "seafood"}},
	{category: "snacks", keywords: []string{"snack", "chip", "crisp", "chocolate", "candy", "spread"}},
}

// IsOrganic сообщает, есть ли в метках внешнего товара признак органики.
func IsOrganic(labels []string) bool {
	for _, label := range labels {
		lower := strings.ToLower(label)
		for _, keyword := range organicKeywords {
			if strings.Contains(lower, keyword) {
				return true
			}
		}
	}
	return false
}

// InferCategory сопоставляет категории внешнего каталога с локальными группами.
// Сначала проверяются категории, затем название товара.
func InferCategory(name string, categories []string) string {
	if category, ok := matchBucket(strings.ToLower(strings.Join(categories, " "))); ok {
		return category
	}
	if category, ok := matchBucket(strings.ToLower(name)); ok {
		return category
	}
	return DefaultCategory
}

func matchBucket(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	for _, bucket := range categoryBuckets {
		for _, keyword := range bucket.keywords {
			if strings.Contains(text, keyword) {
				return bucket.category, true
			}
		}
	}
	return "", false
}
