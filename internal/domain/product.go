package domain

import (
	"fmt"
	"strings"
)

// Product is one read-only catalog record used as grouping input.
type Product struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	SKU            string `json:"sku"`
	Brand          string `json:"brand"`
	Balance        int    `json:"balance"`
	Location       string `json:"location"`
	SimilarGroupID string `json:"similarGroupId,omitempty"`
}

// Normalize trims the product fields and validates the record shape.
func (p Product) Normalize() (Product, error) {
	p.ID = strings.TrimSpace(p.ID)
	p.Name = strings.TrimSpace(p.Name)
	p.SKU = strings.TrimSpace(p.SKU)
	p.Brand = strings.TrimSpace(p.Brand)
	p.Location = strings.TrimSpace(p.Location)
	p.SimilarGroupID = strings.TrimSpace(p.SimilarGroupID)
	if p.ID == "" {
		return Product{}, fmt.Errorf("%w: empty id", ErrInvalidProduct)
	}
	if p.Balance < 0 {
		return Product{}, fmt.Errorf("%w: product %q has negative balance", ErrInvalidProduct, p.ID)
	}
	if p.Name == "" {
		p.Name = p.SKU
	}
	return p, nil
}

// MatchesQuery reports whether the lowercased query occurs in a searchable product field.
func (p Product) MatchesQuery(query string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	for _, field := range []string{p.Name, p.SKU, p.Brand, p.Location} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}
