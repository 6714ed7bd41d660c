package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hylla/stockcount/internal/domain"
)

// CatalogSnapshotVersion tags the catalog export format.
const CatalogSnapshotVersion = "stockcount.catalog.v1"

// CatalogSnapshot is a portable copy of the product catalog.
type CatalogSnapshot struct {
	Version    string            `json:"version"`
	ExportedAt time.Time         `json:"exported_at"`
	Products   []SnapshotProduct `json:"products"`
}

// SnapshotProduct is one exported product record.
type SnapshotProduct struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	SKU            string `json:"sku"`
	Brand          string `json:"brand"`
	Balance        int    `json:"balance"`
	Location       string `json:"location"`
	SimilarGroupID string `json:"similar_group_id,omitempty"`
}

// ExportCatalog reads the live catalog into a snapshot sorted by product id.
func (s *Service) ExportCatalog(ctx context.Context) (CatalogSnapshot, error) {
	if s.catalog.source == nil {
		return CatalogSnapshot{}, fmt.Errorf("%w: no catalog configured", ErrCollaboratorUnavailable)
	}
	products, err := s.catalog.source.ListProducts(ctx)
	if err != nil {
		return CatalogSnapshot{}, fmt.Errorf("export catalog: %w", err)
	}
	snap := CatalogSnapshot{
		Version:    CatalogSnapshotVersion,
		ExportedAt: s.clock().UTC(),
		Products:   make([]SnapshotProduct, 0, len(products)),
	}
	for _, p := range products {
		snap.Products = append(snap.Products, snapshotProductFromDomain(p))
	}
	snap.sort()
	return snap, nil
}

// ImportCatalog replaces the writable catalog with the snapshot contents.
func (s *Service) ImportCatalog(ctx context.Context, snap CatalogSnapshot) (int, error) {
	if s.products == nil {
		return 0, errors.New("catalog is read-only: no writable product store configured")
	}
	if err := snap.Validate(); err != nil {
		return 0, err
	}
	snap.sort()

	products := make([]domain.Product, 0, len(snap.Products))
	for _, p := range snap.Products {
		normalized, err := p.toDomain().Normalize()
		if err != nil {
			return 0, err
		}
		products = append(products, normalized)
	}
	if err := s.products.ReplaceProducts(ctx, products); err != nil {
		return 0, fmt.Errorf("import catalog: %w", err)
	}
	s.logger.Info("catalog imported", "products", len(products))
	return len(products), nil
}

// Validate checks the snapshot version and product identity.
func (s *CatalogSnapshot) Validate() error {
	if s.Version != "" && s.Version != CatalogSnapshotVersion {
		return fmt.Errorf("unsupported catalog snapshot version: %q", s.Version)
	}
	seen := map[string]struct{}{}
	for i, p := range s.Products {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return fmt.Errorf("products[%d].id is required: %w", i, domain.ErrInvalidProduct)
		}
		if p.Balance < 0 {
			return fmt.Errorf("products[%d].balance must be >= 0: %w", i, domain.ErrInvalidProduct)
		}
		if _, exists := seen[id]; exists {
			return fmt.Errorf("duplicate product id %q: %w", id, domain.ErrDuplicateProduct)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (s *CatalogSnapshot) sort() {
	slices.SortFunc(s.Products, func(a, b SnapshotProduct) int {
		return strings.Compare(a.ID, b.ID)
	})
}

func snapshotProductFromDomain(p domain.Product) SnapshotProduct {
	return SnapshotProduct{
		ID:             p.ID,
		Name:           p.Name,
		SKU:            p.SKU,
		Brand:          p.Brand,
		Balance:        p.Balance,
		Location:       p.Location,
		SimilarGroupID: p.SimilarGroupID,
	}
}

func (p SnapshotProduct) toDomain() domain.Product {
	return domain.Product{
		ID:             p.ID,
		Name:           p.Name,
		SKU:            p.SKU,
		Brand:          p.Brand,
		Balance:        p.Balance,
		Location:       p.Location,
		SimilarGroupID: p.SimilarGroupID,
	}
}
