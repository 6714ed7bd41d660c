package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hylla/stockcount/internal/domain"
)

// catalogFetchTimeout bounds one shared catalog fetch. The fetch is detached from
// the caller that started it, so it needs its own deadline.
const catalogFetchTimeout = 30 * time.Second

// catalogCache deduplicates concurrent catalog reads and keeps the last good snapshot.
type catalogCache struct {
	source  Catalog
	enabled bool
	group   singleflight.Group

	mu        sync.RWMutex
	lastGood  []domain.Product
	fetchedAt time.Time
}

// catalogRead is one product snapshot and whether it came from the fallback copy.
type catalogRead struct {
	products  []domain.Product
	stale     bool
	fetchedAt time.Time
	cause     error
}

func newCatalogCache(source Catalog, enabled bool) *catalogCache {
	return &catalogCache{source: source, enabled: enabled}
}

// read fetches the catalog, falling back to the last good snapshot on transport failures.
func (c *catalogCache) read(ctx context.Context, now time.Time) (catalogRead, error) {
	if c.source == nil {
		return catalogRead{}, fmt.Errorf("%w: no catalog configured", ErrCollaboratorUnavailable)
	}
	// One caller giving up must not fail the others waiting on the same fetch.
	ch := c.group.DoChan("catalog", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), catalogFetchTimeout)
		defer cancel()
		products, err := c.source.ListProducts(fetchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrCollaboratorUnavailable) {
				err = fmt.Errorf("%w: %w", ErrCollaboratorUnavailable, err)
			}
			return nil, err
		}
		snapshot := append([]domain.Product(nil), products...)
		if c.enabled {
			c.mu.Lock()
			c.lastGood = snapshot
			c.fetchedAt = now.UTC()
			c.mu.Unlock()
		}
		return catalogRead{products: snapshot, fetchedAt: now.UTC()}, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return catalogRead{}, ctx.Err()
	}
	resultI, err := res.Val, res.Err
	if err != nil {
		if !errors.Is(err, ErrCollaboratorUnavailable) || !c.enabled {
			return catalogRead{}, err
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.lastGood == nil {
			return catalogRead{}, err
		}
		return catalogRead{
			products:  append([]domain.Product(nil), c.lastGood...),
			stale:     true,
			fetchedAt: c.fetchedAt,
			cause:     err,
		}, nil
	}
	result, ok := resultI.(catalogRead)
	if !ok {
		return catalogRead{}, fmt.Errorf("unexpected catalog result type %T", resultI)
	}
	result.products = append([]domain.Product(nil), result.products...)
	return result, nil
}
