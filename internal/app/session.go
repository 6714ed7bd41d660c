package app

import (
	"context"
	"errors"

	"github.com/hylla/stockcount/internal/domain"
)

// CountingSession is one operator's working copy of a reserved block.
// It is not safe for concurrent use.
type CountingSession struct {
	svc    *Service
	user   domain.User
	block  domain.Block
	closed bool
}

// StartCounting reserves a block from the current grouping and opens a working copy of it.
func (s *Service) StartCounting(ctx context.Context, blockID int64, user domain.User) (*CountingSession, error) {
	user, err := user.Normalize()
	if err != nil {
		return nil, err
	}
	block, err := s.GetBlock(ctx, blockID)
	if err != nil {
		return nil, err
	}
	res, err := s.Reserve(ctx, blockID, user)
	if err != nil {
		return nil, err
	}
	working := block.Clone()
	working.Lock = &res
	working.Status = domain.Aggregate(working)
	return &CountingSession{svc: s, user: user, block: working}, nil
}

// Block returns a snapshot of the working copy with its aggregated status.
func (c *CountingSession) Block() domain.Block {
	out := c.block.Clone()
	out.Status = domain.Aggregate(out)
	return out
}

// Closed reports whether the session was finalized or abandoned.
func (c *CountingSession) Closed() bool {
	return c.closed
}

// Count records a physical count for one product.
func (c *CountingSession) Count(productID string, quantity int) error {
	return c.mutate(productID, func(item *domain.BlockItem) error {
		return item.Count(quantity)
	})
}

// MarkNotLocated records a confirmed missing product.
func (c *CountingSession) MarkNotLocated(productID string, confirmed bool) error {
	return c.mutate(productID, func(item *domain.BlockItem) error {
		return item.MarkNotLocated(confirmed)
	})
}

// ReportDivergence records an explained mismatch for one product.
func (c *CountingSession) ReportDivergence(productID string, quantity int, reason string) error {
	return c.mutate(productID, func(item *domain.BlockItem) error {
		return item.ReportDivergence(quantity, reason)
	})
}

func (c *CountingSession) mutate(productID string, fn func(*domain.BlockItem) error) error {
	if c.closed {
		return ErrSessionClosed
	}
	item, ok := c.block.Item(productID)
	if !ok {
		return ErrNotFound
	}
	return fn(item)
}

// Finalize flushes the working copy. The session stays open when items are unresolved
// so the caller can finish them.
func (c *CountingSession) Finalize(ctx context.Context) (FinalizeResult, error) {
	if c.closed {
		return FinalizeResult{}, ErrSessionClosed
	}
	result, err := c.svc.Finalize(ctx, FinalizeInput{
		BlockID: c.block.ID,
		User:    c.user,
		Items:   c.block.Items,
	})
	if err == nil || result.PendingID != "" {
		c.closed = true
	}
	if err != nil && errors.Is(err, ErrNotOwner) {
		c.discard()
	}
	return result, err
}

// Abandon releases the reservation and drops all item state without emitting entries.
func (c *CountingSession) Abandon(ctx context.Context) error {
	if c.closed {
		return ErrSessionClosed
	}
	if err := c.svc.Abandon(ctx, c.block.ID, c.user); err != nil && !errors.Is(err, ErrNotOwner) {
		return err
	}
	c.discard()
	return nil
}

func (c *CountingSession) discard() {
	c.closed = true
	c.block.Items = nil
	c.block.Lock = nil
}
