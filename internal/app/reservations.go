package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hylla/stockcount/internal/domain"
)

// Reserve grants user exclusive ownership of a block.
// A live reservation held by another operator fails with *ConflictError; a stale one is taken over.
func (s *Service) Reserve(ctx context.Context, blockID int64, user domain.User) (domain.Reservation, error) {
	now := s.clock()
	res, err := domain.NewReservation(blockID, user, now)
	if err != nil {
		return domain.Reservation{}, err
	}
	displaced, err := s.reservations.AcquireReservation(ctx, res, domain.StaleBefore(s.ttl, now))
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			s.metrics.ReservationConflict()
			s.logger.Debug("reservation conflict", "block_id", blockID, "user_id", res.UserID, "held_by", conflict.HeldBy.ID)
		}
		return domain.Reservation{}, err
	}
	if displaced != nil {
		s.metrics.ReservationTakeover()
		s.logger.Warn(
			"stale reservation taken over",
			"block_id", blockID,
			"displaced_user_id", displaced.UserID,
			"displaced_user_name", displaced.UserName,
			"displaced_acquired_at", displaced.AcquiredAt.Format(time.RFC3339),
			"user_id", res.UserID,
		)
	}
	s.metrics.ReservationAcquired()
	return res, nil
}

// Release clears a block's reservation. Releasing an unlocked block is a no-op.
func (s *Service) Release(ctx context.Context, blockID int64) error {
	if blockID <= 0 {
		return domain.ErrInvalidID
	}
	if err := s.reservations.ReleaseReservation(ctx, blockID); err != nil {
		return fmt.Errorf("release block %d: %w", blockID, err)
	}
	return nil
}

// IsLocked reports whether a block carries a live reservation.
func (s *Service) IsLocked(ctx context.Context, blockID int64) (bool, error) {
	res, err := s.reservations.GetReservation(ctx, blockID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !res.IsStale(s.ttl, s.clock()), nil
}

// Abandon backs an operator out of a block they hold, releasing it without emitting entries.
func (s *Service) Abandon(ctx context.Context, blockID int64, user domain.User) error {
	user, err := user.Normalize()
	if err != nil {
		return err
	}
	if err := s.requireOwner(ctx, blockID, user.ID, s.clock()); err != nil {
		return err
	}
	if err := s.Release(ctx, blockID); err != nil {
		return err
	}
	s.logger.Info("block abandoned", "block_id", blockID, "user_id", user.ID)
	return nil
}

// requireOwner checks that userID holds the live reservation for blockID.
func (s *Service) requireOwner(ctx context.Context, blockID int64, userID string, now time.Time) error {
	res, err := s.reservations.GetReservation(ctx, blockID)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: block %d is not reserved", ErrNotOwner, blockID)
	}
	if err != nil {
		return err
	}
	if !res.HeldBy(userID) {
		return fmt.Errorf("%w: block %d is reserved by %s", ErrNotOwner, blockID, res.UserName)
	}
	if res.IsStale(s.ttl, now) {
		return fmt.Errorf("%w: reservation on block %d expired", ErrNotOwner, blockID)
	}
	return nil
}
