package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hylla/stockcount/internal/domain"
)

// FinalizeInput holds input values for finalize operations.
// Only the product id and tally of each item are used. Names, SKUs, balances
// and the location come from the current catalog grouping.
type FinalizeInput struct {
	BlockID int64
	User    domain.User
	Items   []domain.BlockItem
}

// FinalizeResult describes the entries emitted for one finalized block.
// PendingID is set when the entries were parked instead of appended.
type FinalizeResult struct {
	BlockID   int64             `json:"blockId"`
	Outcome   domain.Outcome    `json:"outcome"`
	Entries   []domain.LogEntry `json:"entries"`
	PendingID string            `json:"pendingId,omitempty"`
}

// Finalize flushes a fully counted block into the log and releases its reservation.
// When the log cannot be reached the entries are parked for retry and the reservation is kept.
func (s *Service) Finalize(ctx context.Context, in FinalizeInput) (FinalizeResult, error) {
	user, err := in.User.Normalize()
	if err != nil {
		return FinalizeResult{}, err
	}
	if in.BlockID <= 0 {
		return FinalizeResult{}, domain.ErrInvalidID
	}

	unlock, err := s.locker.Obtain(ctx, finalizeLockKey(in.BlockID))
	if err != nil {
		return FinalizeResult{}, err
	}
	defer s.unlock(ctx, unlock, in.BlockID)

	now := s.clock()
	if err := s.requireOwner(ctx, in.BlockID, user.ID, now); err != nil {
		return FinalizeResult{}, err
	}
	if err := s.ensureNoPending(ctx, in.BlockID); err != nil {
		return FinalizeResult{}, err
	}
	block, err := s.GetBlock(ctx, in.BlockID)
	if err != nil {
		return FinalizeResult{}, err
	}
	block, err = block.ApplyTallies(in.Items)
	if err != nil {
		return FinalizeResult{}, err
	}
	if unresolved := block.UnresolvedItems(); len(unresolved) > 0 {
		return FinalizeResult{}, &IncompleteError{BlockID: in.BlockID, ItemIDs: unresolved}
	}
	entries, err := domain.NewLogEntries(block.Location, block.Items, user, now)
	if err != nil {
		return FinalizeResult{}, err
	}
	for _, entry := range entries {
		if err := entry.Validate(); err != nil {
			return FinalizeResult{}, err
		}
	}
	result := FinalizeResult{
		BlockID: in.BlockID,
		Outcome: domain.FinalOutcome(block.Items),
		Entries: entries,
	}

	if appendErr := s.log.AppendLogEntries(ctx, entries); appendErr != nil {
		pending, err := domain.NewPendingFinalize(s.idGen(), in.BlockID, user, entries, appendErr, now)
		if err != nil {
			return FinalizeResult{}, errors.Join(appendErr, err)
		}
		if err := s.pending.SavePendingFinalize(ctx, pending); err != nil {
			s.logger.Error("finalize payload could not be parked", "block_id", in.BlockID, "user_id", user.ID, "err", err)
			return FinalizeResult{}, fmt.Errorf("%w: append log entries: %w (parking failed: %v)", ErrCollaboratorUnavailable, appendErr, err)
		}
		s.metrics.FinalizeParked()
		s.logger.Error("log append failed, finalize parked", "block_id", in.BlockID, "pending_id", pending.ID, "entries", len(entries), "err", appendErr)
		result.PendingID = pending.ID
		return result, fmt.Errorf("%w: append log entries: %w", ErrCollaboratorUnavailable, appendErr)
	}

	s.releaseAfterDelivery(ctx, in.BlockID, user.ID)
	s.metrics.BlockFinalized(result.Outcome)
	s.logger.Info("block finalized", "block_id", in.BlockID, "user_id", user.ID, "outcome", result.Outcome, "entries", len(entries))
	return result, nil
}

// ListPending returns unsent finalize payloads.
func (s *Service) ListPending(ctx context.Context) ([]domain.PendingFinalize, error) {
	return s.pending.ListPendingFinalizes(ctx)
}

// RetryPending re-sends a parked finalize payload.
func (s *Service) RetryPending(ctx context.Context, id string) (FinalizeResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return FinalizeResult{}, domain.ErrInvalidID
	}
	pending, err := s.pending.GetPendingFinalize(ctx, id)
	if err != nil {
		return FinalizeResult{}, err
	}
	unlock, err := s.locker.Obtain(ctx, finalizeLockKey(pending.BlockID))
	if err != nil {
		return FinalizeResult{}, err
	}
	defer s.unlock(ctx, unlock, pending.BlockID)

	// Another retry may have delivered it while we waited for the lock.
	pending, err = s.pending.GetPendingFinalize(ctx, id)
	if err != nil {
		return FinalizeResult{}, err
	}
	result := FinalizeResult{
		BlockID:   pending.BlockID,
		Outcome:   domain.OutcomeOf(pending.Entries),
		Entries:   pending.Entries,
		PendingID: pending.ID,
	}
	if appendErr := s.log.AppendLogEntries(ctx, pending.Entries); appendErr != nil {
		pending.RecordFailure(appendErr, s.clock())
		if err := s.pending.SavePendingFinalize(ctx, pending); err != nil {
			s.logger.Error("pending finalize attempt could not be recorded", "pending_id", pending.ID, "err", err)
		}
		return result, fmt.Errorf("%w: append log entries: %w", ErrCollaboratorUnavailable, appendErr)
	}
	if err := s.pending.DeletePendingFinalize(ctx, pending.ID); err != nil {
		s.logger.Error("delivered pending finalize could not be removed", "pending_id", pending.ID, "err", err)
		return result, fmt.Errorf("remove delivered pending finalize %s: %w", pending.ID, err)
	}
	s.releaseAfterDelivery(ctx, pending.BlockID, pending.UserID)
	s.metrics.BlockFinalized(result.Outcome)
	s.logger.Info("pending finalize delivered", "block_id", pending.BlockID, "pending_id", pending.ID, "attempts", pending.Attempts+1)
	result.PendingID = ""
	return result, nil
}

// DiscardPending drops a parked payload. The operator must acknowledge the loss explicitly.
func (s *Service) DiscardPending(ctx context.Context, id string, acknowledged bool) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ErrInvalidID
	}
	if !acknowledged {
		return ErrAcknowledgementRequired
	}
	pending, err := s.pending.GetPendingFinalize(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := s.locker.Obtain(ctx, finalizeLockKey(pending.BlockID))
	if err != nil {
		return err
	}
	defer s.unlock(ctx, unlock, pending.BlockID)

	if err := s.pending.DeletePendingFinalize(ctx, pending.ID); err != nil {
		return err
	}
	s.releaseAfterDelivery(ctx, pending.BlockID, pending.UserID)
	s.logger.Warn("pending finalize discarded", "block_id", pending.BlockID, "pending_id", pending.ID, "user_id", pending.UserID, "entries", len(pending.Entries))
	return nil
}

// ensureNoPending rejects a finalize while an earlier payload for the block is still parked.
func (s *Service) ensureNoPending(ctx context.Context, blockID int64) error {
	parked, err := s.pending.ListPendingFinalizes(ctx)
	if err != nil {
		return fmt.Errorf("list pending finalizes: %w", err)
	}
	for _, p := range parked {
		if p.BlockID == blockID {
			return fmt.Errorf("%w: %s", ErrPendingFinalize, p.ID)
		}
	}
	return nil
}

// releaseAfterDelivery drops the reservation if userID still holds it.
// Entries are already durable at this point, so failures are only logged.
func (s *Service) releaseAfterDelivery(ctx context.Context, blockID int64, userID string) {
	res, err := s.reservations.GetReservation(ctx, blockID)
	if errors.Is(err, ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warn("reservation lookup after finalize failed", "block_id", blockID, "err", err)
		return
	}
	if !res.HeldBy(userID) {
		return
	}
	if err := s.reservations.ReleaseReservation(ctx, blockID); err != nil {
		s.logger.Warn("reservation release after finalize failed", "block_id", blockID, "err", err)
	}
}

func (s *Service) unlock(ctx context.Context, unlock Unlock, blockID int64) {
	if err := unlock(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("finalize lock release failed", "block_id", blockID, "err", err)
	}
}
