package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hylla/stockcount/internal/domain"
)

// ErrNotFound and related errors describe validation and runtime failures.
var (
	ErrNotFound                = errors.New("not found")
	ErrReservationConflict     = errors.New("block is reserved by another operator")
	ErrNotOwner                = errors.New("caller does not hold the block reservation")
	ErrIncomplete              = errors.New("block has unresolved items")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrAcknowledgementRequired = errors.New("discarding unsent entries requires acknowledgement")
	ErrLockBusy                = errors.New("block operation already in progress")
	ErrSessionClosed           = errors.New("counting session is closed")
	ErrPendingFinalize         = errors.New("block has an unsent finalize awaiting retry or discard")
)

// ConflictError reports the operator currently holding a block.
type ConflictError struct {
	BlockID int64
	HeldBy  domain.User
}

// Error returns the user-facing conflict message.
func (e *ConflictError) Error() string {
	holder := e.HeldBy.Name
	if holder == "" {
		holder = e.HeldBy.ID
	}
	return fmt.Sprintf("block %d is reserved by %s", e.BlockID, holder)
}

// Is matches ErrReservationConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrReservationConflict
}

// IncompleteError lists the items that block a finalize.
type IncompleteError struct {
	BlockID int64
	ItemIDs []string
}

// Error returns the offending item ids.
func (e *IncompleteError) Error() string {
	return fmt.Sprintf("block %d has unresolved items: %s", e.BlockID, strings.Join(e.ItemIDs, ", "))
}

// Is matches ErrIncomplete.
func (e *IncompleteError) Is(target error) bool {
	return target == ErrIncomplete
}
