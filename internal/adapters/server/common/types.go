// Package common provides transport-agnostic server contracts used by HTTP and MCP adapters.
package common

import (
	"context"
	"errors"

	"github.com/hylla/stockcount/internal/app"
	"github.com/hylla/stockcount/internal/domain"
)

// Transport-visible error classes. Adapter errors join one of these with the underlying cause.
var (
	ErrInvalidRequest          = errors.New("invalid request")
	ErrNotFound                = errors.New("not found")
	ErrReservationConflict     = errors.New("reservation conflict")
	ErrNotOwner                = errors.New("not reservation owner")
	ErrIncomplete              = errors.New("block incomplete")
	ErrUnavailable             = errors.New("collaborator unavailable")
	ErrAcknowledgementRequired = errors.New("acknowledgement required")
	ErrBusy                    = errors.New("operation in progress")
)

// ListRequest carries search and paging query input.
type ListRequest struct {
	Search   string `json:"search,omitempty" validate:"max=200"`
	Page     int    `json:"page,omitempty" validate:"gte=0"`
	PageSize int    `json:"page_size,omitempty" validate:"gte=0,lte=500"`
}

// UserRequest identifies the calling operator.
type UserRequest struct {
	UserID   string `json:"userId" validate:"required,max=128"`
	UserName string `json:"userName,omitempty" validate:"max=200"`
}

// ReserveRequest stores transport input for a block reservation.
type ReserveRequest struct {
	BlockID int64 `json:"blockId" validate:"gt=0"`
	UserRequest
}

// ReserveResult reports whether a reservation was granted and, if not, who holds the block.
type ReserveResult struct {
	Success bool                `json:"success"`
	Lock    *domain.Reservation `json:"lock,omitempty"`
	HeldBy  *domain.User        `json:"heldBy,omitempty"`
}

// ItemRequest is one counted item submitted for finalize. Product details are
// read from the catalog, so only the id and the count travel.
type ItemRequest struct {
	ProductID        string             `json:"productId" validate:"required"`
	CountedQuantity  *int               `json:"countedQuantity" validate:"omitempty,gte=0"`
	CountStatus      domain.CountStatus `json:"countStatus" validate:"required,oneof=not_counted counted not_located divergence"`
	DivergenceReason string             `json:"divergenceReason,omitempty" validate:"max=500"`
}

// FinalizeRequest stores transport input for finalizing a reserved block.
type FinalizeRequest struct {
	BlockID int64 `json:"blockId" validate:"gt=0"`
	UserRequest
	Items []ItemRequest `json:"items" validate:"required,min=1,dive"`
}

// LogEntryRequest stores transport input for a manual count log append.
type LogEntryRequest struct {
	SKU              string             `json:"sku" validate:"required_without=ProductName"`
	ProductName      string             `json:"productName"`
	UserID           string             `json:"userId" validate:"required"`
	UserName         string             `json:"userName"`
	SystemQty        int                `json:"systemQty" validate:"gte=0"`
	CountedQty       int                `json:"countedQty" validate:"gte=0"`
	Location         string             `json:"location"`
	Status           domain.CountStatus `json:"status" validate:"required,oneof=counted not_located divergence"`
	DivergenceReason string             `json:"divergenceReason,omitempty"`
}

// DiscardRequest stores transport input for dropping an unsent finalize.
type DiscardRequest struct {
	ID           string `json:"id" validate:"required"`
	Acknowledged bool   `json:"acknowledged"`
}

// BlockService is the block lifecycle surface shared by the HTTP and MCP adapters.
type BlockService interface {
	ListProducts(context.Context, ListRequest) (app.Page[domain.Product], error)
	ListBlocks(context.Context, ListRequest) (app.Page[domain.Block], error)
	GetBlock(context.Context, int64) (domain.Block, error)
	ReserveBlock(context.Context, ReserveRequest) (ReserveResult, error)
	ReleaseBlock(context.Context, int64) error
	FinalizeBlock(context.Context, FinalizeRequest) (app.FinalizeResult, error)
}

// HistoryService exposes the count log and reconstructed sessions.
type HistoryService interface {
	AppendLogEntry(context.Context, LogEntryRequest) (domain.LogEntry, error)
	ListHistory(context.Context, ListRequest) (app.Page[domain.LogEntry], error)
	ListHistorySessions(context.Context, ListRequest) (app.Page[domain.HistorySession], error)
}

// PendingService exposes the unsent finalize outbox.
type PendingService interface {
	ListPending(context.Context) ([]domain.PendingFinalize, error)
	RetryPending(context.Context, string) (app.FinalizeResult, error)
	DiscardPending(context.Context, DiscardRequest) error
}

// Service groups every surface an adapter may serve.
type Service interface {
	BlockService
	HistoryService
	PendingService
}

// HeldBy extracts the holder from a reservation conflict error.
func HeldBy(err error) (domain.User, bool) {
	var conflict *app.ConflictError
	if errors.As(err, &conflict) {
		return conflict.HeldBy, true
	}
	return domain.User{}, false
}

// UnresolvedItems extracts the offending product ids from an incomplete-block error.
func UnresolvedItems(err error) ([]string, bool) {
	var incomplete *app.IncompleteError
	if errors.As(err, &incomplete) {
		return append([]string(nil), incomplete.ItemIDs...), true
	}
	return nil, false
}
