package app

import (
	"context"
	"time"

	"github.com/hylla/stockcount/internal/domain"
)

// Catalog reads the product records blocks are grouped from.
// Transport failures should wrap ErrCollaboratorUnavailable so callers can fall back to cached data.
type Catalog interface {
	ListProducts(context.Context) ([]domain.Product, error)
}

// CatalogWriter replaces the locally stored catalog.
type CatalogWriter interface {
	ReplaceProducts(context.Context, []domain.Product) error
}

// ReservationStore is the point of truth for block ownership.
type ReservationStore interface {
	// AcquireReservation atomically stores r unless another operator holds a reservation
	// acquired at or after staleBefore. A conflict returns *ConflictError. When a stale
	// reservation is replaced the displaced one is returned.
	AcquireReservation(ctx context.Context, r domain.Reservation, staleBefore time.Time) (*domain.Reservation, error)
	ReleaseReservation(ctx context.Context, blockID int64) error
	GetReservation(ctx context.Context, blockID int64) (domain.Reservation, error)
	ListReservations(ctx context.Context) ([]domain.Reservation, error)
}

// LogStore is the append-only count log.
type LogStore interface {
	AppendLogEntries(context.Context, []domain.LogEntry) error
	// ListLogEntries returns entries newest first. A zero limit returns everything after offset.
	ListLogEntries(ctx context.Context, limit, offset int) ([]domain.LogEntry, error)
	CountLogEntries(context.Context) (int, error)
}

// PendingStore persists finalize payloads that could not be appended to the log.
type PendingStore interface {
	SavePendingFinalize(context.Context, domain.PendingFinalize) error
	GetPendingFinalize(context.Context, string) (domain.PendingFinalize, error)
	ListPendingFinalizes(context.Context) ([]domain.PendingFinalize, error)
	DeletePendingFinalize(context.Context, string) error
}

// Unlock releases a lock obtained from a Locker.
type Unlock func(context.Context) error

// Locker serializes operations on one key, possibly across processes.
// A lock that cannot be obtained returns an error matching ErrLockBusy.
type Locker interface {
	Obtain(ctx context.Context, key string) (Unlock, error)
}

// Metrics receives block lifecycle counters.
type Metrics interface {
	ReservationAcquired()
	ReservationConflict()
	ReservationTakeover()
	BlockFinalized(domain.Outcome)
	FinalizeParked()
	CatalogFallback()
}

// Stores groups the collaborators a Service works against.
type Stores struct {
	Catalog      Catalog
	Reservations ReservationStore
	Log          LogStore
	Pending      PendingStore
	// Products is optional. Without it ImportCatalog fails.
	Products CatalogWriter
}
