package app

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/hylla/stockcount/internal/domain"
)

// ServiceConfig holds configuration for service.
type ServiceConfig struct {
	// ReservationTTL marks reservations older than this as stale. Zero disables expiry.
	ReservationTTL  time.Duration
	CatalogCache    bool
	HistoryLocation *time.Location
	Logger          *log.Logger
	Metrics         Metrics
	Locker          Locker
}

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// Service owns block and reservation lifecycles.
type Service struct {
	catalog      *catalogCache
	products     CatalogWriter
	reservations ReservationStore
	log          LogStore
	pending      PendingStore
	idGen        IDGenerator
	clock        Clock
	ttl          time.Duration
	historyLoc   *time.Location
	logger       *log.Logger
	metrics      Metrics
	locker       Locker
}

// NewService constructs a new value for this package.
func NewService(stores Stores, idGen IDGenerator, clock Clock, cfg ServiceConfig) *Service {
	if idGen == nil {
		idGen = uuid.NewString
	}
	if clock == nil {
		clock = time.Now
	}
	if cfg.ReservationTTL < 0 {
		cfg.ReservationTTL = 0
	}
	if cfg.HistoryLocation == nil {
		cfg.HistoryLocation = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Locker == nil {
		cfg.Locker = NewLocalLocker()
	}
	return &Service{
		catalog:      newCatalogCache(stores.Catalog, cfg.CatalogCache),
		products:     stores.Products,
		reservations: stores.Reservations,
		log:          stores.Log,
		pending:      stores.Pending,
		idGen:        idGen,
		clock:        clock,
		ttl:          cfg.ReservationTTL,
		historyLoc:   cfg.HistoryLocation,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		locker:       cfg.Locker,
	}
}

// ReservationTTL returns the configured staleness window.
func (s *Service) ReservationTTL() time.Duration {
	return s.ttl
}

// ProductQuery filters catalog listings.
type ProductQuery struct {
	Search string
	PageRequest
}

// ListProducts lists catalog products, serving the last good snapshot when the catalog is down.
func (s *Service) ListProducts(ctx context.Context, q ProductQuery) (Page[domain.Product], error) {
	read, err := s.readCatalog(ctx)
	if err != nil {
		return Page[domain.Product]{}, err
	}
	matched := make([]domain.Product, 0, len(read.products))
	for _, p := range read.products {
		if p.MatchesQuery(q.Search) {
			matched = append(matched, p)
		}
	}
	page := paginate(matched, q.PageRequest)
	page.Stale = read.stale
	return page, nil
}

// BlockQuery filters block listings.
type BlockQuery struct {
	Search string
	PageRequest
}

// ListBlocks groups the current catalog into blocks with live locks and aggregated status attached.
func (s *Service) ListBlocks(ctx context.Context, q BlockQuery) (Page[domain.Block], error) {
	blocks, stale, err := s.currentBlocks(ctx)
	if err != nil {
		return Page[domain.Block]{}, err
	}
	matched := make([]domain.Block, 0, len(blocks))
	for _, block := range blocks {
		if block.MatchesQuery(q.Search) {
			matched = append(matched, block)
		}
	}
	page := paginate(matched, q.PageRequest)
	page.Stale = stale
	return page, nil
}

// GetBlock returns one block from the current grouping.
func (s *Service) GetBlock(ctx context.Context, blockID int64) (domain.Block, error) {
	blocks, _, err := s.currentBlocks(ctx)
	if err != nil {
		return domain.Block{}, err
	}
	for _, block := range blocks {
		if block.ID == blockID {
			return block, nil
		}
	}
	return domain.Block{}, fmt.Errorf("block %d: %w", blockID, ErrNotFound)
}

// currentBlocks runs grouping over the catalog and attaches live reservations.
func (s *Service) currentBlocks(ctx context.Context) ([]domain.Block, bool, error) {
	read, err := s.readCatalog(ctx)
	if err != nil {
		return nil, false, err
	}
	blocks, err := domain.GroupProducts(read.products)
	if err != nil {
		return nil, false, fmt.Errorf("group catalog products: %w", err)
	}
	locks, err := s.reservations.ListReservations(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("list reservations: %w", err)
	}
	now := s.clock()
	live := make(map[int64]domain.Reservation, len(locks))
	for _, r := range locks {
		if r.IsStale(s.ttl, now) {
			continue
		}
		live[r.BlockID] = r
	}
	for idx := range blocks {
		if r, ok := live[blocks[idx].ID]; ok {
			blocks[idx].Lock = &r
		}
		blocks[idx].Status = domain.Aggregate(blocks[idx])
	}
	return blocks, read.stale, nil
}

func (s *Service) readCatalog(ctx context.Context) (catalogRead, error) {
	read, err := s.catalog.read(ctx, s.clock())
	if err != nil {
		return catalogRead{}, err
	}
	if read.stale {
		s.metrics.CatalogFallback()
		s.logger.Warn("catalog unavailable, serving last known good snapshot", "fetched_at", read.fetchedAt.Format(time.RFC3339), "err", read.cause)
	}
	return read, nil
}
