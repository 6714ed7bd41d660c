package app

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hylla/stockcount/internal/domain"
)

type fakeCatalog struct {
	mu       sync.Mutex
	products []domain.Product
	err      error
	calls    int

	// gate, when set, holds ListProducts until closed; entered is signalled on each call.
	gate    chan struct{}
	entered chan context.Context
}

func (f *fakeCatalog) ListProducts(ctx context.Context) ([]domain.Product, error) {
	f.mu.Lock()
	f.calls++
	gate, entered := f.gate, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- ctx
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.Product(nil), f.products...), nil
}

func (f *fakeCatalog) ReplaceProducts(_ context.Context, products []domain.Product) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products = append([]domain.Product(nil), products...)
	return nil
}

func (f *fakeCatalog) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeReservations struct {
	mu    sync.Mutex
	locks map[int64]domain.Reservation
}

func newFakeReservations() *fakeReservations {
	return &fakeReservations{locks: map[int64]domain.Reservation{}}
}

func (f *fakeReservations) AcquireReservation(_ context.Context, r domain.Reservation, staleBefore time.Time) (*domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.locks[r.BlockID]
	if !ok || existing.UserID == r.UserID {
		f.locks[r.BlockID] = r
		return nil, nil
	}
	if staleBefore.IsZero() || !existing.AcquiredAt.Before(staleBefore) {
		return nil, &ConflictError{BlockID: r.BlockID, HeldBy: existing.Holder()}
	}
	f.locks[r.BlockID] = r
	return &existing, nil
}

func (f *fakeReservations) ReleaseReservation(_ context.Context, blockID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, blockID)
	return nil
}

func (f *fakeReservations) GetReservation(_ context.Context, blockID int64) (domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.locks[blockID]
	if !ok {
		return domain.Reservation{}, ErrNotFound
	}
	return r, nil
}

func (f *fakeReservations) ListReservations(context.Context) ([]domain.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Reservation, 0, len(f.locks))
	for _, r := range f.locks {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockID < out[j].BlockID })
	return out, nil
}

type fakeLog struct {
	mu      sync.Mutex
	entries []domain.LogEntry
	err     error
}

func (f *fakeLog) AppendLogEntries(_ context.Context, entries []domain.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	for _, entry := range entries {
		entry.ID = int64(len(f.entries) + 1)
		f.entries = append(f.entries, entry)
	}
	return nil
}

func (f *fakeLog) ListLogEntries(_ context.Context, limit, offset int) ([]domain.LogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.LogEntry, 0, len(f.entries))
	for idx := len(f.entries) - 1; idx >= 0; idx-- {
		out = append(out, f.entries[idx])
	}
	if offset >= len(out) {
		return []domain.LogEntry{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeLog) CountLogEntries(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries), nil
}

func (f *fakeLog) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakePending struct {
	mu      sync.Mutex
	pending map[string]domain.PendingFinalize
}

func newFakePending() *fakePending {
	return &fakePending{pending: map[string]domain.PendingFinalize{}}
}

func (f *fakePending) SavePendingFinalize(_ context.Context, p domain.PendingFinalize) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[p.ID] = p
	return nil
}

func (f *fakePending) GetPendingFinalize(_ context.Context, id string) (domain.PendingFinalize, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[id]
	if !ok {
		return domain.PendingFinalize{}, ErrNotFound
	}
	return p, nil
}

func (f *fakePending) ListPendingFinalizes(context.Context) ([]domain.PendingFinalize, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.PendingFinalize, 0, len(f.pending))
	for _, p := range f.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakePending) DeletePendingFinalize(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[id]; !ok {
		return ErrNotFound
	}
	delete(f.pending, id)
	return nil
}

type recordingMetrics struct {
	mu        sync.Mutex
	acquired  int
	conflicts int
	takeovers int
	finalized map[domain.Outcome]int
	parked    int
	fallbacks int
}

func (m *recordingMetrics) ReservationAcquired() { m.mu.Lock(); m.acquired++; m.mu.Unlock() }
func (m *recordingMetrics) ReservationConflict() { m.mu.Lock(); m.conflicts++; m.mu.Unlock() }
func (m *recordingMetrics) ReservationTakeover() { m.mu.Lock(); m.takeovers++; m.mu.Unlock() }
func (m *recordingMetrics) FinalizeParked()      { m.mu.Lock(); m.parked++; m.mu.Unlock() }
func (m *recordingMetrics) CatalogFallback()     { m.mu.Lock(); m.fallbacks++; m.mu.Unlock() }

func (m *recordingMetrics) BlockFinalized(outcome domain.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized == nil {
		m.finalized = map[domain.Outcome]int{}
	}
	m.finalized[outcome]++
}

var errLogDown = errors.Join(ErrCollaboratorUnavailable, errors.New("log service unreachable"))

type harness struct {
	svc          *Service
	catalog      *fakeCatalog
	reservations *fakeReservations
	log          *fakeLog
	pending      *fakePending
	metrics      *recordingMetrics
	now          time.Time
}

func newHarness(ttl time.Duration) *harness {
	h := &harness{
		catalog: &fakeCatalog{products: []domain.Product{
			{ID: "p1", Name: "Hex bolt M8", SKU: "HB-8", Brand: "Acme", Balance: 10, Location: "A-01", SimilarGroupID: "77"},
			{ID: "p2", Name: "Washer M8", SKU: "WS-8", Brand: "Acme", Balance: 40, Location: "A-02"},
			{ID: "p3", Name: "Hex bolt M8 zinc", SKU: "HB-8Z", Brand: "Acme", Balance: 6, Location: "A-03", SimilarGroupID: "77"},
		}},
		reservations: newFakeReservations(),
		log:          &fakeLog{},
		pending:      newFakePending(),
		metrics:      &recordingMetrics{},
		now:          time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	ids := 0
	h.svc = NewService(Stores{
		Catalog:      h.catalog,
		Reservations: h.reservations,
		Log:          h.log,
		Pending:      h.pending,
		Products:     h.catalog,
	}, func() string {
		ids++
		return "pf-" + strconv.Itoa(ids)
	}, func() time.Time {
		return h.now
	}, ServiceConfig{
		ReservationTTL: ttl,
		CatalogCache:   true,
		Logger:         log.New(io.Discard),
		Metrics:        h.metrics,
	})
	return h
}
