package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hylla/stockcount/internal/app"
	"github.com/hylla/stockcount/internal/domain"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})
	return repo
}

func TestRepository_ProductCatalogRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(filepath.Join(t.TempDir(), "nested", "stockcount.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})

	products := []domain.Product{
		{ID: "p2", Name: "Washer", SKU: "WS-8", Balance: 40, Location: "A-02"},
		{ID: "p1", Name: " Bolt ", SKU: "HB-8", Balance: 10, Location: "A-01", SimilarGroupID: "77"},
	}
	if err := repo.ReplaceProducts(ctx, products); err != nil {
		t.Fatalf("ReplaceProducts() error = %v", err)
	}
	loaded, err := repo.ListProducts(ctx)
	if err != nil {
		t.Fatalf("ListProducts() error = %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID != "p2" || loaded[1].Name != "Bolt" || loaded[1].SimilarGroupID != "77" {
		t.Fatalf("unexpected products %#v", loaded)
	}

	if err := repo.ReplaceProducts(ctx, []domain.Product{{ID: "p9", Name: "Nut"}}); err != nil {
		t.Fatalf("ReplaceProducts() second error = %v", err)
	}
	loaded, err = repo.ListProducts(ctx)
	if err != nil {
		t.Fatalf("ListProducts() error = %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "p9" {
		t.Fatalf("expected catalog replaced, got %#v", loaded)
	}

	if err := repo.ReplaceProducts(ctx, []domain.Product{{ID: "a"}, {ID: "a"}}); !errors.Is(err, domain.ErrDuplicateProduct) {
		t.Fatalf("expected ErrDuplicateProduct, got %v", err)
	}
	loaded, _ = repo.ListProducts(ctx)
	if len(loaded) != 1 {
		t.Fatal("rejected import must leave the catalog untouched")
	}
}

func TestRepository_ReservationCheckAndSet(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	ana, err := domain.NewReservation(12, domain.User{ID: "a", Name: "Ana"}, now)
	if err != nil {
		t.Fatalf("NewReservation() error = %v", err)
	}
	displaced, err := repo.AcquireReservation(ctx, ana, time.Time{})
	if err != nil || displaced != nil {
		t.Fatalf("AcquireReservation() = %v, %v", displaced, err)
	}

	bo, _ := domain.NewReservation(12, domain.User{ID: "b", Name: "Bo"}, now.Add(time.Minute))
	_, err = repo.AcquireReservation(ctx, bo, time.Time{})
	var conflict *app.ConflictError
	if !errors.As(err, &conflict) || conflict.HeldBy.ID != "a" {
		t.Fatalf("expected conflict held by a, got %v", err)
	}

	loaded, err := repo.GetReservation(ctx, 12)
	if err != nil {
		t.Fatalf("GetReservation() error = %v", err)
	}
	if loaded.UserName != "Ana" || !loaded.AcquiredAt.Equal(now) {
		t.Fatalf("unexpected reservation %#v", loaded)
	}

	if _, err := repo.AcquireReservation(ctx, bo, now); !errors.Is(err, app.ErrReservationConflict) {
		t.Fatalf("expected conflict when acquired exactly at the cutoff, got %v", err)
	}

	displaced, err = repo.AcquireReservation(ctx, bo, now.Add(time.Second))
	if err != nil {
		t.Fatalf("AcquireReservation() takeover error = %v", err)
	}
	if displaced == nil || displaced.UserID != "a" {
		t.Fatalf("expected displaced reservation for a, got %#v", displaced)
	}

	if err := repo.ReleaseReservation(ctx, 12); err != nil {
		t.Fatalf("ReleaseReservation() error = %v", err)
	}
	if err := repo.ReleaseReservation(ctx, 12); err != nil {
		t.Fatalf("ReleaseReservation() idempotent error = %v", err)
	}
	if _, err := repo.GetReservation(ctx, 12); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	all, err := repo.ListReservations(ctx)
	if err != nil {
		t.Fatalf("ListReservations() error = %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no reservations, got %d", len(all))
	}
}

func TestRepository_ConcurrentAcquireHasOneWinner(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	const callers = 16

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for idx := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := domain.NewReservation(7, domain.User{ID: fmt.Sprintf("u-%d", idx)}, now)
			if err != nil {
				t.Errorf("NewReservation() error = %v", err)
				return
			}
			_, err = repo.AcquireReservation(ctx, res, time.Time{})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
				return
			}
			if !errors.Is(err, app.ErrReservationConflict) {
				t.Errorf("AcquireReservation() unexpected error = %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected one winner, got %d", winners)
	}
}

func TestRepository_CountLogNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	entries := []domain.LogEntry{
		{SKU: "S1", ProductName: "Bolt", UserID: "a", UserName: "Ana", SystemQty: 5, CountedQty: 5, Location: "A-01", Status: domain.CountCounted, Timestamp: base},
		{SKU: "S2", ProductName: "Nut", UserID: "a", UserName: "Ana", SystemQty: 3, CountedQty: 0, Location: "A-01", Status: domain.CountNotLocated, Timestamp: base.Add(500 * time.Millisecond)},
		{SKU: "S3", ProductName: "Washer", UserID: "b", UserName: "Bo", SystemQty: 9, CountedQty: 7, Location: "B-01", Status: domain.CountDivergence, DivergenceReason: "damaged", Timestamp: base.Add(time.Second)},
	}
	if err := repo.AppendLogEntries(ctx, entries); err != nil {
		t.Fatalf("AppendLogEntries() error = %v", err)
	}
	total, err := repo.CountLogEntries(ctx)
	if err != nil {
		t.Fatalf("CountLogEntries() error = %v", err)
	}
	if total != 3 {
		t.Fatalf("expected 3 entries, got %d", total)
	}

	all, err := repo.ListLogEntries(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListLogEntries() error = %v", err)
	}
	if len(all) != 3 || all[0].SKU != "S3" || all[1].SKU != "S2" || all[2].SKU != "S1" {
		t.Fatalf("unexpected order %#v", all)
	}
	if all[0].DivergenceReason != "damaged" || all[0].ID == 0 || !all[0].Timestamp.Equal(base.Add(time.Second)) {
		t.Fatalf("unexpected decoded entry %#v", all[0])
	}

	page, err := repo.ListLogEntries(ctx, 1, 1)
	if err != nil {
		t.Fatalf("ListLogEntries() page error = %v", err)
	}
	if len(page) != 1 || page[0].SKU != "S2" {
		t.Fatalf("unexpected page %#v", page)
	}

	sessions := domain.ReconstructHistory(all)
	if len(sessions) != 2 || sessions[1].Status != domain.OutcomeDivergence {
		t.Fatalf("unexpected sessions %#v", sessions)
	}
}

func TestRepository_PendingFinalizeLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	entries := []domain.LogEntry{{SKU: "S1", UserID: "a", UserName: "Ana", Location: "A-01", Status: domain.CountCounted, CountedQty: 1, Timestamp: now}}
	pending, err := domain.NewPendingFinalize("pf-1", 3, domain.User{ID: "a", Name: "Ana"}, entries, errors.New("log down"), now)
	if err != nil {
		t.Fatalf("NewPendingFinalize() error = %v", err)
	}
	if err := repo.SavePendingFinalize(ctx, pending); err != nil {
		t.Fatalf("SavePendingFinalize() error = %v", err)
	}
	pending.RecordFailure(errors.New("still down"), now.Add(time.Minute))
	if err := repo.SavePendingFinalize(ctx, pending); err != nil {
		t.Fatalf("SavePendingFinalize() update error = %v", err)
	}

	loaded, err := repo.GetPendingFinalize(ctx, "pf-1")
	if err != nil {
		t.Fatalf("GetPendingFinalize() error = %v", err)
	}
	if loaded.Attempts != 2 || loaded.LastError != "still down" || len(loaded.Entries) != 1 || loaded.Entries[0].SKU != "S1" {
		t.Fatalf("unexpected pending %#v", loaded)
	}
	if !loaded.CreatedAt.Equal(now) || !loaded.UpdatedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("unexpected timestamps %#v", loaded)
	}

	all, err := repo.ListPendingFinalizes(ctx)
	if err != nil {
		t.Fatalf("ListPendingFinalizes() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(all))
	}
	if err := repo.DeletePendingFinalize(ctx, "pf-1"); err != nil {
		t.Fatalf("DeletePendingFinalize() error = %v", err)
	}
	if err := repo.DeletePendingFinalize(ctx, "pf-1"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.GetPendingFinalize(ctx, "pf-1"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRepository_ServiceEndToEnd(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	if err := repo.ReplaceProducts(ctx, []domain.Product{
		{ID: "p1", Name: "Bolt", SKU: "HB-8", Balance: 10, Location: "A-01"},
	}); err != nil {
		t.Fatalf("ReplaceProducts() error = %v", err)
	}
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	svc := app.NewService(app.Stores{
		Catalog:      repo,
		Reservations: repo,
		Log:          repo,
		Pending:      repo,
	}, nil, func() time.Time { return now }, app.ServiceConfig{})

	session, err := svc.StartCounting(ctx, domain.BlockIDOffset, domain.User{ID: "a", Name: "Ana"})
	if err != nil {
		t.Fatalf("StartCounting() error = %v", err)
	}
	if _, err := svc.Reserve(ctx, domain.BlockIDOffset, domain.User{ID: "b", Name: "Bo"}); !errors.Is(err, app.ErrReservationConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := session.MarkNotLocated("p1", true); err != nil {
		t.Fatalf("MarkNotLocated() error = %v", err)
	}
	result, err := session.Finalize(ctx)
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if result.Outcome != domain.OutcomeDivergence {
		t.Fatalf("expected divergence, got %q", result.Outcome)
	}
	history, err := svc.ListHistory(ctx, app.PageRequest{})
	if err != nil {
		t.Fatalf("ListHistory() error = %v", err)
	}
	if history.Total != 1 || history.Items[0].CountedQty != 0 || history.Items[0].Status != domain.CountNotLocated {
		t.Fatalf("unexpected history %#v", history)
	}
	if _, err := svc.Reserve(ctx, domain.BlockIDOffset, domain.User{ID: "b", Name: "Bo"}); err != nil {
		t.Fatalf("Reserve() after finalize error = %v", err)
	}
}
