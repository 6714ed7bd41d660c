package domain

import (
	"errors"
	"testing"
)

func TestBlockItemCountingTransitions(t *testing.T) {
	item := BlockItem{ProductID: "p1", SystemBalance: 5}
	if item.Status() != CountNotCounted || item.CountedQuantity() != nil {
		t.Fatalf("unexpected initial item %#v", item)
	}
	if err := item.Count(5); err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if item.Status() != CountCounted || *item.CountedQuantity() != 5 {
		t.Fatalf("unexpected counted item %#v", item)
	}
	if err := item.Count(6); !errors.Is(err, ErrAlreadyCounted) {
		t.Fatalf("expected ErrAlreadyCounted, got %v", err)
	}
	if err := item.MarkNotLocated(true); !errors.Is(err, ErrAlreadyCounted) {
		t.Fatalf("expected ErrAlreadyCounted, got %v", err)
	}
}

func TestBlockItemValidationDoesNotMutate(t *testing.T) {
	item := BlockItem{ProductID: "p1"}
	if err := item.Count(-1); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	if err := item.ReportDivergence(3, "   "); err != ErrMissingReason {
		t.Fatalf("expected ErrMissingReason, got %v", err)
	}
	if err := item.ReportDivergence(-3, "short"); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected ErrInvalidQuantity, got %v", err)
	}
	if err := item.MarkNotLocated(false); err != ErrNotConfirmed {
		t.Fatalf("expected ErrNotConfirmed, got %v", err)
	}
	if item.Status() != CountNotCounted || item.CountedQuantity() != nil {
		t.Fatalf("rejected input mutated item %#v", item)
	}
}

func TestNotLocatedForcesZero(t *testing.T) {
	item := BlockItem{ProductID: "p1", SystemBalance: 9}
	if err := item.MarkNotLocated(true); err != nil {
		t.Fatalf("MarkNotLocated() error = %v", err)
	}
	if item.Status() != CountNotLocated || *item.CountedQuantity() != 0 {
		t.Fatalf("unexpected not-located item %#v", item)
	}
	if item.Tally.Reason() != "" {
		t.Fatalf("unexpected reason %q", item.Tally.Reason())
	}
}

func TestDivergenceKeepsQuantityAndReason(t *testing.T) {
	item := BlockItem{ProductID: "p1", SystemBalance: 9}
	if err := item.ReportDivergence(7, "  two units on the floor "); err != nil {
		t.Fatalf("ReportDivergence() error = %v", err)
	}
	if item.Status() != CountDivergence || *item.CountedQuantity() != 7 || item.Tally.Reason() != "two units on the floor" {
		t.Fatalf("unexpected divergence item %#v", item)
	}
}

func TestParseTally(t *testing.T) {
	qty := func(v int) *int { return &v }
	cases := []struct {
		name    string
		status  CountStatus
		qty     *int
		reason  string
		want    CountStatus
		wantErr bool
	}{
		{name: "empty", status: "", want: CountNotCounted},
		{name: "counted", status: CountCounted, qty: qty(3), want: CountCounted},
		{name: "not located nil qty", status: CountNotLocated, want: CountNotLocated},
		{name: "not located zero", status: CountNotLocated, qty: qty(0), want: CountNotLocated},
		{name: "divergence", status: CountDivergence, qty: qty(2), reason: "r", want: CountDivergence},
		{name: "counted nil", status: CountCounted, wantErr: true},
		{name: "divergence no reason", status: CountDivergence, qty: qty(2), wantErr: true},
		{name: "unknown", status: "lost", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tally, err := ParseTally(tc.status, tc.qty, tc.reason)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got tally %#v", tally)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTally() error = %v", err)
			}
			if tally.Status() != tc.want {
				t.Fatalf("status = %q, want %q", tally.Status(), tc.want)
			}
		})
	}
}
