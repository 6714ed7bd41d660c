package domain

import (
	"reflect"
	"testing"
	"time"
)

func historyFixture() []LogEntry {
	day1 := time.Date(2026, 3, 3, 17, 0, 0, 0, time.UTC)
	day0 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return []LogEntry{
		{SKU: "S1", UserName: "Ana", Location: "A-01", Status: CountCounted, CountedQty: 2, Timestamp: day1},
		{SKU: "S9", UserName: "Bo", Location: "B-01", Status: CountCounted, CountedQty: 1, Timestamp: day1.Add(-time.Minute)},
		{SKU: "S2", UserName: "Ana", Location: "A-01", Status: CountNotLocated, Timestamp: day1.Add(-2 * time.Minute)},
		{SKU: "S3", UserName: "Ana", Location: "A-01", Status: CountCounted, CountedQty: 4, Timestamp: day1.Add(-3 * time.Minute)},
		{SKU: "S4", UserName: "Ana", Location: "A-01", Status: CountCounted, CountedQty: 1, Timestamp: day0},
	}
}

func TestReconstructHistoryGroupsByLocationUserDate(t *testing.T) {
	sessions := ReconstructHistory(historyFixture())
	if len(sessions) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(sessions))
	}

	first := sessions[0]
	if first.Location != "A-01" || first.UserName != "Ana" || first.Date != "2026-03-03" {
		t.Fatalf("unexpected first session key %#v", first)
	}
	if len(first.Entries) != 3 {
		t.Fatalf("expected interleaved entries regrouped, got %d", len(first.Entries))
	}
	if got := []string{first.Entries[0].SKU, first.Entries[1].SKU, first.Entries[2].SKU}; !reflect.DeepEqual(got, []string{"S1", "S2", "S3"}) {
		t.Fatalf("expected arrival order, got %v", got)
	}
	if first.Status != OutcomeDivergence {
		t.Fatalf("expected divergence status, got %q", first.Status)
	}
	if first.FinishedAt != "03/03/2026 17:00" {
		t.Fatalf("expected first entry timestamp, got %q", first.FinishedAt)
	}

	if sessions[1].UserName != "Bo" || sessions[1].Status != OutcomeCompleted {
		t.Fatalf("unexpected second session %#v", sessions[1])
	}
	if sessions[2].Date != "2026-03-02" || sessions[2].Status != OutcomeCompleted {
		t.Fatalf("unexpected third session %#v", sessions[2])
	}
}

func TestReconstructHistoryNeverFlipsBack(t *testing.T) {
	ts := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)
	sessions := ReconstructHistory([]LogEntry{
		{SKU: "a", UserName: "Ana", Location: "L", Status: CountDivergence, DivergenceReason: "r", Timestamp: ts},
		{SKU: "b", UserName: "Ana", Location: "L", Status: CountCounted, Timestamp: ts},
	})
	if len(sessions) != 1 || sessions[0].Status != OutcomeDivergence {
		t.Fatalf("unexpected sessions %#v", sessions)
	}
}

func TestReconstructHistoryIdempotent(t *testing.T) {
	entries := historyFixture()
	first := ReconstructHistory(entries)
	second := ReconstructHistory(entries)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("expected identical sessions on repeated reconstruction")
	}
	if got := ReconstructHistory(nil); len(got) != 0 {
		t.Fatalf("expected no sessions, got %d", len(got))
	}
}

func TestReconstructHistoryInLocation(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	ts := time.Date(2026, 3, 3, 1, 30, 0, 0, time.UTC)
	sessions := ReconstructHistoryIn([]LogEntry{{SKU: "a", UserName: "Ana", Location: "L", Status: CountCounted, Timestamp: ts}}, loc)
	if sessions[0].Date != "2026-03-02" {
		t.Fatalf("expected local date, got %q", sessions[0].Date)
	}
	if sessions[0].FinishedAt != "02/03/2026 22:30" {
		t.Fatalf("unexpected finishedAt %q", sessions[0].FinishedAt)
	}
}
