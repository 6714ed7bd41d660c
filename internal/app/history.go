package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/hylla/stockcount/internal/domain"
)

// AppendLogEntry appends one externally produced entry to the count log.
func (s *Service) AppendLogEntry(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error) {
	entry.ID = 0
	entry.SKU = strings.TrimSpace(entry.SKU)
	entry.ProductName = strings.TrimSpace(entry.ProductName)
	entry.UserID = strings.TrimSpace(entry.UserID)
	entry.UserName = strings.TrimSpace(entry.UserName)
	if entry.UserName == "" {
		entry.UserName = entry.UserID
	}
	entry.Location = strings.TrimSpace(entry.Location)
	if entry.Location == "" {
		entry.Location = domain.FallbackLocation
	}
	entry.DivergenceReason = strings.TrimSpace(entry.DivergenceReason)
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock()
	}
	entry.Timestamp = entry.Timestamp.UTC()
	if err := entry.Validate(); err != nil {
		return domain.LogEntry{}, err
	}
	if err := s.log.AppendLogEntries(ctx, []domain.LogEntry{entry}); err != nil {
		return domain.LogEntry{}, fmt.Errorf("%w: append log entry: %w", ErrCollaboratorUnavailable, err)
	}
	return entry, nil
}

// ListHistory returns raw log entries newest first.
func (s *Service) ListHistory(ctx context.Context, req PageRequest) (Page[domain.LogEntry], error) {
	req = req.Normalize()
	total, err := s.log.CountLogEntries(ctx)
	if err != nil {
		return Page[domain.LogEntry]{}, fmt.Errorf("count log entries: %w", err)
	}
	entries, err := s.log.ListLogEntries(ctx, req.PageSize, req.Offset())
	if err != nil {
		return Page[domain.LogEntry]{}, fmt.Errorf("list log entries: %w", err)
	}
	return Page[domain.LogEntry]{
		Items:    entries,
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
	}, nil
}

// ListHistorySessions reconstructs counting sessions from the whole log.
func (s *Service) ListHistorySessions(ctx context.Context, req PageRequest) (Page[domain.HistorySession], error) {
	entries, err := s.log.ListLogEntries(ctx, 0, 0)
	if err != nil {
		return Page[domain.HistorySession]{}, fmt.Errorf("list log entries: %w", err)
	}
	return paginate(domain.ReconstructHistoryIn(entries, s.historyLoc), req), nil
}
