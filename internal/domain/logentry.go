package domain

import (
	"fmt"
	"strings"
	"time"
)

// LogEntry is one append-only audit record for a finalized block item.
type LogEntry struct {
	ID               int64       `json:"id,omitempty"`
	SKU              string      `json:"sku"`
	ProductName      string      `json:"productName"`
	UserID           string      `json:"userId"`
	UserName         string      `json:"userName"`
	SystemQty        int         `json:"systemQty"`
	CountedQty       int         `json:"countedQty"`
	Location         string      `json:"location"`
	Status           CountStatus `json:"status"`
	DivergenceReason string      `json:"divergenceReason,omitempty"`
	Timestamp        time.Time   `json:"timestamp"`
}

// Validate checks the entry against the count rules before it is appended.
func (e LogEntry) Validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return ErrInvalidUser
	}
	if strings.TrimSpace(e.SKU) == "" && strings.TrimSpace(e.ProductName) == "" {
		return fmt.Errorf("%w: log entry needs a sku or product name", ErrInvalidProduct)
	}
	if !e.Status.IsTerminal() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, e.Status)
	}
	if e.CountedQty < 0 || e.SystemQty < 0 {
		return ErrInvalidQuantity
	}
	if e.Status == CountNotLocated && e.CountedQty != 0 {
		return fmt.Errorf("%w: not_located entry with quantity %d", ErrInvalidQuantity, e.CountedQty)
	}
	if e.Status == CountDivergence && strings.TrimSpace(e.DivergenceReason) == "" {
		return ErrMissingReason
	}
	if e.Status != CountDivergence && strings.TrimSpace(e.DivergenceReason) != "" {
		return fmt.Errorf("%w: reason only allowed on divergence", ErrInvalidStatus)
	}
	return nil
}

// NewLogEntries flushes every item of a fully counted block into log entries stamped at now.
func NewLogEntries(location string, items []BlockItem, user User, now time.Time) ([]LogEntry, error) {
	user, err := user.Normalize()
	if err != nil {
		return nil, err
	}
	location = strings.TrimSpace(location)
	if location == "" {
		location = FallbackLocation
	}
	ts := now.UTC()
	out := make([]LogEntry, 0, len(items))
	for _, item := range items {
		qty, ok := item.Tally.Quantity()
		if !ok {
			return nil, fmt.Errorf("%w: product %q", ErrInvalidStatus, item.ProductID)
		}
		out = append(out, LogEntry{
			SKU:              item.SKU,
			ProductName:      item.Name,
			UserID:           user.ID,
			UserName:         user.Name,
			SystemQty:        item.SystemBalance,
			CountedQty:       qty,
			Location:         location,
			Status:           item.Status(),
			DivergenceReason: item.Tally.Reason(),
			Timestamp:        ts,
		})
	}
	return out, nil
}

// OutcomeOf evaluates the block-level outcome recorded by a set of entries.
func OutcomeOf(entries []LogEntry) Outcome {
	for _, entry := range entries {
		if entry.Status.IsDiscrepancy() {
			return OutcomeDivergence
		}
	}
	return OutcomeCompleted
}
