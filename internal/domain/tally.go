package domain

import (
	"fmt"
	"strings"
)

// CountStatus identifies the counting state of one block item.
type CountStatus string

// CountStatus values.
const (
	CountNotCounted CountStatus = "not_counted"
	CountCounted    CountStatus = "counted"
	CountNotLocated CountStatus = "not_located"
	CountDivergence CountStatus = "divergence"
)

// IsTerminal reports whether the status ends counting for the item.
func (s CountStatus) IsTerminal() bool {
	switch s {
	case CountCounted, CountNotLocated, CountDivergence:
		return true
	default:
		return false
	}
}

// IsDiscrepancy reports whether the status flags a mismatch for audit purposes.
func (s CountStatus) IsDiscrepancy() bool {
	return s == CountNotLocated || s == CountDivergence
}

// Tally is the closed outcome of counting one item. The zero value is not_counted.
// Only the constructors below build terminal values, so a divergence always has a reason
// and a not_located tally always carries quantity zero.
type Tally struct {
	status   CountStatus
	quantity int
	reason   string
}

// Counted builds a counted tally for a non-negative quantity.
func Counted(quantity int) (Tally, error) {
	if quantity < 0 {
		return Tally{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	return Tally{status: CountCounted, quantity: quantity}, nil
}

// NotLocated builds a not-located tally; the operator must confirm the item is missing.
func NotLocated(confirmed bool) (Tally, error) {
	if !confirmed {
		return Tally{}, ErrNotConfirmed
	}
	return Tally{status: CountNotLocated}, nil
}

// Divergent builds a divergence tally keeping the observed quantity and the explanation.
func Divergent(quantity int, reason string) (Tally, error) {
	reason = strings.TrimSpace(reason)
	if quantity < 0 {
		return Tally{}, fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	if reason == "" {
		return Tally{}, ErrMissingReason
	}
	return Tally{status: CountDivergence, quantity: quantity, reason: reason}, nil
}

// ParseTally rebuilds a tally from its flat wire form and rejects illegal combinations.
func ParseTally(status CountStatus, quantity *int, reason string) (Tally, error) {
	switch status {
	case "", CountNotCounted:
		if quantity != nil {
			return Tally{}, fmt.Errorf("%w: quantity set on not_counted item", ErrInvalidStatus)
		}
		return Tally{}, nil
	case CountCounted:
		if quantity == nil {
			return Tally{}, fmt.Errorf("%w: counted item without quantity", ErrInvalidQuantity)
		}
		return Counted(*quantity)
	case CountNotLocated:
		if quantity != nil && *quantity != 0 {
			return Tally{}, fmt.Errorf("%w: not_located item with quantity %d", ErrInvalidQuantity, *quantity)
		}
		return NotLocated(true)
	case CountDivergence:
		if quantity == nil {
			return Tally{}, fmt.Errorf("%w: divergence without quantity", ErrInvalidQuantity)
		}
		return Divergent(*quantity, reason)
	default:
		return Tally{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
}

// Status returns the count status.
func (t Tally) Status() CountStatus {
	if t.status == "" {
		return CountNotCounted
	}
	return t.status
}

// Quantity returns the counted quantity and whether one is set.
func (t Tally) Quantity() (int, bool) {
	if !t.Status().IsTerminal() {
		return 0, false
	}
	return t.quantity, true
}

// Reason returns the divergence explanation, empty for other statuses.
func (t Tally) Reason() string {
	return t.reason
}
