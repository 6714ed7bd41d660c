package domain

import (
	"encoding/json"
	"fmt"
)

// BlockItem is one product instance inside a block.
type BlockItem struct {
	ProductID     string
	Name          string
	SKU           string
	Brand         string
	SystemBalance int
	Tally         Tally
}

// itemWire is the stable JSON shape of a block item.
type itemWire struct {
	ProductID        string      `json:"productId"`
	Name             string      `json:"name"`
	SKU              string      `json:"sku"`
	Brand            string      `json:"brand"`
	SystemBalance    int         `json:"systemBalance"`
	CountedQuantity  *int        `json:"countedQuantity"`
	CountStatus      CountStatus `json:"countStatus"`
	DivergenceReason string      `json:"divergenceReason,omitempty"`
}

// NewBlockItem builds an uncounted item from a catalog product.
func NewBlockItem(p Product) BlockItem {
	return BlockItem{
		ProductID:     p.ID,
		Name:          p.Name,
		SKU:           p.SKU,
		Brand:         p.Brand,
		SystemBalance: p.Balance,
	}
}

// Status returns the item's count status.
func (i BlockItem) Status() CountStatus {
	return i.Tally.Status()
}

// CountedQuantity returns the recorded quantity, nil until the item reaches a terminal state.
func (i BlockItem) CountedQuantity() *int {
	q, ok := i.Tally.Quantity()
	if !ok {
		return nil
	}
	return &q
}

// Count records a physical count.
func (i *BlockItem) Count(quantity int) error {
	tally, err := Counted(quantity)
	if err != nil {
		return err
	}
	return i.apply(tally)
}

// MarkNotLocated records that the physical item could not be found.
func (i *BlockItem) MarkNotLocated(confirmed bool) error {
	tally, err := NotLocated(confirmed)
	if err != nil {
		return err
	}
	return i.apply(tally)
}

// ReportDivergence records the observed quantity alongside the operator's explanation.
func (i *BlockItem) ReportDivergence(quantity int, reason string) error {
	tally, err := Divergent(quantity, reason)
	if err != nil {
		return err
	}
	return i.apply(tally)
}

// apply stores a validated terminal tally once.
func (i *BlockItem) apply(tally Tally) error {
	if i.Tally.Status().IsTerminal() {
		return fmt.Errorf("%w: product %q is %s", ErrAlreadyCounted, i.ProductID, i.Tally.Status())
	}
	i.Tally = tally
	return nil
}

// MarshalJSON flattens the tally into countStatus/countedQuantity/divergenceReason.
func (i BlockItem) MarshalJSON() ([]byte, error) {
	return json.Marshal(itemWire{
		ProductID:        i.ProductID,
		Name:             i.Name,
		SKU:              i.SKU,
		Brand:            i.Brand,
		SystemBalance:    i.SystemBalance,
		CountedQuantity:  i.CountedQuantity(),
		CountStatus:      i.Status(),
		DivergenceReason: i.Tally.Reason(),
	})
}

// UnmarshalJSON decodes the flat form and rejects illegal count states.
func (i *BlockItem) UnmarshalJSON(data []byte) error {
	var wire itemWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	tally, err := ParseTally(wire.CountStatus, wire.CountedQuantity, wire.DivergenceReason)
	if err != nil {
		return fmt.Errorf("item %q: %w", wire.ProductID, err)
	}
	*i = BlockItem{
		ProductID:     wire.ProductID,
		Name:          wire.Name,
		SKU:           wire.SKU,
		Brand:         wire.Brand,
		SystemBalance: wire.SystemBalance,
		Tally:         tally,
	}
	return nil
}
