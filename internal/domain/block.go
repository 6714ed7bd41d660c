package domain

import (
	"fmt"
	"strings"
)

// BlockStatus is the aggregate status of a block.
type BlockStatus string

// BlockStatus values.
const (
	BlockPending    BlockStatus = "pending"
	BlockReserved   BlockStatus = "reserved"
	BlockInProgress BlockStatus = "in_progress"
	BlockCompleted  BlockStatus = "completed"
	BlockLate       BlockStatus = "late"
)

// Outcome is the block-level result recorded when a block is finalized.
type Outcome string

// Outcome values.
const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeDivergence Outcome = "divergence"
)

const (
	// PlaceholderBlockID is reserved for the UX placeholder shown on an empty catalog.
	PlaceholderBlockID int64 = 1
	// BlockIDOffset is the first id handed out by GroupProducts.
	BlockIDOffset int64 = 2
	// FallbackLocation is used when a block's first product has no location.
	FallbackLocation = "N/A"
)

// Block is one unit of counting work.
type Block struct {
	ID       int64        `json:"id"`
	Title    string       `json:"title"`
	Location string       `json:"location"`
	Status   BlockStatus  `json:"status"`
	Items    []BlockItem  `json:"items"`
	Lock     *Reservation `json:"lock,omitempty"`
}

// PlaceholderBlock returns the sentinel block callers may show when grouping yields nothing.
func PlaceholderBlock() Block {
	return Block{
		ID:       PlaceholderBlockID,
		Title:    "No products to count",
		Location: FallbackLocation,
		Status:   BlockPending,
		Items:    []BlockItem{},
	}
}

// IsLocked reports whether the block carries a reservation.
func (b Block) IsLocked() bool {
	return b.Lock != nil
}

// IsGroup reports whether the block bundles more than one product.
func (b Block) IsGroup() bool {
	return len(b.Items) > 1
}

// Item returns a pointer to the item for productID.
func (b *Block) Item(productID string) (*BlockItem, bool) {
	productID = strings.TrimSpace(productID)
	for idx := range b.Items {
		if b.Items[idx].ProductID == productID {
			return &b.Items[idx], true
		}
	}
	return nil, false
}

// UnresolvedItems returns the product ids that still lack a terminal count.
func (b Block) UnresolvedItems() []string {
	return UnresolvedItems(b.Items)
}

// MatchesQuery reports whether the query occurs in the title, location or any item field.
func (b Block) MatchesQuery(query string) bool {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return true
	}
	if strings.Contains(strings.ToLower(b.Title), query) || strings.Contains(strings.ToLower(b.Location), query) {
		return true
	}
	for _, item := range b.Items {
		for _, field := range []string{item.Name, item.SKU, item.Brand} {
			if strings.Contains(strings.ToLower(field), query) {
				return true
			}
		}
	}
	return false
}

// Clone deep-copies the block so a working session cannot alias catalog state.
func (b Block) Clone() Block {
	out := b
	out.Items = append([]BlockItem(nil), b.Items...)
	if b.Lock != nil {
		lock := *b.Lock
		out.Lock = &lock
	}
	return out
}

// ApplyTallies copies the block and sets each submitted tally on the matching item.
// Only ProductID and Tally are read from submitted. Ids outside the block or
// repeated ids are rejected. Items left out stay uncounted.
func (b Block) ApplyTallies(submitted []BlockItem) (Block, error) {
	out := b.Clone()
	for idx := range out.Items {
		out.Items[idx].Tally = Tally{}
	}
	seen := make(map[string]struct{}, len(submitted))
	for _, in := range submitted {
		id := strings.TrimSpace(in.ProductID)
		if _, ok := seen[id]; ok {
			return Block{}, fmt.Errorf("%w: %w: %q in block %d", ErrInvalidProduct, ErrDuplicateProduct, id, b.ID)
		}
		seen[id] = struct{}{}
		item, ok := out.Item(id)
		if !ok {
			return Block{}, fmt.Errorf("%w: %q is not in block %d", ErrInvalidProduct, id, b.ID)
		}
		item.Tally = in.Tally
	}
	return out, nil
}

// UnresolvedItems returns the product ids of items without a terminal count.
func UnresolvedItems(items []BlockItem) []string {
	out := make([]string, 0)
	for _, item := range items {
		if !item.Status().IsTerminal() {
			out = append(out, item.ProductID)
		}
	}
	return out
}

// GroupProducts partitions catalog products into blocks keyed by similarity group.
// Products without a similarity id become singleton blocks. Output order follows the
// first appearance of each bucket in the input, so equal inputs give equal blocks.
func GroupProducts(products []Product) ([]Block, error) {
	type bucket struct {
		similarID string
		members   []Product
	}
	buckets := make([]*bucket, 0, len(products))
	bySimilar := map[string]*bucket{}
	seen := map[string]struct{}{}

	for idx, raw := range products {
		p, err := raw.Normalize()
		if err != nil {
			return nil, fmt.Errorf("products[%d]: %w", idx, err)
		}
		if _, ok := seen[p.ID]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateProduct, p.ID)
		}
		seen[p.ID] = struct{}{}

		if p.SimilarGroupID == "" {
			buckets = append(buckets, &bucket{members: []Product{p}})
			continue
		}
		b, ok := bySimilar[p.SimilarGroupID]
		if !ok {
			b = &bucket{similarID: p.SimilarGroupID}
			bySimilar[p.SimilarGroupID] = b
			buckets = append(buckets, b)
		}
		b.members = append(b.members, p)
	}

	blocks := make([]Block, 0, len(buckets))
	for idx, b := range buckets {
		first := b.members[0]
		title := first.Name
		if len(b.members) > 1 {
			title = "Similar Group #" + b.similarID
		}
		location := first.Location
		if location == "" {
			location = FallbackLocation
		}
		items := make([]BlockItem, 0, len(b.members))
		for _, member := range b.members {
			items = append(items, NewBlockItem(member))
		}
		blocks = append(blocks, Block{
			ID:       BlockIDOffset + int64(idx),
			Title:    title,
			Location: location,
			Status:   BlockPending,
			Items:    items,
		})
	}
	return blocks, nil
}

// Aggregate derives a block's status from its lock and item states.
// A late status assigned by the caller is preserved.
func Aggregate(b Block) BlockStatus {
	if b.Status == BlockLate {
		return BlockLate
	}
	terminal, counted := 0, 0
	for _, item := range b.Items {
		status := item.Status()
		if status.IsTerminal() {
			terminal++
		}
		if status == CountCounted {
			counted++
		}
	}
	switch {
	case len(b.Items) > 0 && counted == len(b.Items):
		return BlockCompleted
	case terminal == 0 && b.IsLocked():
		return BlockReserved
	case terminal == 0:
		return BlockPending
	default:
		return BlockInProgress
	}
}

// FinalOutcome evaluates the finalize-time outcome: any discrepancy makes the block divergent.
func FinalOutcome(items []BlockItem) Outcome {
	for _, item := range items {
		if item.Status().IsDiscrepancy() {
			return OutcomeDivergence
		}
	}
	return OutcomeCompleted
}
