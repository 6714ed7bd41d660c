package app

// DefaultPageSize and MaxPageSize bound list pagination.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// PageRequest selects one 1-based page.
type PageRequest struct {
	Page     int
	PageSize int
}

// Normalize applies pagination defaults and bounds.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

// Offset returns the number of rows before the page.
func (p PageRequest) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.PageSize
}

// Page is one slice of a listing.
type Page[T any] struct {
	Items    []T  `json:"items"`
	Total    int  `json:"total"`
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	Stale    bool `json:"stale,omitempty"`
}

func paginate[T any](items []T, req PageRequest) Page[T] {
	req = req.Normalize()
	start := min(req.Offset(), len(items))
	end := min(start+req.PageSize, len(items))
	out := make([]T, end-start)
	copy(out, items[start:end])
	return Page[T]{
		Items:    out,
		Total:    len(items),
		Page:     req.Page,
		PageSize: req.PageSize,
	}
}
