package domain

import "errors"

var (
	ErrInvalidID        = errors.New("invalid id")
	ErrInvalidName      = errors.New("invalid name")
	ErrInvalidProduct   = errors.New("invalid product")
	ErrDuplicateProduct = errors.New("duplicate product")
	ErrInvalidQuantity  = errors.New("invalid quantity")
	ErrMissingReason    = errors.New("divergence reason is required")
	ErrNotConfirmed     = errors.New("not-located requires operator confirmation")
	ErrAlreadyCounted   = errors.New("item already has a terminal count")
	ErrInvalidStatus    = errors.New("invalid count status")
	ErrInvalidUser      = errors.New("invalid user")
)
