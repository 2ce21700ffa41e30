package orders

import "errors"

var (
	ErrNotFound          = errors.New("order: not found")
	ErrForbidden         = errors.New("order: does not belong to requester")
	ErrConflict          = errors.New("order: conflict")
	ErrInsufficientFunds = errors.New("order: insufficient funds")
	ErrOutOfStock        = errors.New("order: no license keys available")
	ErrDeliveryFailure   = errors.New("order: delivery failed")
	ErrValidation        = errors.New("order: validation failed")
)
