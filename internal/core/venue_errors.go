package core

import "errors"

var (
	// ErrInsufficientBalance indicates the venue rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrOrderNotFound indicates the order does not exist on the venue.
	ErrOrderNotFound = errors.New("order not found")
	// ErrVenueRejected indicates the venue refused the order.
	ErrVenueRejected = errors.New("venue rejected")
	// ErrVenueTimeout indicates the venue round trip did not complete in time;
	// the order may or may not exist and must be reconciled, never blindly retried.
	ErrVenueTimeout = errors.New("venue timeout")
	// ErrAlreadyFilled indicates a cancel raced a fill and lost.
	ErrAlreadyFilled = errors.New("order already filled")
)
