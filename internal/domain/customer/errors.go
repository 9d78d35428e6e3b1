package customer

import "errors"

var (
	ErrCustomerNotFound = errors.New("customer not found")
	ErrInvalidAmount    = errors.New("invalid amount: must be greater than 0")
	ErrInternal         = errors.New("internal error")
)
