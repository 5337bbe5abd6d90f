package domain

import "errors"

var (
	ErrOrderNotFound  = errors.New("payment order not found")
	ErrDuplicateOrder = errors.New("payment order already exists")
	ErrInvalidOrder   = errors.New("invalid payment order")
)
