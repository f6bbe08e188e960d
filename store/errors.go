package store

import "errors"

var (
	// ErrDuplicateKey a trade with the same trader and seq already exists
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput nil record or missing key fields
	ErrInvalidInput = errors.New("invalid input")
)
