package store

import "errors"

var (
	ErrNotFound = errors.New("dead letter not found")
	ErrClosed   = errors.New("store is closed")
)
