package database

import (
	"errors"
	"fmt"
)

var (
	// ErrDBClosed is returned when trying to operate on a closed database
	ErrDBClosed = errors.New("database is closed")

	// ErrKeyNotFound is returned when a key doesn't exist in the database
	ErrKeyNotFound = errors.New("key not found")

	// ErrUnknownBatchOp is returned for batch operations of an unknown type
	ErrUnknownBatchOp = errors.New("unknown batch operation type")
)

// UnknownOp returns ErrUnknownBatchOp for t.
func UnknownOp(t BatchOpType) error {
	return fmt.Errorf("%w: %d", ErrUnknownBatchOp, t)
}
