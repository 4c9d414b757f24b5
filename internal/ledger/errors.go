package ledger

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBlockNotFound is returned when the node does not know a block number.
	ErrBlockNotFound = errors.New("block not found")

	// ErrInvalidRange is returned when from is greater than to.
	ErrInvalidRange = errors.New("invalid block range")
)

// TransientError marks a fault that may succeed when retried, such as a
// network error or an overloaded node.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a transient fault of op. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err should be retried. Context cancellation is
// never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}
