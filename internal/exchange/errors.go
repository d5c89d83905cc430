package exchange

import (
	"errors"
	"fmt"
)

// RejectionError marks an exchange rejection that retrying cannot fix
// (unknown symbol, insufficient balance, invalid price). Errors not wrapped
// in RejectionError are treated as transient by the executor.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("order rejected: %s", e.Reason)
}

// IsRejection reports whether err carries a non-retriable rejection.
func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}
