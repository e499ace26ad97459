package exchange

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrUnknownSymbol      = errors.New("unknown symbol")
	ErrUnknownAccount     = errors.New("unknown account")
	ErrPriceOutsideBand   = errors.New("price outside limit band")
	ErrInvalidVolume      = errors.New("volume must be positive")
	ErrInvalidPrice       = errors.New("price must be positive")
	ErrInsufficientCash   = errors.New("insufficient available cash")
	ErrInsufficientShares = errors.New("insufficient available shares")
	ErrFrozenMismatch     = errors.New("frozen balance below release amount")
)

// CancelError reports a cancel commission that could not be applied. It is
// recoverable: the engine logs it and leaves all state untouched.
type CancelError struct {
	Target uuid.UUID
	Reason string
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("cancel %s: %s", e.Target, e.Reason)
}
