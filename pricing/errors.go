package pricing

import "errors"

var (
	// ErrNoKeysToBuy indicates a purchase of zero keys.
	ErrNoKeysToBuy = errors.New("pricing: must buy at least one key")

	// ErrOverflow indicates an intermediate or final value does not fit its type.
	ErrOverflow = errors.New("pricing: arithmetic overflow")

	// ErrInvalidBps indicates a basis point value above 10000.
	ErrInvalidBps = errors.New("pricing: basis points exceed 10000")
)
