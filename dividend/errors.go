package dividend

import "errors"

var (
	// ErrInvalidShares indicates the basis point split does not cover 100% of a purchase.
	ErrInvalidShares = errors.New("dividend: invalid share split")

	// ErrConservationViolation indicates a split created or destroyed value.
	ErrConservationViolation = errors.New("dividend: split conservation violated")

	// ErrNoHolders indicates a distribution with no keys outstanding.
	ErrNoHolders = errors.New("dividend: no key holders to distribute to")

	// ErrCheckpointAhead indicates a checkpoint above the accumulator.
	ErrCheckpointAhead = errors.New("dividend: checkpoint ahead of accumulator")

	// ErrOverflow indicates a value does not fit its type.
	ErrOverflow = errors.New("dividend: arithmetic overflow")
)
