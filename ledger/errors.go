package ledger

import "errors"

var (
	// ErrRoundNotFound indicates the round record does not exist.
	ErrRoundNotFound = errors.New("ledger: round not found")

	// ErrParticipantNotFound indicates the participant record does not exist in the round.
	ErrParticipantNotFound = errors.New("ledger: participant not found")

	// ErrNonceUsed indicates an operation nonce was already recorded.
	ErrNonceUsed = errors.New("ledger: nonce already used")

	// ErrReadOnly indicates a write attempted inside a read-only transaction.
	ErrReadOnly = errors.New("ledger: read-only transaction")

	// ErrNilParam indicates a required parameter is nil.
	ErrNilParam = errors.New("ledger: required parameter is nil")

	// ErrInvalidSnapshot indicates round parameters that violate their invariants.
	ErrInvalidSnapshot = errors.New("ledger: invalid configuration snapshot")

	// ErrInvalidKey indicates an empty or malformed record key.
	ErrInvalidKey = errors.New("ledger: invalid record key")
)

// IsNotFound reports whether err is a missing round or participant record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRoundNotFound) || errors.Is(err, ErrParticipantNotFound)
}
