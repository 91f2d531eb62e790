package game

import "errors"

// Precondition violations. The caller may retry after correcting its input.
var (
	// ErrGameNotActive indicates no round accepts the operation.
	ErrGameNotActive = errors.New("game: game not active")

	// ErrTimerExpired indicates the round timer ran out before the purchase.
	ErrTimerExpired = errors.New("game: round timer expired")

	// ErrNoKeysToBuy indicates a purchase of zero keys.
	ErrNoKeysToBuy = errors.New("game: must buy at least one key")

	// ErrCannotReferSelf indicates a participant named itself as referrer.
	ErrCannotReferSelf = errors.New("game: cannot refer self")

	// ErrReferrerMismatch indicates a referrer that differs from the one on record.
	ErrReferrerMismatch = errors.New("game: referrer does not match record")

	// ErrReferrerNotRegistered indicates the referrer has no record in the round.
	ErrReferrerNotRegistered = errors.New("game: referrer not registered in round")

	// ErrNothingToClaim indicates no dividends and no prize are owed.
	ErrNothingToClaim = errors.New("game: nothing to claim")

	// ErrNoReferralEarnings indicates no referral earnings are owed.
	ErrNoReferralEarnings = errors.New("game: no referral earnings")

	// ErrPlayerAlreadyRegistered indicates a second registration in the same round.
	ErrPlayerAlreadyRegistered = errors.New("game: player already registered")

	// ErrGameStillActive indicates the previous round is not settled.
	ErrGameStillActive = errors.New("game: previous round still active")

	// ErrInvalidParticipant indicates an empty or oversized participant id.
	ErrInvalidParticipant = errors.New("game: invalid participant id")

	// ErrUnauthorized indicates the caller may not perform the operation.
	ErrUnauthorized = errors.New("game: unauthorized")

	// ErrReplayedOperation indicates a signed operation nonce was already used.
	ErrReplayedOperation = errors.New("game: operation replayed")

	// ErrInvalidOperation indicates a malformed operation.
	ErrInvalidOperation = errors.New("game: invalid operation")

	// ErrRoundNotFound indicates the requested round does not exist.
	ErrRoundNotFound = errors.New("game: round not found")

	// ErrParticipantNotFound indicates the participant has no record in the round.
	ErrParticipantNotFound = errors.New("game: participant not found")
)

// Resource violations.
var (
	// ErrInsufficientFunds indicates the buyer's budget does not cover the cost.
	ErrInsufficientFunds = errors.New("game: insufficient funds")
)

// Invariant violations. These abort the operation and raise an alert.
var (
	// ErrOverflow indicates checked arithmetic overflowed.
	ErrOverflow = errors.New("game: arithmetic overflow")

	// ErrInvalidConfig indicates round parameters that violate their invariants.
	ErrInvalidConfig = errors.New("game: invalid configuration")

	// ErrInsolvent indicates a payout the vault cannot cover.
	ErrInsolvent = errors.New("game: vault insolvent")

	// ErrInvariant indicates ledger state that breaks an accounting invariant.
	ErrInvariant = errors.New("game: invariant violated")
)

// IsInvariantViolation reports whether err signals a broken engine invariant
// rather than a caller error.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrOverflow) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInsolvent) ||
		errors.Is(err, ErrInvariant)
}
