// Package ledger defines the persistent records of the game and the
// transactional stores that hold them.
//
// Every state change happens inside a single Store.Update call, which either
// commits all written records or none of them.
package ledger

import (
	"time"

	sdkmath "cosmossdk.io/math"
)

// Phase is the derived lifecycle state of a round.
type Phase uint8

const (
	// PhaseWaiting means no round has been started.
	PhaseWaiting Phase = iota
	// PhaseActive means the round accepts purchases.
	PhaseActive
	// PhaseEnded means the timer expired and the winner has not claimed.
	PhaseEnded
	// PhaseClaimed means the round is settled.
	PhaseClaimed
)

// String returns the lowercase phase name.
func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "waiting"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	case PhaseClaimed:
		return "claimed"
	default:
		return "unknown"
	}
}

// Round is the permanent record of one play cycle.
type Round struct {
	Number    uint64    `json:"number"`
	Snapshot  Snapshot  `json:"snapshot"`
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`

	// PotBalance is the winner prize: the seed plus the pot share of every purchase.
	PotBalance   uint64 `json:"pot_balance"`
	TotalSpent   uint64 `json:"total_spent"`
	TotalKeys    uint64 `json:"total_keys"`
	TotalPlayers uint64 `json:"total_players"`

	// Accumulator is the cumulative dividend per key, scaled by dividend.Precision.
	Accumulator          sdkmath.Int `json:"accumulator"`
	DividendsDistributed uint64      `json:"dividends_distributed"`
	DividendsClaimed     uint64      `json:"dividends_claimed"`

	ReferralCredited   uint64 `json:"referral_credited"`
	ReferralClaimed    uint64 `json:"referral_claimed"`
	ReferralUncredited uint64 `json:"referral_uncredited"`

	ProtocolFees  uint64 `json:"protocol_fees"`
	NextRoundSeed uint64 `json:"next_round_seed"`
	SeedCarried   uint64 `json:"seed_carried"`

	LastBuyer     string `json:"last_buyer,omitempty"`
	WinnerClaimed bool   `json:"winner_claimed"`
	WinnerPrize   uint64 `json:"winner_prize"`
	Concluded     bool   `json:"concluded"`
}

// NewRound returns an empty round with a zero accumulator.
func NewRound(number uint64, snap Snapshot, startedAt time.Time) *Round {
	return &Round{
		Number:      number,
		Snapshot:    snap,
		StartedAt:   startedAt,
		Deadline:    startedAt.Add(snap.TimerIncrement),
		Accumulator: sdkmath.ZeroInt(),
	}
}

// Phase returns the lifecycle state of the round at now.
func (r *Round) Phase(now time.Time) Phase {
	switch {
	case r.WinnerClaimed:
		return PhaseClaimed
	case !now.Before(r.Deadline):
		return PhaseEnded
	default:
		return PhaseActive
	}
}

// Clone returns a copy of the round.
func (r *Round) Clone() *Round {
	c := *r
	return &c
}

// Participant is the record of one participant in one round.
type Participant struct {
	Round uint64 `json:"round"`
	ID    string `json:"id"`
	Keys  uint64 `json:"keys"`

	// Checkpoint is the round accumulator at the last settlement.
	Checkpoint         sdkmath.Int `json:"checkpoint"`
	UnclaimedDividends uint64      `json:"unclaimed_dividends"`
	ClaimedDividends   uint64      `json:"claimed_dividends"`

	Referrer          string `json:"referrer,omitempty"`
	UnclaimedReferral uint64 `json:"unclaimed_referral"`
	ClaimedReferral   uint64 `json:"claimed_referral"`

	Agent    bool      `json:"agent"`
	JoinedAt time.Time `json:"joined_at"`
}

// NewParticipant returns a participant record checkpointed at acc.
func NewParticipant(round uint64, id string, acc sdkmath.Int, joinedAt time.Time) *Participant {
	return &Participant{
		Round:      round,
		ID:         id,
		Checkpoint: acc,
		JoinedAt:   joinedAt,
	}
}

// Clone returns a copy of the participant.
func (p *Participant) Clone() *Participant {
	c := *p
	return &c
}

// Vault is the pooled custody balance and the liabilities it backs.
type Vault struct {
	Balance uint64 `json:"balance"`

	OwedPrizes    uint64 `json:"owed_prizes"`
	OwedDividends uint64 `json:"owed_dividends"`
	OwedReferrals uint64 `json:"owed_referrals"`
	OwedCarry     uint64 `json:"owed_carry"`

	TotalIn      uint64 `json:"total_in"`
	TotalPaidOut uint64 `json:"total_paid_out"`
	TotalFees    uint64 `json:"total_fees"`
}

// Liabilities returns the sum of every outstanding obligation and whether
// the sum fits in 64 bits.
func (v Vault) Liabilities() (uint64, bool) {
	var total uint64
	for _, owed := range []uint64{v.OwedPrizes, v.OwedDividends, v.OwedReferrals, v.OwedCarry} {
		next := total + owed
		if next < total {
			return 0, false
		}
		total = next
	}
	return total, true
}

// Solvent reports whether the balance covers every liability.
func (v Vault) Solvent() bool {
	owed, ok := v.Liabilities()
	return ok && v.Balance >= owed
}

// Meta is the singleton game state.
type Meta struct {
	// CurrentRound is zero until the first round starts.
	CurrentRound uint64    `json:"current_round"`
	Defaults     *Snapshot `json:"defaults,omitempty"`
	Vault        Vault     `json:"vault"`
}

// Clone returns a deep copy of the meta record.
func (m *Meta) Clone() *Meta {
	c := *m
	if m.Defaults != nil {
		d := *m.Defaults
		c.Defaults = &d
	}
	return &c
}

// EventKind names a journal entry type.
type EventKind string

// Journal entry kinds.
const (
	EventRoundStarted          EventKind = "round_started"
	EventRoundConcluded        EventKind = "round_concluded"
	EventParticipantRegistered EventKind = "participant_registered"
	EventKeysPurchased         EventKind = "keys_purchased"
	EventReferralEarned        EventKind = "referral_earned"
	EventProtocolFeeCollected  EventKind = "protocol_fee_collected"
	EventClaimed               EventKind = "claimed"
	EventReferralClaimed       EventKind = "referral_claimed"
	EventDefaultsUpdated       EventKind = "defaults_updated"
)

// Event is one append-only journal entry. Seq is assigned by the store.
type Event struct {
	Seq          uint64    `json:"seq"`
	ID           string    `json:"id"`
	Kind         EventKind `json:"kind"`
	Round        uint64    `json:"round"`
	Participant  string    `json:"participant,omitempty"`
	Counterparty string    `json:"counterparty,omitempty"`
	Keys         uint64    `json:"keys,omitempty"`
	Amount       uint64    `json:"amount,omitempty"`
	Secondary    uint64    `json:"secondary,omitempty"`
	At           time.Time `json:"at"`
}
