package ledger

import (
	"fmt"
	"time"

	"github.com/bitfsorg/keyround-go/dividend"
)

// Canonical round parameters.
const (
	DefaultPotBps         = 4800
	DefaultDividendBps    = 4500
	DefaultCarryBps       = 500
	DefaultProtocolFeeBps = 200
	DefaultReferralBps    = 1000

	// Base units; one currency unit is 1_000_000_000 base units.
	DefaultPriceBase      = 10_000_000
	DefaultPriceIncrement = 1_000_000

	DefaultTimerIncrement = 30 * time.Second
	DefaultTimerCap       = 24 * time.Hour
)

// Snapshot holds the parameters of one round. It is copied from the global
// defaults when the round starts and never changes afterwards.
type Snapshot struct {
	PotBps         uint64        `json:"pot_bps"`
	DividendBps    uint64        `json:"dividend_bps"`
	CarryBps       uint64        `json:"carry_bps"`
	ProtocolFeeBps uint64        `json:"protocol_fee_bps"`
	ReferralBps    uint64        `json:"referral_bps"`
	PriceBase      uint64        `json:"price_base"`
	PriceIncrement uint64        `json:"price_increment"`
	TimerIncrement time.Duration `json:"timer_increment"`
	TimerCap       time.Duration `json:"timer_cap"`
	ProtocolWallet string        `json:"protocol_wallet"`
}

// DefaultSnapshot returns the canonical parameters with fees paid to protocolWallet.
func DefaultSnapshot(protocolWallet string) Snapshot {
	return Snapshot{
		PotBps:         DefaultPotBps,
		DividendBps:    DefaultDividendBps,
		CarryBps:       DefaultCarryBps,
		ProtocolFeeBps: DefaultProtocolFeeBps,
		ReferralBps:    DefaultReferralBps,
		PriceBase:      DefaultPriceBase,
		PriceIncrement: DefaultPriceIncrement,
		TimerIncrement: DefaultTimerIncrement,
		TimerCap:       DefaultTimerCap,
		ProtocolWallet: protocolWallet,
	}
}

// Shares returns the purchase split described by the snapshot.
func (s Snapshot) Shares() dividend.Shares {
	return dividend.Shares{
		Pot:         s.PotBps,
		Dividend:    s.DividendBps,
		Carry:       s.CarryBps,
		ProtocolFee: s.ProtocolFeeBps,
		Referral:    s.ReferralBps,
	}
}

// Validate checks the snapshot invariants.
func (s Snapshot) Validate() error {
	if err := s.Shares().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSnapshot, err)
	}
	if s.PriceBase == 0 {
		return fmt.Errorf("%w: price base must be positive", ErrInvalidSnapshot)
	}
	if s.TimerIncrement < time.Second || s.TimerIncrement%time.Second != 0 {
		return fmt.Errorf("%w: timer increment %s must be whole seconds", ErrInvalidSnapshot, s.TimerIncrement)
	}
	if s.TimerCap%time.Second != 0 || s.TimerCap < s.TimerIncrement {
		return fmt.Errorf("%w: timer cap %s must be whole seconds and at least %s",
			ErrInvalidSnapshot, s.TimerCap, s.TimerIncrement)
	}
	if s.ProtocolWallet == "" {
		return fmt.Errorf("%w: protocol wallet is required", ErrInvalidSnapshot)
	}
	return nil
}

// Overrides replaces selected snapshot parameters for a single round.
// Nil fields keep the default.
type Overrides struct {
	PotBps         *uint64
	DividendBps    *uint64
	CarryBps       *uint64
	ProtocolFeeBps *uint64
	ReferralBps    *uint64
	PriceBase      *uint64
	PriceIncrement *uint64
	TimerIncrement *time.Duration
	TimerCap       *time.Duration
	ProtocolWallet *string
}

// Empty reports whether o changes nothing.
func (o *Overrides) Empty() bool {
	return o == nil || *o == Overrides{}
}

// Apply returns a copy of s with the overrides applied. The result is not validated.
func (o *Overrides) Apply(s Snapshot) Snapshot {
	if o == nil {
		return s
	}
	if o.PotBps != nil {
		s.PotBps = *o.PotBps
	}
	if o.DividendBps != nil {
		s.DividendBps = *o.DividendBps
	}
	if o.CarryBps != nil {
		s.CarryBps = *o.CarryBps
	}
	if o.ProtocolFeeBps != nil {
		s.ProtocolFeeBps = *o.ProtocolFeeBps
	}
	if o.ReferralBps != nil {
		s.ReferralBps = *o.ReferralBps
	}
	if o.PriceBase != nil {
		s.PriceBase = *o.PriceBase
	}
	if o.PriceIncrement != nil {
		s.PriceIncrement = *o.PriceIncrement
	}
	if o.TimerIncrement != nil {
		s.TimerIncrement = *o.TimerIncrement
	}
	if o.TimerCap != nil {
		s.TimerCap = *o.TimerCap
	}
	if o.ProtocolWallet != nil {
		s.ProtocolWallet = *o.ProtocolWallet
	}
	return s
}
