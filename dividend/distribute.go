// Package dividend implements the purchase split and the per-key dividend
// accumulator.
//
// Holders never get iterated on a purchase. Each purchase raises a global
// per-key accumulator; a holder's share is keys*(accumulator-checkpoint)
// scaled down by Precision.
package dividend

import (
	"fmt"

	sdkmath "cosmossdk.io/math"

	"github.com/bitfsorg/keyround-go/pricing"
)

// PrecisionDecimals is the number of decimal places carried by the accumulator.
const PrecisionDecimals = 18

// Precision is the accumulator scale, 10^18.
var Precision = sdkmath.NewIntWithDecimal(1, PrecisionDecimals)

// SplitPurchase breaks a purchase of the given cost into its destinations.
// When referred is set, the referral bonus is carved out of the dividend
// portion before distribution. Carry receives the rounding remainder.
func SplitPurchase(cost uint64, s Shares, referred bool) (Split, error) {
	if err := s.Validate(); err != nil {
		return Split{}, err
	}

	sp := Split{Cost: cost}
	var err error
	if sp.Fee, err = pricing.SplitBps(cost, s.ProtocolFee); err != nil {
		return Split{}, err
	}
	if sp.Pot, err = pricing.SplitBps(cost, s.Pot); err != nil {
		return Split{}, err
	}
	if sp.Dividend, err = pricing.SplitBps(cost, s.Dividend); err != nil {
		return Split{}, err
	}
	if referred {
		if sp.Referral, err = pricing.SplitBps(sp.Dividend, s.Referral); err != nil {
			return Split{}, err
		}
	}
	sp.Effective = sp.Dividend - sp.Referral

	// Each part is floored, so together they never exceed cost.
	sp.Carry = cost - sp.Fee - sp.Pot - sp.Dividend

	if err := ValidateSplit(sp); err != nil {
		return Split{}, err
	}
	return sp, nil
}

// Increment returns the accumulator increase for distributing amount over
// holders keys: amount*Precision/holders.
func Increment(amount, holders uint64) (sdkmath.Int, error) {
	if holders == 0 {
		return sdkmath.Int{}, ErrNoHolders
	}
	v, err := sdkmath.NewIntFromUint64(amount).SafeMul(Precision)
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("%w: %w", ErrOverflow, err)
	}
	return v.Quo(sdkmath.NewIntFromUint64(holders)), nil
}

// Accrue returns acc raised by the distribution of amount over holders keys.
func Accrue(acc sdkmath.Int, amount, holders uint64) (sdkmath.Int, error) {
	inc, err := Increment(amount, holders)
	if err != nil {
		return sdkmath.Int{}, err
	}
	next, err := acc.SafeAdd(inc)
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("%w: %w", ErrOverflow, err)
	}
	return next, nil
}

// Pending returns the dividends earned by keys since checkpoint:
// keys*(acc-checkpoint)/Precision, rounded down.
func Pending(keys uint64, acc, checkpoint sdkmath.Int) (uint64, error) {
	if checkpoint.GT(acc) {
		return 0, fmt.Errorf("%w: checkpoint=%s acc=%s", ErrCheckpointAhead, checkpoint, acc)
	}
	if keys == 0 {
		return 0, nil
	}
	delta := acc.Sub(checkpoint)
	v, err := delta.SafeMul(sdkmath.NewIntFromUint64(keys))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrOverflow, err)
	}
	v = v.Quo(Precision)
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: pending %s does not fit in uint64", ErrOverflow, v)
	}
	return v.Uint64(), nil
}
