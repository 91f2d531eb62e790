// Package pricing implements the key bonding curve and basis point splits.
//
// Every computation is carried out in 256-bit integers (cosmossdk.io/math.Int)
// and narrowed to uint64 only at the end, so no intermediate can wrap.
package pricing

import (
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
)

// BpsDenominator is the number of basis points in 100%.
const BpsDenominator = 10_000

// Price returns the price of the key at 0-based position sold:
//
//	price(k) = base + increment*k
func Price(sold, base, increment uint64) (uint64, error) {
	p, err := sdkmath.NewIntFromUint64(increment).SafeMul(sdkmath.NewIntFromUint64(sold))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrOverflow, err)
	}
	p, err = p.SafeAdd(sdkmath.NewIntFromUint64(base))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrOverflow, err)
	}
	return narrow(p)
}

// Cost returns the total price of n keys bought when sold keys have already
// been sold in the round. It is the closed-form sum of the arithmetic series:
//
//	cost = n*base + increment*n*(2*sold + n - 1)/2
//
// The product n*(2*sold+n-1) is always even, so the halving is exact.
func Cost(sold, n, base, increment uint64) (uint64, error) {
	if n == 0 {
		return 0, ErrNoKeysToBuy
	}

	bigN := sdkmath.NewIntFromUint64(n)

	baseCost, err := bigN.SafeMul(sdkmath.NewIntFromUint64(base))
	if err != nil {
		return 0, fmt.Errorf("%w: base cost: %w", ErrOverflow, err)
	}

	// 2*sold + n - 1; n >= 1 so this never goes negative.
	terms := sdkmath.NewIntFromUint64(sold).MulRaw(2).Add(bigN).SubRaw(1)

	series, err := bigN.SafeMul(terms)
	if err != nil {
		return 0, fmt.Errorf("%w: series: %w", ErrOverflow, err)
	}
	series, err = series.SafeMul(sdkmath.NewIntFromUint64(increment))
	if err != nil {
		return 0, fmt.Errorf("%w: series: %w", ErrOverflow, err)
	}
	series = series.QuoRaw(2)

	total, err := baseCost.SafeAdd(series)
	if err != nil {
		return 0, fmt.Errorf("%w: total: %w", ErrOverflow, err)
	}
	return narrow(total)
}

// SplitBps returns amount*bps/10000, rounded down.
func SplitBps(amount, bps uint64) (uint64, error) {
	if bps > BpsDenominator {
		return 0, fmt.Errorf("%w: %d", ErrInvalidBps, bps)
	}
	v, err := sdkmath.NewIntFromUint64(amount).SafeMul(sdkmath.NewIntFromUint64(bps))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrOverflow, err)
	}
	return narrow(v.QuoRaw(BpsDenominator))
}

// NextDeadline returns the round deadline after a purchase at now.
// The deadline never moves backwards and never passes start+limit.
func NextDeadline(now, current, start time.Time, increment, limit time.Duration) time.Time {
	next := now.Add(increment)
	if current.After(next) {
		next = current
	}
	ceiling := start.Add(limit)
	if next.After(ceiling) {
		next = ceiling
	}
	return next
}

func narrow(v sdkmath.Int) (uint64, error) {
	if v.IsNegative() || !v.IsUint64() {
		return 0, fmt.Errorf("%w: %s does not fit in uint64", ErrOverflow, v)
	}
	return v.Uint64(), nil
}
