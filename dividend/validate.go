package dividend

import (
	"fmt"

	"github.com/bitfsorg/keyround-go/pricing"
)

// Validate checks that the purchase shares sum to exactly 10000 basis points
// and that the referral share is a valid fraction.
func (s Shares) Validate() error {
	sum := s.Pot + s.Dividend + s.Carry + s.ProtocolFee
	if s.Pot > pricing.BpsDenominator || s.Dividend > pricing.BpsDenominator ||
		s.Carry > pricing.BpsDenominator || s.ProtocolFee > pricing.BpsDenominator {
		return fmt.Errorf("%w: share above %d", ErrInvalidShares, pricing.BpsDenominator)
	}
	if sum != pricing.BpsDenominator {
		return fmt.Errorf("%w: shares sum to %d, want %d", ErrInvalidShares, sum, pricing.BpsDenominator)
	}
	if s.Referral > pricing.BpsDenominator {
		return fmt.Errorf("%w: referral %d above %d", ErrInvalidShares, s.Referral, pricing.BpsDenominator)
	}
	return nil
}

// ValidateSplit checks that a split accounts for every base unit of its cost.
func ValidateSplit(sp Split) error {
	if sp.Referral+sp.Effective != sp.Dividend {
		return fmt.Errorf("%w: referral=%d effective=%d dividend=%d",
			ErrConservationViolation, sp.Referral, sp.Effective, sp.Dividend)
	}
	total := sp.Fee + sp.Pot + sp.Dividend + sp.Carry
	if total != sp.Cost {
		return fmt.Errorf("%w: parts=%d cost=%d", ErrConservationViolation, total, sp.Cost)
	}
	return nil
}
