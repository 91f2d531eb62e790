package dividend

// Shares is the basis point split applied to every purchase.
// Pot, Dividend, Carry and ProtocolFee must sum to 10000; Referral is a
// share of the dividend portion.
type Shares struct {
	Pot         uint64 `json:"pot_bps"`
	Dividend    uint64 `json:"dividend_bps"`
	Carry       uint64 `json:"carry_bps"`
	ProtocolFee uint64 `json:"protocol_fee_bps"`
	Referral    uint64 `json:"referral_bps"`
}

// Split is the breakdown of one purchase.
//
// Fee + Pot + Referral + Effective + Carry == Cost. Dividend is the gross
// dividend portion, Referral + Effective. Rounding dust lands in Carry.
type Split struct {
	Cost      uint64
	Fee       uint64
	Pot       uint64
	Dividend  uint64
	Referral  uint64
	Effective uint64
	Carry     uint64
}
