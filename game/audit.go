package game

import (
	"context"
	"fmt"

	"github.com/bitfsorg/keyround-go/alert"
	"github.com/bitfsorg/keyround-go/dividend"
	"github.com/bitfsorg/keyround-go/ledger"
	"github.com/bitfsorg/keyround-go/metrics"
)

// AuditReport is the result of recomputing the ledger totals from the
// individual records.
type AuditReport struct {
	Rounds       int          `json:"rounds"`
	Participants int          `json:"participants"`
	Vault        ledger.Vault `json:"vault"`

	// Owed totals recomputed from round and participant records.
	Prizes    uint64 `json:"prizes"`
	Dividends uint64 `json:"dividends"`
	Referrals uint64 `json:"referrals"`
	Carry     uint64 `json:"carry"`

	// Dust is the vault balance not owed to anyone: rounding remainders
	// and uncredited referral bonuses.
	Dust uint64 `json:"dust"`

	Violations []string `json:"violations,omitempty"`
}

// OK reports whether the audit found no violations.
func (a *AuditReport) OK() bool { return len(a.Violations) == 0 }

func (a *AuditReport) failf(format string, args ...any) {
	a.Violations = append(a.Violations, fmt.Sprintf(format, args...))
}

// Audit checks every accounting invariant against the stored records. A
// report with violations is also returned as ErrInvariant and alerted.
func (e *Engine) Audit(ctx context.Context) (*AuditReport, error) {
	rep := &AuditReport{}
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		meta, err := tx.Meta()
		if err != nil {
			return err
		}
		rounds, err := tx.Rounds()
		if err != nil {
			return err
		}
		rep.Vault = meta.Vault
		rep.Rounds = len(rounds)

		var spent sums
		var totalSpent uint64
		for _, r := range rounds {
			if err := e.auditRound(tx, r, meta, rep); err != nil {
				return err
			}
			spent.add(&totalSpent, r.TotalSpent, "total spent")
		}
		if spent.err != nil {
			rep.failf("%v", spent.err)
		}
		auditVault(meta.Vault, totalSpent, rep)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if rep.OK() {
		metrics.OperationsTotal.WithLabelValues("audit", "ok").Inc()
		return rep, nil
	}

	aerr := fmt.Errorf("%w: %d audit violations: %s", ErrInvariant, len(rep.Violations), rep.Violations[0])
	metrics.OperationsTotal.WithLabelValues("audit", "invariant").Inc()
	metrics.InvariantViolationsTotal.WithLabelValues("audit").Inc()
	e.log.Error("game: audit failed", "violations", rep.Violations)
	e.alerter.Alert(ctx, alert.Alert{Op: "audit", Err: aerr})
	return rep, aerr
}

func (e *Engine) auditRound(tx ledger.Tx, r *ledger.Round, meta *ledger.Meta, rep *AuditReport) error {
	ps, err := tx.Participants(r.Number)
	if err != nil {
		return err
	}
	rep.Participants += len(ps)

	if r.Accumulator.IsNil() || r.Accumulator.IsNegative() {
		rep.failf("round %d: invalid accumulator", r.Number)
		return nil
	}

	var s sums
	var keys, owedDividends, owedReferrals uint64
	for _, p := range ps {
		s.add(&keys, p.Keys, "keys")
		pending, err := dividend.Pending(p.Keys, r.Accumulator, p.Checkpoint)
		if err != nil {
			rep.failf("round %d participant %s: %v", r.Number, p.ID, err)
			continue
		}
		s.add(&owedDividends, p.UnclaimedDividends, "unclaimed dividends")
		s.add(&owedDividends, pending, "pending dividends")
		s.add(&owedReferrals, p.UnclaimedReferral, "unclaimed referral")
		if p.Referrer == p.ID {
			rep.failf("round %d participant %s refers itself", r.Number, p.ID)
		}
	}
	if s.err != nil {
		rep.failf("round %d: %v", r.Number, s.err)
		return nil
	}

	if keys != r.TotalKeys {
		rep.failf("round %d: total keys %d, participants hold %d", r.Number, r.TotalKeys, keys)
	}
	if uint64(len(ps)) != r.TotalPlayers {
		rep.failf("round %d: total players %d, %d records", r.Number, r.TotalPlayers, len(ps))
	}
	if r.Deadline.Sub(r.StartedAt) > r.Snapshot.TimerCap {
		rep.failf("round %d: deadline %s past timer cap", r.Number, r.Deadline)
	}
	if r.DividendsClaimed > r.DividendsDistributed {
		rep.failf("round %d: dividends claimed %d exceed distributed %d", r.Number, r.DividendsClaimed, r.DividendsDistributed)
	}
	if r.ReferralClaimed > r.ReferralCredited {
		rep.failf("round %d: referral claimed %d exceeds credited %d", r.Number, r.ReferralClaimed, r.ReferralCredited)
	}
	if outstanding := r.DividendsDistributed - r.DividendsClaimed; owedDividends > outstanding && r.DividendsClaimed <= r.DividendsDistributed {
		rep.failf("round %d: holders are owed %d, only %d outstanding", r.Number, owedDividends, outstanding)
	}

	s.add(&rep.Dividends, r.DividendsDistributed-min(r.DividendsClaimed, r.DividendsDistributed), "owed dividends")
	s.add(&rep.Referrals, owedReferrals, "owed referrals")
	if !r.WinnerClaimed {
		s.add(&rep.Prizes, r.PotBalance, "owed prizes")
	}
	if r.Number == meta.CurrentRound {
		s.add(&rep.Carry, r.NextRoundSeed, "owed carry")
	}
	if s.err != nil {
		rep.failf("round %d: %v", r.Number, s.err)
	}
	return nil
}

func auditVault(v ledger.Vault, totalSpent uint64, rep *AuditReport) {
	if v.OwedPrizes != rep.Prizes {
		rep.failf("vault: owed prizes %d, rounds hold %d", v.OwedPrizes, rep.Prizes)
	}
	if v.OwedDividends != rep.Dividends {
		rep.failf("vault: owed dividends %d, rounds outstanding %d", v.OwedDividends, rep.Dividends)
	}
	if v.OwedReferrals != rep.Referrals {
		rep.failf("vault: owed referrals %d, participants hold %d", v.OwedReferrals, rep.Referrals)
	}
	if v.OwedCarry != rep.Carry {
		rep.failf("vault: owed carry %d, current round seed %d", v.OwedCarry, rep.Carry)
	}

	owed, ok := v.Liabilities()
	switch {
	case !ok:
		rep.failf("vault: liabilities overflow")
	case v.Balance < owed:
		rep.failf("vault: balance %d below liabilities %d", v.Balance, owed)
	default:
		rep.Dust = v.Balance - owed
	}

	var in sums
	flow := v.Balance
	in.add(&flow, v.TotalPaidOut, "balance plus paid out")
	if in.err == nil && flow != v.TotalIn {
		rep.failf("vault: total in %d, balance plus paid out %d", v.TotalIn, flow)
	}
	gross := v.TotalIn
	in.add(&gross, v.TotalFees, "total in plus fees")
	if in.err != nil {
		rep.failf("vault: %v", in.err)
	} else if gross != totalSpent {
		rep.failf("vault: total in plus fees %d, rounds took %d", gross, totalSpent)
	}
}
