package game

import (
	"context"
	"fmt"
	"time"

	"github.com/bitfsorg/keyround-go/ledger"
	"github.com/bitfsorg/keyround-go/metrics"
)

// ClaimRequest names a participant and a round. Round zero means the
// current round.
type ClaimRequest struct {
	Participant string `json:"participant"`
	Round       uint64 `json:"round,omitempty"`
}

// ClaimResult describes a committed payout.
type ClaimResult struct {
	Round     uint64 `json:"round"`
	Dividends uint64 `json:"dividends"`
	Prize     uint64 `json:"prize"`
	Referral  uint64 `json:"referral"`
}

// Total returns the amount paid.
func (c *ClaimResult) Total() uint64 { return c.Dividends + c.Prize + c.Referral }

// Claim pays the participant's dividends and, if the participant is the last
// buyer of an ended round whose prize is unclaimed, the winner pot.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	return e.claim(ctx, req, "")
}

func (e *Engine) claim(ctx context.Context, req ClaimRequest, nonce string) (*ClaimResult, error) {
	if err := validateParticipant(req.Participant); err != nil {
		return nil, err
	}

	info := &opInfo{name: "claim", participant: req.Participant, nonce: nonce, round: req.Round}
	var (
		res   *ClaimResult
		round *ledger.Round
		vault ledger.Vault
	)
	err := e.update(ctx, info, func(tx ledger.Tx, now time.Time) error {
		meta, r, err := loadRound(tx, req.Round)
		if err != nil {
			return err
		}
		info.round = r.Number

		p, err := lookupParticipant(tx, r.Number, req.Participant)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("%w: %s has no record in round %d", ErrNothingToClaim, req.Participant, r.Number)
		}
		if err := settle(p, r.Accumulator); err != nil {
			return err
		}

		res = &ClaimResult{Round: r.Number, Dividends: p.UnclaimedDividends}
		winner := p.ID == r.LastBuyer && r.Phase(now) == ledger.PhaseEnded && !r.WinnerClaimed
		if winner {
			res.Prize = r.PotBalance
		}
		if res.Dividends == 0 && res.Prize == 0 {
			return fmt.Errorf("%w: %s in round %d", ErrNothingToClaim, p.ID, r.Number)
		}

		v := &meta.Vault
		var s sums
		if res.Dividends > 0 {
			if err := debit(v, &v.OwedDividends, res.Dividends, "dividend"); err != nil {
				return err
			}
			p.UnclaimedDividends = 0
			s.add(&p.ClaimedDividends, res.Dividends, "claimed dividends")
			s.add(&r.DividendsClaimed, res.Dividends, "round dividends claimed")
		}
		if winner {
			if res.Prize > 0 {
				if err := debit(v, &v.OwedPrizes, res.Prize, "prize"); err != nil {
					return err
				}
			}
			r.WinnerClaimed = true
			r.WinnerPrize = res.Prize
		}
		if s.err != nil {
			return s.err
		}

		if err := e.concludeIfEnded(tx, r, now); err != nil {
			return err
		}
		err = e.appendEvent(tx, now, ledger.Event{
			Kind:        ledger.EventClaimed,
			Round:       r.Number,
			Participant: p.ID,
			Amount:      res.Dividends,
			Secondary:   res.Prize,
		})
		if err != nil {
			return err
		}

		if err := tx.PutParticipant(p); err != nil {
			return err
		}
		if err := tx.PutRound(r); err != nil {
			return err
		}
		if err := tx.PutMeta(meta); err != nil {
			return err
		}
		if r.Number == meta.CurrentRound {
			round = r
		}
		vault = *v
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Dividends > 0 {
		metrics.PayoutsTotal.WithLabelValues(metrics.PayoutDividend).Add(float64(res.Dividends))
	}
	if res.Prize > 0 {
		metrics.PayoutsTotal.WithLabelValues(metrics.PayoutPrize).Add(float64(res.Prize))
		e.log.Info("game: winner paid",
			"round", res.Round,
			"winner", req.Participant,
			"prize", res.Prize)
	}
	e.publish(round, vault)
	e.log.Debug("game: claimed",
		"round", res.Round,
		"participant", req.Participant,
		"dividends", res.Dividends,
		"prize", res.Prize)
	return res, nil
}

// ClaimReferralEarnings pays the referral commission credited to the
// participant in the round.
func (e *Engine) ClaimReferralEarnings(ctx context.Context, req ClaimRequest) (*ClaimResult, error) {
	return e.claimReferral(ctx, req, "")
}

func (e *Engine) claimReferral(ctx context.Context, req ClaimRequest, nonce string) (*ClaimResult, error) {
	if err := validateParticipant(req.Participant); err != nil {
		return nil, err
	}

	info := &opInfo{name: "claim_referral", participant: req.Participant, nonce: nonce, round: req.Round}
	var (
		res   *ClaimResult
		vault ledger.Vault
	)
	err := e.update(ctx, info, func(tx ledger.Tx, now time.Time) error {
		meta, r, err := loadRound(tx, req.Round)
		if err != nil {
			return err
		}
		info.round = r.Number

		p, err := lookupParticipant(tx, r.Number, req.Participant)
		if err != nil {
			return err
		}
		if p == nil || p.UnclaimedReferral == 0 {
			return fmt.Errorf("%w: %s in round %d", ErrNoReferralEarnings, req.Participant, r.Number)
		}

		res = &ClaimResult{Round: r.Number, Referral: p.UnclaimedReferral}
		v := &meta.Vault
		if err := debit(v, &v.OwedReferrals, res.Referral, "referral"); err != nil {
			return err
		}

		var s sums
		p.UnclaimedReferral = 0
		s.add(&p.ClaimedReferral, res.Referral, "claimed referral")
		s.add(&r.ReferralClaimed, res.Referral, "round referral claimed")
		if s.err != nil {
			return s.err
		}

		err = e.appendEvent(tx, now, ledger.Event{
			Kind:        ledger.EventReferralClaimed,
			Round:       r.Number,
			Participant: p.ID,
			Amount:      res.Referral,
		})
		if err != nil {
			return err
		}

		if err := tx.PutParticipant(p); err != nil {
			return err
		}
		if err := tx.PutRound(r); err != nil {
			return err
		}
		if err := tx.PutMeta(meta); err != nil {
			return err
		}
		vault = *v
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.PayoutsTotal.WithLabelValues(metrics.PayoutReferral).Add(float64(res.Referral))
	e.publish(nil, vault)
	e.log.Debug("game: referral earnings claimed",
		"round", res.Round,
		"participant", req.Participant,
		"amount", res.Referral)
	return res, nil
}
