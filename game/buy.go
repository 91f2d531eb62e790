package game

import (
	"context"
	"fmt"
	"time"

	"github.com/bitfsorg/keyround-go/dividend"
	"github.com/bitfsorg/keyround-go/ledger"
	"github.com/bitfsorg/keyround-go/metrics"
	"github.com/bitfsorg/keyround-go/pricing"
)

// BuyRequest buys keys in the current round.
type BuyRequest struct {
	Buyer string `json:"buyer"`
	Keys  uint64 `json:"keys"`

	// Referrer, when set, must match the buyer's referrer on record. On the
	// buyer's first interaction it becomes that record.
	Referrer string `json:"referrer,omitempty"`

	// Budget is the most the buyer can pay.
	Budget uint64 `json:"budget"`

	Agent bool `json:"agent,omitempty"`
}

// BuyResult describes a committed purchase.
type BuyResult struct {
	Round       uint64              `json:"round"`
	Keys        uint64              `json:"keys"`
	Cost        uint64              `json:"cost"`
	Split       dividend.Split      `json:"split"`
	Distributed bool                `json:"distributed"`
	Credited    bool                `json:"credited"`
	Deadline    time.Time           `json:"deadline"`
	Participant *ledger.Participant `json:"participant"`
}

// BuyKeys charges the buyer for req.Keys keys on the round's curve and fans
// the cost out to the pot, existing key holders, the referrer, the next
// round and the protocol.
func (e *Engine) BuyKeys(ctx context.Context, req BuyRequest) (*BuyResult, error) {
	return e.buy(ctx, req, "")
}

func (e *Engine) buy(ctx context.Context, req BuyRequest, nonce string) (*BuyResult, error) {
	if err := validateParticipant(req.Buyer); err != nil {
		return nil, err
	}
	if req.Keys == 0 {
		return nil, ErrNoKeysToBuy
	}
	if req.Referrer != "" {
		if req.Referrer == req.Buyer {
			return nil, ErrCannotReferSelf
		}
		if err := validateParticipant(req.Referrer); err != nil {
			return nil, err
		}
	}

	info := &opInfo{name: "buy", participant: req.Buyer, nonce: nonce}
	var (
		res   *BuyResult
		round *ledger.Round
		vault ledger.Vault
	)
	err := e.update(ctx, info, func(tx ledger.Tx, now time.Time) error {
		meta, r, err := currentRound(tx)
		if err != nil {
			return err
		}
		info.round = r.Number

		switch r.Phase(now) {
		case ledger.PhaseActive:
		case ledger.PhaseEnded:
			return fmt.Errorf("%w: round %d ended at %s", ErrTimerExpired, r.Number, r.Deadline.Format(time.RFC3339))
		default:
			return fmt.Errorf("%w: round %d is settled", ErrGameNotActive, r.Number)
		}
		deadline := r.Deadline

		buyer, referrer, err := e.resolveBuyer(tx, r, req, now)
		if err != nil {
			return err
		}

		snap := r.Snapshot
		cost, err := pricing.Cost(r.TotalKeys, req.Keys, snap.PriceBase, snap.PriceIncrement)
		if err != nil {
			return mathError(err)
		}
		if req.Budget < cost {
			return fmt.Errorf("%w: cost %d exceeds budget %d", ErrInsufficientFunds, cost, req.Budget)
		}

		split, err := dividend.SplitPurchase(cost, snap.Shares(), buyer.Referrer != "")
		if err != nil {
			return mathError(err)
		}

		res = &BuyResult{Round: r.Number, Keys: req.Keys, Cost: cost, Split: split}
		v := &meta.Vault
		var s sums

		// Dividends go to keys held before this purchase.
		if keysBefore := r.TotalKeys; keysBefore > 0 {
			acc, err := dividend.Accrue(r.Accumulator, split.Effective, keysBefore)
			if err != nil {
				return mathError(err)
			}
			r.Accumulator = acc
			s.add(&r.DividendsDistributed, split.Effective, "dividends distributed")
			s.add(&v.OwedDividends, split.Effective, "owed dividends")
			res.Distributed = true
		} else {
			s.add(&r.NextRoundSeed, split.Effective, "next round seed")
			s.add(&v.OwedCarry, split.Effective, "owed carry")
		}

		if split.Referral > 0 {
			if referrer != nil {
				s.add(&referrer.UnclaimedReferral, split.Referral, "unclaimed referral")
				s.add(&r.ReferralCredited, split.Referral, "referral credited")
				s.add(&v.OwedReferrals, split.Referral, "owed referrals")
				res.Credited = true
			} else {
				s.add(&r.ReferralUncredited, split.Referral, "referral uncredited")
			}
		}

		s.add(&r.PotBalance, split.Pot, "pot balance")
		s.add(&v.OwedPrizes, split.Pot, "owed prizes")
		s.add(&r.NextRoundSeed, split.Carry, "next round seed")
		s.add(&v.OwedCarry, split.Carry, "owed carry")
		s.add(&r.ProtocolFees, split.Fee, "protocol fees")
		s.add(&v.TotalFees, split.Fee, "total fees")
		s.add(&v.Balance, cost-split.Fee, "vault balance")
		s.add(&v.TotalIn, cost-split.Fee, "vault total in")
		s.add(&r.TotalSpent, cost, "total spent")
		if s.err != nil {
			return s.err
		}

		// Existing keys earn from this purchase; the new keys start at the
		// updated accumulator.
		if err := settle(buyer, r.Accumulator); err != nil {
			return err
		}
		s.add(&buyer.Keys, req.Keys, "participant keys")
		s.add(&r.TotalKeys, req.Keys, "total keys")
		if s.err != nil {
			return s.err
		}
		buyer.Agent = buyer.Agent || req.Agent

		r.LastBuyer = req.Buyer
		r.Deadline = pricing.NextDeadline(now, r.Deadline, r.StartedAt, snap.TimerIncrement, snap.TimerCap)
		res.Deadline = r.Deadline

		if err := checkSolvent(*v); err != nil {
			return err
		}

		if err := e.journalPurchase(tx, now, r, buyer, res); err != nil {
			return err
		}

		// The purchase must not land after the deadline it was validated against.
		if !e.now().Before(deadline) {
			return fmt.Errorf("%w: round %d expired during purchase", ErrTimerExpired, r.Number)
		}

		if err := tx.PutParticipant(buyer); err != nil {
			return err
		}
		if referrer != nil {
			if err := tx.PutParticipant(referrer); err != nil {
				return err
			}
		}
		if err := tx.PutRound(r); err != nil {
			return err
		}
		if err := tx.PutMeta(meta); err != nil {
			return err
		}

		res.Participant = buyer
		round, vault = r, *v
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.KeysSoldTotal.Add(float64(res.Keys))
	metrics.VolumeTotal.Add(float64(res.Cost))
	e.publish(round, vault)
	e.log.Debug("game: keys purchased",
		"round", res.Round,
		"buyer", req.Buyer,
		"keys", res.Keys,
		"cost", res.Cost,
		"deadline", res.Deadline)
	return res, nil
}

// resolveBuyer loads or creates the buyer's record and, when the request
// names the referrer on record, the referrer's record for crediting.
func (e *Engine) resolveBuyer(tx ledger.Tx, r *ledger.Round, req BuyRequest, now time.Time) (buyer, referrer *ledger.Participant, err error) {
	buyer, err = lookupParticipant(tx, r.Number, req.Buyer)
	if err != nil {
		return nil, nil, err
	}

	if buyer == nil {
		buyer, err = e.join(tx, r, req.Buyer, req.Referrer, now)
		if err != nil {
			return nil, nil, err
		}
	} else if req.Referrer != "" && req.Referrer != buyer.Referrer {
		return nil, nil, fmt.Errorf("%w: supplied %q, recorded %q", ErrReferrerMismatch, req.Referrer, buyer.Referrer)
	}

	if req.Referrer != "" {
		referrer, err = lookupParticipant(tx, r.Number, req.Referrer)
		if err != nil {
			return nil, nil, err
		}
		if referrer == nil {
			return nil, nil, fmt.Errorf("%w: %s in round %d", ErrReferrerNotRegistered, req.Referrer, r.Number)
		}
	}
	return buyer, referrer, nil
}

func (e *Engine) journalPurchase(tx ledger.Tx, now time.Time, r *ledger.Round, buyer *ledger.Participant, res *BuyResult) error {
	err := e.appendEvent(tx, now, ledger.Event{
		Kind:         ledger.EventKeysPurchased,
		Round:        r.Number,
		Participant:  buyer.ID,
		Counterparty: buyer.Referrer,
		Keys:         res.Keys,
		Amount:       res.Cost,
		Secondary:    r.TotalKeys,
	})
	if err != nil {
		return err
	}
	if res.Credited {
		err = e.appendEvent(tx, now, ledger.Event{
			Kind:         ledger.EventReferralEarned,
			Round:        r.Number,
			Participant:  buyer.Referrer,
			Counterparty: buyer.ID,
			Amount:       res.Split.Referral,
		})
		if err != nil {
			return err
		}
	}
	if res.Split.Fee > 0 {
		return e.appendEvent(tx, now, ledger.Event{
			Kind:         ledger.EventProtocolFeeCollected,
			Round:        r.Number,
			Participant:  r.Snapshot.ProtocolWallet,
			Counterparty: buyer.ID,
			Amount:       res.Split.Fee,
		})
	}
	return nil
}
