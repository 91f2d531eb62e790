package game

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bitfsorg/keyround-go/dividend"
	"github.com/bitfsorg/keyround-go/ledger"
	"github.com/bitfsorg/keyround-go/pricing"
)

// Status summarizes the current round for pollers.
type Status struct {
	Round         uint64        `json:"round"`
	Phase         string        `json:"phase"`
	PotBalance    uint64        `json:"pot_balance"`
	TotalKeys     uint64        `json:"total_keys"`
	TotalPlayers  uint64        `json:"total_players"`
	NextKeyPrice  uint64        `json:"next_key_price"`
	Deadline      time.Time     `json:"deadline"`
	TimeLeft      time.Duration `json:"time_left"`
	LastBuyer     string        `json:"last_buyer,omitempty"`
	NextRoundSeed uint64        `json:"next_round_seed"`
}

// ParticipantView is a participant record with its live balances.
type ParticipantView struct {
	*ledger.Participant

	// PendingDividends have accrued since the last settlement.
	PendingDividends uint64 `json:"pending_dividends"`

	// ClaimableDividends is UnclaimedDividends plus PendingDividends.
	ClaimableDividends uint64 `json:"claimable_dividends"`

	// ClaimablePrize is the winner pot when the participant can claim it now.
	ClaimablePrize uint64 `json:"claimable_prize"`
}

// Status returns the state of the current round. Before the first round it
// reports the waiting phase.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	var st *Status
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		_, r, err := currentRound(tx)
		if errors.Is(err, ErrGameNotActive) {
			st = &Status{Phase: ledger.PhaseWaiting.String()}
			return nil
		}
		if err != nil {
			return err
		}

		now := e.now()
		price, err := pricing.Price(r.TotalKeys, r.Snapshot.PriceBase, r.Snapshot.PriceIncrement)
		if err != nil {
			return mathError(err)
		}
		st = &Status{
			Round:         r.Number,
			Phase:         r.Phase(now).String(),
			PotBalance:    r.PotBalance,
			TotalKeys:     r.TotalKeys,
			TotalPlayers:  r.TotalPlayers,
			NextKeyPrice:  price,
			Deadline:      r.Deadline,
			LastBuyer:     r.LastBuyer,
			NextRoundSeed: r.NextRoundSeed,
		}
		if left := r.Deadline.Sub(now); left > 0 {
			st.TimeLeft = left
		}
		return nil
	})
	return st, err
}

// Quote returns the cost of buying keys in the current round.
func (e *Engine) Quote(ctx context.Context, keys uint64) (uint64, error) {
	var cost uint64
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		_, r, err := currentRound(tx)
		if err != nil {
			return err
		}
		cost, err = pricing.Cost(r.TotalKeys, keys, r.Snapshot.PriceBase, r.Snapshot.PriceIncrement)
		if err != nil {
			return mathError(err)
		}
		return nil
	})
	return cost, err
}

// Round returns round n, or the current round when n is zero.
func (e *Engine) Round(ctx context.Context, n uint64) (*ledger.Round, error) {
	var r *ledger.Round
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		_, r, err = loadRound(tx, n)
		return err
	})
	return r, err
}

// Participant returns the participant's record in round (zero means the
// current round) with its live balances.
func (e *Engine) Participant(ctx context.Context, round uint64, id string) (*ParticipantView, error) {
	var view *ParticipantView
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		_, r, err := loadRound(tx, round)
		if err != nil {
			return err
		}
		p, err := lookupParticipant(tx, r.Number, id)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("%w: %s in round %d", ErrParticipantNotFound, id, r.Number)
		}

		pending, err := dividend.Pending(p.Keys, r.Accumulator, p.Checkpoint)
		if err != nil {
			return mathError(err)
		}
		view = &ParticipantView{
			Participant:        p,
			PendingDividends:   pending,
			ClaimableDividends: p.UnclaimedDividends + pending,
		}
		if p.ID == r.LastBuyer && r.Phase(e.now()) == ledger.PhaseEnded {
			view.ClaimablePrize = r.PotBalance
		}
		return nil
	})
	return view, err
}

// Leaderboard returns up to limit participants of round (zero means the
// current round) ordered by keys descending, then id. A limit of zero or
// less returns everyone.
func (e *Engine) Leaderboard(ctx context.Context, round uint64, limit int) ([]*ledger.Participant, error) {
	var out []*ledger.Participant
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		_, r, err := loadRound(tx, round)
		if err != nil {
			return err
		}
		out, err = tx.Participants(r.Number)
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Keys != out[j].Keys {
			return out[i].Keys > out[j].Keys
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Events pages the journal: up to limit events with Seq greater than after.
func (e *Engine) Events(ctx context.Context, after uint64, limit int) ([]*ledger.Event, error) {
	var out []*ledger.Event
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		out, err = tx.Events(after, limit)
		return err
	})
	return out, err
}

// Vault returns the custody vault.
func (e *Engine) Vault(ctx context.Context) (ledger.Vault, error) {
	var v ledger.Vault
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		meta, err := tx.Meta()
		if err != nil {
			return err
		}
		v = meta.Vault
		return nil
	})
	return v, err
}

// Defaults returns the parameters the next round will start with.
func (e *Engine) Defaults(ctx context.Context) (ledger.Snapshot, error) {
	var snap ledger.Snapshot
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		meta, err := tx.Meta()
		if err != nil {
			return err
		}
		snap = e.defaultsFrom(meta)
		return nil
	})
	return snap, err
}
