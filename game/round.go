package game

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bitfsorg/keyround-go/ledger"
)

// StartRoundRequest starts the next round. Overrides apply to the new round
// only and leave the stored defaults untouched; only the authority may set
// them, naming itself as Caller.
type StartRoundRequest struct {
	Caller    string            `json:"caller,omitempty"`
	Overrides *ledger.Overrides `json:"overrides,omitempty"`
}

// StartNewRound opens the next round, seeded with the previous round's
// carry. The previous round must be settled. An ended round without a prize
// to pay is settled here and its pot moves forward with the carry.
func (e *Engine) StartNewRound(ctx context.Context, req StartRoundRequest) (*ledger.Round, error) {
	return e.startRound(ctx, req, "")
}

func (e *Engine) startRound(ctx context.Context, req StartRoundRequest, nonce string) (*ledger.Round, error) {
	if !req.Overrides.Empty() && (e.authority == "" || req.Caller != e.authority) {
		return nil, fmt.Errorf("%w: %q may not override round parameters", ErrUnauthorized, req.Caller)
	}

	info := &opInfo{name: "start_round", participant: req.Caller, nonce: nonce}
	var (
		next  *ledger.Round
		vault ledger.Vault
	)
	err := e.update(ctx, info, func(tx ledger.Tx, now time.Time) error {
		meta, err := tx.Meta()
		if err != nil {
			return err
		}

		snap := req.Overrides.Apply(e.defaultsFrom(meta))
		if err := snap.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}

		var seed uint64
		number := uint64(1)
		v := &meta.Vault
		if meta.CurrentRound != 0 {
			prev, err := tx.Round(meta.CurrentRound)
			if err != nil {
				return fmt.Errorf("%w: current round %d: %w", ErrInvariant, meta.CurrentRound, err)
			}
			info.round = prev.Number
			if prev.Number == math.MaxUint64 {
				return fmt.Errorf("%w: round number", ErrOverflow)
			}

			if seed, err = e.carryForward(tx, prev, v, now); err != nil {
				return err
			}
			if err := tx.PutRound(prev); err != nil {
				return err
			}
			number = prev.Number + 1
		}

		next = ledger.NewRound(number, snap, now)
		next.PotBalance = seed
		info.round = number

		meta.CurrentRound = number
		if err := checkSolvent(*v); err != nil {
			return err
		}

		err = e.appendEvent(tx, now, ledger.Event{
			Kind:      ledger.EventRoundStarted,
			Round:     number,
			Amount:    seed,
			Secondary: uint64(next.Deadline.Unix()),
		})
		if err != nil {
			return err
		}
		if err := tx.PutRound(next); err != nil {
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

	e.publish(next, vault)
	e.log.Info("game: round started",
		"round", next.Number,
		"seed", next.PotBalance,
		"deadline", next.Deadline)
	return next, nil
}

// carryForward settles prev if needed and returns the seed it passes to the
// next round, moving that amount from the carry liability to the prize
// liability.
func (e *Engine) carryForward(tx ledger.Tx, prev *ledger.Round, v *ledger.Vault, now time.Time) (uint64, error) {
	var s sums
	seed := prev.NextRoundSeed

	switch prev.Phase(now) {
	case ledger.PhaseClaimed:
	case ledger.PhaseEnded:
		if prev.TotalKeys > 0 && prev.PotBalance > 0 {
			return 0, fmt.Errorf("%w: round %d winner has not claimed", ErrGameStillActive, prev.Number)
		}
		// No prize to pay: the pot stays owed, now to the next round.
		if err := e.concludeIfEnded(tx, prev, now); err != nil {
			return 0, err
		}
		prev.WinnerClaimed = true
		s.add(&seed, prev.PotBalance, "seed")
		prev.PotBalance = 0
	default:
		return 0, fmt.Errorf("%w: round %d ends at %s", ErrGameStillActive, prev.Number, prev.Deadline.Format(time.RFC3339))
	}

	s.sub(&v.OwedCarry, prev.NextRoundSeed, "owed carry")
	s.add(&v.OwedPrizes, prev.NextRoundSeed, "owed prizes")
	if s.err != nil {
		return 0, s.err
	}
	prev.SeedCarried = seed
	return seed, nil
}

// defaultsFrom returns the stored defaults, falling back to the engine's.
func (e *Engine) defaultsFrom(meta *ledger.Meta) ledger.Snapshot {
	if meta.Defaults != nil {
		return *meta.Defaults
	}
	return e.defaults
}

// UpdateDefaultsRequest replaces the parameters used by future rounds.
type UpdateDefaultsRequest struct {
	Caller   string          `json:"caller"`
	Snapshot ledger.Snapshot `json:"snapshot"`
}

// UpdateDefaults stores new default round parameters. Only the configured
// authority may call it; running rounds keep their snapshot.
func (e *Engine) UpdateDefaults(ctx context.Context, req UpdateDefaultsRequest) error {
	return e.updateDefaults(ctx, req, "")
}

func (e *Engine) updateDefaults(ctx context.Context, req UpdateDefaultsRequest, nonce string) error {
	if e.authority == "" || req.Caller != e.authority {
		return fmt.Errorf("%w: %q may not update defaults", ErrUnauthorized, req.Caller)
	}

	info := &opInfo{name: "update_defaults", participant: req.Caller, nonce: nonce}
	err := e.update(ctx, info, func(tx ledger.Tx, now time.Time) error {
		if err := req.Snapshot.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		meta, err := tx.Meta()
		if err != nil {
			return err
		}
		snap := req.Snapshot
		meta.Defaults = &snap
		info.round = meta.CurrentRound

		err = e.appendEvent(tx, now, ledger.Event{
			Kind:        ledger.EventDefaultsUpdated,
			Round:       meta.CurrentRound,
			Participant: req.Caller,
		})
		if err != nil {
			return err
		}
		return tx.PutMeta(meta)
	})
	if err != nil {
		return err
	}
	e.log.Info("game: defaults updated", "caller", req.Caller)
	return nil
}
