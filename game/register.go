package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/bitfsorg/keyround-go/dividend"
	"github.com/bitfsorg/keyround-go/ledger"
	"github.com/bitfsorg/keyround-go/pricing"
)

// RegisterRequest registers a participant in the current round.
type RegisterRequest struct {
	Participant string `json:"participant"`
	Referrer    string `json:"referrer,omitempty"`
	Agent       bool   `json:"agent,omitempty"`
}

// RegisterParticipant creates the participant's record in the active round,
// optionally linking a referrer who is already registered in that round.
func (e *Engine) RegisterParticipant(ctx context.Context, req RegisterRequest) (*ledger.Participant, error) {
	return e.register(ctx, req, "")
}

func (e *Engine) register(ctx context.Context, req RegisterRequest, nonce string) (*ledger.Participant, error) {
	if err := validateParticipant(req.Participant); err != nil {
		return nil, err
	}
	if req.Referrer != "" {
		if req.Referrer == req.Participant {
			return nil, ErrCannotReferSelf
		}
		if err := validateParticipant(req.Referrer); err != nil {
			return nil, err
		}
	}

	info := &opInfo{name: "register", participant: req.Participant, nonce: nonce}
	var created *ledger.Participant
	err := e.update(ctx, info, func(tx ledger.Tx, now time.Time) error {
		_, r, err := currentRound(tx)
		if err != nil {
			return err
		}
		info.round = r.Number
		if phase := r.Phase(now); phase != ledger.PhaseActive {
			return fmt.Errorf("%w: round %d is %s", ErrGameNotActive, r.Number, phase)
		}

		existing, err := lookupParticipant(tx, r.Number, req.Participant)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s in round %d", ErrPlayerAlreadyRegistered, req.Participant, r.Number)
		}

		p, err := e.join(tx, r, req.Participant, req.Referrer, now)
		if err != nil {
			return err
		}
		p.Agent = req.Agent

		if err := tx.PutParticipant(p); err != nil {
			return err
		}
		if err := tx.PutRound(r); err != nil {
			return err
		}
		created = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Debug("game: participant registered",
		"round", created.Round,
		"participant", created.ID,
		"referrer", created.Referrer)
	return created, nil
}

// join creates a participant record in r, validating the referrer, and
// journals the registration. The caller writes both records.
func (e *Engine) join(tx ledger.Tx, r *ledger.Round, id, referrer string, now time.Time) (*ledger.Participant, error) {
	if referrer != "" {
		ref, err := lookupParticipant(tx, r.Number, referrer)
		if err != nil {
			return nil, err
		}
		if ref == nil {
			return nil, fmt.Errorf("%w: %s in round %d", ErrReferrerNotRegistered, referrer, r.Number)
		}
	}

	var s sums
	s.add(&r.TotalPlayers, 1, "total players")
	if s.err != nil {
		return nil, s.err
	}

	p := ledger.NewParticipant(r.Number, id, r.Accumulator, now)
	p.Referrer = referrer

	err := e.appendEvent(tx, now, ledger.Event{
		Kind:         ledger.EventParticipantRegistered,
		Round:        r.Number,
		Participant:  id,
		Counterparty: referrer,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// settle moves the dividends p earned since its checkpoint into its
// unclaimed balance and advances the checkpoint to acc.
func settle(p *ledger.Participant, acc sdkmath.Int) error {
	pending, err := dividend.Pending(p.Keys, acc, p.Checkpoint)
	if err != nil {
		return mathError(err)
	}
	var s sums
	s.add(&p.UnclaimedDividends, pending, "unclaimed dividends")
	if s.err != nil {
		return s.err
	}
	p.Checkpoint = acc
	return nil
}

// mathError maps pricing and dividend failures onto the engine taxonomy.
func mathError(err error) error {
	switch {
	case errors.Is(err, pricing.ErrOverflow), errors.Is(err, dividend.ErrOverflow):
		return fmt.Errorf("%w: %w", ErrOverflow, err)
	case errors.Is(err, pricing.ErrNoKeysToBuy):
		return fmt.Errorf("%w: %w", ErrNoKeysToBuy, err)
	case errors.Is(err, dividend.ErrInvalidShares), errors.Is(err, pricing.ErrInvalidBps):
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	default:
		return fmt.Errorf("%w: %w", ErrInvariant, err)
	}
}
