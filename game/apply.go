package game

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bitfsorg/keyround-go/ledger"
	"github.com/bitfsorg/keyround-go/wallet"
)

// OpKind names a settlement operation.
type OpKind string

// Operation kinds.
const (
	OpRegister       OpKind = "register"
	OpBuy            OpKind = "buy"
	OpClaim          OpKind = "claim"
	OpClaimReferral  OpKind = "claim_referral"
	OpStartRound     OpKind = "start_round"
	OpUpdateDefaults OpKind = "update_defaults"
)

// Operation is a tagged union of the settlement requests. Exactly the field
// matching Kind is read.
type Operation struct {
	Kind OpKind `json:"kind"`

	Register       *RegisterRequest       `json:"register,omitempty"`
	Buy            *BuyRequest            `json:"buy,omitempty"`
	Claim          *ClaimRequest          `json:"claim,omitempty"`
	ClaimReferral  *ClaimRequest          `json:"claim_referral,omitempty"`
	StartRound     *StartRoundRequest     `json:"start_round,omitempty"`
	UpdateDefaults *UpdateDefaultsRequest `json:"update_defaults,omitempty"`
}

// Actor returns the participant the operation acts for. Starting a round
// acts for its caller, which is empty unless the round overrides parameters.
func (op *Operation) Actor() (string, error) {
	switch op.Kind {
	case OpRegister:
		if op.Register != nil {
			return op.Register.Participant, nil
		}
	case OpBuy:
		if op.Buy != nil {
			return op.Buy.Buyer, nil
		}
	case OpClaim:
		if op.Claim != nil {
			return op.Claim.Participant, nil
		}
	case OpClaimReferral:
		if op.ClaimReferral != nil {
			return op.ClaimReferral.Participant, nil
		}
	case OpStartRound:
		if op.StartRound != nil {
			return op.StartRound.Caller, nil
		}
		return "", nil
	case OpUpdateDefaults:
		if op.UpdateDefaults != nil {
			return op.UpdateDefaults.Caller, nil
		}
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	return "", fmt.Errorf("%w: %s without request body", ErrInvalidOperation, op.Kind)
}

// Result is the outcome of an applied Operation. Only the field matching
// Kind is set.
type Result struct {
	Kind        OpKind              `json:"kind"`
	Participant *ledger.Participant `json:"participant,omitempty"`
	Buy         *BuyResult          `json:"buy,omitempty"`
	Claim       *ClaimResult        `json:"claim,omitempty"`
	Round       *ledger.Round       `json:"round,omitempty"`
}

// Apply dispatches op to the matching settlement operation.
func (e *Engine) Apply(ctx context.Context, op Operation) (*Result, error) {
	return e.apply(ctx, op, "")
}

func (e *Engine) apply(ctx context.Context, op Operation, nonce string) (*Result, error) {
	if _, err := op.Actor(); err != nil {
		return nil, err
	}

	res := &Result{Kind: op.Kind}
	var err error
	switch op.Kind {
	case OpRegister:
		res.Participant, err = e.register(ctx, *op.Register, nonce)
	case OpBuy:
		res.Buy, err = e.buy(ctx, *op.Buy, nonce)
	case OpClaim:
		res.Claim, err = e.claim(ctx, *op.Claim, nonce)
	case OpClaimReferral:
		res.Claim, err = e.claimReferral(ctx, *op.ClaimReferral, nonce)
	case OpStartRound:
		var req StartRoundRequest
		if op.StartRound != nil {
			req = *op.StartRound
		}
		res.Round, err = e.startRound(ctx, req, nonce)
	case OpUpdateDefaults:
		err = e.updateDefaults(ctx, *op.UpdateDefaults, nonce)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Submit verifies a signed operation and applies it. The signer must be the
// operation's actor, and the envelope nonce is consumed in the same commit
// so the envelope cannot be replayed.
func (e *Engine) Submit(ctx context.Context, env *wallet.Envelope) (*Result, error) {
	payload, signer, err := wallet.Open(env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	var op Operation
	if err := json.Unmarshal(payload, &op); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOperation, err)
	}
	actor, err := op.Actor()
	if err != nil {
		return nil, err
	}
	if actor != "" && actor != signer {
		return nil, fmt.Errorf("%w: signed by %s, acts for %s", ErrUnauthorized, signer, actor)
	}
	return e.apply(ctx, op, env.Nonce)
}

// SealOperation encodes op and signs it with id.
func SealOperation(id *wallet.Identity, op Operation) (*wallet.Envelope, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("game: encode operation: %w", err)
	}
	return wallet.Seal(id, payload)
}
