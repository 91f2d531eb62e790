// Package game implements the round and accounting engine: key purchases on
// a bonding curve, pro-rata dividends, referrals, the round timer and claim
// settlement.
//
// Every operation runs inside one ledger.Store.Update transaction. It either
// commits every record it touched together with its journal events, or
// returns a typed error and leaves the ledger unchanged.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/bitfsorg/keyround-go/alert"
	"github.com/bitfsorg/keyround-go/ledger"
	"github.com/bitfsorg/keyround-go/logger"
	"github.com/bitfsorg/keyround-go/metrics"
)

// MaxParticipantIDLen bounds participant identifiers.
const MaxParticipantIDLen = 128

// Config configures an Engine.
type Config struct {
	// Store holds the ledger. Required.
	Store ledger.Store

	// Defaults are the round parameters used until UpdateDefaults stores new ones.
	Defaults ledger.Snapshot

	// Authority is the only participant allowed to update the defaults.
	// Empty disables UpdateDefaults.
	Authority string

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Alerter alert.Alerter
}

// Validate checks the configuration and fills optional fields.
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logger.Discard()
	}
	if c.Alerter == nil {
		c.Alerter = alert.Nop{}
	}
	return nil
}

// Engine applies settlement operations to a ledger. It is safe for
// concurrent use; the store serializes writers.
type Engine struct {
	store     ledger.Store
	defaults  ledger.Snapshot
	authority string
	clock     clockwork.Clock
	log       *slog.Logger
	alerter   alert.Alerter
}

// New creates an Engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		store:     cfg.Store,
		defaults:  cfg.Defaults,
		authority: cfg.Authority,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		alerter:   cfg.Alerter,
	}, nil
}

// Clock returns the engine clock.
func (e *Engine) Clock() clockwork.Clock { return e.clock }

// now returns the engine time at second precision.
func (e *Engine) now() time.Time {
	return e.clock.Now().UTC().Truncate(time.Second)
}

// ---------------------------------------------------------------------------
// Transaction plumbing
// ---------------------------------------------------------------------------

// opInfo identifies an operation for metrics, logs and alerts. The
// transaction body fills in the round once it is known.
type opInfo struct {
	name        string
	participant string
	nonce       string
	round       uint64
}

// update runs fn in one store transaction and records the outcome.
func (e *Engine) update(ctx context.Context, info *opInfo, fn func(tx ledger.Tx, now time.Time) error) error {
	start := time.Now()
	err := e.store.Update(ctx, func(tx ledger.Tx) error {
		if info.nonce != "" {
			if err := tx.UseNonce(info.nonce); err != nil {
				if errors.Is(err, ledger.ErrNonceUsed) {
					return fmt.Errorf("%w: %w", ErrReplayedOperation, err)
				}
				return err
			}
		}
		return fn(tx, e.now())
	})
	metrics.OperationDuration.WithLabelValues(info.name).Observe(time.Since(start).Seconds())
	e.observe(ctx, info, err)
	return err
}

func (e *Engine) observe(ctx context.Context, info *opInfo, err error) {
	switch {
	case err == nil:
		metrics.OperationsTotal.WithLabelValues(info.name, "ok").Inc()
	case IsInvariantViolation(err):
		metrics.OperationsTotal.WithLabelValues(info.name, "invariant").Inc()
		metrics.InvariantViolationsTotal.WithLabelValues(info.name).Inc()
		e.log.Error("game: invariant violation",
			"op", info.name,
			"round", info.round,
			"participant", info.participant,
			"error", err)
		e.alerter.Alert(ctx, alert.Alert{
			Op:          info.name,
			Round:       info.round,
			Participant: info.participant,
			Err:         err,
		})
	default:
		metrics.OperationsTotal.WithLabelValues(info.name, "rejected").Inc()
		e.log.Debug("game: operation rejected",
			"op", info.name,
			"round", info.round,
			"participant", info.participant,
			"error", err)
	}
}

// publish refreshes the state gauges after a commit.
func (e *Engine) publish(r *ledger.Round, v ledger.Vault) {
	if r != nil {
		metrics.CurrentRound.Set(float64(r.Number))
		metrics.PotBalance.Set(float64(r.PotBalance))
	}
	metrics.VaultBalance.Set(float64(v.Balance))
}

// ---------------------------------------------------------------------------
// Ledger helpers
// ---------------------------------------------------------------------------

func validateParticipant(id string) error {
	if id == "" || len(id) > MaxParticipantIDLen {
		return fmt.Errorf("%w: %q", ErrInvalidParticipant, id)
	}
	return nil
}

// currentRound loads the meta record and the round it points at.
func currentRound(tx ledger.Tx) (*ledger.Meta, *ledger.Round, error) {
	meta, err := tx.Meta()
	if err != nil {
		return nil, nil, err
	}
	if meta.CurrentRound == 0 {
		return meta, nil, ErrGameNotActive
	}
	r, err := tx.Round(meta.CurrentRound)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: current round %d: %w", ErrInvariant, meta.CurrentRound, err)
	}
	return meta, r, nil
}

// loadRound returns the round numbered n, or the current round when n is zero.
func loadRound(tx ledger.Tx, n uint64) (*ledger.Meta, *ledger.Round, error) {
	if n == 0 {
		return currentRound(tx)
	}
	meta, err := tx.Meta()
	if err != nil {
		return nil, nil, err
	}
	r, err := tx.Round(n)
	if errors.Is(err, ledger.ErrRoundNotFound) {
		return nil, nil, fmt.Errorf("%w: %d", ErrRoundNotFound, n)
	}
	if err != nil {
		return nil, nil, err
	}
	return meta, r, nil
}

// lookupParticipant returns the participant record or nil if absent.
func lookupParticipant(tx ledger.Tx, round uint64, id string) (*ledger.Participant, error) {
	p, err := tx.Participant(round, id)
	if errors.Is(err, ledger.ErrParticipantNotFound) {
		return nil, nil
	}
	return p, err
}

func (e *Engine) appendEvent(tx ledger.Tx, now time.Time, ev ledger.Event) error {
	ev.ID = uuid.NewString()
	ev.At = now
	if err := tx.AppendEvent(&ev); err != nil {
		return fmt.Errorf("game: append %s event: %w", ev.Kind, err)
	}
	return nil
}

// concludeIfEnded journals the end of r the first time a committed operation
// observes it expired.
func (e *Engine) concludeIfEnded(tx ledger.Tx, r *ledger.Round, now time.Time) error {
	if r.Concluded || now.Before(r.Deadline) {
		return nil
	}
	r.Concluded = true
	winner := r.LastBuyer
	if r.TotalKeys == 0 {
		winner = ""
	}
	return e.appendEvent(tx, now, ledger.Event{
		Kind:        ledger.EventRoundConcluded,
		Round:       r.Number,
		Participant: winner,
		Keys:        r.TotalKeys,
		Amount:      r.PotBalance,
		Secondary:   r.NextRoundSeed,
	})
}

// ---------------------------------------------------------------------------
// Checked arithmetic
// ---------------------------------------------------------------------------

// sums applies a series of checked uint64 updates, keeping the first failure.
type sums struct {
	err error
}

func (s *sums) add(dst *uint64, v uint64, what string) {
	if s.err != nil {
		return
	}
	next := *dst + v
	if next < *dst {
		s.err = fmt.Errorf("%w: %s", ErrOverflow, what)
		return
	}
	*dst = next
}

// sub removes v from a liability. Removing more than is recorded means the
// books no longer cover the payout.
func (s *sums) sub(dst *uint64, v uint64, what string) {
	if s.err != nil {
		return
	}
	if *dst < v {
		s.err = fmt.Errorf("%w: %s: %d below %d", ErrInsolvent, what, *dst, v)
		return
	}
	*dst -= v
}

// debit pays amount out of the vault against the liability owed. The solvency
// invariant is checked before the balance moves.
func debit(v *ledger.Vault, owed *uint64, amount uint64, what string) error {
	if !v.Solvent() {
		owedTotal, _ := v.Liabilities()
		return fmt.Errorf("%w: balance %d below liabilities %d before %s payout",
			ErrInsolvent, v.Balance, owedTotal, what)
	}
	if v.Balance < amount {
		return fmt.Errorf("%w: balance %d below %s payout %d", ErrInsolvent, v.Balance, what, amount)
	}
	var s sums
	s.sub(owed, amount, what+" liability")
	s.sub(&v.Balance, amount, "vault balance")
	s.add(&v.TotalPaidOut, amount, "total paid out")
	return s.err
}

// checkSolvent verifies the vault still covers every liability.
func checkSolvent(v ledger.Vault) error {
	if v.Solvent() {
		return nil
	}
	owed, _ := v.Liabilities()
	return fmt.Errorf("%w: balance %d below liabilities %d", ErrInsolvent, v.Balance, owed)
}
