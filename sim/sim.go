// Package sim drives a game engine with concurrent simulated buyers and
// settles the round they play.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bitfsorg/keyround-go/game"
	"github.com/bitfsorg/keyround-go/ledger"
	"github.com/bitfsorg/keyround-go/logger"
)

// Options configures a run.
type Options struct {
	// Bots is the number of concurrent buyers.
	Bots int

	// Purchases caps the purchases each bot attempts.
	Purchases int

	// MaxKeys bounds the keys bought per purchase; each bot draws 1..MaxKeys.
	MaxKeys uint64

	// Rate paces each bot. Zero means unlimited.
	Rate  rate.Limit
	Burst int

	// Step advances a fake engine clock after every purchase. Ignored for
	// real clocks.
	Step time.Duration

	// Referrals links every bot after the first to an earlier bot.
	Referrals bool

	// Seed makes key draws reproducible.
	Seed uint64

	Logger *slog.Logger
}

// Validate checks the options and fills defaults.
func (o *Options) Validate() error {
	if o.Bots <= 0 {
		return fmt.Errorf("%w: bots must be positive", ErrInvalidOptions)
	}
	if o.Purchases <= 0 {
		return fmt.Errorf("%w: purchases must be positive", ErrInvalidOptions)
	}
	if o.MaxKeys == 0 {
		o.MaxKeys = 1
	}
	if o.Rate == 0 {
		o.Rate = rate.Inf
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	if o.Step < 0 {
		return fmt.Errorf("%w: negative step", ErrInvalidOptions)
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	return nil
}

// Report summarizes a finished run.
type Report struct {
	Round         uint64        `json:"round"`
	Bots          int           `json:"bots"`
	Purchases     int           `json:"purchases"`
	Keys          uint64        `json:"keys"`
	Spent         uint64        `json:"spent"`
	Winner        string        `json:"winner,omitempty"`
	Prize         uint64        `json:"prize"`
	DividendsPaid uint64        `json:"dividends_paid"`
	ReferralsPaid uint64        `json:"referrals_paid"`
	Dust          uint64        `json:"dust"`
	Elapsed       time.Duration `json:"elapsed"`
}

// BotID returns the participant id of bot i.
func BotID(i int) string {
	return fmt.Sprintf("bot-%03d", i)
}

// Run plays one round: it joins the active round or starts a new one, lets
// the bots buy until their quota is spent or the timer expires, waits out
// the timer, pays the winner and every bot's earnings, and audits the ledger.
func Run(ctx context.Context, e *game.Engine, opts Options) (*Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()
	log := opts.Logger

	round, err := joinOrStart(ctx, e)
	if err != nil {
		return nil, err
	}
	log.Info("sim: round joined", "round", round, "bots", opts.Bots)

	if err := registerBots(ctx, e, opts); err != nil {
		return nil, err
	}

	rep := &Report{Round: round, Bots: opts.Bots}
	if err := buyLoop(ctx, e, opts, rep); err != nil {
		return nil, err
	}

	if err := waitForDeadline(ctx, e, round); err != nil {
		return nil, err
	}
	if err := settle(ctx, e, opts, rep); err != nil {
		return nil, err
	}

	audit, err := e.Audit(ctx)
	if err != nil {
		return nil, err
	}
	rep.Dust = audit.Dust
	rep.Elapsed = time.Since(started)

	log.Info("sim: round settled",
		"round", rep.Round,
		"purchases", rep.Purchases,
		"keys", rep.Keys,
		"winner", rep.Winner,
		"prize", rep.Prize)
	return rep, nil
}

// joinOrStart returns the round the bots play in, starting one when the
// current round is settled or missing.
func joinOrStart(ctx context.Context, e *game.Engine) (uint64, error) {
	r, err := e.StartNewRound(ctx, game.StartRoundRequest{})
	if err == nil {
		return r.Number, nil
	}
	if !errors.Is(err, game.ErrGameStillActive) {
		return 0, err
	}

	st, serr := e.Status(ctx)
	if serr != nil {
		return 0, serr
	}
	if st.Phase != ledger.PhaseActive.String() {
		return 0, fmt.Errorf("%w: round %d is %s: %w", ErrRoundBusy, st.Round, st.Phase, err)
	}
	return st.Round, nil
}

// referrerOf returns the referrer of bot i, a binary tree rooted at bot 0.
func referrerOf(i int, opts Options) string {
	if !opts.Referrals || i == 0 {
		return ""
	}
	return BotID((i - 1) / 2)
}

// registerBots registers the bots in order so every referrer exists first.
// Bots already registered in a joined round are kept.
func registerBots(ctx context.Context, e *game.Engine, opts Options) error {
	for i := range opts.Bots {
		_, err := e.RegisterParticipant(ctx, game.RegisterRequest{
			Participant: BotID(i),
			Referrer:    referrerOf(i, opts),
			Agent:       true,
		})
		if err != nil && !errors.Is(err, game.ErrPlayerAlreadyRegistered) {
			return fmt.Errorf("sim: register %s: %w", BotID(i), err)
		}
	}
	return nil
}

func buyLoop(ctx context.Context, e *game.Engine, opts Options, rep *Report) error {
	fake, _ := e.Clock().(*clockwork.FakeClock)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i := range opts.Bots {
		g.Go(func() error {
			limiter := rate.NewLimiter(opts.Rate, opts.Burst)
			rng := rand.New(rand.NewPCG(opts.Seed, uint64(i)))
			id, referrer := BotID(i), referrerOf(i, opts)

			for range opts.Purchases {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				res, err := e.BuyKeys(gctx, game.BuyRequest{
					Buyer:    id,
					Keys:     1 + rng.Uint64N(opts.MaxKeys),
					Referrer: referrer,
					Budget:   math.MaxUint64,
					Agent:    true,
				})
				if errors.Is(err, game.ErrTimerExpired) || errors.Is(err, game.ErrGameNotActive) {
					return nil
				}
				if err != nil {
					return fmt.Errorf("sim: %s buy: %w", id, err)
				}

				mu.Lock()
				rep.Purchases++
				rep.Keys += res.Keys
				rep.Spent += res.Cost
				mu.Unlock()

				if fake != nil && opts.Step > 0 {
					fake.Advance(opts.Step)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// waitForDeadline blocks until the round's timer has run out. A fake clock
// is advanced instead.
func waitForDeadline(ctx context.Context, e *game.Engine, round uint64) error {
	r, err := e.Round(ctx, round)
	if err != nil {
		return err
	}
	clock := e.Clock()
	left := r.Deadline.Sub(clock.Now())
	if left <= 0 {
		return nil
	}
	// The engine works in whole seconds.
	left += time.Second

	if fake, ok := clock.(*clockwork.FakeClock); ok {
		fake.Advance(left)
		return nil
	}
	select {
	case <-clock.After(left):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle pays the winner, then every bot's dividends and referral earnings.
func settle(ctx context.Context, e *game.Engine, opts Options, rep *Report) error {
	r, err := e.Round(ctx, rep.Round)
	if err != nil {
		return err
	}
	rep.Winner = r.LastBuyer
	if rep.Winner != "" {
		res, err := e.Claim(ctx, game.ClaimRequest{Participant: rep.Winner, Round: rep.Round})
		if err != nil && !errors.Is(err, game.ErrNothingToClaim) {
			return fmt.Errorf("sim: winner claim: %w", err)
		}
		if res != nil {
			rep.Prize = res.Prize
			rep.DividendsPaid += res.Dividends
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i := range opts.Bots {
		g.Go(func() error {
			req := game.ClaimRequest{Participant: BotID(i), Round: rep.Round}

			div, err := e.Claim(gctx, req)
			if err != nil && !errors.Is(err, game.ErrNothingToClaim) {
				return fmt.Errorf("sim: %s claim: %w", req.Participant, err)
			}
			ref, err := e.ClaimReferralEarnings(gctx, req)
			if err != nil && !errors.Is(err, game.ErrNoReferralEarnings) {
				return fmt.Errorf("sim: %s referral claim: %w", req.Participant, err)
			}

			mu.Lock()
			defer mu.Unlock()
			if div != nil {
				rep.DividendsPaid += div.Dividends
			}
			if ref != nil {
				rep.ReferralsPaid += ref.Referral
			}
			return nil
		})
	}
	return g.Wait()
}
