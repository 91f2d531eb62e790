package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/bitfsorg/keyround-go/alert"
	"github.com/bitfsorg/keyround-go/config"
	"github.com/bitfsorg/keyround-go/game"
	"github.com/bitfsorg/keyround-go/ledger"
	"github.com/bitfsorg/keyround-go/sim"
	"github.com/bitfsorg/keyround-go/wallet"
)

// subFlags returns a flag set for a subcommand.
func subFlags(name string) *flag.FlagSet {
	return flag.NewFlagSet("keyround "+name, flag.ContinueOnError)
}

func (a *app) requirePassword() error {
	if a.password == "" {
		return errors.New("wallet password required (--password or KEYROUND_PASSWORD)")
	}
	return nil
}

// openWallet decrypts the seed and loads the identity state.
func (a *app) openWallet() (*wallet.Wallet, *wallet.State, error) {
	if err := a.requirePassword(); err != nil {
		return nil, nil, err
	}
	seed, err := wallet.LoadSeed(a.cfg.DataDir, a.password)
	if err != nil {
		return nil, nil, fmt.Errorf("load seed: %w", err)
	}
	w, err := wallet.NewWallet(seed, a.cfg.Network)
	if err != nil {
		return nil, nil, err
	}
	state, err := wallet.LoadState(a.cfg.DataDir, a.cfg.Network)
	if err != nil {
		return nil, nil, err
	}
	return w, state, nil
}

// signer resolves the identity for name; "authority" selects the
// authority key.
func (a *app) signer(name string) (*wallet.Identity, error) {
	w, state, err := a.openWallet()
	if err != nil {
		return nil, err
	}
	if name == "authority" {
		return w.DeriveAuthority()
	}
	return w.Identity(state, name)
}

// submit signs op as name and applies it.
func (a *app) submit(ctx context.Context, name string, build func(id string) game.Operation) error {
	id, err := a.signer(name)
	if err != nil {
		return err
	}
	env, err := game.SealOperation(id, build(id.ID))
	if err != nil {
		return err
	}
	res, err := a.engine.Submit(ctx, env)
	if err != nil {
		return err
	}
	return a.print(res)
}

func (a *app) cmdInit(args []string) error {
	fs := subFlags("init")
	words := fs.Int("words", 12, "mnemonic length (12 or 24)")
	mnemonic := fs.String("mnemonic", "", "restore from an existing mnemonic instead of generating one")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.requirePassword(); err != nil {
		return err
	}
	if _, err := os.Stat(config.ConfigPath(a.cfg.DataDir)); err == nil {
		return fmt.Errorf("already initialized: %s exists", config.ConfigPath(a.cfg.DataDir))
	}

	phrase := *mnemonic
	if phrase == "" {
		bits := wallet.Mnemonic12Words
		if *words == 24 {
			bits = wallet.Mnemonic24Words
		}
		var err error
		if phrase, err = wallet.GenerateMnemonic(bits); err != nil {
			return err
		}
	}
	seed, err := wallet.SeedFromMnemonic(phrase, "")
	if err != nil {
		return err
	}
	w, err := wallet.NewWallet(seed, a.cfg.Network)
	if err != nil {
		return err
	}
	authority, err := w.DeriveAuthority()
	if err != nil {
		return err
	}

	if err := wallet.SaveSeed(a.cfg.DataDir, seed, a.password); err != nil {
		return err
	}
	if err := wallet.SaveState(a.cfg.DataDir, wallet.NewState(a.cfg.Network)); err != nil {
		return err
	}
	a.cfg.Authority = authority.ID
	if err := config.SaveConfig(config.ConfigPath(a.cfg.DataDir), a.cfg); err != nil {
		return err
	}

	a.log.Info("initialized", "datadir", a.cfg.DataDir, "authority", authority.ID)
	return a.print(map[string]string{
		"mnemonic":  phrase,
		"authority": authority.ID,
		"datadir":   a.cfg.DataDir,
	})
}

func (a *app) cmdIdentity(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: keyround identity new <name> | list")
	}
	w, state, err := a.openWallet()
	if err != nil {
		return err
	}
	switch args[0] {
	case "new":
		if len(args) != 2 {
			return errors.New("usage: keyround identity new <name>")
		}
		id, err := w.CreateIdentity(state, args[1])
		if err != nil {
			return err
		}
		if err := wallet.SaveState(a.cfg.DataDir, state); err != nil {
			return err
		}
		return a.print(id)
	case "list":
		return a.print(state.Accounts)
	default:
		return fmt.Errorf("unknown identity command %q", args[0])
	}
}

func (a *app) cmdRound(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "start" {
		return errors.New("usage: keyround round start [flags]")
	}
	fs := subFlags("round start")
	as := fs.String("as", "authority", "identity that signs the request")
	timerIncrement := fs.Duration("timer-increment", 0, "override the timer increment for this round")
	timerCap := fs.Duration("timer-cap", 0, "override the timer cap for this round")
	priceBase := fs.Uint64("price-base", 0, "override the first key price for this round")
	priceIncrement := fs.Uint64("price-increment", 0, "override the per-key price step for this round")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	var ov ledger.Overrides
	var changed bool
	if fs.Changed("timer-increment") {
		ov.TimerIncrement, changed = timerIncrement, true
	}
	if fs.Changed("timer-cap") {
		ov.TimerCap, changed = timerCap, true
	}
	if fs.Changed("price-base") {
		ov.PriceBase, changed = priceBase, true
	}
	if fs.Changed("price-increment") {
		ov.PriceIncrement, changed = priceIncrement, true
	}
	req := &game.StartRoundRequest{}
	if changed {
		req.Overrides = &ov
	}
	return a.submit(ctx, *as, func(id string) game.Operation {
		if changed {
			req.Caller = id
		}
		return game.Operation{Kind: game.OpStartRound, StartRound: req}
	})
}

func (a *app) cmdRegister(ctx context.Context, args []string) error {
	fs := subFlags("register")
	as := fs.String("as", "", "identity to register")
	referrer := fs.String("referrer", "", "participant id or identity name of the referrer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := a.resolveID(*referrer)
	if err != nil {
		return err
	}
	return a.submit(ctx, *as, func(id string) game.Operation {
		return game.Operation{Kind: game.OpRegister, Register: &game.RegisterRequest{
			Participant: id,
			Referrer:    ref,
		}}
	})
}

func (a *app) cmdBuy(ctx context.Context, args []string) error {
	fs := subFlags("buy")
	as := fs.String("as", "", "identity that buys")
	keys := fs.Uint64("keys", 1, "number of keys to buy")
	budget := fs.Uint64("budget", 0, "most to pay (default: the current quote)")
	referrer := fs.String("referrer", "", "participant id or identity name of the referrer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ref, err := a.resolveID(*referrer)
	if err != nil {
		return err
	}
	limit := *budget
	if !fs.Changed("budget") {
		if limit, err = a.engine.Quote(ctx, *keys); err != nil {
			return err
		}
	}
	return a.submit(ctx, *as, func(id string) game.Operation {
		return game.Operation{Kind: game.OpBuy, Buy: &game.BuyRequest{
			Buyer:    id,
			Keys:     *keys,
			Referrer: ref,
			Budget:   limit,
		}}
	})
}

func (a *app) cmdClaim(ctx context.Context, args []string, kind game.OpKind) error {
	fs := subFlags(string(kind))
	as := fs.String("as", "", "identity that claims")
	round := fs.Uint64("round", 0, "round to claim from (default: current)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return a.submit(ctx, *as, func(id string) game.Operation {
		req := &game.ClaimRequest{Participant: id, Round: *round}
		if kind == game.OpClaimReferral {
			return game.Operation{Kind: kind, ClaimReferral: req}
		}
		return game.Operation{Kind: kind, Claim: req}
	})
}

func (a *app) cmdUpdateDefaults(ctx context.Context, args []string) error {
	fs := subFlags("update-defaults")
	if err := fs.Parse(args); err != nil {
		return err
	}
	snap := a.cfg.Snapshot()
	return a.submit(ctx, "authority", func(id string) game.Operation {
		return game.Operation{Kind: game.OpUpdateDefaults, UpdateDefaults: &game.UpdateDefaultsRequest{
			Caller:   id,
			Snapshot: snap,
		}}
	})
}

func (a *app) cmdStatus(ctx context.Context) error {
	st, err := a.engine.Status(ctx)
	if err != nil {
		return err
	}
	return a.print(st)
}

func (a *app) cmdLeaderboard(ctx context.Context, args []string) error {
	fs := subFlags("leaderboard")
	round := fs.Uint64("round", 0, "round to rank (default: current)")
	limit := fs.Int("limit", 10, "number of entries")
	if err := fs.Parse(args); err != nil {
		return err
	}
	board, err := a.engine.Leaderboard(ctx, *round, *limit)
	if err != nil {
		return err
	}
	return a.print(board)
}

func (a *app) cmdEvents(ctx context.Context, args []string) error {
	fs := subFlags("events")
	after := fs.Uint64("after", 0, "return events after this sequence number")
	limit := fs.Int("limit", 50, "number of events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	events, err := a.engine.Events(ctx, *after, *limit)
	if err != nil {
		return err
	}
	return a.print(events)
}

func (a *app) cmdAudit(ctx context.Context) error {
	report, err := a.engine.Audit(ctx)
	if report != nil {
		if perr := a.print(report); perr != nil {
			return perr
		}
	}
	return err
}

func (a *app) cmdSim(ctx context.Context, args []string, alerter alert.Alerter) error {
	fs := subFlags("sim")
	bots := fs.Int("bots", 5, "number of concurrent buyers")
	purchases := fs.Int("purchases", 10, "purchases per bot")
	maxKeys := fs.Uint64("max-keys", 3, "most keys per purchase")
	perSecond := fs.Float64("rate", 0, "purchases per second per bot (0 = unlimited)")
	referrals := fs.Bool("referrals", true, "link bots through referrals")
	seed := fs.Uint64("seed", 1, "random seed for key draws")
	dryRun := fs.Bool("dry-run", true, "run against an in-memory ledger with a fake clock")
	step := fs.Duration("step", time.Second, "fake clock advance per purchase (dry run only)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var store ledger.Store
	var clock clockwork.Clock
	if *dryRun {
		store = ledger.NewMemStore()
		clock = clockwork.NewFakeClockAt(time.Now().UTC().Truncate(time.Second))
	} else {
		bolt, err := ledger.OpenBoltStore(a.ledgerPath())
		if err != nil {
			return err
		}
		defer bolt.Close()
		store = bolt
	}

	engine, err := game.New(game.Config{
		Store:     store,
		Defaults:  a.cfg.Snapshot(),
		Authority: a.cfg.Authority,
		Clock:     clock,
		Logger:    a.log,
		Alerter:   alerter,
	})
	if err != nil {
		return err
	}

	limit := rate.Inf
	if *perSecond > 0 {
		limit = rate.Limit(*perSecond)
	}
	report, err := sim.Run(ctx, engine, sim.Options{
		Bots:      *bots,
		Purchases: *purchases,
		MaxKeys:   *maxKeys,
		Rate:      limit,
		Step:      *step,
		Referrals: *referrals,
		Seed:      *seed,
		Logger:    a.log,
	})
	if err != nil {
		return err
	}
	return a.print(report)
}

// resolveID maps an identity name to its participant id. Values that
// already parse as participant ids pass through.
func (a *app) resolveID(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	if _, err := wallet.ParseParticipantID(v); err == nil {
		return v, nil
	}
	_, state, err := a.openWallet()
	if err != nil {
		return "", err
	}
	acct, err := state.Lookup(v)
	if err != nil {
		return "", err
	}
	return acct.ID, nil
}
