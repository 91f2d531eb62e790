package game

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/bitfsorg/keyround-go/alert"
	"github.com/bitfsorg/keyround-go/ledger"
	"github.com/bitfsorg/keyround-go/wallet"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testAuthority = "authority"

type testEngine struct {
	*Engine
	store  ledger.Store
	clock  *clockwork.FakeClock
	alerts *alert.Recorder
}

func newTestEngine(t *testing.T, store ledger.Store) *testEngine {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testStart)
	rec := &alert.Recorder{}
	e, err := New(Config{
		Store:     store,
		Defaults:  ledger.DefaultSnapshot("protocol"),
		Authority: testAuthority,
		Clock:     clock,
		Alerter:   rec,
	})
	require.NoError(t, err)
	return &testEngine{Engine: e, store: store, clock: clock, alerts: rec}
}

func tempBoltStore(t *testing.T) *ledger.BoltStore {
	t.Helper()
	store, err := ledger.OpenBoltStore(filepath.Join(t.TempDir(), "game.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// forEachStore runs fn against an engine on a MemStore and on a BoltStore.
func forEachStore(t *testing.T, fn func(t *testing.T, e *testEngine)) {
	t.Run("mem", func(t *testing.T) { fn(t, newTestEngine(t, ledger.NewMemStore())) })
	t.Run("bolt", func(t *testing.T) { fn(t, newTestEngine(t, tempBoltStore(t))) })
}

func (e *testEngine) start(t *testing.T) *ledger.Round {
	t.Helper()
	r, err := e.StartNewRound(context.Background(), StartRoundRequest{})
	require.NoError(t, err)
	return r
}

func (e *testEngine) buy(t *testing.T, buyer string, keys uint64, referrer string) *BuyResult {
	t.Helper()
	res, err := e.BuyKeys(context.Background(), BuyRequest{
		Buyer:    buyer,
		Keys:     keys,
		Referrer: referrer,
		Budget:   math.MaxUint64,
	})
	require.NoError(t, err)
	return res
}

func (e *testEngine) round(t *testing.T, n uint64) *ledger.Round {
	t.Helper()
	r, err := e.Round(context.Background(), n)
	require.NoError(t, err)
	return r
}

func (e *testEngine) vault(t *testing.T) ledger.Vault {
	t.Helper()
	v, err := e.Vault(context.Background())
	require.NoError(t, err)
	return v
}

func (e *testEngine) audit(t *testing.T) *AuditReport {
	t.Helper()
	rep, err := e.Audit(context.Background())
	require.NoError(t, err, "audit violations: %v", rep)
	require.True(t, rep.OK())
	return rep
}

func (e *testEngine) eventKinds(t *testing.T) []ledger.EventKind {
	t.Helper()
	evs, err := e.Events(context.Background(), 0, 0)
	require.NoError(t, err)
	kinds := make([]ledger.EventKind, len(evs))
	for i, ev := range evs {
		kinds[i] = ev.Kind
	}
	return kinds
}

// --- Config tests ---

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Defaults: ledger.DefaultSnapshot("protocol")})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad := ledger.DefaultSnapshot("protocol")
	bad.PotBps++
	_, err = New(Config{Store: ledger.NewMemStore(), Defaults: bad})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	e, err := New(Config{Store: ledger.NewMemStore(), Defaults: ledger.DefaultSnapshot("protocol")})
	require.NoError(t, err)
	assert.NotNil(t, e.Clock())
}

// --- Round lifecycle tests ---

func TestStartNewRound_First(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()

		st, err := e.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, "waiting", st.Phase)

		r := e.start(t)
		assert.Equal(t, uint64(1), r.Number)
		assert.Zero(t, r.PotBalance)
		assert.Equal(t, testStart.Add(30*time.Second), r.Deadline)
		assert.True(t, r.Accumulator.IsZero())

		st, err = e.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), st.Round)
		assert.Equal(t, "active", st.Phase)
		assert.Equal(t, uint64(10_000_000), st.NextKeyPrice)
		assert.Equal(t, 30*time.Second, st.TimeLeft)

		assert.Equal(t, []ledger.EventKind{ledger.EventRoundStarted}, e.eventKinds(t))
	})
}

func TestStartNewRound_StillActive(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		e.start(t)

		_, err := e.StartNewRound(ctx, StartRoundRequest{})
		assert.ErrorIs(t, err, ErrGameStillActive)

		// Ended with an unclaimed prize.
		e.buy(t, "alice", 1, "")
		e.clock.Advance(time.Minute)
		_, err = e.StartNewRound(ctx, StartRoundRequest{})
		assert.ErrorIs(t, err, ErrGameStillActive)
		assert.Equal(t, uint64(1), e.round(t, 0).Number)
	})
}

func TestStartNewRound_EmptyRoundSettles(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		e.start(t)
		e.clock.Advance(31 * time.Second)

		r2 := e.start(t)
		assert.Equal(t, uint64(2), r2.Number)
		assert.Zero(t, r2.PotBalance)

		r1 := e.round(t, 1)
		assert.True(t, r1.WinnerClaimed)
		assert.True(t, r1.Concluded)
		assert.Zero(t, r1.WinnerPrize)

		assert.Equal(t, []ledger.EventKind{
			ledger.EventRoundStarted,
			ledger.EventRoundConcluded,
			ledger.EventRoundStarted,
		}, e.eventKinds(t))
		e.audit(t)
	})
}

func TestStartNewRound_Overrides(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		inc := time.Minute
		r, err := e.StartNewRound(ctx, StartRoundRequest{
			Caller:    testAuthority,
			Overrides: &ledger.Overrides{TimerIncrement: &inc},
		})
		require.NoError(t, err)
		assert.Equal(t, time.Minute, r.Snapshot.TimerIncrement)
		assert.Equal(t, testStart.Add(time.Minute), r.Deadline)

		defaults, err := e.Defaults(ctx)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, defaults.TimerIncrement, "overrides leave defaults untouched")
	})
}

func TestStartNewRound_InvalidOverrides(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		var zero uint64
		_, err := e.StartNewRound(context.Background(), StartRoundRequest{
			Caller:    testAuthority,
			Overrides: &ledger.Overrides{PriceBase: &zero},
		})
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.Empty(t, e.eventKinds(t))
	})
}

func TestStartNewRound_OverridesNeedAuthority(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		fee := uint64(9000)
		ov := &ledger.Overrides{ProtocolFeeBps: &fee}

		_, err := e.StartNewRound(ctx, StartRoundRequest{Overrides: ov})
		assert.ErrorIs(t, err, ErrUnauthorized)

		_, err = e.StartNewRound(ctx, StartRoundRequest{Caller: "mallory", Overrides: ov})
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Empty(t, e.eventKinds(t))

		// An empty override set changes nothing and needs no caller.
		r, err := e.StartNewRound(ctx, StartRoundRequest{Overrides: &ledger.Overrides{}})
		require.NoError(t, err)
		assert.Equal(t, ledger.DefaultSnapshot("protocol"), r.Snapshot)
	})
}

func TestStartNewRound_EmptyRoundPotMovesForward(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		e.start(t)
		e.buy(t, "alice", 1, "")
		e.clock.Advance(time.Minute)
		_, err := e.Claim(ctx, ClaimRequest{Participant: "alice"})
		require.NoError(t, err)

		r2 := e.start(t)
		require.NotZero(t, r2.PotBalance)
		e.clock.Advance(time.Minute)

		r3 := e.start(t)
		assert.Equal(t, r2.PotBalance, r3.PotBalance)

		settled := e.round(t, 2)
		assert.True(t, settled.WinnerClaimed)
		assert.Zero(t, settled.PotBalance, "no prize is left on a round nobody won")
		assert.Zero(t, settled.WinnerPrize)
		assert.Equal(t, r2.PotBalance, settled.SeedCarried)
		e.audit(t)
	})
}

// --- Purchase tests ---

func TestBuyKeys_DividendToExistingHolders(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		e.start(t)

		a := e.buy(t, "alice", 5, "")
		assert.Equal(t, uint64(60_000_000), a.Cost)
		assert.False(t, a.Distributed, "first purchase has no holders")
		assert.Equal(t, uint64(27_000_000), a.Split.Effective)

		r := e.round(t, 0)
		assert.True(t, r.Accumulator.IsZero())
		assert.Equal(t, uint64(30_000_000), r.NextRoundSeed, "first dividend and carry go to the next round")
		assert.Equal(t, uint64(28_800_000), r.PotBalance)

		b := e.buy(t, "bob", 1, "")
		assert.Equal(t, uint64(15_000_000), b.Cost)
		assert.True(t, b.Distributed)

		alice, err := e.Participant(ctx, 0, "alice")
		require.NoError(t, err)
		assert.Equal(t, uint64(6_750_000), alice.PendingDividends)
		assert.Equal(t, uint64(6_750_000), alice.ClaimableDividends)

		bob, err := e.Participant(ctx, 0, "bob")
		require.NoError(t, err)
		assert.Zero(t, bob.PendingDividends, "new keys do not earn from their own purchase")

		r = e.round(t, 0)
		assert.Equal(t, uint64(6), r.TotalKeys)
		assert.Equal(t, uint64(2), r.TotalPlayers)
		assert.Equal(t, uint64(36_000_000), r.PotBalance)
		assert.Equal(t, uint64(30_750_000), r.NextRoundSeed)
		assert.Equal(t, "bob", r.LastBuyer)
		assert.Equal(t, uint64(1_500_000), r.ProtocolFees)

		v := e.vault(t)
		assert.Equal(t, uint64(73_500_000), v.Balance)
		assert.Equal(t, uint64(6_750_000), v.OwedDividends)
		assert.Equal(t, uint64(36_000_000), v.OwedPrizes)
		assert.Equal(t, uint64(30_750_000), v.OwedCarry)
		assert.Equal(t, uint64(1_500_000), v.TotalFees)

		rep := e.audit(t)
		assert.Zero(t, rep.Dust)
	})
}

func TestBuyKeys_BuyerExistingKeysEarn(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		e.start(t)
		e.buy(t, "alice", 1, "")
		e.buy(t, "alice", 1, "")

		alice, err := e.Participant(context.Background(), 0, "alice")
		require.NoError(t, err)
		// 11M cost, 45% dividend over alice's one earlier key.
		assert.Equal(t, uint64(4_950_000), alice.UnclaimedDividends)
		assert.Zero(t, alice.PendingDividends)
		assert.Equal(t, uint64(2), alice.Keys)
	})
}

func TestBuyKeys_Rejections(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()

		_, err := e.BuyKeys(ctx, BuyRequest{Buyer: "alice", Keys: 1, Budget: math.MaxUint64})
		assert.ErrorIs(t, err, ErrGameNotActive)

		e.start(t)

		tests := []struct {
			name string
			req  BuyRequest
			want error
		}{
			{"zero keys", BuyRequest{Buyer: "alice", Keys: 0, Budget: math.MaxUint64}, ErrNoKeysToBuy},
			{"empty buyer", BuyRequest{Keys: 1, Budget: math.MaxUint64}, ErrInvalidParticipant},
			{"refers self", BuyRequest{Buyer: "alice", Keys: 1, Referrer: "alice", Budget: math.MaxUint64}, ErrCannotReferSelf},
			{"unknown referrer", BuyRequest{Buyer: "alice", Keys: 1, Referrer: "nobody", Budget: math.MaxUint64}, ErrReferrerNotRegistered},
			{"over budget", BuyRequest{Buyer: "alice", Keys: 1, Budget: 9_999_999}, ErrInsufficientFunds},
			{"overflow", BuyRequest{Buyer: "alice", Keys: math.MaxUint64, Budget: math.MaxUint64}, ErrOverflow},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := e.BuyKeys(ctx, tt.req)
				assert.ErrorIs(t, err, tt.want)
			})
		}

		r := e.round(t, 0)
		assert.Zero(t, r.TotalKeys)
		assert.Zero(t, r.TotalPlayers, "rejected purchases register nobody")
		assert.Equal(t, []ledger.EventKind{ledger.EventRoundStarted}, e.eventKinds(t))
	})
}

func TestBuyKeys_TimerExtendsAndExpires(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		e.start(t)

		e.clock.Advance(10 * time.Second)
		res := e.buy(t, "alice", 1, "")
		assert.Equal(t, testStart.Add(40*time.Second), res.Deadline)

		e.clock.Advance(40 * time.Second)
		_, err := e.BuyKeys(ctx, BuyRequest{Buyer: "bob", Keys: 1, Budget: math.MaxUint64})
		assert.ErrorIs(t, err, ErrTimerExpired)

		r := e.round(t, 0)
		assert.Equal(t, uint64(1), r.TotalKeys)
		assert.Equal(t, "alice", r.LastBuyer)
		assert.False(t, r.Concluded, "rejected purchases write nothing")

		st, err := e.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, "ended", st.Phase)
		assert.Zero(t, st.TimeLeft)
	})
}

func TestBuyKeys_TimerCap(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		limit := time.Minute
		_, err := e.StartNewRound(ctx, StartRoundRequest{Caller: testAuthority, Overrides: &ledger.Overrides{TimerCap: &limit}})
		require.NoError(t, err)

		want := []time.Duration{50 * time.Second, 60 * time.Second, 60 * time.Second}
		for i, step := range []time.Duration{20 * time.Second, 20 * time.Second, 15 * time.Second} {
			e.clock.Advance(step)
			res := e.buy(t, fmt.Sprintf("p%d", i), 1, "")
			assert.Equal(t, testStart.Add(want[i]), res.Deadline, "purchase %d", i)
		}

		e.clock.Advance(5 * time.Second)
		_, err = e.BuyKeys(ctx, BuyRequest{Buyer: "late", Keys: 1, Budget: math.MaxUint64})
		assert.ErrorIs(t, err, ErrTimerExpired)
		e.audit(t)
	})
}

func TestBuyKeys_BatchMatchesSingles(t *testing.T) {
	batch := newTestEngine(t, ledger.NewMemStore())
	batch.start(t)
	batch.buy(t, "alice", 1, "")
	one := batch.buy(t, "bob", 4, "")

	singles := newTestEngine(t, ledger.NewMemStore())
	singles.start(t)
	singles.buy(t, "alice", 1, "")
	var total uint64
	for range 4 {
		total += singles.buy(t, "bob", 1, "").Cost
	}
	assert.Equal(t, one.Cost, total)
}

// --- Referral tests ---

func TestReferral_CreditAndClaim(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		e.start(t)

		_, err := e.RegisterParticipant(ctx, RegisterRequest{Participant: "ref"})
		require.NoError(t, err)

		res := e.buy(t, "carol", 1, "ref")
		assert.True(t, res.Credited)
		assert.Equal(t, uint64(450_000), res.Split.Referral)
		assert.Equal(t, uint64(4_050_000), res.Split.Effective)

		ref, err := e.Participant(ctx, 0, "ref")
		require.NoError(t, err)
		assert.Equal(t, uint64(450_000), ref.UnclaimedReferral)

		carol, err := e.Participant(ctx, 0, "carol")
		require.NoError(t, err)
		assert.Equal(t, "ref", carol.Referrer)

		// Bonus is deducted even when the referrer is not supplied again.
		res = e.buy(t, "carol", 1, "")
		assert.False(t, res.Credited)
		assert.Equal(t, uint64(495_000), res.Split.Referral)
		assert.Equal(t, uint64(495_000), e.round(t, 0).ReferralUncredited)

		rep := e.audit(t)
		assert.Equal(t, uint64(495_000), rep.Dust)

		paid, err := e.ClaimReferralEarnings(ctx, ClaimRequest{Participant: "ref"})
		require.NoError(t, err)
		assert.Equal(t, uint64(450_000), paid.Referral)
		assert.Equal(t, uint64(450_000), paid.Total())

		_, err = e.ClaimReferralEarnings(ctx, ClaimRequest{Participant: "ref"})
		assert.ErrorIs(t, err, ErrNoReferralEarnings)
		_, err = e.ClaimReferralEarnings(ctx, ClaimRequest{Participant: "stranger"})
		assert.ErrorIs(t, err, ErrNoReferralEarnings)

		assert.Contains(t, e.eventKinds(t), ledger.EventReferralEarned)
		assert.Contains(t, e.eventKinds(t), ledger.EventReferralClaimed)
		e.audit(t)
	})
}

func TestReferral_Immutable(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		e.start(t)
		for _, id := range []string{"r1", "r2"} {
			_, err := e.RegisterParticipant(ctx, RegisterRequest{Participant: id})
			require.NoError(t, err)
		}
		_, err := e.RegisterParticipant(ctx, RegisterRequest{Participant: "dave", Referrer: "r1"})
		require.NoError(t, err)

		_, err = e.BuyKeys(ctx, BuyRequest{Buyer: "dave", Keys: 1, Referrer: "r2", Budget: math.MaxUint64})
		assert.ErrorIs(t, err, ErrReferrerMismatch)

		// A participant without a referrer cannot gain one later.
		_, err = e.BuyKeys(ctx, BuyRequest{Buyer: "r2", Keys: 1, Referrer: "r1", Budget: math.MaxUint64})
		assert.ErrorIs(t, err, ErrReferrerMismatch)

		res := e.buy(t, "dave", 1, "r1")
		assert.True(t, res.Credited)
	})
}

func TestRegisterParticipant(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()

		_, err := e.RegisterParticipant(ctx, RegisterRequest{Participant: "alice"})
		assert.ErrorIs(t, err, ErrGameNotActive)

		e.start(t)
		p, err := e.RegisterParticipant(ctx, RegisterRequest{Participant: "alice", Agent: true})
		require.NoError(t, err)
		assert.True(t, p.Agent)
		assert.Equal(t, testStart, p.JoinedAt)

		_, err = e.RegisterParticipant(ctx, RegisterRequest{Participant: "alice"})
		assert.ErrorIs(t, err, ErrPlayerAlreadyRegistered)

		_, err = e.RegisterParticipant(ctx, RegisterRequest{Participant: "bob", Referrer: "bob"})
		assert.ErrorIs(t, err, ErrCannotReferSelf)

		_, err = e.RegisterParticipant(ctx, RegisterRequest{Participant: "bob", Referrer: "carol"})
		assert.ErrorIs(t, err, ErrReferrerNotRegistered)

		_, err = e.RegisterParticipant(ctx, RegisterRequest{Participant: string(make([]byte, MaxParticipantIDLen+1))})
		assert.ErrorIs(t, err, ErrInvalidParticipant)

		assert.Equal(t, uint64(1), e.round(t, 0).TotalPlayers)
	})
}

func TestRegisterParticipant_SettledRound(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		e.start(t)
		e.buy(t, "alice", 1, "")
		e.clock.Advance(time.Minute)

		_, err := e.RegisterParticipant(ctx, RegisterRequest{Participant: "late"})
		assert.ErrorIs(t, err, ErrGameNotActive, "round ended")

		_, err = e.Claim(ctx, ClaimRequest{Participant: "alice"})
		require.NoError(t, err)

		_, err = e.RegisterParticipant(ctx, RegisterRequest{Participant: "late", Referrer: "alice"})
		assert.ErrorIs(t, err, ErrGameNotActive, "round claimed")

		r := e.round(t, 1)
		assert.Equal(t, uint64(1), r.TotalPlayers)
		_, err = e.Participant(ctx, 1, "late")
		assert.ErrorIs(t, err, ErrParticipantNotFound)
		e.audit(t)
	})
}

// --- Claim tests ---

func TestClaim_DividendsIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		e.start(t)
		e.buy(t, "alice", 5, "")
		e.buy(t, "bob", 1, "")

		res, err := e.Claim(ctx, ClaimRequest{Participant: "alice"})
		require.NoError(t, err)
		assert.Equal(t, uint64(6_750_000), res.Dividends)
		assert.Zero(t, res.Prize)

		_, err = e.Claim(ctx, ClaimRequest{Participant: "alice"})
		assert.ErrorIs(t, err, ErrNothingToClaim)

		_, err = e.Claim(ctx, ClaimRequest{Participant: "bob"})
		assert.ErrorIs(t, err, ErrNothingToClaim, "winner cannot claim before the round ends")

		_, err = e.Claim(ctx, ClaimRequest{Participant: "nobody"})
		assert.ErrorIs(t, err, ErrNothingToClaim)

		_, err = e.Claim(ctx, ClaimRequest{Participant: "alice", Round: 9})
		assert.ErrorIs(t, err, ErrRoundNotFound)

		alice, err := e.Participant(ctx, 0, "alice")
		require.NoError(t, err)
		assert.Equal(t, uint64(6_750_000), alice.ClaimedDividends)
		assert.Zero(t, alice.ClaimableDividends)

		v := e.vault(t)
		assert.Zero(t, v.OwedDividends)
		assert.Equal(t, uint64(6_750_000), v.TotalPaidOut)
		e.audit(t)
	})
}

func TestClaim_WinnerAndRollover(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		e.start(t)
		e.buy(t, "alice", 5, "")
		e.buy(t, "bob", 1, "")
		e.clock.Advance(time.Minute)

		view, err := e.Participant(ctx, 0, "bob")
		require.NoError(t, err)
		assert.Equal(t, uint64(36_000_000), view.ClaimablePrize)

		_, err = e.Claim(ctx, ClaimRequest{Participant: "alice"})
		require.NoError(t, err, "non-winners still claim dividends after the end")

		res, err := e.Claim(ctx, ClaimRequest{Participant: "bob"})
		require.NoError(t, err)
		assert.Equal(t, uint64(36_000_000), res.Prize)

		r1 := e.round(t, 1)
		assert.True(t, r1.WinnerClaimed)
		assert.True(t, r1.Concluded)
		assert.Equal(t, uint64(36_000_000), r1.WinnerPrize)

		_, err = e.Claim(ctx, ClaimRequest{Participant: "bob"})
		assert.ErrorIs(t, err, ErrNothingToClaim, "prize is paid once")

		st, err := e.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, "claimed", st.Phase)

		r2 := e.start(t)
		assert.Equal(t, uint64(2), r2.Number)
		assert.Equal(t, uint64(30_750_000), r2.PotBalance)
		assert.Equal(t, uint64(30_750_000), e.round(t, 1).SeedCarried)

		v := e.vault(t)
		assert.Zero(t, v.OwedCarry)
		assert.Equal(t, uint64(30_750_000), v.OwedPrizes)

		// The journal records exactly one conclusion.
		var concluded int
		for _, k := range e.eventKinds(t) {
			if k == ledger.EventRoundConcluded {
				concluded++
			}
		}
		assert.Equal(t, 1, concluded)
		e.audit(t)
	})
}

func TestClaim_PreviousRoundAfterRollover(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		e.start(t)
		e.buy(t, "alice", 5, "")
		e.buy(t, "bob", 1, "")
		e.clock.Advance(time.Minute)
		_, err := e.Claim(ctx, ClaimRequest{Participant: "bob"})
		require.NoError(t, err)
		e.start(t)

		res, err := e.Claim(ctx, ClaimRequest{Participant: "alice", Round: 1})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), res.Round)
		assert.Equal(t, uint64(6_750_000), res.Dividends)

		_, err = e.Claim(ctx, ClaimRequest{Participant: "alice"})
		assert.ErrorIs(t, err, ErrNothingToClaim, "alice has no record in round 2")
		e.audit(t)
	})
}

func TestClaim_InsolventIsAlerted(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		e.start(t)
		e.buy(t, "alice", 5, "")
		e.buy(t, "bob", 1, "")

		require.NoError(t, e.store.Update(ctx, func(tx ledger.Tx) error {
			m, err := tx.Meta()
			if err != nil {
				return err
			}
			m.Vault.Balance = 1
			return tx.PutMeta(m)
		}))

		_, err := e.Claim(ctx, ClaimRequest{Participant: "alice"})
		assert.ErrorIs(t, err, ErrInsolvent)
		assert.True(t, IsInvariantViolation(err))

		alerts := e.alerts.Alerts()
		require.Len(t, alerts, 1)
		assert.Equal(t, "claim", alerts[0].Op)
		assert.Equal(t, uint64(1), alerts[0].Round)
		assert.Equal(t, "alice", alerts[0].Participant)

		alice, err := e.Participant(ctx, 0, "alice")
		require.NoError(t, err)
		assert.Zero(t, alice.ClaimedDividends, "failed claim changes nothing")

		rep, err := e.Audit(ctx)
		assert.ErrorIs(t, err, ErrInvariant)
		require.NotNil(t, rep)
		assert.False(t, rep.OK())
		assert.Len(t, e.alerts.Alerts(), 2)
	})
}

// --- Defaults tests ---

func TestUpdateDefaults(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		e.start(t)

		next := ledger.DefaultSnapshot("protocol")
		next.PriceBase = 20_000_000

		err := e.UpdateDefaults(ctx, UpdateDefaultsRequest{Caller: "mallory", Snapshot: next})
		assert.ErrorIs(t, err, ErrUnauthorized)

		bad := next
		bad.TimerCap = time.Second
		err = e.UpdateDefaults(ctx, UpdateDefaultsRequest{Caller: testAuthority, Snapshot: bad})
		assert.ErrorIs(t, err, ErrInvalidConfig)
		assert.Len(t, e.alerts.Alerts(), 1)

		require.NoError(t, e.UpdateDefaults(ctx, UpdateDefaultsRequest{Caller: testAuthority, Snapshot: next}))

		assert.Equal(t, uint64(10_000_000), e.round(t, 0).Snapshot.PriceBase, "running round keeps its snapshot")

		e.clock.Advance(time.Minute)
		r2 := e.start(t)
		assert.Equal(t, uint64(20_000_000), r2.Snapshot.PriceBase)
	})
}

func TestUpdateDefaults_NoAuthority(t *testing.T) {
	e, err := New(Config{Store: ledger.NewMemStore(), Defaults: ledger.DefaultSnapshot("protocol")})
	require.NoError(t, err)
	err = e.UpdateDefaults(context.Background(), UpdateDefaultsRequest{Snapshot: ledger.DefaultSnapshot("x")})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

// --- Operation tests ---

func TestApply(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()

		res, err := e.Apply(ctx, Operation{Kind: OpStartRound})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), res.Round.Number)

		res, err = e.Apply(ctx, Operation{Kind: OpRegister, Register: &RegisterRequest{Participant: "ref"}})
		require.NoError(t, err)
		assert.Equal(t, "ref", res.Participant.ID)

		res, err = e.Apply(ctx, Operation{Kind: OpBuy, Buy: &BuyRequest{
			Buyer: "alice", Keys: 2, Referrer: "ref", Budget: math.MaxUint64,
		}})
		require.NoError(t, err)
		assert.Equal(t, uint64(21_000_000), res.Buy.Cost)

		res, err = e.Apply(ctx, Operation{Kind: OpClaimReferral, ClaimReferral: &ClaimRequest{Participant: "ref"}})
		require.NoError(t, err)
		assert.NotZero(t, res.Claim.Referral)

		_, err = e.Apply(ctx, Operation{Kind: OpClaim})
		assert.ErrorIs(t, err, ErrInvalidOperation)

		_, err = e.Apply(ctx, Operation{Kind: "teleport"})
		assert.ErrorIs(t, err, ErrInvalidOperation)
	})
}

func TestSubmit(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		e.start(t)

		seed, err := wallet.SeedFromMnemonic("abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", "")
		require.NoError(t, err)
		w, err := wallet.NewWallet(seed, wallet.MainNet)
		require.NoError(t, err)
		alice, err := w.DeriveParticipant(0)
		require.NoError(t, err)
		bob, err := w.DeriveParticipant(1)
		require.NoError(t, err)

		env, err := SealOperation(alice, Operation{Kind: OpBuy, Buy: &BuyRequest{
			Buyer: alice.ID, Keys: 1, Budget: math.MaxUint64,
		}})
		require.NoError(t, err)

		res, err := e.Submit(ctx, env)
		require.NoError(t, err)
		assert.Equal(t, alice.ID, res.Buy.Participant.ID)

		_, err = e.Submit(ctx, env)
		assert.ErrorIs(t, err, ErrReplayedOperation)
		assert.Equal(t, uint64(1), e.round(t, 0).TotalKeys)

		// Bob cannot act for alice.
		forged, err := SealOperation(bob, Operation{Kind: OpClaim, Claim: &ClaimRequest{Participant: alice.ID}})
		require.NoError(t, err)
		_, err = e.Submit(ctx, forged)
		assert.ErrorIs(t, err, ErrUnauthorized)

		tampered := *env
		tampered.Nonce = "fresh"
		_, err = e.Submit(ctx, &tampered)
		assert.ErrorIs(t, err, ErrUnauthorized)

		bad, err := wallet.Seal(alice, []byte("not json"))
		require.NoError(t, err)
		_, err = e.Submit(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidOperation)
	})
}

func TestSubmit_StartRoundOverrides(t *testing.T) {
	ctx := context.Background()
	seed, err := wallet.SeedFromMnemonic("abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about", "")
	require.NoError(t, err)
	w, err := wallet.NewWallet(seed, wallet.MainNet)
	require.NoError(t, err)
	authority, err := w.DeriveAuthority()
	require.NoError(t, err)
	bob, err := w.DeriveParticipant(1)
	require.NoError(t, err)

	e, err := New(Config{
		Store:     ledger.NewMemStore(),
		Defaults:  ledger.DefaultSnapshot("protocol"),
		Authority: authority.ID,
		Clock:     clockwork.NewFakeClockAt(testStart),
	})
	require.NoError(t, err)

	fee, pot, div, carry := uint64(9000), uint64(500), uint64(500), uint64(0)
	feeWallet := bob.ID
	ov := &ledger.Overrides{
		ProtocolFeeBps: &fee,
		PotBps:         &pot,
		DividendBps:    &div,
		CarryBps:       &carry,
		ProtocolWallet: &feeWallet,
	}

	tests := []struct {
		name   string
		signer *wallet.Identity
		caller string
	}{
		{"no caller", bob, ""},
		{"caller is not the authority", bob, bob.ID},
		{"caller names the authority", bob, authority.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := SealOperation(tt.signer, Operation{Kind: OpStartRound, StartRound: &StartRoundRequest{
				Caller:    tt.caller,
				Overrides: ov,
			}})
			require.NoError(t, err)
			_, err = e.Submit(ctx, env)
			assert.ErrorIs(t, err, ErrUnauthorized)

			_, err = e.Round(ctx, 1)
			assert.ErrorIs(t, err, ErrRoundNotFound)
			evs, err := e.Events(ctx, 0, 0)
			require.NoError(t, err)
			assert.Empty(t, evs)
		})
	}

	env, err := SealOperation(authority, Operation{Kind: OpStartRound, StartRound: &StartRoundRequest{
		Caller:    authority.ID,
		Overrides: ov,
	}})
	require.NoError(t, err)
	res, err := e.Submit(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, uint64(9000), res.Round.Snapshot.ProtocolFeeBps)
	assert.Equal(t, bob.ID, res.Round.Snapshot.ProtocolWallet)
}

// --- Query tests ---

func TestLeaderboard(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		e.start(t)
		e.buy(t, "carol", 1, "")
		e.buy(t, "alice", 5, "")
		e.buy(t, "bob", 1, "")

		board, err := e.Leaderboard(ctx, 0, 0)
		require.NoError(t, err)
		require.Len(t, board, 3)
		assert.Equal(t, "alice", board[0].ID)
		assert.Equal(t, "bob", board[1].ID)
		assert.Equal(t, "carol", board[2].ID)

		board, err = e.Leaderboard(ctx, 1, 1)
		require.NoError(t, err)
		require.Len(t, board, 1)
		assert.Equal(t, "alice", board[0].ID)
	})
}

func TestEvents_Paging(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		e.start(t)
		e.buy(t, "alice", 1, "")

		assert.Equal(t, []ledger.EventKind{
			ledger.EventRoundStarted,
			ledger.EventParticipantRegistered,
			ledger.EventKeysPurchased,
			ledger.EventProtocolFeeCollected,
		}, e.eventKinds(t))

		page, err := e.Events(ctx, 1, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, ledger.EventParticipantRegistered, page[0].Kind)
		assert.Equal(t, "alice", page[0].Participant)
		assert.NotEmpty(t, page[0].ID)

		purchase := page[1]
		assert.Equal(t, ledger.EventKeysPurchased, purchase.Kind)
		assert.Equal(t, uint64(1), purchase.Secondary)

		page, err = e.Events(ctx, purchase.Seq, 0)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "protocol", page[0].Participant)
		assert.Equal(t, uint64(200_000), page[0].Amount)
	})
}

func TestQuote(t *testing.T) {
	e := newTestEngine(t, ledger.NewMemStore())
	ctx := context.Background()

	_, err := e.Quote(ctx, 1)
	assert.ErrorIs(t, err, ErrGameNotActive)

	e.start(t)
	cost, err := e.Quote(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(145_000_000), cost)

	_, err = e.Quote(ctx, 0)
	assert.ErrorIs(t, err, ErrNoKeysToBuy)
}

// --- Persistence and concurrency tests ---

func TestEngine_ReopenBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.db")
	ctx := context.Background()

	store, err := ledger.OpenBoltStore(path)
	require.NoError(t, err)
	e := newTestEngine(t, store)
	e.start(t)
	e.buy(t, "alice", 5, "")
	require.NoError(t, store.Close())

	store, err = ledger.OpenBoltStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	e = newTestEngine(t, store)

	st, err := e.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), st.TotalKeys)
	assert.Equal(t, "alice", st.LastBuyer)
	assert.Equal(t, uint64(15_000_000), st.NextKeyPrice)

	e.buy(t, "bob", 1, "")
	alice, err := e.Participant(ctx, 0, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(6_750_000), alice.PendingDividends)
	e.audit(t)
}

func TestEngine_CanceledContext(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		e.start(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := e.BuyKeys(ctx, BuyRequest{Buyer: "alice", Keys: 1, Budget: math.MaxUint64})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, e.round(t, 0).TotalKeys)
	})
}

func TestEngine_ConcurrentBuyers(t *testing.T) {
	forEachStore(t, func(t *testing.T, e *testEngine) {
		ctx := context.Background()
		e.start(t)

		const buyers, rounds = 8, 10
		var g errgroup.Group
		for i := range buyers {
			g.Go(func() error {
				for range rounds {
					_, err := e.BuyKeys(ctx, BuyRequest{
						Buyer:  fmt.Sprintf("bot-%d", i),
						Keys:   uint64(i%3 + 1),
						Budget: math.MaxUint64,
					})
					if err != nil {
						return err
					}
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())

		r := e.round(t, 0)
		var want uint64
		for i := range buyers {
			want += uint64(i%3+1) * rounds
		}
		assert.Equal(t, want, r.TotalKeys)
		assert.Equal(t, uint64(buyers), r.TotalPlayers)

		board, err := e.Leaderboard(ctx, 0, 0)
		require.NoError(t, err)
		var pending uint64
		for _, p := range board {
			view, err := e.Participant(ctx, 0, p.ID)
			require.NoError(t, err)
			pending += view.ClaimableDividends
		}
		assert.LessOrEqual(t, pending, r.DividendsDistributed)
		e.audit(t)
	})
}

func TestAudit_DetectsKeyMismatch(t *testing.T) {
	e := newTestEngine(t, ledger.NewMemStore())
	ctx := context.Background()
	e.start(t)
	e.buy(t, "alice", 2, "")

	require.NoError(t, e.store.Update(ctx, func(tx ledger.Tx) error {
		p, err := tx.Participant(1, "alice")
		if err != nil {
			return err
		}
		p.Keys = 3
		p.Checkpoint = sdkmath.ZeroInt()
		return tx.PutParticipant(p)
	}))

	rep, err := e.Audit(ctx)
	assert.ErrorIs(t, err, ErrInvariant)
	require.NotNil(t, rep)
	assert.NotEmpty(t, rep.Violations)
	assert.Equal(t, 1, rep.Participants)
	assert.NotEmpty(t, e.alerts.Alerts())
}
