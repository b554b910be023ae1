package round

import (
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/escrow"
	"github.com/uhyunpark/veil/pkg/keyservice"
	"github.com/uhyunpark/veil/pkg/sealed"
	"github.com/uhyunpark/veil/pkg/settlement"
	"github.com/uhyunpark/veil/pkg/storage"
	"github.com/uhyunpark/veil/pkg/util"
)

const testSeed = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")
)

type harness struct {
	t     *testing.T
	m     *Machine
	store storage.Store
	keys  *keyservice.Local
	clock *util.ManualClock
	nonce uint64
}

func newHarness(t *testing.T, cfg Config, mutate ...func(*Deps)) *harness {
	t.Helper()
	keys, err := keyservice.NewLocal(testSeed)
	require.NoError(t, err)
	h := &harness{
		t:     t,
		store: storage.NewMemStore(),
		keys:  keys,
		clock: util.NewManualClock(time.Unix(1700000000, 0)),
	}
	deps := Deps{Store: h.store, Keys: keys, Clock: h.clock, Logger: zap.NewNop().Sugar()}
	for _, f := range mutate {
		f(&deps)
	}
	h.store = deps.Store
	if cfg.Duration == 0 {
		cfg.Duration = time.Minute
	}
	h.m, err = NewMachine(cfg, deps)
	require.NoError(t, err)
	return h
}

func (h *harness) fund(addr common.Address, quote, base uint64) {
	h.t.Helper()
	if quote > 0 {
		_, err := h.m.Deposit(addr, escrow.Quote, quote)
		require.NoError(h.t, err)
	}
	if base > 0 {
		_, err := h.m.Deposit(addr, escrow.Base, base)
		require.NoError(h.t, err)
	}
}

// seal builds a submission whose ciphertext and commitment match its terms.
func (h *harness) seal(owner common.Address, side auction.Side, amount, price uint64) Submission {
	h.t.Helper()
	h.nonce++
	round := h.m.State().RoundID
	payload := sealed.OrderPayload{RoundID: round, Side: side, Asset: auction.AssetBTC, Amount: amount, PriceLimit: price, Nonce: h.nonce}
	plaintext, err := payload.Marshal()
	require.NoError(h.t, err)
	mpk, err := h.m.EncryptionPublicKey(context.Background())
	require.NoError(h.t, err)
	ct, err := sealed.Encrypt(rand.Reader, mpk, sealed.TimelockIdentity(round), plaintext)
	require.NoError(h.t, err)
	return Submission{
		RoundID:          round,
		Owner:            owner,
		Side:             side,
		Asset:            auction.AssetBTC,
		Amount:           amount,
		PriceLimit:       price,
		EncryptedPayload: ct,
		Commitment:       sealed.Commit(plaintext),
	}
}

func (h *harness) submit(sub Submission) uint64 {
	h.t.Helper()
	id, err := h.m.SubmitOrder(context.Background(), sub)
	require.NoError(h.t, err)
	return id
}

func (h *harness) start() {
	h.t.Helper()
	_, err := h.m.StartRound()
	require.NoError(h.t, err)
}

// submitVector places buys {10@100, 5@90} for alice and sells {8@80, 10@90} for bob.
func (h *harness) submitVector() {
	h.submit(h.seal(alice, auction.SideBuy, 10, 100))
	h.submit(h.seal(alice, auction.SideBuy, 5, 90))
	h.submit(h.seal(bob, auction.SideSell, 8, 80))
	h.submit(h.seal(bob, auction.SideSell, 10, 90))
}

func TestRoundClearsAndSettles(t *testing.T) {
	h := newHarness(t, Config{})
	h.fund(alice, 10_000, 0)
	h.fund(bob, 0, 100)
	h.start()
	h.submitVector()

	require.Equal(t, escrow.Balance{FreeQuote: 8550, LockedQuote: 1450}, h.m.Balance(alice))
	require.Equal(t, escrow.Balance{FreeBase: 82, LockedBase: 18}, h.m.Balance(bob))

	msg, err := h.m.RunClearing(context.Background())
	require.NoError(t, err)
	require.Contains(t, msg, "Price: 90")

	snap := h.m.State()
	require.Equal(t, Completed, snap.State)

	result, ok, err := h.m.RoundResult(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(90), result.ClearingPrice)
	require.Equal(t, uint64(15), result.TotalVolume)

	require.Equal(t, escrow.Balance{FreeQuote: 8650, FreeBase: 15}, h.m.Balance(alice))
	require.Equal(t, escrow.Balance{FreeQuote: 1350, FreeBase: 85}, h.m.Balance(bob))

	// persisted balances agree with the ledger
	stored, err := h.store.Balances()
	require.NoError(t, err)
	require.Equal(t, h.m.Balance(alice), stored[alice])
	require.Equal(t, h.m.Balance(bob), stored[bob])

	rec, ok, err := h.m.RoundRecord(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, storage.RoundCleared, rec.Status)
}

func TestSecondClearingIsNoop(t *testing.T) {
	h := newHarness(t, Config{})
	h.fund(alice, 10_000, 0)
	h.fund(bob, 0, 100)
	h.start()
	h.submitVector()

	_, err := h.m.RunClearing(context.Background())
	require.NoError(t, err)
	first, _, err := h.m.RoundResult(1)
	require.NoError(t, err)
	aliceAfter := h.m.Balance(alice)

	msg, err := h.m.RunClearing(context.Background())
	require.NoError(t, err)
	require.Contains(t, msg, "Completed")
	second, _, err := h.m.RoundResult(1)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, aliceAfter, h.m.Balance(alice))
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, Config{})
	h.fund(alice, 1_000, 10)

	_, err := h.m.SubmitOrder(context.Background(), h.seal(alice, auction.SideBuy, 1, 1))
	require.ErrorIs(t, err, ErrRoundNotActive)

	h.start()
	good := h.seal(alice, auction.SideBuy, 5, 100)

	tests := []struct {
		name   string
		mutate func(*Submission)
		want   error
	}{
		{"anonymous", func(s *Submission) { s.Owner = common.Address{} }, ErrAnonymous},
		{"zero amount", func(s *Submission) { s.Amount = 0 }, ErrInvalidAmount},
		{"zero price", func(s *Submission) { s.PriceLimit = 0 }, ErrInvalidPrice},
		{"empty payload", func(s *Submission) { s.EncryptedPayload = nil }, ErrEmptyPayload},
		{"empty commitment", func(s *Submission) { s.Commitment = "" }, ErrInvalidCommitment},
		{"short commitment", func(s *Submission) { s.Commitment = "abcd" }, ErrInvalidCommitment},
		{"bad side", func(s *Submission) { s.Side = 0 }, auction.ErrInvalidSide},
		{"wrong asset", func(s *Submission) { s.Asset = auction.AssetETH }, ErrWrongAsset},
		{"stale round", func(s *Submission) { s.RoundID = 7 }, ErrStaleRound},
		{"insufficient quote", func(s *Submission) { s.Amount = 11 }, escrow.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := good
			tt.mutate(&sub)
			_, err := h.m.SubmitOrder(context.Background(), sub)
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, escrow.Balance{FreeQuote: 1_000, FreeBase: 10}, h.m.Balance(alice))
			n, err := h.m.OrderCount()
			require.NoError(t, err)
			require.Zero(t, n)
		})
	}

	h.submit(good)
	_, err = h.m.SubmitOrder(context.Background(), good)
	require.ErrorIs(t, err, ErrDuplicateCommitment)

	// hex case does not make a replay a new commitment
	replay := good
	replay.Commitment = strings.ToUpper(good.Commitment)
	_, err = h.m.SubmitOrder(context.Background(), replay)
	require.ErrorIs(t, err, ErrDuplicateCommitment)
	orders, err := h.m.RoundOrders(1)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, strings.ToLower(good.Commitment), orders[0].Commitment)
}

func TestInsufficientBuyLeavesBalances(t *testing.T) {
	h := newHarness(t, Config{})
	h.fund(carol, 499, 0)
	h.start()

	_, err := h.m.SubmitOrder(context.Background(), h.seal(carol, auction.SideBuy, 5, 100))
	require.ErrorIs(t, err, escrow.ErrInsufficientFunds)
	require.Equal(t, escrow.Balance{FreeQuote: 499}, h.m.Balance(carol))
	require.Zero(t, h.m.State().RoundOrders)
}

func TestSingleBitMutationAbortsRound(t *testing.T) {
	h := newHarness(t, Config{})
	h.fund(alice, 10_000, 0)
	h.fund(bob, 0, 100)
	h.start()

	h.submit(h.seal(alice, auction.SideBuy, 10, 100))
	bad := h.seal(bob, auction.SideSell, 10, 90)
	bad.EncryptedPayload[len(bad.EncryptedPayload)-1] ^= 0x01
	h.submit(bad)

	events, cancel := h.m.Subscribe(16)
	defer cancel()

	_, err := h.m.RunClearing(context.Background())
	require.ErrorIs(t, err, ErrSecurityViolation)
	require.ErrorIs(t, err, sealed.ErrDecrypt)

	snap := h.m.State()
	require.Equal(t, Pending, snap.State)
	require.NotEmpty(t, snap.LastError)
	_, ok, err := h.m.RoundResult(1)
	require.NoError(t, err)
	require.False(t, ok)

	// funds stay locked until the round is abandoned
	require.Equal(t, uint64(1000), h.m.Balance(alice).LockedQuote)
	require.Equal(t, uint64(10), h.m.Balance(bob).LockedBase)

	var types []EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	require.Equal(t, []EventType{EventRevealing, EventRoundFailed}, types)
}

func TestCommitmentMismatchAbortsRound(t *testing.T) {
	h := newHarness(t, Config{})
	h.fund(alice, 10_000, 0)
	h.fund(bob, 0, 100)
	h.start()

	h.submit(h.seal(alice, auction.SideBuy, 10, 100))
	sell := h.seal(bob, auction.SideSell, 10, 90)
	other := h.seal(bob, auction.SideSell, 10, 90)
	sell.Commitment = other.Commitment
	h.submit(sell)

	_, err := h.m.RunClearing(context.Background())
	require.ErrorIs(t, err, sealed.ErrCommitmentMismatch)
	require.Equal(t, Pending, h.m.State().State)
}

func TestPayloadTermsMismatchAbortsRound(t *testing.T) {
	h := newHarness(t, Config{})
	h.fund(alice, 10_000, 0)
	h.fund(bob, 0, 100)
	h.start()

	h.submit(h.seal(alice, auction.SideBuy, 10, 100))
	sell := h.seal(bob, auction.SideSell, 10, 90)
	sell.PriceLimit = 80 // public terms no longer match the sealed ones
	h.submit(sell)

	_, err := h.m.RunClearing(context.Background())
	require.ErrorIs(t, err, sealed.ErrPayloadMismatch)
	require.Equal(t, Pending, h.m.State().State)
}

func TestClearingFailuresRevertToPending(t *testing.T) {
	t.Run("empty round", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.start()
		_, err := h.m.RunClearing(context.Background())
		require.ErrorIs(t, err, auction.ErrInsufficientOrders)
		require.Equal(t, Pending, h.m.State().State)
	})

	t.Run("no crossing", func(t *testing.T) {
		h := newHarness(t, Config{})
		h.fund(alice, 10_000, 0)
		h.fund(bob, 0, 100)
		h.start()
		h.submit(h.seal(alice, auction.SideBuy, 10, 80))
		h.submit(h.seal(bob, auction.SideSell, 10, 100))

		_, err := h.m.RunClearing(context.Background())
		require.ErrorIs(t, err, auction.ErrNoClearingPrice)
		require.Equal(t, Pending, h.m.State().State)
		require.Equal(t, escrow.Balance{FreeQuote: 9_200, LockedQuote: 800}, h.m.Balance(alice))
	})
}

type failingDeriver struct{ keyservice.Deriver }

func (failingDeriver) DeriveRoundKey(context.Context, []byte, []byte) ([]byte, error) {
	return nil, errors.New("threshold not reached")
}

func TestKeyServiceFailureRevertsRound(t *testing.T) {
	var keys *keyservice.Local
	h := newHarness(t, Config{}, func(d *Deps) {
		keys = d.Keys.(*keyservice.Local)
		d.Keys = failingDeriver{keys}
	})
	h.fund(alice, 10_000, 0)
	h.fund(bob, 0, 100)
	h.start()
	h.submitVector()

	_, err := h.m.RunClearing(context.Background())
	require.ErrorIs(t, err, keyservice.ErrKeyUnavailable)
	require.Equal(t, Pending, h.m.State().State)
}

type recordingExecutor struct {
	err   error
	calls []settlement.Instruction
}

func (e *recordingExecutor) Execute(_ context.Context, in settlement.Instruction) error {
	e.calls = append(e.calls, in)
	return e.err
}

func TestExecutorReceivesNetInstruction(t *testing.T) {
	exec := &recordingExecutor{}
	h := newHarness(t, Config{}, func(d *Deps) { d.Executor = exec })
	h.fund(alice, 10_000, 0)
	h.fund(bob, 0, 100)
	h.start()
	h.submitVector()

	_, err := h.m.RunClearing(context.Background())
	require.NoError(t, err)
	require.Len(t, exec.calls, 1)
	require.Equal(t, uint64(90), exec.calls[0].ClearingPrice)
	require.Equal(t, uint64(15), exec.calls[0].Volume)
	require.Equal(t, uint64(1350), exec.calls[0].QuoteNotional)
}

func TestExecutorFailureRevertsWithoutSettlement(t *testing.T) {
	exec := &recordingExecutor{err: errors.New("bridge offline")}
	h := newHarness(t, Config{}, func(d *Deps) { d.Executor = exec })
	h.fund(alice, 10_000, 0)
	h.fund(bob, 0, 100)
	h.start()
	h.submitVector()

	_, err := h.m.RunClearing(context.Background())
	require.Error(t, err)
	require.Equal(t, Pending, h.m.State().State)
	_, ok, err := h.m.RoundResult(1)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, uint64(1450), h.m.Balance(alice).LockedQuote)
}

type failingResultStore struct{ storage.Store }

func (failingResultStore) SaveResult(*auction.ClearingResult, escrow.Change, storage.RoundRecord) error {
	return errors.New("disk full")
}

func TestExecutedRoundCannotBeAbandoned(t *testing.T) {
	exec := &recordingExecutor{}
	h := newHarness(t, Config{}, func(d *Deps) {
		d.Store = failingResultStore{d.Store}
		d.Executor = exec
	})
	h.fund(alice, 10_000, 0)
	h.fund(bob, 0, 100)
	h.start()
	h.submitVector()

	_, err := h.m.RunClearing(context.Background())
	require.Error(t, err)
	require.Len(t, exec.calls, 1)
	require.Equal(t, Pending, h.m.State().State)

	rec, ok, err := h.m.RoundRecord(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, storage.RoundFailed, rec.Status)
	require.True(t, rec.Executed)

	_, err = h.m.AbandonRound(1)
	require.ErrorIs(t, err, ErrRoundExecuted)
	require.Equal(t, uint64(1450), h.m.Balance(alice).LockedQuote)
	require.Equal(t, uint64(18), h.m.Balance(bob).LockedBase)
}

func TestClearingIgnoresCancelledContext(t *testing.T) {
	exec := &recordingExecutor{}
	h := newHarness(t, Config{}, func(d *Deps) { d.Executor = exec })
	h.fund(alice, 10_000, 0)
	h.fund(bob, 0, 100)
	h.start()
	h.submitVector()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg, err := h.m.RunClearing(ctx)
	require.NoError(t, err)
	require.Contains(t, msg, "Price: 90")
	require.Equal(t, Completed, h.m.State().State)
	require.Len(t, exec.calls, 1)
	require.Equal(t, escrow.Balance{FreeQuote: 8650, FreeBase: 15}, h.m.Balance(alice))
}

type countingExecutor struct{ n atomic.Int32 }

func (e *countingExecutor) Execute(context.Context, settlement.Instruction) error {
	e.n.Add(1)
	return nil
}

func TestConcurrentTriggersClearOnce(t *testing.T) {
	exec := &countingExecutor{}
	h := newHarness(t, Config{}, func(d *Deps) { d.Executor = exec })
	h.fund(alice, 10_000, 0)
	h.fund(bob, 0, 100)
	h.start()
	h.submitVector()
	h.clock.Advance(time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = h.m.RunClearing(context.Background())
			} else {
				h.m.Tick(context.Background())
			}
		}()
	}
	wg.Wait()

	require.Equal(t, Completed, h.m.State().State)
	require.Equal(t, int32(1), exec.n.Load())
	history, err := h.m.PriceHistory()
	require.NoError(t, err)
	require.Equal(t, []PricePoint{{RoundID: 1, Price: 90, Volume: 15}}, history)
	require.Equal(t, escrow.Balance{FreeQuote: 8650, FreeBase: 15}, h.m.Balance(alice))
	require.Equal(t, escrow.Balance{FreeQuote: 1350, FreeBase: 85}, h.m.Balance(bob))
}

func TestAbandonRound(t *testing.T) {
	h := newHarness(t, Config{})
	h.fund(alice, 10_000, 0)
	h.fund(bob, 0, 100)
	h.start()
	h.submitVector()

	_, err := h.m.AbandonRound(1)
	require.ErrorIs(t, err, ErrRoundInFlight)
	_, err = h.m.AbandonRound(2)
	require.ErrorIs(t, err, ErrUnknownRound)

	_, err = h.m.ResetRound()
	require.NoError(t, err)
	require.Equal(t, Pending, h.m.State().State)

	_, err = h.m.AbandonRound(1)
	require.NoError(t, err)
	require.Equal(t, escrow.Balance{FreeQuote: 10_000}, h.m.Balance(alice))
	require.Equal(t, escrow.Balance{FreeBase: 100}, h.m.Balance(bob))

	msg, err := h.m.AbandonRound(1)
	require.NoError(t, err)
	require.Contains(t, msg, "already abandoned")
	require.Equal(t, escrow.Balance{FreeQuote: 10_000}, h.m.Balance(alice))

	// a cleared round cannot be abandoned
	h.start()
	h.submitVector()
	_, err = h.m.RunClearing(context.Background())
	require.NoError(t, err)
	_, err = h.m.AbandonRound(2)
	require.ErrorIs(t, err, ErrRoundInFlight)
	_, err = h.m.ResetRound()
	require.NoError(t, err)
	_, err = h.m.AbandonRound(2)
	require.ErrorIs(t, err, ErrRoundCleared)
}

func TestStartRoundTransitions(t *testing.T) {
	h := newHarness(t, Config{})
	h.start()
	_, err := h.m.StartRound()
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, uint64(1), h.m.State().RoundID)

	_, err = h.m.ResetRound()
	require.NoError(t, err)
	h.start()
	require.Equal(t, uint64(2), h.m.State().RoundID)
	require.Zero(t, h.m.State().RoundOrders)
}

func TestTimeRemaining(t *testing.T) {
	h := newHarness(t, Config{Duration: time.Minute})
	require.Zero(t, h.m.TimeRemaining())

	h.start()
	require.Equal(t, time.Minute, h.m.TimeRemaining())
	h.clock.Advance(40 * time.Second)
	require.Equal(t, 20*time.Second, h.m.TimeRemaining())
	h.clock.Advance(time.Minute)
	require.Zero(t, h.m.TimeRemaining())

	_, err := h.m.SetRoundDuration(5 * time.Minute)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute-100*time.Second, h.m.TimeRemaining())

	_, err = h.m.SetRoundDuration(0)
	require.ErrorIs(t, err, ErrInvalidDuration)
}

func TestTickDrivesLifecycle(t *testing.T) {
	h := newHarness(t, Config{Duration: time.Minute, Cooldown: 10 * time.Second, AutoStart: true})
	h.fund(alice, 10_000, 0)
	h.fund(bob, 0, 100)
	ctx := context.Background()

	h.m.Tick(ctx)
	require.Equal(t, Active, h.m.State().State)
	h.submitVector()

	h.clock.Advance(30 * time.Second)
	h.m.Tick(ctx)
	require.Equal(t, Active, h.m.State().State)

	h.clock.Advance(30 * time.Second)
	h.m.Tick(ctx)
	require.Equal(t, Completed, h.m.State().State)

	h.clock.Advance(5 * time.Second)
	h.m.Tick(ctx)
	require.Equal(t, Completed, h.m.State().State)

	h.clock.Advance(5 * time.Second)
	h.m.Tick(ctx)
	snap := h.m.State()
	require.Equal(t, Active, snap.State)
	require.Equal(t, uint64(2), snap.RoundID)
}

func TestTickAutoRefundsFailedRound(t *testing.T) {
	h := newHarness(t, Config{Duration: time.Minute, AutoStart: true, AutoRefund: true})
	h.fund(alice, 10_000, 0)
	ctx := context.Background()

	h.m.Tick(ctx)
	h.submit(h.seal(alice, auction.SideBuy, 10, 100))
	h.clock.Advance(time.Minute)
	h.m.Tick(ctx) // one-sided book fails
	require.Equal(t, Pending, h.m.State().State)
	require.Equal(t, uint64(1000), h.m.Balance(alice).LockedQuote)

	h.m.Tick(ctx)
	require.Equal(t, Active, h.m.State().State)
	require.Equal(t, escrow.Balance{FreeQuote: 10_000}, h.m.Balance(alice))
	rec, ok, err := h.m.RoundRecord(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, storage.RoundAbandoned, rec.Status)
}

func TestAutoRefundSurvivesRestart(t *testing.T) {
	cfg := Config{Duration: time.Minute, AutoStart: true, AutoRefund: true}
	h := newHarness(t, cfg)
	h.fund(alice, 10_000, 0)
	ctx := context.Background()

	h.m.Tick(ctx)
	h.submit(h.seal(alice, auction.SideBuy, 10, 100))
	h.clock.Advance(time.Minute)
	h.m.Tick(ctx) // one-sided book fails
	require.Equal(t, Pending, h.m.State().State)

	m2, err := NewMachine(cfg, Deps{Store: h.store, Keys: h.keys, Clock: h.clock})
	require.NoError(t, err)
	m2.Tick(ctx)

	snap := m2.State()
	require.Equal(t, Active, snap.State)
	require.Equal(t, uint64(2), snap.RoundID)
	require.Equal(t, escrow.Balance{FreeQuote: 10_000}, m2.Balance(alice))
	rec, ok, err := m2.RoundRecord(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, storage.RoundAbandoned, rec.Status)

	// once refunded, another restart does not retry
	m3, err := NewMachine(cfg, Deps{Store: h.store, Keys: h.keys, Clock: h.clock})
	require.NoError(t, err)
	require.Equal(t, escrow.Balance{FreeQuote: 10_000}, m3.Balance(alice))
	cp, ok, err := h.store.Checkpoint()
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, cp.FailedRound)
}

func TestRecoveryRestoresActiveRound(t *testing.T) {
	h := newHarness(t, Config{})
	h.fund(alice, 10_000, 0)
	h.fund(bob, 0, 100)
	h.start()
	dup := h.seal(alice, auction.SideBuy, 10, 100)
	h.submit(dup)

	m2, err := NewMachine(Config{Duration: time.Minute}, Deps{Store: h.store, Keys: h.keys, Clock: h.clock})
	require.NoError(t, err)
	snap := m2.State()
	require.Equal(t, Active, snap.State)
	require.Equal(t, uint64(1), snap.RoundID)
	require.Equal(t, uint64(1), snap.NextOrderID)
	require.Equal(t, 1, snap.RoundOrders)
	require.Equal(t, h.m.Balance(alice), m2.Balance(alice))

	_, err = m2.SubmitOrder(context.Background(), dup)
	require.ErrorIs(t, err, ErrDuplicateCommitment)

	// the recovered machine can finish the round
	h.m = m2
	h.submit(h.seal(bob, auction.SideSell, 10, 90))
	_, err = m2.RunClearing(context.Background())
	require.NoError(t, err)
	require.Equal(t, Completed, m2.State().State)
}

func TestRecoveryOfInterruptedClearing(t *testing.T) {
	store := storage.NewMemStore()
	keys, err := keyservice.NewLocal(testSeed)
	require.NoError(t, err)
	require.NoError(t, store.SaveCheckpoint(storage.Checkpoint{RoundID: 3, State: Revealing.String(), Duration: time.Minute}))

	m, err := NewMachine(Config{Duration: time.Minute}, Deps{Store: store, Keys: keys})
	require.NoError(t, err)
	require.Equal(t, Pending, m.State().State)
	rec, ok, err := store.RoundRecord(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, storage.RoundFailed, rec.Status)

	require.NoError(t, store.SaveResult(&auction.ClearingResult{RoundID: 4}, nil, storage.RoundRecord{RoundID: 4, Status: storage.RoundCleared}))
	require.NoError(t, store.SaveCheckpoint(storage.Checkpoint{RoundID: 4, State: Executing.String(), Duration: time.Minute}))
	m, err = NewMachine(Config{Duration: time.Minute}, Deps{Store: store, Keys: keys})
	require.NoError(t, err)
	require.Equal(t, Completed, m.State().State)
}

func TestEventsOnSuccess(t *testing.T) {
	h := newHarness(t, Config{})
	h.fund(alice, 10_000, 0)
	h.fund(bob, 0, 100)
	events, cancel := h.m.Subscribe(16)

	h.start()
	h.submitVector()
	_, err := h.m.RunClearing(context.Background())
	require.NoError(t, err)
	cancel()

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 5)
	require.Equal(t, EventRoundStarted, got[0].Type)
	require.Equal(t, EventRevealing, got[1].Type)
	require.Equal(t, EventClearing, got[2].Type)
	require.Equal(t, EventExecuting, got[3].Type)
	last := got[4]
	require.Equal(t, EventRoundCleared, last.Type)
	require.Equal(t, Completed, last.State)
	require.Equal(t, uint64(90), last.ClearingPrice)
	require.Equal(t, uint64(15), last.Volume)
}
