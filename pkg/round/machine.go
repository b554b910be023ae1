// Package round owns the auction lifecycle: it accepts sealed orders while a
// round is Active, then reveals, clears and settles the round in one pass.
//
// All mutations serialize on the Machine's mutex. Key derivation and the
// settlement hand-off run with the mutex released; the in-flight state
// (Revealing, Executing) keeps submissions and a second clearing out.
package round

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/escrow"
	"github.com/uhyunpark/veil/pkg/keyservice"
	"github.com/uhyunpark/veil/pkg/sealed"
	"github.com/uhyunpark/veil/pkg/settlement"
	"github.com/uhyunpark/veil/pkg/storage"
	"github.com/uhyunpark/veil/pkg/util"
)

type Config struct {
	Duration   time.Duration
	Cooldown   time.Duration
	AutoStart  bool
	AutoRefund bool
	Asset      auction.Asset
}

type Deps struct {
	Store    storage.Store
	Keys     keyservice.Deriver
	Executor settlement.Executor // optional
	Clock    util.Clock
	Logger   *zap.SugaredLogger
}

// Submission is an order as received from a trader. Owner is the
// authenticated caller. A non-zero RoundID must name the current round.
type Submission struct {
	RoundID          uint64
	Owner            common.Address
	Side             auction.Side
	Asset            auction.Asset
	Amount           uint64
	PriceLimit       uint64
	EncryptedPayload []byte
	Commitment       string
}

type Machine struct {
	mu sync.Mutex

	cfg      Config
	store    storage.Store
	ledger   *escrow.Ledger
	keys     keyservice.Deriver
	executor settlement.Executor
	clock    util.Clock
	log      *zap.SugaredLogger

	state       State
	roundID     uint64
	roundStart  time.Time
	idleSince   time.Time
	lastErr     string
	failedRound uint64
	nextOrderID uint64
	roundOrders int
	commitments map[string]struct{}

	mpkMu sync.Mutex
	mpk   []byte

	subMu sync.Mutex
	subs  map[int]chan Event
	subID int

	ticking atomic.Bool
}

// NewMachine builds a machine and recovers its state from the store.
func NewMachine(cfg Config, deps Deps) (*Machine, error) {
	if cfg.Duration <= 0 {
		return nil, ErrInvalidDuration
	}
	if deps.Store == nil || deps.Keys == nil {
		return nil, fmt.Errorf("round machine needs a store and a key service")
	}
	if deps.Clock == nil {
		deps.Clock = util.RealClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if cfg.Asset == "" {
		cfg.Asset = auction.AssetBTC
	}

	m := &Machine{
		cfg:         cfg,
		store:       deps.Store,
		ledger:      escrow.NewLedger(),
		keys:        deps.Keys,
		executor:    deps.Executor,
		clock:       deps.Clock,
		log:         deps.Logger,
		commitments: make(map[string]struct{}),
		subs:        make(map[int]chan Event),
	}
	if err := m.recover(); err != nil {
		return nil, fmt.Errorf("recover round state: %w", err)
	}
	return m, nil
}

func (m *Machine) recover() error {
	balances, err := m.store.Balances()
	if err != nil {
		return err
	}
	m.ledger.Load(balances)

	if m.nextOrderID, err = m.store.OrderCount(); err != nil {
		return err
	}

	cp, ok, err := m.store.Checkpoint()
	if err != nil || !ok {
		return err
	}
	state, err := ParseState(cp.State)
	if err != nil {
		return err
	}
	m.roundID = cp.RoundID
	m.roundStart = cp.RoundStart
	m.idleSince = cp.IdleSince
	m.lastErr = cp.LastError
	m.failedRound = cp.FailedRound
	if cp.Duration > 0 {
		m.cfg.Duration = cp.Duration
	}

	if state.InFlight() {
		// interrupted mid-clearing: the result either made it to disk or nothing did
		_, cleared, err := m.store.Result(m.roundID)
		if err != nil {
			return err
		}
		if cleared {
			state = Completed
		} else {
			state = Pending
			m.failedRound = m.roundID
			m.lastErr = "interrupted during clearing"
			if err := m.recordRound(storage.RoundFailed, m.lastErr, nil); err != nil {
				return err
			}
		}
		m.idleSince = time.Time{}
	}
	m.state = state

	if state == Active {
		orders, err := m.store.OrdersByRound(m.roundID)
		if err != nil {
			return err
		}
		for _, o := range orders {
			m.commitments[strings.ToLower(o.Commitment)] = struct{}{}
		}
		m.roundOrders = len(orders)
	}

	m.log.Infow("round_recovered", "round", m.roundID, "state", m.state.String(), "next_order_id", m.nextOrderID)
	return m.checkpoint()
}

// checkpoint persists the lifecycle fields. Caller holds mu.
func (m *Machine) checkpoint() error {
	return m.store.SaveCheckpoint(storage.Checkpoint{
		RoundID:     m.roundID,
		State:       m.state.String(),
		RoundStart:  m.roundStart,
		Duration:    m.cfg.Duration,
		IdleSince:   m.idleSince,
		LastError:   m.lastErr,
		FailedRound: m.failedRound,
	})
}

// transition moves to s and persists the checkpoint. Caller holds mu.
func (m *Machine) transition(s State) {
	m.state = s
	if err := m.checkpoint(); err != nil {
		m.log.Errorw("checkpoint_failed", "round", m.roundID, "state", s.String(), "err", err)
	}
}

// recordRound writes the round's history row. Caller holds mu.
func (m *Machine) recordRound(status storage.RoundStatus, errMsg string, change escrow.Change) error {
	rec, _, err := m.store.RoundRecord(m.roundID)
	if err != nil {
		return err
	}
	rec.RoundID = m.roundID
	rec.Status = status
	rec.Error = errMsg
	if rec.StartedAt.IsZero() {
		rec.StartedAt = m.roundStart
	}
	if status != storage.RoundActive {
		rec.EndedAt = m.clock.Now()
	}
	return m.store.SaveRoundRecord(rec, change)
}

func (m *Machine) event(t EventType) Event {
	return Event{Type: t, RoundID: m.roundID, State: m.state, Timestamp: m.clock.Now()}
}

// SubmitOrder validates, escrows and stores a sealed order.
func (m *Machine) SubmitOrder(ctx context.Context, sub Submission) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if sub.Owner == (common.Address{}) {
		return 0, ErrAnonymous
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Active {
		return 0, fmt.Errorf("%w: round %d is %s", ErrRoundNotActive, m.roundID, m.state)
	}
	if sub.RoundID != 0 && sub.RoundID != m.roundID {
		return 0, fmt.Errorf("%w: signed for round %d, current is %d", ErrStaleRound, sub.RoundID, m.roundID)
	}
	switch {
	case sub.Amount == 0:
		return 0, ErrInvalidAmount
	case sub.PriceLimit == 0:
		return 0, ErrInvalidPrice
	case len(sub.EncryptedPayload) == 0:
		return 0, ErrEmptyPayload
	}
	if err := sealed.ValidateCommitment(sub.Commitment); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCommitment, err)
	}
	commitment := strings.ToLower(sub.Commitment)
	if !sub.Side.Valid() {
		return 0, auction.ErrInvalidSide
	}
	if sub.Asset != m.cfg.Asset {
		return 0, fmt.Errorf("%w: %q", ErrWrongAsset, sub.Asset)
	}
	if _, dup := m.commitments[commitment]; dup {
		return 0, ErrDuplicateCommitment
	}

	order := auction.Order{
		ID:               m.nextOrderID,
		RoundID:          m.roundID,
		Owner:            sub.Owner,
		Side:             sub.Side,
		Asset:            sub.Asset,
		Amount:           sub.Amount,
		PriceLimit:       sub.PriceLimit,
		CreatedAt:        m.clock.Now().UTC(),
		EncryptedPayload: append([]byte(nil), sub.EncryptedPayload...),
		Commitment:       commitment,
	}

	change, err := m.ledger.PrepareLock(order)
	if err != nil {
		return 0, err
	}
	if err := m.store.CreateOrder(order, change); err != nil {
		return 0, fmt.Errorf("store order: %w", err)
	}
	m.ledger.Apply(change)
	m.nextOrderID++
	m.roundOrders++
	m.commitments[order.Commitment] = struct{}{}

	m.log.Infow("order_accepted", "round", order.RoundID, "order", order.ID, "side", order.Side.String())
	return order.ID, nil
}

// StartRound opens a fresh round. Allowed from Pending or Completed.
func (m *Machine) StartRound() (string, error) {
	m.mu.Lock()
	if m.state != Pending && m.state != Completed {
		msg := fmt.Sprintf("Cannot start round: round %d is %s", m.roundID, m.state)
		m.mu.Unlock()
		return msg, fmt.Errorf("%w: %s", ErrInvalidTransition, msg)
	}

	m.roundID++
	m.roundStart = m.clock.Now()
	m.roundOrders = 0
	m.lastErr = ""
	m.commitments = make(map[string]struct{})
	m.transition(Active)
	if err := m.recordRound(storage.RoundActive, "", nil); err != nil {
		m.log.Warnw("round_record_failed", "round", m.roundID, "err", err)
	}
	ev := m.event(EventRoundStarted)
	msg := fmt.Sprintf("Round %d started. Accepting orders for %s.", m.roundID, m.cfg.Duration)
	m.log.Infow("round_started", "round", m.roundID, "duration", m.cfg.Duration.String())
	m.mu.Unlock()

	m.publish(ev)
	return msg, nil
}

// ResetRound returns an Active or finished round to Pending. Orders of a
// reset round stay escrowed until AbandonRound.
func (m *Machine) ResetRound() (string, error) {
	m.mu.Lock()
	if m.state.InFlight() {
		msg := fmt.Sprintf("Cannot reset round %d while %s", m.roundID, m.state)
		m.mu.Unlock()
		return msg, ErrClearingInFlight
	}
	if m.state == Active {
		m.failedRound = m.roundID
		if err := m.recordRound(storage.RoundReset, "reset by admin", nil); err != nil {
			m.log.Warnw("round_record_failed", "round", m.roundID, "err", err)
		}
	}
	m.idleSince = m.clock.Now()
	m.transition(Pending)
	ev := m.event(EventRoundReset)
	msg := fmt.Sprintf("Round %d reset to Pending state", m.roundID)
	m.log.Infow("round_reset", "round", m.roundID)
	m.mu.Unlock()

	m.publish(ev)
	return msg, nil
}

// SetRoundDuration changes the submission window; it applies to the
// current Active round too.
func (m *Machine) SetRoundDuration(d time.Duration) (string, error) {
	if d <= 0 {
		return "", ErrInvalidDuration
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Duration = d
	if err := m.checkpoint(); err != nil {
		return "", err
	}
	m.log.Infow("round_duration_set", "duration", d.String())
	return fmt.Sprintf("Round duration set to %s", d), nil
}

func (m *Machine) State() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		RoundID:       m.roundID,
		State:         m.state,
		RoundStart:    m.roundStart,
		Duration:      m.cfg.Duration,
		TimeRemaining: m.timeRemaining(),
		NextOrderID:   m.nextOrderID,
		RoundOrders:   m.roundOrders,
		LastError:     m.lastErr,
	}
}

// TimeRemaining is zero unless the round is Active.
func (m *Machine) TimeRemaining() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeRemaining()
}

func (m *Machine) timeRemaining() time.Duration {
	if m.state != Active {
		return 0
	}
	elapsed := m.clock.Now().Sub(m.roundStart)
	if elapsed >= m.cfg.Duration {
		return 0
	}
	return m.cfg.Duration - elapsed
}

func (m *Machine) Balance(owner common.Address) escrow.Balance {
	return m.ledger.Balance(owner)
}

// Deposit credits free funds from the custodial bridge.
func (m *Machine) Deposit(owner common.Address, c escrow.Currency, amount uint64) (escrow.Balance, error) {
	return m.fund(owner, func() (escrow.Change, error) { return m.ledger.PrepareDeposit(owner, c, amount) })
}

// Withdraw debits free funds back to the custodial bridge.
func (m *Machine) Withdraw(owner common.Address, c escrow.Currency, amount uint64) (escrow.Balance, error) {
	return m.fund(owner, func() (escrow.Change, error) { return m.ledger.PrepareWithdraw(owner, c, amount) })
}

func (m *Machine) fund(owner common.Address, prepare func() (escrow.Change, error)) (escrow.Balance, error) {
	if owner == (common.Address{}) {
		return escrow.Balance{}, ErrAnonymous
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	change, err := prepare()
	if err != nil {
		return escrow.Balance{}, err
	}
	if err := m.store.SaveBalances(change); err != nil {
		return escrow.Balance{}, fmt.Errorf("persist balance: %w", err)
	}
	m.ledger.Apply(change)
	return change[owner], nil
}

// EncryptionPublicKey is the master public key clients encrypt orders to.
func (m *Machine) EncryptionPublicKey(ctx context.Context) ([]byte, error) {
	m.mpkMu.Lock()
	defer m.mpkMu.Unlock()
	if m.mpk == nil {
		mpk, err := m.keys.MasterPublicKey(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", keyservice.ErrKeyUnavailable, err)
		}
		m.mpk = mpk
	}
	return append([]byte(nil), m.mpk...), nil
}

// Subscribe returns a channel of lifecycle events and a cancel func. Slow
// subscribers miss events rather than block the machine.
func (m *Machine) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	m.subMu.Lock()
	id := m.subID
	m.subID++
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
}

func (m *Machine) publish(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
