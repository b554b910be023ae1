// Package escrow keeps per-user free/locked balances and computes the balance
// changes for locking, settlement and refunds.
//
// Every mutation is two-phase: a Prepare call validates and returns the new
// balances of the touched accounts as a Change without modifying the ledger;
// the caller persists the Change together with whatever record it belongs to
// and then calls Apply. A failed Prepare leaves the ledger untouched.
package escrow

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/util"
)

var (
	ErrInsufficientFunds = errors.New("insufficient free balance")
	ErrInvalidAmount     = errors.New("amount must be positive")
	// ErrInvariant marks an internal-consistency violation: the ledger and
	// the orders or clearing result disagree.
	ErrInvariant = errors.New("escrow invariant violated")
)

// Change holds the post-operation balances of every touched account.
type Change map[common.Address]Balance

// Ledger is the in-memory view of all balances; persistence is the caller's job.
type Ledger struct {
	mu       sync.RWMutex
	balances map[common.Address]Balance
}

func NewLedger() *Ledger {
	return &Ledger{balances: make(map[common.Address]Balance)}
}

// Load replaces the ledger contents, used when recovering from storage.
func (l *Ledger) Load(balances map[common.Address]Balance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = make(map[common.Address]Balance, len(balances))
	for addr, b := range balances {
		l.balances[addr] = b
	}
}

func (l *Ledger) Balance(addr common.Address) Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[addr]
}

// Snapshot returns a copy of all balances.
func (l *Ledger) Snapshot() map[common.Address]Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[common.Address]Balance, len(l.balances))
	for addr, b := range l.balances {
		out[addr] = b
	}
	return out
}

// Apply commits a prepared change.
func (l *Ledger) Apply(c Change) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, b := range c {
		l.balances[addr] = b
	}
}

// Reservation is the amount an order locks: amount*limit quote for a buy,
// amount base for a sell.
func Reservation(o auction.Order) (Currency, uint64, error) {
	switch o.Side {
	case auction.SideBuy:
		quote, err := util.MulU64(o.Amount, o.PriceLimit)
		if err != nil {
			return "", 0, fmt.Errorf("order %d reservation: %w", o.ID, err)
		}
		return Quote, quote, nil
	case auction.SideSell:
		return Base, o.Amount, nil
	default:
		return "", 0, fmt.Errorf("order %d: %w", o.ID, auction.ErrInvalidSide)
	}
}

// PrepareDeposit credits free funds from the custodial bridge.
func (l *Ledger) PrepareDeposit(addr common.Address, c Currency, amount uint64) (Change, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	b := l.Balance(addr)
	next, err := util.AddU64(*b.free(c), amount)
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	*b.free(c) = next
	return Change{addr: b}, nil
}

// PrepareWithdraw debits free funds; locked funds cannot be withdrawn.
func (l *Ledger) PrepareWithdraw(addr common.Address, c Currency, amount uint64) (Change, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	b := l.Balance(addr)
	if *b.free(c) < amount {
		return nil, fmt.Errorf("%w: have %d %s, need %d", ErrInsufficientFunds, *b.free(c), c, amount)
	}
	*b.free(c) -= amount
	return Change{addr: b}, nil
}

// PrepareLock moves an order's reservation from free to locked.
func (l *Ledger) PrepareLock(o auction.Order) (Change, error) {
	c, amount, err := Reservation(o)
	if err != nil {
		return nil, err
	}
	b := l.Balance(o.Owner)
	if *b.free(c) < amount {
		return nil, fmt.Errorf("%w: have %d %s, need %d", ErrInsufficientFunds, *b.free(c), c, amount)
	}
	locked, err := util.AddU64(*b.locked(c), amount)
	if err != nil {
		return nil, fmt.Errorf("lock: %w", err)
	}
	*b.free(c) -= amount
	*b.locked(c) = locked
	return Change{o.Owner: b}, nil
}

// PrepareRefund releases the reservations of orders back to free balances.
// Used when a round is abandoned without a clearing result.
func (l *Ledger) PrepareRefund(orders []auction.Order) (Change, error) {
	w := l.working()
	for _, o := range orders {
		c, amount, err := Reservation(o)
		if err != nil {
			return nil, err
		}
		b := w.get(o.Owner)
		if err := release(b, c, amount); err != nil {
			return nil, fmt.Errorf("refund order %d: %w", o.ID, err)
		}
		if err := credit(b, c, amount); err != nil {
			return nil, fmt.Errorf("refund order %d: %w", o.ID, err)
		}
	}
	return w.change(), nil
}

// working is a copy-on-touch overlay used while preparing multi-account changes.
type working struct {
	l       *Ledger
	touched map[common.Address]*Balance
}

func (l *Ledger) working() *working {
	return &working{l: l, touched: make(map[common.Address]*Balance)}
}

func (w *working) get(addr common.Address) *Balance {
	if b, ok := w.touched[addr]; ok {
		return b
	}
	b := w.l.Balance(addr)
	w.touched[addr] = &b
	return &b
}

func (w *working) change() Change {
	c := make(Change, len(w.touched))
	for addr, b := range w.touched {
		c[addr] = *b
	}
	return c
}

func release(b *Balance, c Currency, amount uint64) error {
	if *b.locked(c) < amount {
		return fmt.Errorf("%w: locked %s %d below %d", ErrInvariant, c, *b.locked(c), amount)
	}
	*b.locked(c) -= amount
	return nil
}

func credit(b *Balance, c Currency, amount uint64) error {
	next, err := util.AddU64(*b.free(c), amount)
	if err != nil {
		return err
	}
	*b.free(c) = next
	return nil
}
