package escrow

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/util"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func fund(t *testing.T, l *Ledger, addr common.Address, quote, base uint64) {
	t.Helper()
	if quote > 0 {
		c, err := l.PrepareDeposit(addr, Quote, quote)
		require.NoError(t, err)
		l.Apply(c)
	}
	if base > 0 {
		c, err := l.PrepareDeposit(addr, Base, base)
		require.NoError(t, err)
		l.Apply(c)
	}
}

func TestDepositWithdraw(t *testing.T) {
	l := NewLedger()
	fund(t, l, alice, 1000, 5)

	c, err := l.PrepareWithdraw(alice, Quote, 400)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), l.Balance(alice).FreeQuote, "prepare must not mutate")
	l.Apply(c)
	require.Equal(t, Balance{FreeQuote: 600, FreeBase: 5}, l.Balance(alice))

	_, err = l.PrepareWithdraw(alice, Base, 6)
	require.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = l.PrepareDeposit(alice, Quote, 0)
	require.ErrorIs(t, err, ErrInvalidAmount)

	fund(t, l, bob, ^uint64(0), 0)
	_, err = l.PrepareDeposit(bob, Quote, 1)
	require.ErrorIs(t, err, util.ErrOverflow)
}

func TestLockBuyAndSell(t *testing.T) {
	l := NewLedger()
	fund(t, l, alice, 1000, 0)
	fund(t, l, bob, 0, 10)

	c, err := l.PrepareLock(auction.Order{ID: 0, Owner: alice, Side: auction.SideBuy, Amount: 10, PriceLimit: 100})
	require.NoError(t, err)
	l.Apply(c)
	require.Equal(t, Balance{LockedQuote: 1000}, l.Balance(alice))

	c, err = l.PrepareLock(auction.Order{ID: 1, Owner: bob, Side: auction.SideSell, Amount: 4, PriceLimit: 80})
	require.NoError(t, err)
	l.Apply(c)
	require.Equal(t, Balance{FreeBase: 6, LockedBase: 4}, l.Balance(bob))
}

func TestLockInsufficientLeavesBalance(t *testing.T) {
	l := NewLedger()
	fund(t, l, alice, 999, 0)

	_, err := l.PrepareLock(auction.Order{Owner: alice, Side: auction.SideBuy, Amount: 10, PriceLimit: 100})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.Equal(t, Balance{FreeQuote: 999}, l.Balance(alice))

	_, err = l.PrepareLock(auction.Order{Owner: alice, Side: auction.SideBuy, Amount: 1 << 40, PriceLimit: 1 << 40})
	require.ErrorIs(t, err, util.ErrOverflow)

	_, err = l.PrepareLock(auction.Order{Owner: alice, Side: 9, Amount: 1, PriceLimit: 1})
	require.ErrorIs(t, err, auction.ErrInvalidSide)
}

func TestSettlement(t *testing.T) {
	l := NewLedger()
	fund(t, l, alice, 2000, 0)
	fund(t, l, bob, 0, 20)

	orders := []auction.Order{
		{ID: 0, Owner: alice, Side: auction.SideBuy, Amount: 10, PriceLimit: 100},
		{ID: 1, Owner: alice, Side: auction.SideBuy, Amount: 5, PriceLimit: 90},
		{ID: 2, Owner: bob, Side: auction.SideSell, Amount: 8, PriceLimit: 80},
		{ID: 3, Owner: bob, Side: auction.SideSell, Amount: 10, PriceLimit: 90},
	}
	for _, o := range orders {
		c, err := l.PrepareLock(o)
		require.NoError(t, err)
		l.Apply(c)
	}
	require.Equal(t, Balance{FreeQuote: 550, LockedQuote: 1450}, l.Balance(alice))

	result, err := auction.Clear(1, orders, time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, uint64(90), result.ClearingPrice)

	c, err := l.PrepareSettlement(orders, result)
	require.NoError(t, err)
	l.Apply(c)

	// alice bought 15 at 90 = 1350 quote.
	require.Equal(t, Balance{FreeQuote: 650, FreeBase: 15}, l.Balance(alice))
	// bob sold 15 of 18 reserved, receives 1350 quote.
	require.Equal(t, Balance{FreeQuote: 1350, FreeBase: 5}, l.Balance(bob))
}

func TestSettlementRefundsUnfilled(t *testing.T) {
	l := NewLedger()
	fund(t, l, alice, 1000, 0)
	fund(t, l, bob, 0, 10)

	orders := []auction.Order{
		{ID: 0, Owner: alice, Side: auction.SideBuy, Amount: 5, PriceLimit: 100},
		{ID: 1, Owner: bob, Side: auction.SideSell, Amount: 3, PriceLimit: 100},
		{ID: 2, Owner: bob, Side: auction.SideSell, Amount: 4, PriceLimit: 150},
	}
	for _, o := range orders {
		c, err := l.PrepareLock(o)
		require.NoError(t, err)
		l.Apply(c)
	}
	result, err := auction.Clear(1, orders, time.Unix(0, 0))
	require.NoError(t, err)

	c, err := l.PrepareSettlement(orders, result)
	require.NoError(t, err)
	l.Apply(c)

	require.Equal(t, Balance{FreeQuote: 700, FreeBase: 3}, l.Balance(alice))
	require.Equal(t, Balance{FreeQuote: 300, FreeBase: 7}, l.Balance(bob))
}

func TestSettlementInvariantViolations(t *testing.T) {
	order := auction.Order{ID: 0, Owner: alice, Side: auction.SideBuy, Amount: 10, PriceLimit: 100}
	tests := []struct {
		name    string
		orders  []auction.Order
		matches []auction.OrderMatch
	}{
		{
			name:    "cost above reservation",
			orders:  []auction.Order{order},
			matches: []auction.OrderMatch{{OrderID: 0, Filled: true, FillAmount: 10, FillPrice: 101}},
		},
		{
			name:    "fill above amount",
			orders:  []auction.Order{order},
			matches: []auction.OrderMatch{{OrderID: 0, Filled: true, FillAmount: 11, FillPrice: 50}},
		},
		{
			name:    "unknown order",
			orders:  []auction.Order{order},
			matches: []auction.OrderMatch{{OrderID: 7}},
		},
		{
			name:    "match count mismatch",
			orders:  []auction.Order{order},
			matches: nil,
		},
		{
			name:    "nothing locked",
			orders:  []auction.Order{{ID: 0, Owner: bob, Side: auction.SideSell, Amount: 1, PriceLimit: 1}},
			matches: []auction.OrderMatch{{OrderID: 0}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLedger()
			fund(t, l, alice, 1000, 0)
			c, err := l.PrepareLock(order)
			require.NoError(t, err)
			l.Apply(c)
			before := l.Snapshot()

			_, err = l.PrepareSettlement(tt.orders, &auction.ClearingResult{Matches: tt.matches})
			require.ErrorIs(t, err, ErrInvariant)
			require.Equal(t, before, l.Snapshot())
		})
	}
}

func TestRefund(t *testing.T) {
	l := NewLedger()
	fund(t, l, alice, 500, 3)
	orders := []auction.Order{
		{ID: 0, Owner: alice, Side: auction.SideBuy, Amount: 2, PriceLimit: 100},
		{ID: 1, Owner: alice, Side: auction.SideSell, Amount: 3, PriceLimit: 100},
	}
	for _, o := range orders {
		c, err := l.PrepareLock(o)
		require.NoError(t, err)
		l.Apply(c)
	}
	require.Equal(t, Balance{FreeQuote: 300, LockedQuote: 200, LockedBase: 3}, l.Balance(alice))

	c, err := l.PrepareRefund(orders)
	require.NoError(t, err)
	l.Apply(c)
	require.Equal(t, Balance{FreeQuote: 500, FreeBase: 3}, l.Balance(alice))

	// refunding twice would release more than is locked
	_, err = l.PrepareRefund(orders)
	require.True(t, errors.Is(err, ErrInvariant))
}

func TestParseCurrency(t *testing.T) {
	c, err := ParseCurrency("QUOTE")
	require.NoError(t, err)
	require.Equal(t, Quote, c)
	_, err = ParseCurrency("usd")
	require.Error(t, err)
}

// Total quote and total base held by all users are unchanged by lock and
// settlement: value only moves between accounts.
func TestConservationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		users := []common.Address{alice, bob, common.HexToAddress("0xc0ffee")}
		l := NewLedger()
		for _, u := range users {
			c, _ := l.PrepareDeposit(u, Quote, 1_000_000)
			l.Apply(c)
			c, _ = l.PrepareDeposit(u, Base, 10_000)
			l.Apply(c)
		}
		quote0, base0 := totals(l)

		n := rapid.IntRange(2, 20).Draw(t, "n")
		var orders []auction.Order
		for i := 0; i < n; i++ {
			o := auction.Order{
				ID:         uint64(len(orders)),
				Owner:      users[rapid.IntRange(0, len(users)-1).Draw(t, "owner")],
				Side:       auction.Side(rapid.IntRange(1, 2).Draw(t, "side")),
				Amount:     rapid.Uint64Range(1, 100).Draw(t, "amount"),
				PriceLimit: rapid.Uint64Range(1, 200).Draw(t, "price"),
			}
			c, err := l.PrepareLock(o)
			if err != nil {
				continue
			}
			l.Apply(c)
			orders = append(orders, o)
		}

		q, b := totals(l)
		if q != quote0 || b != base0 {
			t.Fatalf("lock changed totals: quote %d->%d base %d->%d", quote0, q, base0, b)
		}

		result, err := auction.Clear(1, orders, time.Unix(0, 0))
		if err != nil {
			return
		}
		c, err := l.PrepareSettlement(orders, result)
		if err != nil {
			t.Fatalf("settlement: %v", err)
		}
		l.Apply(c)

		q, b = totals(l)
		if q != quote0 || b != base0 {
			t.Fatalf("settlement changed totals: quote %d->%d base %d->%d", quote0, q, base0, b)
		}
		for addr, bal := range l.Snapshot() {
			if bal.LockedQuote != 0 || bal.LockedBase != 0 {
				t.Fatalf("%s still has locked funds after settlement: %+v", addr.Hex(), bal)
			}
		}
	})
}

func totals(l *Ledger) (quote, base uint64) {
	for _, b := range l.Snapshot() {
		quote += b.FreeQuote + b.LockedQuote
		base += b.FreeBase + b.LockedBase
	}
	return quote, base
}
