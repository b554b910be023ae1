package auction

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/uhyunpark/veil/pkg/util"
)

var ts = time.Unix(1_700_000_000, 0).UTC()

func buy(id, amount, price uint64) Order {
	return Order{ID: id, Side: SideBuy, Asset: AssetBTC, Amount: amount, PriceLimit: price}
}

func sell(id, amount, price uint64) Order {
	return Order{ID: id, Side: SideSell, Asset: AssetBTC, Amount: amount, PriceLimit: price}
}

func TestClearTieBreakPicksLowestPrice(t *testing.T) {
	orders := []Order{buy(1, 10, 100), buy(2, 5, 90), sell(3, 8, 80), sell(4, 10, 90)}

	res, err := Clear(7, orders, ts)
	require.NoError(t, err)
	require.Equal(t, uint64(7), res.RoundID)
	require.Equal(t, uint64(90), res.ClearingPrice)
	require.Equal(t, uint64(15), res.TotalVolume)
	require.Equal(t, ts, res.Timestamp)

	want := []OrderMatch{
		{OrderID: 1, Filled: true, FillAmount: 10, FillPrice: 90, Surplus: 100},
		{OrderID: 2, Filled: true, FillAmount: 5, FillPrice: 90, Surplus: 0},
		{OrderID: 3, Filled: true, FillAmount: 8, FillPrice: 90, Surplus: 80},
		{OrderID: 4, Filled: true, FillAmount: 7, FillPrice: 90, Surplus: 0},
	}
	require.Equal(t, want, res.Matches)
	require.Equal(t, uint64(180), res.TotalSurplus)
}

func TestClearPartialAndUnfilled(t *testing.T) {
	orders := []Order{
		buy(1, 4, 120),
		buy(2, 6, 100),
		buy(3, 5, 70), // below clearing price
		sell(4, 3, 90),
		sell(5, 5, 100),
		sell(6, 9, 130), // above clearing price
	}

	res, err := Clear(1, orders, ts)
	require.NoError(t, err)
	require.Equal(t, uint64(100), res.ClearingPrice)
	require.Equal(t, uint64(8), res.TotalVolume)

	byID := map[uint64]OrderMatch{}
	for _, m := range res.Matches {
		byID[m.OrderID] = m
	}
	require.Equal(t, uint64(4), byID[1].FillAmount)
	require.Equal(t, uint64(4), byID[2].FillAmount, "second buy is partially filled")
	require.False(t, byID[3].Filled)
	require.Zero(t, byID[3].FillPrice)
	require.Equal(t, uint64(3), byID[4].FillAmount)
	require.Equal(t, uint64(5), byID[5].FillAmount)
	require.False(t, byID[6].Filled)
}

func TestClearMatchOrder(t *testing.T) {
	orders := []Order{sell(1, 5, 50), buy(2, 5, 60), buy(3, 5, 60), sell(4, 5, 40)}

	res, err := Clear(1, orders, ts)
	require.NoError(t, err)

	ids := make([]uint64, 0, len(res.Matches))
	for _, m := range res.Matches {
		ids = append(ids, m.OrderID)
	}
	// Buys (equal limits ordered by ID) then sells ascending by limit.
	require.Equal(t, []uint64{2, 3, 4, 1}, ids)
}

func TestClearErrors(t *testing.T) {
	tests := []struct {
		name   string
		orders []Order
		want   error
	}{
		{"empty", nil, ErrInsufficientOrders},
		{"only buys", []Order{buy(1, 1, 10), buy(2, 1, 11)}, ErrInsufficientOrders},
		{"only sells", []Order{sell(1, 1, 10)}, ErrInsufficientOrders},
		{"no crossing", []Order{buy(1, 5, 50), sell(2, 5, 60)}, ErrNoClearingPrice},
		{"invalid side", []Order{buy(1, 5, 50), {ID: 2, Amount: 1, PriceLimit: 1}}, ErrInvalidSide},
		{"curve overflow", []Order{buy(1, math.MaxUint64, 10), buy(2, 1, 10), sell(3, 1, 5)}, util.ErrOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Clear(1, tt.orders, ts)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if res != nil {
				t.Fatalf("expected nil result on error")
			}
		})
	}
}

func TestClearSurplusOverflow(t *testing.T) {
	orders := []Order{buy(1, math.MaxUint64/2, math.MaxUint64), sell(2, math.MaxUint64/2, 1)}
	_, err := Clear(1, orders, ts)
	require.ErrorIs(t, err, util.ErrOverflow)
}

func genOrders(t *rapid.T) []Order {
	n := rapid.IntRange(2, 40).Draw(t, "n")
	orders := make([]Order, n)
	for i := range orders {
		side := SideBuy
		if rapid.Bool().Draw(t, "sell") {
			side = SideSell
		}
		orders[i] = Order{
			ID:         uint64(i),
			Side:       side,
			Asset:      AssetBTC,
			Amount:     rapid.Uint64Range(1, 1000).Draw(t, "amount"),
			PriceLimit: rapid.Uint64Range(1, 200).Draw(t, "price"),
		}
	}
	return orders
}

// volumeAt recomputes the executable volume at p by brute force.
func volumeAt(orders []Order, p uint64) uint64 {
	var d, s uint64
	for _, o := range orders {
		if o.Side == SideBuy && o.PriceLimit >= p {
			d += o.Amount
		}
		if o.Side == SideSell && o.PriceLimit <= p {
			s += o.Amount
		}
	}
	return min(d, s)
}

func TestPropertyClearingInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		orders := genOrders(t)

		res, err := Clear(1, orders, ts)
		switch {
		case errors.Is(err, ErrInsufficientOrders):
			return
		case errors.Is(err, ErrNoClearingPrice):
			for _, o := range orders {
				if v := volumeAt(orders, o.PriceLimit); v != 0 {
					t.Fatalf("no clearing price reported but volume %d executable at %d", v, o.PriceLimit)
				}
			}
			return
		case err != nil:
			t.Fatalf("unexpected error: %v", err)
		}

		if len(res.Matches) != len(orders) {
			t.Fatalf("matches = %d, orders = %d", len(res.Matches), len(orders))
		}

		byID := make(map[uint64]Order, len(orders))
		for _, o := range orders {
			byID[o.ID] = o
		}

		var buyFill, sellFill, surplus uint64
		for _, m := range res.Matches {
			o := byID[m.OrderID]
			if m.FillAmount > o.Amount {
				t.Fatalf("order %d fill %d > amount %d", o.ID, m.FillAmount, o.Amount)
			}
			if m.Filled != (m.FillAmount > 0) {
				t.Fatalf("order %d filled flag inconsistent", o.ID)
			}
			if m.Filled && m.FillPrice != res.ClearingPrice {
				t.Fatalf("order %d fill price %d != clearing %d", o.ID, m.FillPrice, res.ClearingPrice)
			}
			if o.Side == SideBuy {
				buyFill += m.FillAmount
			} else {
				sellFill += m.FillAmount
			}
			surplus += m.Surplus
		}
		if buyFill != res.TotalVolume || sellFill != res.TotalVolume {
			t.Fatalf("buy fill %d, sell fill %d, volume %d", buyFill, sellFill, res.TotalVolume)
		}
		if surplus != res.TotalSurplus {
			t.Fatalf("surplus %d != total %d", surplus, res.TotalSurplus)
		}

		// Maximal volume, lowest price among ties.
		for _, o := range orders {
			v := volumeAt(orders, o.PriceLimit)
			if v > res.TotalVolume {
				t.Fatalf("price %d executes %d > chosen %d", o.PriceLimit, v, res.TotalVolume)
			}
			if v == res.TotalVolume && o.PriceLimit < res.ClearingPrice {
				t.Fatalf("lower price %d reaches max volume %d", o.PriceLimit, v)
			}
		}
	})
}

func TestPropertyClearingDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		orders := genOrders(t)
		shuffled := rapid.Permutation(orders).Draw(t, "shuffled")

		a, errA := Clear(3, orders, ts)
		b, errB := Clear(3, shuffled, ts)
		if (errA == nil) != (errB == nil) {
			t.Fatalf("errors differ: %v vs %v", errA, errB)
		}
		if errA != nil {
			return
		}
		require.Equal(t, a, b)
	})
}
