package auction

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/uhyunpark/veil/pkg/util"
)

var (
	ErrInsufficientOrders = errors.New("insufficient orders: need at least one buy and one sell")
	ErrNoClearingPrice    = errors.New("no clearing price: demand and supply do not cross")
	ErrInvalidSide        = errors.New("invalid order side")
)

// level is one distinct price on a cumulative curve.
type level struct {
	price uint64
	cum   uint64
}

// Clear runs a uniform-price double auction over orders.
//
// The clearing price is the candidate limit price that maximises
// min(demand, supply); among equal volumes the lowest price wins. Buys are
// filled best-price first (descending limit), sells best-price first
// (ascending limit), ties broken by order ID. Clear is pure: identical
// inputs always give identical results.
func Clear(roundID uint64, orders []Order, ts time.Time) (*ClearingResult, error) {
	var buys, sells []Order
	for _, o := range orders {
		switch o.Side {
		case SideBuy:
			buys = append(buys, o)
		case SideSell:
			sells = append(sells, o)
		default:
			return nil, fmt.Errorf("order %d: %w", o.ID, ErrInvalidSide)
		}
	}
	if len(buys) == 0 || len(sells) == 0 {
		return nil, ErrInsufficientOrders
	}

	sort.SliceStable(buys, func(i, j int) bool {
		if buys[i].PriceLimit != buys[j].PriceLimit {
			return buys[i].PriceLimit > buys[j].PriceLimit
		}
		return buys[i].ID < buys[j].ID
	})
	sort.SliceStable(sells, func(i, j int) bool {
		if sells[i].PriceLimit != sells[j].PriceLimit {
			return sells[i].PriceLimit < sells[j].PriceLimit
		}
		return sells[i].ID < sells[j].ID
	})

	demand, err := cumulative(buys)
	if err != nil {
		return nil, fmt.Errorf("demand curve: %w", err)
	}
	supply, err := cumulative(sells)
	if err != nil {
		return nil, fmt.Errorf("supply curve: %w", err)
	}

	var price, volume uint64
	for _, p := range candidates(demand, supply) {
		v := min(demandAt(demand, p), supplyAt(supply, p))
		if v > volume {
			price, volume = p, v
		}
	}
	if volume == 0 {
		return nil, ErrNoClearingPrice
	}

	result := &ClearingResult{
		RoundID:       roundID,
		ClearingPrice: price,
		TotalVolume:   volume,
		Matches:       make([]OrderMatch, 0, len(orders)),
		Timestamp:     ts,
	}

	remaining := volume
	for _, o := range buys {
		m := OrderMatch{OrderID: o.ID}
		if o.PriceLimit >= price && remaining > 0 {
			fill := min(remaining, o.Amount)
			surplus, err := util.MulU64(o.PriceLimit-price, fill)
			if err != nil {
				return nil, fmt.Errorf("buy %d surplus: %w", o.ID, err)
			}
			m = OrderMatch{OrderID: o.ID, Filled: true, FillAmount: fill, FillPrice: price, Surplus: surplus}
			remaining -= fill
		}
		result.Matches = append(result.Matches, m)
	}

	remaining = volume
	for _, o := range sells {
		m := OrderMatch{OrderID: o.ID}
		if o.PriceLimit <= price && remaining > 0 {
			fill := min(remaining, o.Amount)
			surplus, err := util.MulU64(price-o.PriceLimit, fill)
			if err != nil {
				return nil, fmt.Errorf("sell %d surplus: %w", o.ID, err)
			}
			m = OrderMatch{OrderID: o.ID, Filled: true, FillAmount: fill, FillPrice: price, Surplus: surplus}
			remaining -= fill
		}
		result.Matches = append(result.Matches, m)
	}

	for _, m := range result.Matches {
		if result.TotalSurplus, err = util.AddU64(result.TotalSurplus, m.Surplus); err != nil {
			return nil, fmt.Errorf("total surplus: %w", err)
		}
	}

	return result, nil
}

// cumulative builds the curve over already-sorted orders, one level per
// distinct price, in the orders' sort order.
func cumulative(sorted []Order) ([]level, error) {
	var (
		levels []level
		sum    uint64
		err    error
	)
	for _, o := range sorted {
		if sum, err = util.AddU64(sum, o.Amount); err != nil {
			return nil, err
		}
		if n := len(levels); n > 0 && levels[n-1].price == o.PriceLimit {
			levels[n-1].cum = sum
			continue
		}
		levels = append(levels, level{price: o.PriceLimit, cum: sum})
	}
	return levels, nil
}

// demandAt is the total buy amount with limit >= p. Levels are descending.
func demandAt(levels []level, p uint64) uint64 {
	i := sort.Search(len(levels), func(i int) bool { return levels[i].price < p })
	if i == 0 {
		return 0
	}
	return levels[i-1].cum
}

// supplyAt is the total sell amount with limit <= p. Levels are ascending.
func supplyAt(levels []level, p uint64) uint64 {
	i := sort.Search(len(levels), func(i int) bool { return levels[i].price > p })
	if i == 0 {
		return 0
	}
	return levels[i-1].cum
}

// candidates returns every distinct price on either curve, ascending.
func candidates(demand, supply []level) []uint64 {
	seen := make(map[uint64]struct{}, len(demand)+len(supply))
	out := make([]uint64, 0, len(demand)+len(supply))
	for _, curve := range [][]level{demand, supply} {
		for _, l := range curve {
			if _, ok := seen[l.price]; ok {
				continue
			}
			seen[l.price] = struct{}{}
			out = append(out, l.price)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
