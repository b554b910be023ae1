package escrow

import (
	"fmt"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/util"
)

// PrepareSettlement computes the balance changes of a clearing result.
// Filled buys receive base and the unspent part of their quote reservation;
// filled sells receive quote and the unsold part of their base reservation;
// unfilled orders get their whole reservation back. Any inconsistency
// between orders and result fails the whole pass.
func (l *Ledger) PrepareSettlement(orders []auction.Order, result *auction.ClearingResult) (Change, error) {
	if result == nil {
		return nil, fmt.Errorf("%w: nil clearing result", ErrInvariant)
	}
	if len(result.Matches) != len(orders) {
		return nil, fmt.Errorf("%w: %d matches for %d orders", ErrInvariant, len(result.Matches), len(orders))
	}

	byID := make(map[uint64]auction.Order, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}

	w := l.working()
	for _, m := range result.Matches {
		o, ok := byID[m.OrderID]
		if !ok {
			return nil, fmt.Errorf("%w: match for unknown order %d", ErrInvariant, m.OrderID)
		}
		delete(byID, m.OrderID)
		if err := settleOne(w.get(o.Owner), o, m); err != nil {
			return nil, fmt.Errorf("settle order %d: %w", o.ID, err)
		}
	}
	return w.change(), nil
}

func settleOne(b *Balance, o auction.Order, m auction.OrderMatch) error {
	c, reserved, err := Reservation(o)
	if err != nil {
		return err
	}
	if err := release(b, c, reserved); err != nil {
		return err
	}
	if !m.Filled || m.FillAmount == 0 {
		return credit(b, c, reserved)
	}
	if m.FillAmount > o.Amount {
		return fmt.Errorf("%w: fill %d exceeds amount %d", ErrInvariant, m.FillAmount, o.Amount)
	}

	cost, err := util.MulU64(m.FillAmount, m.FillPrice)
	if err != nil {
		return err
	}
	switch o.Side {
	case auction.SideBuy:
		if cost > reserved {
			return fmt.Errorf("%w: cost %d exceeds reserved %d", ErrInvariant, cost, reserved)
		}
		if err := credit(b, Base, m.FillAmount); err != nil {
			return err
		}
		return credit(b, Quote, reserved-cost)
	default:
		if err := credit(b, Base, reserved-m.FillAmount); err != nil {
			return err
		}
		return credit(b, Quote, cost)
	}
}
