package round

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/storage"
)

// Everything here is rebuilt from stored orders and clearing results.

type UserStats struct {
	User               common.Address `json:"user"`
	TotalOrders        uint64         `json:"totalOrders"`
	FilledOrders       uint64         `json:"filledOrders"`
	TotalSurplus       uint64         `json:"totalSurplus"`
	RoundsParticipated uint64         `json:"roundsParticipated"`
}

type LeaderboardEntry struct {
	User     common.Address `json:"user"`
	Surplus  uint64         `json:"surplus"`
	FillRate uint64         `json:"fillRate"` // percent
	Rank     uint64         `json:"rank"`
}

type PricePoint struct {
	RoundID uint64 `json:"roundId"`
	Price   uint64 `json:"price"`
	Volume  uint64 `json:"volume"`
}

// OrderBookSummary aggregates the current round without identities or prices.
type OrderBookSummary struct {
	RoundID         uint64 `json:"roundId"`
	BuyOrders       uint64 `json:"buyOrders"`
	SellOrders      uint64 `json:"sellOrders"`
	TotalBuyVolume  uint64 `json:"totalBuyVolume"`
	TotalSellVolume uint64 `json:"totalSellVolume"`
}

type PlatformStats struct {
	TotalOrders  uint64 `json:"totalOrders"`
	TotalRounds  uint64 `json:"totalRounds"`
	TotalUsers   uint64 `json:"totalUsers"`
	TotalVolume  uint64 `json:"totalVolume"`
	TotalSurplus uint64 `json:"totalSurplus"`
}

func (m *Machine) currentRound() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roundID
}

func (m *Machine) OrderCount() (uint64, error) { return m.store.OrderCount() }

// CurrentRoundOrderCount counts orders accepted into the current round.
func (m *Machine) CurrentRoundOrderCount() (uint64, error) {
	orders, err := m.store.OrdersByRound(m.currentRound())
	return uint64(len(orders)), err
}

func (m *Machine) UserOrders(owner common.Address) ([]auction.Order, error) {
	return m.store.OrdersByOwner(owner)
}

func (m *Machine) UserCurrentRoundOrders(owner common.Address) ([]auction.Order, error) {
	round := m.currentRound()
	all, err := m.store.OrdersByOwner(owner)
	if err != nil {
		return nil, err
	}
	var out []auction.Order
	for _, o := range all {
		if o.RoundID == round {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Machine) RoundOrders(roundID uint64) ([]auction.Order, error) {
	return m.store.OrdersByRound(roundID)
}

func (m *Machine) RoundResult(roundID uint64) (*auction.ClearingResult, bool, error) {
	return m.store.Result(roundID)
}

func (m *Machine) CurrentRoundResult() (*auction.ClearingResult, bool, error) {
	return m.store.Result(m.currentRound())
}

func (m *Machine) RoundRecord(roundID uint64) (storage.RoundRecord, bool, error) {
	return m.store.RoundRecord(roundID)
}

// PriceHistory lists every clearing price by round.
func (m *Machine) PriceHistory() ([]PricePoint, error) {
	results, err := m.store.Results()
	if err != nil {
		return nil, err
	}
	out := make([]PricePoint, 0, len(results))
	for _, r := range results {
		out = append(out, PricePoint{RoundID: r.RoundID, Price: r.ClearingPrice, Volume: r.TotalVolume})
	}
	return out, nil
}

// RecentPrices returns the last count clearing prices, oldest first.
func (m *Machine) RecentPrices(count int) ([]PricePoint, error) {
	all, err := m.PriceHistory()
	if err != nil {
		return nil, err
	}
	if count >= 0 && count < len(all) {
		all = all[len(all)-count:]
	}
	return all, nil
}

// UserRoundSurplus sums the surplus of owner's orders in a cleared round.
func (m *Machine) UserRoundSurplus(owner common.Address, roundID uint64) (uint64, error) {
	result, ok, err := m.store.Result(roundID)
	if err != nil || !ok {
		return 0, err
	}
	orders, err := m.store.OrdersByRound(roundID)
	if err != nil {
		return 0, err
	}
	var surplus uint64
	for _, o := range orders {
		if o.Owner != owner {
			continue
		}
		if match, ok := result.Match(o.ID); ok {
			surplus += match.Surplus
		}
	}
	return surplus, nil
}

// accumulate folds one cleared round into per-user stats.
func accumulate(stats map[common.Address]*UserStats, result *auction.ClearingResult, orders []auction.Order) {
	owners := make(map[uint64]common.Address, len(orders))
	seen := make(map[common.Address]bool)
	for _, o := range orders {
		owners[o.ID] = o.Owner
	}
	for _, match := range result.Matches {
		user, ok := owners[match.OrderID]
		if !ok {
			continue
		}
		s := stats[user]
		if s == nil {
			s = &UserStats{User: user}
			stats[user] = s
		}
		s.TotalOrders++
		if match.Filled {
			s.FilledOrders++
			s.TotalSurplus += match.Surplus
		}
		if !seen[user] {
			seen[user] = true
			s.RoundsParticipated++
		}
	}
}

func (m *Machine) allStats() (map[common.Address]*UserStats, error) {
	results, err := m.store.Results()
	if err != nil {
		return nil, err
	}
	stats := make(map[common.Address]*UserStats)
	for _, r := range results {
		orders, err := m.store.OrdersByRound(r.RoundID)
		if err != nil {
			return nil, err
		}
		accumulate(stats, r, orders)
	}
	return stats, nil
}

// UserStats returns false when owner has no order in any cleared round.
func (m *Machine) UserStats(owner common.Address) (UserStats, bool, error) {
	stats, err := m.allStats()
	if err != nil {
		return UserStats{}, false, err
	}
	s, ok := stats[owner]
	if !ok {
		return UserStats{}, false, nil
	}
	return *s, true, nil
}

func rank(stats map[common.Address]*UserStats) []LeaderboardEntry {
	out := make([]LeaderboardEntry, 0, len(stats))
	for _, s := range stats {
		var fillRate uint64
		if s.TotalOrders > 0 {
			fillRate = s.FilledOrders * 100 / s.TotalOrders
		}
		out = append(out, LeaderboardEntry{User: s.User, Surplus: s.TotalSurplus, FillRate: fillRate})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Surplus != out[j].Surplus {
			return out[i].Surplus > out[j].Surplus
		}
		return bytes.Compare(out[i].User[:], out[j].User[:]) < 0
	})
	for i := range out {
		out[i].Rank = uint64(i + 1)
	}
	return out
}

// RoundLeaderboard ranks a cleared round's participants by surplus.
func (m *Machine) RoundLeaderboard(roundID uint64) ([]LeaderboardEntry, error) {
	result, ok, err := m.store.Result(roundID)
	if err != nil || !ok {
		return []LeaderboardEntry{}, err
	}
	orders, err := m.store.OrdersByRound(roundID)
	if err != nil {
		return nil, err
	}
	stats := make(map[common.Address]*UserStats)
	accumulate(stats, result, orders)
	return rank(stats), nil
}

func (m *Machine) GlobalLeaderboard() ([]LeaderboardEntry, error) {
	stats, err := m.allStats()
	if err != nil {
		return nil, err
	}
	return rank(stats), nil
}

func (m *Machine) TopPlayers(count int) ([]LeaderboardEntry, error) {
	board, err := m.GlobalLeaderboard()
	if err != nil {
		return nil, err
	}
	if count >= 0 && count < len(board) {
		board = board[:count]
	}
	return board, nil
}

func (m *Machine) OrderBookSummary() (OrderBookSummary, error) {
	round := m.currentRound()
	orders, err := m.store.OrdersByRound(round)
	if err != nil {
		return OrderBookSummary{}, err
	}
	sum := OrderBookSummary{RoundID: round}
	for _, o := range orders {
		switch o.Side {
		case auction.SideBuy:
			sum.BuyOrders++
			sum.TotalBuyVolume += o.Amount
		case auction.SideSell:
			sum.SellOrders++
			sum.TotalSellVolume += o.Amount
		}
	}
	return sum, nil
}

func (m *Machine) PlatformStats() (PlatformStats, error) {
	var ps PlatformStats
	var err error
	if ps.TotalOrders, err = m.store.OrderCount(); err != nil {
		return ps, err
	}
	ps.TotalRounds = m.currentRound()

	stats, err := m.allStats()
	if err != nil {
		return ps, err
	}
	ps.TotalUsers = uint64(len(stats))

	results, err := m.store.Results()
	if err != nil {
		return ps, err
	}
	for _, r := range results {
		ps.TotalVolume += r.TotalVolume
		ps.TotalSurplus += r.TotalSurplus
	}
	return ps, nil
}
