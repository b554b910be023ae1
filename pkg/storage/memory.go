package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/escrow"
)

// MemStore keeps everything in maps. Used by tests and NODE_IN_MEMORY.
type MemStore struct {
	mu         sync.Mutex
	orders     map[uint64]auction.Order
	byRound    map[uint64][]uint64
	byOwner    map[common.Address][]uint64
	results    map[uint64]*auction.ClearingResult
	balances   map[common.Address]escrow.Balance
	records    map[uint64]RoundRecord
	checkpoint *Checkpoint
	nextID     uint64
}

func NewMemStore() *MemStore {
	return &MemStore{
		orders:   make(map[uint64]auction.Order),
		byRound:  make(map[uint64][]uint64),
		byOwner:  make(map[common.Address][]uint64),
		results:  make(map[uint64]*auction.ClearingResult),
		balances: make(map[common.Address]escrow.Balance),
		records:  make(map[uint64]RoundRecord),
	}
}

func (s *MemStore) Close() error { return nil }

func (s *MemStore) applyBalances(change escrow.Change) {
	for owner, b := range change {
		s.balances[owner] = b
	}
}

func (s *MemStore) CreateOrder(o auction.Order, change escrow.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateOrder, o.ID)
	}
	s.orders[o.ID] = cloneOrder(o)
	s.byRound[o.RoundID] = insertSorted(s.byRound[o.RoundID], o.ID)
	s.byOwner[o.Owner] = insertSorted(s.byOwner[o.Owner], o.ID)
	if o.ID >= s.nextID {
		s.nextID = o.ID + 1
	}
	s.applyBalances(change)
	return nil
}

func (s *MemStore) Order(id uint64) (auction.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	return cloneOrder(o), ok, nil
}

func (s *MemStore) collect(ids []uint64) []auction.Order {
	out := make([]auction.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneOrder(s.orders[id]))
	}
	return out
}

func (s *MemStore) OrdersByRound(roundID uint64) ([]auction.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(s.byRound[roundID]), nil
}

func (s *MemStore) OrdersByOwner(owner common.Address) ([]auction.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(s.byOwner[owner]), nil
}

func (s *MemStore) OrderCount() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextID, nil
}

func (s *MemStore) SaveResult(result *auction.ClearingResult, change escrow.Change, rec RoundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.RoundID] = cloneResult(result)
	s.records[rec.RoundID] = rec
	s.applyBalances(change)
	return nil
}

func (s *MemStore) Result(roundID uint64) (*auction.ClearingResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[roundID]
	if !ok {
		return nil, false, nil
	}
	return cloneResult(r), true, nil
}

func (s *MemStore) Results() ([]*auction.ClearingResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*auction.ClearingResult, 0, len(s.results))
	for _, r := range s.results {
		out = append(out, cloneResult(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoundID < out[j].RoundID })
	return out, nil
}

func (s *MemStore) Balances() (map[common.Address]escrow.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[common.Address]escrow.Balance, len(s.balances))
	for owner, b := range s.balances {
		out[owner] = b
	}
	return out, nil
}

func (s *MemStore) SaveBalances(change escrow.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyBalances(change)
	return nil
}

func (s *MemStore) SaveRoundRecord(rec RoundRecord, change escrow.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.RoundID] = rec
	s.applyBalances(change)
	return nil
}

func (s *MemStore) RoundRecord(roundID uint64) (RoundRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[roundID]
	return rec, ok, nil
}

func (s *MemStore) SaveCheckpoint(cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = &cp
	return nil
}

func (s *MemStore) Checkpoint() (Checkpoint, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoint == nil {
		return Checkpoint{}, false, nil
	}
	return *s.checkpoint, true, nil
}

func insertSorted(ids []uint64, id uint64) []uint64 {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

func cloneOrder(o auction.Order) auction.Order {
	if o.EncryptedPayload != nil {
		o.EncryptedPayload = append([]byte(nil), o.EncryptedPayload...)
	}
	return o
}

func cloneResult(r *auction.ClearingResult) *auction.ClearingResult {
	c := *r
	c.Matches = append([]auction.OrderMatch(nil), r.Matches...)
	return &c
}

var _ Store = (*MemStore)(nil)
