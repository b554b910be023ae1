package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/escrow"
)

type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

// NewInMemoryPebbleStore backs the store with pebble's in-memory filesystem.
func NewInMemoryPebbleStore() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("open in-memory pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) getJSON(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}

func setBalances(b *pebble.Batch, change escrow.Change) error {
	for owner, bal := range change {
		if err := setJSON(b, balanceKey(owner), bal); err != nil {
			return fmt.Errorf("balance %s: %w", owner.Hex(), err)
		}
	}
	return nil
}

func (s *PebbleStore) CreateOrder(o auction.Order, change escrow.Change) error {
	exists, err := s.getJSON(orderKey(o.ID), &auction.Order{})
	if err != nil {
		return fmt.Errorf("failed to check order %d: %w", o.ID, err)
	}
	if exists {
		return fmt.Errorf("%w: %d", ErrDuplicateOrder, o.ID)
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, orderKey(o.ID), o); err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := b.Set(orderRoundKey(o.RoundID, o.ID), nil, nil); err != nil {
		return err
	}
	if err := b.Set(orderOwnerKey(o.Owner, o.ID), nil, nil); err != nil {
		return err
	}
	if err := setBalances(b, change); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *PebbleStore) Order(id uint64) (auction.Order, bool, error) {
	var o auction.Order
	ok, err := s.getJSON(orderKey(id), &o)
	if err != nil {
		return auction.Order{}, false, fmt.Errorf("failed to get order %d: %w", id, err)
	}
	return o, ok, nil
}

// ordersByIndex resolves every id under an index prefix.
func (s *PebbleStore) ordersByIndex(prefix []byte) ([]auction.Order, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var orders []auction.Order
	for iter.First(); iter.Valid(); iter.Next() {
		id := idSuffix(iter.Key())
		o, ok, err := s.Order(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("index references missing order %d", id)
		}
		orders = append(orders, o)
	}
	return orders, iter.Error()
}

func (s *PebbleStore) OrdersByRound(roundID uint64) ([]auction.Order, error) {
	return s.ordersByIndex(orderRoundPrefix(roundID))
}

func (s *PebbleStore) OrdersByOwner(owner common.Address) ([]auction.Order, error) {
	return s.ordersByIndex(orderOwnerPrefix(owner))
}

func (s *PebbleStore) OrderCount() (uint64, error) {
	prefix := []byte(prefixOrder)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return idSuffix(iter.Key()) + 1, nil
}

func (s *PebbleStore) SaveResult(result *auction.ClearingResult, change escrow.Change, rec RoundRecord) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, resultKey(result.RoundID), result); err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	if err := setJSON(b, roundRecordKey(rec.RoundID), rec); err != nil {
		return fmt.Errorf("failed to marshal round record: %w", err)
	}
	if err := setBalances(b, change); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save result for round %d: %w", result.RoundID, err)
	}
	return nil
}

func (s *PebbleStore) Result(roundID uint64) (*auction.ClearingResult, bool, error) {
	var r auction.ClearingResult
	ok, err := s.getJSON(resultKey(roundID), &r)
	if err != nil || !ok {
		return nil, false, err
	}
	return &r, true, nil
}

func (s *PebbleStore) Results() ([]*auction.ClearingResult, error) {
	prefix := []byte(prefixResult)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var results []*auction.ClearingResult
	for iter.First(); iter.Valid(); iter.Next() {
		var r auction.ClearingResult
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		results = append(results, &r)
	}
	return results, iter.Error()
}

func (s *PebbleStore) Balances() (map[common.Address]escrow.Balance, error) {
	prefix := []byte(prefixBalance)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make(map[common.Address]escrow.Balance)
	for iter.First(); iter.Valid(); iter.Next() {
		var bal escrow.Balance
		if err := json.Unmarshal(iter.Value(), &bal); err != nil {
			return nil, fmt.Errorf("failed to unmarshal balance: %w", err)
		}
		out[common.BytesToAddress(iter.Key()[len(prefix):])] = bal
	}
	return out, iter.Error()
}

func (s *PebbleStore) SaveBalances(change escrow.Change) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := setBalances(b, change); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) SaveRoundRecord(rec RoundRecord, change escrow.Change) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, roundRecordKey(rec.RoundID), rec); err != nil {
		return fmt.Errorf("failed to marshal round record: %w", err)
	}
	if err := setBalances(b, change); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to save round record %d: %w", rec.RoundID, err)
	}
	return nil
}

func (s *PebbleStore) RoundRecord(roundID uint64) (RoundRecord, bool, error) {
	var rec RoundRecord
	ok, err := s.getJSON(roundRecordKey(roundID), &rec)
	return rec, ok, err
}

func (s *PebbleStore) SaveCheckpoint(cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return s.db.Set([]byte(keyCheckpoint), data, pebble.Sync)
}

func (s *PebbleStore) Checkpoint() (Checkpoint, bool, error) {
	var cp Checkpoint
	ok, err := s.getJSON([]byte(keyCheckpoint), &cp)
	return cp, ok, err
}

var _ Store = (*PebbleStore)(nil)
