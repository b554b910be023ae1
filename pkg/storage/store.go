// Package storage persists orders, clearing results, balances and round
// bookkeeping. Every write that must be atomic with a balance change takes the
// escrow.Change and commits both in one batch.
package storage

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/veil/pkg/auction"
	"github.com/uhyunpark/veil/pkg/escrow"
)

var ErrDuplicateOrder = errors.New("order id already stored")

// RoundStatus is the terminal (or current) outcome recorded for a round.
type RoundStatus string

const (
	RoundActive    RoundStatus = "active"
	RoundCleared   RoundStatus = "cleared"
	RoundFailed    RoundStatus = "failed"
	RoundReset     RoundStatus = "reset"
	RoundAbandoned RoundStatus = "abandoned"
)

// RoundRecord is one row of round history. Executed is set once the round's
// settlement instruction has been handed to the executor.
type RoundRecord struct {
	RoundID   uint64      `json:"roundId"`
	Status    RoundStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
	Executed  bool        `json:"executed,omitempty"`
	StartedAt time.Time   `json:"startedAt"`
	EndedAt   time.Time   `json:"endedAt,omitempty"`
}

// Checkpoint is the lifecycle snapshot reloaded on restart.
type Checkpoint struct {
	RoundID    uint64        `json:"roundId"`
	State      string        `json:"state"`
	RoundStart time.Time     `json:"roundStart"`
	Duration   time.Duration `json:"duration"`
	IdleSince  time.Time     `json:"idleSince"`
	LastError  string        `json:"lastError,omitempty"`
	// FailedRound is the latest failed or reset round still holding escrow.
	FailedRound uint64 `json:"failedRound,omitempty"`
}

type Store interface {
	// CreateOrder appends an order together with the escrow lock it caused.
	CreateOrder(o auction.Order, change escrow.Change) error
	Order(id uint64) (auction.Order, bool, error)
	// OrdersByRound returns a round's orders in id order.
	OrdersByRound(roundID uint64) ([]auction.Order, error)
	OrdersByOwner(owner common.Address) ([]auction.Order, error)
	// OrderCount is one past the highest stored order id.
	OrderCount() (uint64, error)

	// SaveResult stores a clearing result, the settlement balances and the
	// round record in one commit.
	SaveResult(result *auction.ClearingResult, change escrow.Change, rec RoundRecord) error
	Result(roundID uint64) (*auction.ClearingResult, bool, error)
	// Results returns all clearing results by ascending round id.
	Results() ([]*auction.ClearingResult, error)

	Balances() (map[common.Address]escrow.Balance, error)
	SaveBalances(change escrow.Change) error

	SaveRoundRecord(rec RoundRecord, change escrow.Change) error
	RoundRecord(roundID uint64) (RoundRecord, bool, error)

	SaveCheckpoint(cp Checkpoint) error
	Checkpoint() (Checkpoint, bool, error)

	Close() error
}
