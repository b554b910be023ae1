package round

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle position of the current round.
type State uint8

const (
	Pending State = iota
	Active
	Revealing
	Clearing
	Executing
	Completed
)

var stateNames = [...]string{"Pending", "Active", "Revealing", "Clearing", "Executing", "Completed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// InFlight reports whether a clearing computation owns the round.
func (s State) InFlight() bool {
	return s == Revealing || s == Clearing || s == Executing
}

func ParseState(v string) (State, error) {
	for i, name := range stateNames {
		if name == v {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown round state %q", v)
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *State) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseState(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Snapshot is a consistent read of the machine's lifecycle fields.
type Snapshot struct {
	RoundID       uint64        `json:"roundId"`
	State         State         `json:"state"`
	RoundStart    time.Time     `json:"roundStart"`
	Duration      time.Duration `json:"durationNs"`
	TimeRemaining time.Duration `json:"timeRemainingNs"`
	NextOrderID   uint64        `json:"nextOrderId"`
	RoundOrders   int           `json:"roundOrders"`
	LastError     string        `json:"lastError,omitempty"`
}

type EventType string

const (
	EventRoundStarted   EventType = "round_started"
	EventRevealing      EventType = "round_revealing"
	EventClearing       EventType = "round_clearing"
	EventExecuting      EventType = "round_executing"
	EventRoundCleared   EventType = "round_cleared"
	EventRoundFailed    EventType = "round_failed"
	EventRoundReset     EventType = "round_reset"
	EventRoundAbandoned EventType = "round_abandoned"
)

// Event is emitted on every state transition. It never carries order
// contents or owners.
type Event struct {
	Type          EventType `json:"type"`
	RoundID       uint64    `json:"roundId"`
	State         State     `json:"state"`
	ClearingPrice uint64    `json:"clearingPrice,omitempty"`
	Volume        uint64    `json:"volume,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
