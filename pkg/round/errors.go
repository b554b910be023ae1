package round

import "errors"

var (
	ErrAnonymous           = errors.New("anonymous caller")
	ErrRoundNotActive      = errors.New("round is not accepting orders")
	ErrStaleRound          = errors.New("order is for a different round")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidPrice        = errors.New("price limit must be positive")
	ErrEmptyPayload        = errors.New("encrypted payload is empty")
	ErrInvalidCommitment   = errors.New("invalid commitment")
	ErrWrongAsset          = errors.New("asset not traded on this node")
	ErrDuplicateCommitment = errors.New("commitment already submitted this round")

	ErrInvalidTransition = errors.New("invalid round transition")
	ErrClearingInFlight  = errors.New("clearing in progress")
	ErrInvalidDuration   = errors.New("round duration must be positive")

	// ErrSecurityViolation aborts a round whose orders fail decryption or
	// commitment checks.
	ErrSecurityViolation = errors.New("security violation")

	ErrUnknownRound  = errors.New("unknown round")
	ErrRoundCleared  = errors.New("round already cleared")
	ErrRoundInFlight = errors.New("round is current and not failed")
	ErrRoundExecuted = errors.New("round settlement already handed off")
)
