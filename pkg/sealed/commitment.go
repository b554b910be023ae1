// Package sealed implements the commit/encrypt/verify protocol for sealed
// orders: SHA-256 commitments over the plaintext, timelock encryption to a
// round identity, and the post-round checks that bind the two.
package sealed

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCommitmentMismatch  = errors.New("commitment mismatch")
	ErrMalformedCommitment = errors.New("malformed commitment")
)

const IdentityPrefix = "ROUND:"

// Commit returns hex(SHA-256(plaintext)).
func Commit(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])
}

// ValidateCommitment checks that c is a 64-char hex SHA-256 digest.
func ValidateCommitment(c string) error {
	if len(c) != 2*sha256.Size {
		return fmt.Errorf("%w: want %d hex chars, got %d", ErrMalformedCommitment, 2*sha256.Size, len(c))
	}
	if _, err := hex.DecodeString(c); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCommitment, err)
	}
	return nil
}

// VerifyCommitment recomputes the commitment over plaintext and compares it
// with the stored one.
func VerifyCommitment(plaintext []byte, commitment string) error {
	got := Commit(plaintext)
	if subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(commitment))) != 1 {
		return ErrCommitmentMismatch
	}
	return nil
}

// TimelockIdentity is "ROUND:" followed by the big-endian round ID. Payloads
// for a round are encrypted to this identity and only open once the key
// service releases its key.
func TimelockIdentity(roundID uint64) []byte {
	id := make([]byte, len(IdentityPrefix)+8)
	copy(id, IdentityPrefix)
	binary.BigEndian.PutUint64(id[len(IdentityPrefix):], roundID)
	return id
}
