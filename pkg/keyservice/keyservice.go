// Package keyservice derives per-round timelock keys. The round machine asks
// for a round's key only after the submission window has closed; keys travel
// wrapped to a one-shot transport key so they are never exposed in transit.
package keyservice

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	vcrypto "github.com/uhyunpark/veil/pkg/crypto"
)

var ErrKeyUnavailable = errors.New("round key unavailable")

// Deriver is the key-derivation service contract.
type Deriver interface {
	// MasterPublicKey is the compressed G2 key clients encrypt orders to.
	MasterPublicKey(ctx context.Context) ([]byte, error)
	// DeriveRoundKey returns the key for identity, wrapped to transportPublicKey.
	DeriveRoundKey(ctx context.Context, identity, transportPublicKey []byte) ([]byte, error)
}

// Local is an in-process Deriver backed by a BLS master key.
type Local struct {
	signer *vcrypto.BLSSigner
	mpk    []byte
}

// NewLocal builds a Local service from a hex seed (>= 32 bytes). An empty
// seed generates a random master key.
func NewLocal(seedHex string) (*Local, error) {
	var (
		signer *vcrypto.BLSSigner
		err    error
	)
	if seedHex == "" {
		signer, err = vcrypto.GenerateBLSSigner(rand.Reader)
	} else {
		seed, decErr := hex.DecodeString(seedHex)
		if decErr != nil {
			return nil, fmt.Errorf("decode seed: %w", decErr)
		}
		signer, err = vcrypto.NewBLSSignerFromSeed(seed)
	}
	if err != nil {
		return nil, err
	}

	mpk, err := signer.PublicKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("master public key: %w", err)
	}
	return &Local{signer: signer, mpk: mpk}, nil
}

func (l *Local) MasterPublicKey(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]byte(nil), l.mpk...), nil
}

func (l *Local) DeriveRoundKey(ctx context.Context, identity, transportPublicKey []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(identity) == 0 {
		return nil, fmt.Errorf("%w: empty identity", ErrKeyUnavailable)
	}
	return Wrap(rand.Reader, transportPublicKey, l.signer.Sign(identity))
}

var _ Deriver = (*Local)(nil)
