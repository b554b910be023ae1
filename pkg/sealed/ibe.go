package sealed

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/ecc/bls12381"
	"golang.org/x/crypto/hkdf"

	vcrypto "github.com/uhyunpark/veil/pkg/crypto"
)

// Ciphertext layout: U (compressed G2) || nonce || AES-GCM(ct||tag).
const (
	nonceSize = 12
	keySize   = 32
	hkdfInfo  = "veil-timelock-v1"
)

var (
	ErrDecrypt      = errors.New("timelock decryption failed")
	ErrInvalidKey   = errors.New("invalid timelock key material")
	ErrShortPayload = errors.New("ciphertext too short")
)

// IdentityPoint maps a timelock identity into G1 exactly as the round key
// signer does.
func IdentityPoint(identity []byte) *bls12381.G1 {
	q := new(bls12381.G1)
	q.Hash(identity, []byte(vcrypto.IdentityDST))
	return q
}

// Encrypt seals plaintext to identity under the master public key mpk
// (compressed G2). Only the holder of the round key for identity can open it.
//
// With Q = H(identity), mpk = s*G2 and fresh r: U = r*G2 and the shared
// secret is e(Q, mpk)^r = e(s*Q, U).
func Encrypt(rand io.Reader, mpk, identity, plaintext []byte) ([]byte, error) {
	pub := new(bls12381.G2)
	if err := pub.SetBytes(mpk); err != nil {
		return nil, fmt.Errorf("%w: master public key: %v", ErrInvalidKey, err)
	}
	if pub.IsIdentity() {
		return nil, fmt.Errorf("%w: master public key is the identity", ErrInvalidKey)
	}

	r := new(bls12381.Scalar)
	for r.IsZero() == 1 {
		if err := r.Random(rand); err != nil {
			return nil, fmt.Errorf("random scalar: %w", err)
		}
	}

	u := new(bls12381.G2)
	u.ScalarMult(r, bls12381.G2Generator())

	shared := new(bls12381.Gt)
	shared.Exp(bls12381.Pair(IdentityPoint(identity), pub), r)

	uBytes := u.BytesCompressed()
	aead, err := newAEAD(shared, uBytes, identity)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	out := make([]byte, 0, len(uBytes)+nonceSize+len(plaintext)+aead.Overhead())
	out = append(out, uBytes...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, identity), nil
}

// Decrypt opens a ciphertext produced by Encrypt using the round key
// (compressed G1) for identity.
func Decrypt(roundKey, identity, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < bls12381.G2SizeCompressed+nonceSize {
		return nil, ErrShortPayload
	}

	d := new(bls12381.G1)
	if err := d.SetBytes(roundKey); err != nil {
		return nil, fmt.Errorf("%w: round key: %v", ErrInvalidKey, err)
	}

	uBytes := ciphertext[:bls12381.G2SizeCompressed]
	u := new(bls12381.G2)
	if err := u.SetBytes(uBytes); err != nil {
		return nil, fmt.Errorf("%w: ephemeral point: %v", ErrDecrypt, err)
	}

	aead, err := newAEAD(bls12381.Pair(d, u), uBytes, identity)
	if err != nil {
		return nil, err
	}

	nonce := ciphertext[bls12381.G2SizeCompressed : bls12381.G2SizeCompressed+nonceSize]
	pt, err := aead.Open(nil, nonce, ciphertext[bls12381.G2SizeCompressed+nonceSize:], identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return pt, nil
}

// VerifyRoundKey checks that roundKey is the key for identity under mpk.
func VerifyRoundKey(mpk, identity, roundKey []byte) bool {
	return vcrypto.VerifyBLS(mpk, identity, roundKey)
}

func newAEAD(shared *bls12381.Gt, salt, identity []byte) (cipher.AEAD, error) {
	secret, err := shared.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode pairing: %w", err)
	}

	key := make([]byte, keySize)
	info := append([]byte(hkdfInfo), identity...)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
