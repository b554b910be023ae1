package keyservice

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Wrapped key layout: ephemeral X25519 public key || nonce || AES-GCM(key).
const transportInfo = "veil-transport-v1"

var ErrUnwrap = errors.New("transport unwrap failed")

// TransportKey is a single-use X25519 key pair the caller generates per
// derivation request.
type TransportKey struct {
	private [curve25519.ScalarSize]byte
	public  []byte
}

func GenerateTransportKey(rand io.Reader) (*TransportKey, error) {
	var tk TransportKey
	if _, err := io.ReadFull(rand, tk.private[:]); err != nil {
		return nil, fmt.Errorf("transport key: %w", err)
	}
	pub, err := curve25519.X25519(tk.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("transport key: %w", err)
	}
	tk.public = pub
	return &tk, nil
}

func (tk *TransportKey) PublicKey() []byte { return append([]byte(nil), tk.public...) }

// Unwrap opens a key produced by Wrap for this transport key.
func (tk *TransportKey) Unwrap(wrapped []byte) ([]byte, error) {
	if len(wrapped) < curve25519.PointSize+12 {
		return nil, fmt.Errorf("%w: short input", ErrUnwrap)
	}
	eph := wrapped[:curve25519.PointSize]
	shared, err := curve25519.X25519(tk.private[:], eph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}
	aead, err := transportAEAD(shared, eph, tk.public)
	if err != nil {
		return nil, err
	}
	nonce := wrapped[curve25519.PointSize : curve25519.PointSize+aead.NonceSize()]
	key, err := aead.Open(nil, nonce, wrapped[curve25519.PointSize+aead.NonceSize():], eph)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrap, err)
	}
	return key, nil
}

// Wrap encrypts key to the recipient's X25519 public key.
func Wrap(rand io.Reader, recipient, key []byte) ([]byte, error) {
	if len(recipient) != curve25519.PointSize {
		return nil, fmt.Errorf("transport public key must be %d bytes, got %d", curve25519.PointSize, len(recipient))
	}
	eph, err := GenerateTransportKey(rand)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(eph.private[:], recipient)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	aead, err := transportAEAD(shared, eph.public, recipient)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	out := make([]byte, 0, len(eph.public)+len(nonce)+len(key)+aead.Overhead())
	out = append(out, eph.public...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, key, eph.public), nil
}

func transportAEAD(shared, ephemeral, recipient []byte) (cipher.AEAD, error) {
	salt := append(append([]byte(nil), ephemeral...), recipient...)
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(transportInfo)), key); err != nil {
		return nil, fmt.Errorf("derive transport key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
