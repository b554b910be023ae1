package crypto

import (
	"fmt"
	"io"

	bls "github.com/cloudflare/circl/sign/bls"
)

// Round keys are BLS signatures in G1 over a timelock identity; the master
// public key lives in G2. A round key therefore doubles as the IBE private key
// for that identity.
type scheme = bls.KeyG2SigG1

// IdentityDST is the hash-to-G1 domain tag the scheme signs with. Encryptors
// must map identities to G1 with the same tag.
const IdentityDST = "BLS_SIG_BLS12381G1_XMD:SHA-256_SSWU_RO_NUL_"

type BLSSigner struct {
	sk *bls.PrivateKey[scheme]
	pk *bls.PublicKey[scheme]
}

// NewBLSSignerFromSeed derives the key deterministically; seed must be at least 32 bytes.
func NewBLSSignerFromSeed(seed []byte) (*BLSSigner, error) {
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bls keygen: %w", err)
	}
	return &BLSSigner{sk: sk, pk: sk.PublicKey()}, nil
}

func GenerateBLSSigner(r io.Reader) (*BLSSigner, error) {
	seed := make([]byte, 32)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("bls seed: %w", err)
	}
	return NewBLSSignerFromSeed(seed)
}

// PublicKeyBytes is the compressed G2 master public key.
func (s *BLSSigner) PublicKeyBytes() ([]byte, error) {
	return s.pk.MarshalBinary()
}

// Sign returns the compressed G1 signature over msg.
func (s *BLSSigner) Sign(msg []byte) []byte {
	return bls.Sign(s.sk, msg)
}

func VerifyBLS(publicKey, msg, sig []byte) bool {
	var pk bls.PublicKey[scheme]
	if err := pk.UnmarshalBinary(publicKey); err != nil {
		return false
	}
	return bls.Verify(&pk, msg, sig)
}
