package crypto

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/contracts
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// SealedOrderEIP712 is what a trader signs when submitting a sealed order.
// It binds the public escrow terms, the commitment and the ciphertext to a
// single round and owner.
type SealedOrderEIP712 struct {
	RoundID     uint64
	Side        uint8 // 1 = Buy, 2 = Sell
	Asset       string
	Amount      *big.Int
	PriceLimit  *big.Int
	Commitment  string      // hex sha256 of the plaintext order
	PayloadHash common.Hash // keccak256 of the encrypted payload
	Owner       common.Address
}

// EIP712Signer hashes and verifies sealed orders under one domain.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the off-chain signing domain for local networks.
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "Veil",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

var sealedOrderTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"SealedOrder": []apitypes.Type{
		{Name: "roundId", Type: "uint64"},
		{Name: "side", Type: "uint8"},
		{Name: "asset", Type: "string"},
		{Name: "amount", Type: "uint256"},
		{Name: "priceLimit", Type: "uint256"},
		{Name: "commitment", Type: "string"},
		{Name: "payloadHash", Type: "bytes32"},
		{Name: "owner", Type: "address"},
	},
}

// HashSealedOrder returns the EIP-712 digest
// keccak256("\x19\x01" || domainSeparator || hashStruct(order)).
func (e *EIP712Signer) HashSealedOrder(order *SealedOrderEIP712) ([]byte, error) {
	if order.Amount == nil || order.PriceLimit == nil {
		return nil, fmt.Errorf("amount and priceLimit are required")
	}

	typedData := apitypes.TypedData{
		Types:       sealedOrderTypes,
		PrimaryType: "SealedOrder",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"roundId":     fmt.Sprintf("%d", order.RoundID),
			"side":        fmt.Sprintf("%d", order.Side),
			"asset":       order.Asset,
			"amount":      order.Amount.String(),
			"priceLimit":  order.PriceLimit.String(),
			"commitment":  order.Commitment,
			"payloadHash": order.PayloadHash.Bytes(),
			"owner":       order.Owner.Hex(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256(rawData), nil
}

func (e *EIP712Signer) SignSealedOrder(signer *Signer, order *SealedOrderEIP712) ([]byte, error) {
	hash, err := e.HashSealedOrder(order)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}
	return signer.Sign(hash)
}

// RecoverSealedOrderSigner returns the address that signed order.
func (e *EIP712Signer) RecoverSealedOrderSigner(order *SealedOrderEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashSealedOrder(order)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// VerifySealedOrder checks the signature against order.Owner.
func (e *EIP712Signer) VerifySealedOrder(order *SealedOrderEIP712, signature []byte) (bool, error) {
	recovered, err := e.RecoverSealedOrderSigner(order, signature)
	if err != nil {
		return false, err
	}
	return recovered == order.Owner, nil
}
