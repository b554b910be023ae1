// Package settlement hands cleared rounds to whatever moves funds on the
// destination chain. The node only ever emits net volume and price; per-user
// balances stay in the escrow ledger.
package settlement

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/veil/pkg/auction"
	vcrypto "github.com/uhyunpark/veil/pkg/crypto"
	"github.com/uhyunpark/veil/pkg/util"
)

var ErrBadSignature = errors.New("instruction signature invalid")

// Executor receives one instruction per cleared round.
type Executor interface {
	Execute(ctx context.Context, instr Instruction) error
}

// Instruction is the net outcome of a cleared round.
type Instruction struct {
	RoundID       uint64         `json:"roundId"`
	Asset         auction.Asset  `json:"asset"`
	ClearingPrice uint64         `json:"clearingPrice"`
	Volume        uint64         `json:"volume"`
	QuoteNotional uint64         `json:"quoteNotional"`
	Timestamp     time.Time      `json:"timestamp"`
	Signer        common.Address `json:"signer,omitempty"`
	Signature     hexutil.Bytes  `json:"signature,omitempty"`
}

func NewInstruction(asset auction.Asset, result *auction.ClearingResult) (Instruction, error) {
	notional, err := util.MulU64(result.TotalVolume, result.ClearingPrice)
	if err != nil {
		return Instruction{}, fmt.Errorf("round %d notional: %w", result.RoundID, err)
	}
	return Instruction{
		RoundID:       result.RoundID,
		Asset:         asset,
		ClearingPrice: result.ClearingPrice,
		Volume:        result.TotalVolume,
		QuoteNotional: notional,
		Timestamp:     result.Timestamp,
	}, nil
}

// Hash is keccak256 over the fixed-width encoding of the signed fields.
func (in Instruction) Hash() []byte {
	buf := make([]byte, 0, 8*5+len(in.Asset))
	buf = binary.BigEndian.AppendUint64(buf, in.RoundID)
	buf = append(buf, string(in.Asset)...)
	buf = binary.BigEndian.AppendUint64(buf, in.ClearingPrice)
	buf = binary.BigEndian.AppendUint64(buf, in.Volume)
	buf = binary.BigEndian.AppendUint64(buf, in.QuoteNotional)
	buf = binary.BigEndian.AppendUint64(buf, uint64(in.Timestamp.UnixNano()))
	return ethcrypto.Keccak256(buf)
}

func (in *Instruction) Sign(s *vcrypto.Signer) error {
	sig, err := s.Sign(in.Hash())
	if err != nil {
		return fmt.Errorf("sign instruction: %w", err)
	}
	in.Signer = s.Address()
	in.Signature = sig
	return nil
}

func (in Instruction) Verify() error {
	if len(in.Signature) == 0 {
		return ErrBadSignature
	}
	addr, err := vcrypto.RecoverAddress(in.Hash(), in.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if addr != in.Signer {
		return fmt.Errorf("%w: recovered %s, want %s", ErrBadSignature, addr.Hex(), in.Signer.Hex())
	}
	return nil
}
