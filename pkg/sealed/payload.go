package sealed

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/uhyunpark/veil/pkg/auction"
)

var ErrPayloadMismatch = errors.New("payload does not match order terms")

// OrderPayload is the plaintext a trader commits to and encrypts.
type OrderPayload struct {
	RoundID    uint64        `json:"roundId"`
	Side       auction.Side  `json:"side"`
	Asset      auction.Asset `json:"asset"`
	Amount     uint64        `json:"amount"`
	PriceLimit uint64        `json:"priceLimit"`
	Nonce      uint64        `json:"nonce"`
}

// Marshal returns the canonical JSON bytes that are committed to.
func (p OrderPayload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

func ParsePayload(data []byte) (OrderPayload, error) {
	var p OrderPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return OrderPayload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// CheckOrder reports whether the decrypted terms equal the escrowed terms of o.
func (p OrderPayload) CheckOrder(o auction.Order) error {
	switch {
	case p.RoundID != o.RoundID:
		return fmt.Errorf("%w: round %d != %d", ErrPayloadMismatch, p.RoundID, o.RoundID)
	case p.Side != o.Side:
		return fmt.Errorf("%w: side %s != %s", ErrPayloadMismatch, p.Side, o.Side)
	case p.Asset != o.Asset:
		return fmt.Errorf("%w: asset %s != %s", ErrPayloadMismatch, p.Asset, o.Asset)
	case p.Amount != o.Amount:
		return fmt.Errorf("%w: amount %d != %d", ErrPayloadMismatch, p.Amount, o.Amount)
	case p.PriceLimit != o.PriceLimit:
		return fmt.Errorf("%w: price %d != %d", ErrPayloadMismatch, p.PriceLimit, o.PriceLimit)
	}
	return nil
}
