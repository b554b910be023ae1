package auction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Side of an order: Buy locks quote currency, Sell locks the base asset.
type Side uint8

const (
	SideBuy  Side = 1
	SideSell Side = 2
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(v) {
	case "buy":
		return SideBuy, nil
	case "sell":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("invalid side %q", v)
	}
}

func (s Side) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid side %d", s)
	}
	return json.Marshal(s.String())
}

func (s *Side) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseSide(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Asset is the tradeable base asset tag.
type Asset string

const (
	AssetBTC Asset = "BTC"
	AssetETH Asset = "ETH"
)

func ParseAsset(v string) (Asset, error) {
	switch a := Asset(strings.ToUpper(v)); a {
	case AssetBTC, AssetETH:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported asset %q", v)
	}
}

// Order is a sealed order as accepted during an Active round. Orders are
// immutable once stored; Side, Asset, Amount and PriceLimit are the public
// escrow terms, the trader's plaintext lives in EncryptedPayload.
type Order struct {
	ID               uint64         `json:"id"`
	RoundID          uint64         `json:"roundId"`
	Owner            common.Address `json:"owner"`
	Side             Side           `json:"side"`
	Asset            Asset          `json:"asset"`
	Amount           uint64         `json:"amount"`     // smallest base unit
	PriceLimit       uint64         `json:"priceLimit"` // smallest quote unit per base unit
	CreatedAt        time.Time      `json:"createdAt"`
	EncryptedPayload []byte         `json:"encryptedPayload"`
	Commitment       string         `json:"commitment"` // hex sha256 of the plaintext
}

// OrderMatch is the clearing outcome for a single order.
type OrderMatch struct {
	OrderID    uint64 `json:"orderId"`
	Filled     bool   `json:"filled"`
	FillAmount uint64 `json:"fillAmount"`
	FillPrice  uint64 `json:"fillPrice"`
	// Surplus is (limit-price)*fill for buys and (price-limit)*fill for sells.
	Surplus uint64 `json:"surplus"`
}

// ClearingResult is produced once per successfully cleared round.
type ClearingResult struct {
	RoundID       uint64       `json:"roundId"`
	ClearingPrice uint64       `json:"clearingPrice"`
	TotalVolume   uint64       `json:"totalVolume"`
	TotalSurplus  uint64       `json:"totalSurplus"`
	Matches       []OrderMatch `json:"matches"` // buys first, then sells
	Timestamp     time.Time    `json:"timestamp"`
}

// Match returns the match for orderID, if present.
func (r *ClearingResult) Match(orderID uint64) (OrderMatch, bool) {
	for _, m := range r.Matches {
		if m.OrderID == orderID {
			return m, true
		}
	}
	return OrderMatch{}, false
}
