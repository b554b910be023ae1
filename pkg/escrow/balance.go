package escrow

import (
	"fmt"
	"strings"

	"github.com/uhyunpark/veil/pkg/util"
)

// Currency selects which leg of a Balance an operation touches.
type Currency string

const (
	Quote Currency = "quote"
	Base  Currency = "base"
)

func ParseCurrency(v string) (Currency, error) {
	switch c := Currency(strings.ToLower(v)); c {
	case Quote, Base:
		return c, nil
	default:
		return "", fmt.Errorf("unknown currency %q", v)
	}
}

// Balance is a user's custodial position. Locked funds back open orders of
// the current or a failed round and are only released by settlement or refund.
type Balance struct {
	FreeQuote   uint64 `json:"freeQuote"`
	LockedQuote uint64 `json:"lockedQuote"`
	FreeBase    uint64 `json:"freeBase"`
	LockedBase  uint64 `json:"lockedBase"`
}

// Total returns free+locked for one currency.
func (b Balance) Total(c Currency) (uint64, error) {
	if c == Base {
		return util.AddU64(b.FreeBase, b.LockedBase)
	}
	return util.AddU64(b.FreeQuote, b.LockedQuote)
}

func (b Balance) IsZero() bool { return b == Balance{} }

func (b *Balance) free(c Currency) *uint64 {
	if c == Base {
		return &b.FreeBase
	}
	return &b.FreeQuote
}

func (b *Balance) locked(c Currency) *uint64 {
	if c == Base {
		return &b.LockedBase
	}
	return &b.LockedQuote
}
