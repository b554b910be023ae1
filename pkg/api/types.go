package api

import (
	"github.com/uhyunpark/veil/pkg/escrow"
	"github.com/uhyunpark/veil/pkg/round"
)

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders. The signature
// is EIP-712 over the SealedOrder struct; payloadHash is recomputed by the
// server from encryptedPayload.
type SubmitOrderRequest struct {
	RoundID          uint64 `json:"roundId"`
	Side             string `json:"side"`  // "buy" or "sell"
	Asset            string `json:"asset"` // e.g. "BTC"
	Amount           uint64 `json:"amount"`
	PriceLimit       uint64 `json:"priceLimit"`
	EncryptedPayload string `json:"encryptedPayload"` // 0x-hex
	Commitment       string `json:"commitment"`       // hex sha256 of the plaintext
	Owner            string `json:"owner"`
	Signature        string `json:"signature"` // 0x-hex, 65 bytes
}

// FundRequest is the payload for the admin deposit/withdraw routes.
type FundRequest struct {
	Currency string `json:"currency"` // "quote" or "base"
	Amount   uint64 `json:"amount"`
}

type DurationRequest struct {
	Seconds uint64 `json:"seconds"`
}

// ==============================
// REST Response Types
// ==============================

type SubmitOrderResponse struct {
	Status  string `json:"status"` // "accepted"
	OrderID uint64 `json:"orderId"`
	RoundID uint64 `json:"roundId"`
}

type TimeRemainingResponse struct {
	RoundID     uint64      `json:"roundId"`
	State       round.State `json:"state"`
	RemainingMs int64       `json:"remainingMs"`
}

type BalanceResponse struct {
	Address string `json:"address"`
	escrow.Balance
}

type CountResponse struct {
	Count uint64 `json:"count"`
}

type SurplusResponse struct {
	Address string `json:"address"`
	RoundID uint64 `json:"roundId"`
	Surplus uint64 `json:"surplus"`
}

type EncryptionKeyResponse struct {
	MasterPublicKey string `json:"masterPublicKey"` // 0x-hex compressed G2
	Scheme          string `json:"scheme"`
	IdentityPrefix  string `json:"identityPrefix"`
}

// StatusResponse carries the human-readable outcome of an admin action.
type StatusResponse struct {
	Message string `json:"message"`
}

type SchedulerResponse struct {
	Running bool `json:"running"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the envelope for every message pushed to clients.
type WSMessage struct {
	Type string      `json:"type"` // "round"
	Data interface{} `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["round", "round:12"]
}
