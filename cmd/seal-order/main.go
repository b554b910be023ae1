// Command seal-order builds a sealed order the way a trading client does:
// it commits to the plaintext terms, encrypts them to the round identity,
// signs the SealedOrder with EIP-712 and prints (or posts) the request body.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/veil/pkg/api"
	"github.com/uhyunpark/veil/pkg/auction"
	vcrypto "github.com/uhyunpark/veil/pkg/crypto"
	"github.com/uhyunpark/veil/pkg/round"
	"github.com/uhyunpark/veil/pkg/sealed"
)

type options struct {
	apiURL  string
	mpkHex  string
	keyHex  string
	roundID uint64
	side    string
	asset   string
	amount  uint64
	price   uint64
	submit  bool
}

func main() {
	var o options
	flag.StringVar(&o.apiURL, "api", "http://localhost:8080", "node API base URL")
	flag.StringVar(&o.mpkHex, "mpk", "", "master public key (0x-hex); fetched from the node when empty")
	flag.StringVar(&o.keyHex, "key", "", "secp256k1 private key (hex); a fresh key is generated when empty")
	flag.Uint64Var(&o.roundID, "round", 0, "round id; the node's current round when 0")
	flag.StringVar(&o.side, "side", "buy", "buy or sell")
	flag.StringVar(&o.asset, "asset", "BTC", "base asset")
	flag.Uint64Var(&o.amount, "amount", 1, "amount in base units")
	flag.Uint64Var(&o.price, "price", 0, "limit price in quote units per base unit")
	flag.BoolVar(&o.submit, "submit", false, "POST the order instead of printing it")
	flag.Parse()

	if err := run(context.Background(), o); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	side, err := auction.ParseSide(o.side)
	if err != nil {
		return err
	}
	asset, err := auction.ParseAsset(o.asset)
	if err != nil {
		return err
	}
	if o.amount == 0 || o.price == 0 {
		return fmt.Errorf("amount and price must be positive")
	}

	signer, err := loadSigner(o.keyHex)
	if err != nil {
		return err
	}

	if o.roundID == 0 {
		var snap round.Snapshot
		if err := getJSON(ctx, o.apiURL+"/api/v1/round", &snap); err != nil {
			return fmt.Errorf("fetch current round: %w", err)
		}
		if snap.State != round.Active {
			fmt.Fprintf(os.Stderr, "warning: round %d is %s, the node will reject the order\n", snap.RoundID, snap.State)
		}
		o.roundID = snap.RoundID
	}

	mpkHex := o.mpkHex
	if mpkHex == "" {
		var key api.EncryptionKeyResponse
		if err := getJSON(ctx, o.apiURL+"/api/v1/encryption-key", &key); err != nil {
			return fmt.Errorf("fetch encryption key: %w", err)
		}
		mpkHex = key.MasterPublicKey
	}
	mpk, err := hexutil.Decode(mpkHex)
	if err != nil {
		return fmt.Errorf("decode mpk: %w", err)
	}

	req, err := sealOrder(signer, mpk, o.roundID, side, asset, o.amount, o.price)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Owner: %s\n", signer.Address().Hex())
	if !o.submit {
		body, err := json.MarshalIndent(req, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil
	}
	return postJSON(ctx, o.apiURL+"/api/v1/orders", req)
}

func loadSigner(keyHex string) (*vcrypto.Signer, error) {
	if keyHex != "" {
		return vcrypto.FromPrivateKeyHex(keyHex)
	}
	signer, err := vcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(os.Stderr, "Generated key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	return signer, nil
}

func sealOrder(signer *vcrypto.Signer, mpk []byte, roundID uint64, side auction.Side, asset auction.Asset, amount, price uint64) (api.SubmitOrderRequest, error) {
	nonce, err := vcrypto.GenerateNonce()
	if err != nil {
		return api.SubmitOrderRequest{}, err
	}
	plaintext, err := sealed.OrderPayload{
		RoundID:    roundID,
		Side:       side,
		Asset:      asset,
		Amount:     amount,
		PriceLimit: price,
		Nonce:      nonce,
	}.Marshal()
	if err != nil {
		return api.SubmitOrderRequest{}, err
	}
	ct, err := sealed.Encrypt(rand.Reader, mpk, sealed.TimelockIdentity(roundID), plaintext)
	if err != nil {
		return api.SubmitOrderRequest{}, fmt.Errorf("encrypt: %w", err)
	}
	commitment := sealed.Commit(plaintext)

	sig, err := vcrypto.NewEIP712Signer(vcrypto.DefaultDomain()).SignSealedOrder(signer, &vcrypto.SealedOrderEIP712{
		RoundID:     roundID,
		Side:        uint8(side),
		Asset:       string(asset),
		Amount:      new(big.Int).SetUint64(amount),
		PriceLimit:  new(big.Int).SetUint64(price),
		Commitment:  commitment,
		PayloadHash: ethcrypto.Keccak256Hash(ct),
		Owner:       signer.Address(),
	})
	if err != nil {
		return api.SubmitOrderRequest{}, fmt.Errorf("sign: %w", err)
	}

	return api.SubmitOrderRequest{
		RoundID:          roundID,
		Side:             side.String(),
		Asset:            string(asset),
		Amount:           amount,
		PriceLimit:       price,
		EncryptedPayload: hexutil.Encode(ct),
		Commitment:       commitment,
		Owner:            signer.Address().Hex(),
		Signature:        hexutil.Encode(sig),
	}, nil
}

func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("GET %s: %s: %s", url, resp.Status, bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func postJSON(ctx context.Context, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	fmt.Println(string(bytes.TrimSpace(out)))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("order rejected: %s", resp.Status)
	}
	return nil
}
