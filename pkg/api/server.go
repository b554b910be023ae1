package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/veil/pkg/auction"
	vcrypto "github.com/uhyunpark/veil/pkg/crypto"
	"github.com/uhyunpark/veil/pkg/escrow"
	"github.com/uhyunpark/veil/pkg/keyservice"
	"github.com/uhyunpark/veil/pkg/round"
	"github.com/uhyunpark/veil/pkg/sealed"
)

const (
	channelRound = "round"
	maxBodyBytes = 1 << 20
)

type Options struct {
	Machine   *round.Machine
	Scheduler *round.Scheduler // optional; scheduler routes answer 503 without it
	Domain    vcrypto.EIP712Domain
	// AdminToken guards admin and funding routes; empty disables them.
	AdminToken     string
	AllowedOrigins []string
	Logger         *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	machine    *round.Machine
	scheduler  *round.Scheduler
	orders     *vcrypto.EIP712Signer
	router     *mux.Router
	hub        *Hub
	log        *zap.SugaredLogger
	adminToken string
	origins    []string

	baseCtx context.Context
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	s := &Server{
		machine:    opts.Machine,
		scheduler:  opts.Scheduler,
		orders:     vcrypto.NewEIP712Signer(opts.Domain),
		router:     mux.NewRouter(),
		hub:        NewHub(opts.Logger),
		log:        opts.Logger,
		adminToken: opts.AdminToken,
		origins:    opts.AllowedOrigins,
		baseCtx:    context.Background(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")

	// Current round
	api.HandleFunc("/round", s.handleGetRound).Methods("GET")
	api.HandleFunc("/round/time-remaining", s.handleTimeRemaining).Methods("GET")
	api.HandleFunc("/round/orders/summary", s.handleOrderBookSummary).Methods("GET")
	api.HandleFunc("/round/orders/count", s.handleCurrentRoundOrderCount).Methods("GET")
	api.HandleFunc("/round/result", s.handleCurrentRoundResult).Methods("GET")

	// Round history
	api.HandleFunc("/rounds/{id:[0-9]+}", s.handleGetRoundRecord).Methods("GET")
	api.HandleFunc("/rounds/{id:[0-9]+}/result", s.handleGetRoundResult).Methods("GET")
	api.HandleFunc("/rounds/{id:[0-9]+}/orders", s.handleGetRoundOrders).Methods("GET")
	api.HandleFunc("/rounds/{id:[0-9]+}/leaderboard", s.handleRoundLeaderboard).Methods("GET")

	// Accounts
	api.HandleFunc("/accounts/{address}/balance", s.handleGetBalance).Methods("GET")
	api.HandleFunc("/accounts/{address}/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/accounts/{address}/stats", s.handleGetStats).Methods("GET")
	api.HandleFunc("/accounts/{address}/rounds/{id:[0-9]+}/surplus", s.handleGetSurplus).Methods("GET")
	api.HandleFunc("/accounts/{address}/deposit", s.requireAdmin(s.handleDeposit)).Methods("POST")
	api.HandleFunc("/accounts/{address}/withdraw", s.requireAdmin(s.handleWithdraw)).Methods("POST")

	// Platform
	api.HandleFunc("/leaderboard", s.handleGlobalLeaderboard).Methods("GET")
	api.HandleFunc("/prices", s.handlePrices).Methods("GET")
	api.HandleFunc("/stats", s.handlePlatformStats).Methods("GET")
	api.HandleFunc("/orders/count", s.handleOrderCount).Methods("GET")
	api.HandleFunc("/encryption-key", s.handleEncryptionKey).Methods("GET")

	// Admin
	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/round/start", s.requireAdmin(s.handleStartRound)).Methods("POST")
	admin.HandleFunc("/round/clear", s.requireAdmin(s.handleRunClearing)).Methods("POST")
	admin.HandleFunc("/round/reset", s.requireAdmin(s.handleResetRound)).Methods("POST")
	admin.HandleFunc("/round/progress", s.requireAdmin(s.handleForceProgress)).Methods("POST")
	admin.HandleFunc("/round/duration", s.requireAdmin(s.handleSetDuration)).Methods("POST")
	admin.HandleFunc("/rounds/{id:[0-9]+}/abandon", s.requireAdmin(s.handleAbandonRound)).Methods("POST")
	admin.HandleFunc("/scheduler", s.requireAdmin(s.handleSchedulerStatus)).Methods("GET")
	admin.HandleFunc("/scheduler/start", s.requireAdmin(s.handleSchedulerStart)).Methods("POST")
	admin.HandleFunc("/scheduler/stop", s.requireAdmin(s.handleSchedulerStop)).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the hub, forwards round events to it and serves HTTP until ctx
// is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.baseCtx = ctx
	go s.hub.Run(ctx)
	go s.forwardEvents(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("api_listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) forwardEvents(ctx context.Context) {
	events, cancel := s.machine.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.BroadcastRoundEvent(ev)
		}
	}
}

// BroadcastRoundEvent pushes ev to "round" and "round:<id>" subscribers.
func (s *Server) BroadcastRoundEvent(ev round.Event) {
	msg := WSMessage{Type: channelRound, Data: ev}
	s.hub.BroadcastToChannel(channelRound, msg)
	s.hub.BroadcastToChannel(fmt.Sprintf("%s:%d", channelRound, ev.RoundID), msg)
}

// ==============================
// Order submission
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	side, err := auction.ParseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}
	asset, err := auction.ParseAsset(req.Asset)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid asset", err.Error())
		return
	}
	payload, err := hexutil.Decode(req.EncryptedPayload)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid encryptedPayload", err.Error())
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid signature encoding", err.Error())
		return
	}
	if !common.IsHexAddress(req.Owner) {
		respondError(w, http.StatusBadRequest, "invalid owner address", "")
		return
	}
	owner := common.HexToAddress(req.Owner)

	typed := &vcrypto.SealedOrderEIP712{
		RoundID:     req.RoundID,
		Side:        uint8(side),
		Asset:       string(asset),
		Amount:      new(big.Int).SetUint64(req.Amount),
		PriceLimit:  new(big.Int).SetUint64(req.PriceLimit),
		Commitment:  req.Commitment,
		PayloadHash: ethcrypto.Keccak256Hash(payload),
		Owner:       owner,
	}
	signer, err := s.orders.RecoverSealedOrderSigner(typed, sig)
	if err != nil || signer != owner {
		respondError(w, http.StatusUnauthorized, "invalid signature", "signature does not recover to owner")
		return
	}

	id, err := s.machine.SubmitOrder(r.Context(), round.Submission{
		RoundID:          req.RoundID,
		Owner:            owner,
		Side:             side,
		Asset:            asset,
		Amount:           req.Amount,
		PriceLimit:       req.PriceLimit,
		EncryptedPayload: payload,
		Commitment:       req.Commitment,
	})
	if err != nil {
		respondErr(w, "order rejected", err)
		return
	}

	s.log.Infow("order_submitted", "order", id, "round", req.RoundID, "owner", owner.Hex())
	respondJSON(w, SubmitOrderResponse{Status: "accepted", OrderID: id, RoundID: req.RoundID})
}

// ==============================
// Round queries
// ==============================

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.machine.State())
}

func (s *Server) handleTimeRemaining(w http.ResponseWriter, r *http.Request) {
	snap := s.machine.State()
	respondJSON(w, TimeRemainingResponse{
		RoundID:     snap.RoundID,
		State:       snap.State,
		RemainingMs: snap.TimeRemaining.Milliseconds(),
	})
}

func (s *Server) handleOrderBookSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.machine.OrderBookSummary()
	if err != nil {
		respondErr(w, "summary unavailable", err)
		return
	}
	respondJSON(w, sum)
}

func (s *Server) handleCurrentRoundOrderCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.machine.CurrentRoundOrderCount()
	if err != nil {
		respondErr(w, "count unavailable", err)
		return
	}
	respondJSON(w, CountResponse{Count: n})
}

func (s *Server) handleOrderCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.machine.OrderCount()
	if err != nil {
		respondErr(w, "count unavailable", err)
		return
	}
	respondJSON(w, CountResponse{Count: n})
}

func (s *Server) handleCurrentRoundResult(w http.ResponseWriter, r *http.Request) {
	result, ok, err := s.machine.CurrentRoundResult()
	if err != nil {
		respondErr(w, "result unavailable", err)
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "result not found", "current round has not cleared")
		return
	}
	respondJSON(w, result)
}

func (s *Server) handleGetRoundRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDVar(w, r)
	if !ok {
		return
	}
	rec, found, err := s.machine.RoundRecord(id)
	if err != nil {
		respondErr(w, "round unavailable", err)
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "round not found", "")
		return
	}
	respondJSON(w, rec)
}

func (s *Server) handleGetRoundResult(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDVar(w, r)
	if !ok {
		return
	}
	result, found, err := s.machine.RoundResult(id)
	if err != nil {
		respondErr(w, "result unavailable", err)
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "result not found", fmt.Sprintf("round %d has no clearing result", id))
		return
	}
	respondJSON(w, result)
}

// handleGetRoundOrders hides the orders of the current Active round.
func (s *Server) handleGetRoundOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDVar(w, r)
	if !ok {
		return
	}
	if snap := s.machine.State(); snap.RoundID == id && snap.State == round.Active {
		respondError(w, http.StatusForbidden, "round still open", "orders are listed after the round closes")
		return
	}
	orders, err := s.machine.RoundOrders(id)
	if err != nil {
		respondErr(w, "orders unavailable", err)
		return
	}
	respondJSON(w, nonNil(orders))
}

func (s *Server) handleRoundLeaderboard(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDVar(w, r)
	if !ok {
		return
	}
	board, err := s.machine.RoundLeaderboard(id)
	if err != nil {
		respondErr(w, "leaderboard unavailable", err)
		return
	}
	respondJSON(w, board)
}

// ==============================
// Account queries
// ==============================

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	respondJSON(w, BalanceResponse{Address: addr.Hex(), Balance: s.machine.Balance(addr)})
}

// handleGetOrders lists an account's orders; ?current=true limits it to the
// current round.
func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	var (
		orders []auction.Order
		err    error
	)
	if r.URL.Query().Get("current") == "true" {
		orders, err = s.machine.UserCurrentRoundOrders(addr)
	} else {
		orders, err = s.machine.UserOrders(addr)
	}
	if err != nil {
		respondErr(w, "orders unavailable", err)
		return
	}
	respondJSON(w, nonNil(orders))
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	stats, found, err := s.machine.UserStats(addr)
	if err != nil {
		respondErr(w, "stats unavailable", err)
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "stats not found", "no orders in any cleared round")
		return
	}
	respondJSON(w, stats)
}

func (s *Server) handleGetSurplus(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	id, ok := roundIDVar(w, r)
	if !ok {
		return
	}
	surplus, err := s.machine.UserRoundSurplus(addr, id)
	if err != nil {
		respondErr(w, "surplus unavailable", err)
		return
	}
	respondJSON(w, SurplusResponse{Address: addr.Hex(), RoundID: id, Surplus: surplus})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleFund(w, r, s.machine.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleFund(w, r, s.machine.Withdraw)
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request, apply func(common.Address, escrow.Currency, uint64) (escrow.Balance, error)) {
	addr, ok := addressVar(w, r)
	if !ok {
		return
	}
	var req FundRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	currency, err := escrow.ParseCurrency(req.Currency)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid currency", err.Error())
		return
	}
	bal, err := apply(addr, currency, req.Amount)
	if err != nil {
		respondErr(w, "funding rejected", err)
		return
	}
	s.log.Infow("balance_funded", "address", addr.Hex(), "path", r.URL.Path, "currency", currency, "amount", req.Amount)
	respondJSON(w, BalanceResponse{Address: addr.Hex(), Balance: bal})
}

// ==============================
// Platform queries
// ==============================

func (s *Server) handleGlobalLeaderboard(w http.ResponseWriter, r *http.Request) {
	top, err := queryInt(r, "top", -1)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid top", err.Error())
		return
	}
	board, err := s.machine.TopPlayers(top)
	if err != nil {
		respondErr(w, "leaderboard unavailable", err)
		return
	}
	respondJSON(w, board)
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	count, err := queryInt(r, "count", -1)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid count", err.Error())
		return
	}
	prices, err := s.machine.RecentPrices(count)
	if err != nil {
		respondErr(w, "prices unavailable", err)
		return
	}
	respondJSON(w, prices)
}

func (s *Server) handlePlatformStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.machine.PlatformStats()
	if err != nil {
		respondErr(w, "stats unavailable", err)
		return
	}
	respondJSON(w, stats)
}

func (s *Server) handleEncryptionKey(w http.ResponseWriter, r *http.Request) {
	mpk, err := s.machine.EncryptionPublicKey(r.Context())
	if err != nil {
		respondErr(w, "encryption key unavailable", err)
		return
	}
	respondJSON(w, EncryptionKeyResponse{
		MasterPublicKey: hexutil.Encode(mpk),
		Scheme:          "bls12381-ibe-aes256gcm",
		IdentityPrefix:  sealed.IdentityPrefix,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Admin
// ==============================

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			respondError(w, http.StatusForbidden, "admin disabled", "no admin token configured")
			return
		}
		want := []byte("Bearer " + s.adminToken)
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("Authorization")), want) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStartRound(w http.ResponseWriter, r *http.Request) {
	msg, err := s.machine.StartRound()
	respondStatus(w, msg, err)
}

func (s *Server) handleRunClearing(w http.ResponseWriter, r *http.Request) {
	msg, err := s.machine.RunClearing(r.Context())
	respondStatus(w, msg, err)
}

func (s *Server) handleResetRound(w http.ResponseWriter, r *http.Request) {
	msg, err := s.machine.ResetRound()
	respondStatus(w, msg, err)
}

func (s *Server) handleForceProgress(w http.ResponseWriter, r *http.Request) {
	if s.scheduler != nil {
		s.scheduler.ForceProgress(r.Context())
	} else {
		s.machine.Tick(r.Context())
	}
	respondJSON(w, StatusResponse{Message: "Round progression triggered"})
}

func (s *Server) handleSetDuration(w http.ResponseWriter, r *http.Request) {
	var req DurationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	msg, err := s.machine.SetRoundDuration(time.Duration(req.Seconds) * time.Second)
	respondStatus(w, msg, err)
}

func (s *Server) handleAbandonRound(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDVar(w, r)
	if !ok {
		return
	}
	msg, err := s.machine.AbandonRound(id)
	respondStatus(w, msg, err)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		respondError(w, http.StatusServiceUnavailable, "no scheduler", "")
		return
	}
	respondJSON(w, SchedulerResponse{Running: s.scheduler.Running()})
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		respondError(w, http.StatusServiceUnavailable, "no scheduler", "")
		return
	}
	if !s.scheduler.Start(s.baseCtx) {
		respondJSON(w, StatusResponse{Message: "Round timer already running"})
		return
	}
	respondJSON(w, StatusResponse{Message: "Round timer started"})
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		respondError(w, http.StatusServiceUnavailable, "no scheduler", "")
		return
	}
	if !s.scheduler.Stop() {
		respondJSON(w, StatusResponse{Message: "No active timer to stop"})
		return
	}
	respondJSON(w, StatusResponse{Message: "Round timer stopped"})
}

// ==============================
// Helper Functions
// ==============================

func addressVar(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func roundIDVar(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid round id", err.Error())
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}

func nonNil(orders []auction.Order) []auction.Order {
	if orders == nil {
		return []auction.Order{}
	}
	return orders
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, round.ErrAnonymous):
		return http.StatusUnauthorized
	case errors.Is(err, round.ErrUnknownRound):
		return http.StatusNotFound
	case errors.Is(err, round.ErrRoundNotActive),
		errors.Is(err, round.ErrStaleRound),
		errors.Is(err, round.ErrDuplicateCommitment),
		errors.Is(err, round.ErrInvalidTransition),
		errors.Is(err, round.ErrClearingInFlight),
		errors.Is(err, round.ErrRoundInFlight),
		errors.Is(err, round.ErrRoundCleared),
		errors.Is(err, round.ErrRoundExecuted):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, round.ErrInvalidAmount),
		errors.Is(err, round.ErrInvalidPrice),
		errors.Is(err, round.ErrEmptyPayload),
		errors.Is(err, round.ErrInvalidCommitment),
		errors.Is(err, round.ErrWrongAsset),
		errors.Is(err, round.ErrInvalidDuration),
		errors.Is(err, auction.ErrInvalidSide),
		errors.Is(err, escrow.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, keyservice.ErrKeyUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, round.ErrSecurityViolation),
		errors.Is(err, auction.ErrInsufficientOrders),
		errors.Is(err, auction.ErrNoClearingPrice):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}

func respondErr(w http.ResponseWriter, summary string, err error) {
	respondError(w, statusFor(err), summary, err.Error())
}

// respondStatus answers an admin action with its message, or the error
// status when it failed.
func respondStatus(w http.ResponseWriter, msg string, err error) {
	if err != nil {
		if msg == "" {
			msg = err.Error()
		}
		respondError(w, statusFor(err), err.Error(), msg)
		return
	}
	respondJSON(w, StatusResponse{Message: msg})
}
