package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/custodex/custodex/pkg/exchange"
	"github.com/custodex/custodex/pkg/exchange/asset"
)

// Server is the request/response gateway in front of the exchange engine.
// It translates HTTP into engine calls and relays engine events over
// WebSocket; it performs no accounting of its own. The `from` field of every
// mutating request is the caller identity as asserted by the fronting
// transport; authentication happens before requests reach this server.
type Server struct {
	engine *exchange.Engine
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

func NewServer(engine *exchange.Engine, log *zap.SugaredLogger) *Server {
	s := &Server{
		engine: engine,
		router: mux.NewRouter(),
		hub:    NewHub(),
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Custody
	api.HandleFunc("/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/balances/{asset}/{account}", s.handleGetBalance).Methods("GET")

	// Orders
	api.HandleFunc("/orders", s.handleMakeOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/fill", s.handleFillOrder).Methods("POST")

	// Assets
	api.HandleFunc("/assets", s.handleListAssets).Methods("GET")

	// WebSocket event stream
	s.router.HandleFunc("/ws", s.handleWebSocket)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the event relay and serves HTTP. Blocks.
func (s *Server) Start(addr string) error {
	go s.hub.Run()
	go s.relayEvents()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Infow("gateway_listening", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// relayEvents fans every engine event out to WebSocket subscribers.
func (s *Server) relayEvents() {
	deposits := make(chan exchange.DepositEvent, 64)
	withdrawals := make(chan exchange.WithdrawEvent, 64)
	orders := make(chan exchange.OrderEvent, 64)
	cancels := make(chan exchange.CancelEvent, 64)
	trades := make(chan exchange.TradeEvent, 64)

	subs := []interface{ Unsubscribe() }{
		s.engine.SubscribeDeposits(deposits),
		s.engine.SubscribeWithdrawals(withdrawals),
		s.engine.SubscribeOrders(orders),
		s.engine.SubscribeCancels(cancels),
		s.engine.SubscribeTrades(trades),
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	for {
		select {
		case ev := <-deposits:
			s.hub.BroadcastToChannel("deposits", fundsEvent(ev.Asset, ev.Account, ev.Amount, ev.Balance))
		case ev := <-withdrawals:
			s.hub.BroadcastToChannel("withdrawals", fundsEvent(ev.Asset, ev.Account, ev.Amount, ev.Balance))
		case ev := <-orders:
			s.hub.BroadcastToChannel("orders", orderInfo(ev.Order))
		case ev := <-cancels:
			s.hub.BroadcastToChannel("cancels", orderInfo(ev.Order))
		case ev := <-trades:
			s.hub.BroadcastToChannel("trades", map[string]any{
				"order": orderInfo(ev.Order),
				"taker": ev.Taker.Hex(),
				"fee":   ev.Fee.String(),
			})
		}
	}
}

func fundsEvent(assetID, account common.Address, amount, balance *big.Int) map[string]string {
	return map[string]string{
		"asset":   assetID.Hex(),
		"account": account.Hex(),
		"amount":  amount.String(),
		"balance": balance.String(),
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	account, assetID, amount, ok := s.decodeFunds(w, r)
	if !ok {
		return
	}

	var err error
	if asset.IsNative(assetID) {
		err = s.engine.DepositNative(account, amount)
	} else {
		err = s.engine.DepositToken(account, assetID, amount)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceInfo{
		Asset:   assetID.Hex(),
		Account: account.Hex(),
		Amount:  s.engine.BalanceOf(assetID, account).String(),
	})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	account, assetID, amount, ok := s.decodeFunds(w, r)
	if !ok {
		return
	}

	var err error
	if asset.IsNative(assetID) {
		err = s.engine.WithdrawNative(account, amount)
	} else {
		err = s.engine.WithdrawToken(account, assetID, amount)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceInfo{
		Asset:   assetID.Hex(),
		Account: account.Hex(),
		Amount:  s.engine.BalanceOf(assetID, account).String(),
	})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	assetID, err := parseAddress(vars["asset"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	account, err := parseAddress(vars["account"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceInfo{
		Asset:   assetID.Hex(),
		Account: account.Hex(),
		Amount:  s.engine.BalanceOf(assetID, account).String(),
	})
}

func (s *Server) handleMakeOrder(w http.ResponseWriter, r *http.Request) {
	var req MakeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	creator, err := parseAddress(req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	assetGet, err := parseAddress(req.AssetGet)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	assetGive, err := parseAddress(req.AssetGive)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amountGet, err := parseAmount(req.AmountGet)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	amountGive, err := parseAmount(req.AmountGive)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	o, err := s.engine.MakeOrder(creator, assetGet, amountGet, assetGive, amountGive)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, orderInfo(o))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	all := s.engine.Orders()
	out := make([]OrderInfo, len(all))
	for i, o := range all {
		out[i] = orderInfo(o)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	o, err := s.engine.Order(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, orderInfo(o))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	caller, err := parseAddress(req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.CancelOrder(caller, req.ID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req FillOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	taker, err := parseAddress(req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.engine.FillOrder(taker, id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "filled"})
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	assets := s.engine.Registry().List()
	out := make([]AssetInfo, len(assets))
	for i, a := range assets {
		out[i] = AssetInfo{ID: a.ID.Hex(), Symbol: a.Symbol, Name: a.Name, Decimals: a.Decimals}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func (s *Server) decodeFunds(w http.ResponseWriter, r *http.Request) (common.Address, common.Address, *big.Int, bool) {
	var req FundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return common.Address{}, common.Address{}, nil, false
	}

	account, err := parseAddress(req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return common.Address{}, common.Address{}, nil, false
	}
	assetID, err := parseAddress(req.Asset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return common.Address{}, common.Address{}, nil, false
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return common.Address{}, common.Address{}, nil, false
	}
	return account, assetID, amount, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers already sent; nothing useful left to do.
		return
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps engine failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, exchange.ErrInvalidAmount), errors.Is(err, exchange.ErrInvalidAsset):
		return http.StatusBadRequest
	case errors.Is(err, exchange.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, exchange.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, exchange.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, exchange.ErrInsufficientBalance), errors.Is(err, exchange.ErrTransferRejected):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
