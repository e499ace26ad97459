// Package api exposes the exchange over REST and WebSocket: market depth,
// trade history, account state, and commission submission.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tickerfield/marketsim/pkg/exchange"
	"github.com/tickerfield/marketsim/pkg/storage"
)

// Server handles REST API and WebSocket connections.
type Server struct {
	engine *exchange.Engine
	store  *storage.Store // optional; trade/account history disabled when nil
	router *mux.Router
	hub    *Hub
	log    *zap.Logger
}

func NewServer(engine *exchange.Engine, store *storage.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		engine: engine,
		store:  store,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/instruments", s.handleListInstruments).Methods("GET")
	api.HandleFunc("/instruments/{symbol}", s.handleGetInstrument).Methods("GET")
	api.HandleFunc("/instruments/{symbol}/depth", s.handleGetDepth).Methods("GET")
	api.HandleFunc("/instruments/{symbol}/trades", s.handleGetTrades).Methods("GET")

	api.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods("GET")

	api.HandleFunc("/commissions", s.handleSubmitCommission).Methods("POST")
	api.HandleFunc("/commissions/cancel", s.handleCancelCommission).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start runs the WebSocket hub and blocks serving HTTP.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Info("api server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.router }

// HandleTrade persists and broadcasts a settled trade. Wired to the
// engine's trade callback; must not block the matching path.
func (s *Server) HandleTrade(t *exchange.Trade) {
	if s.store != nil {
		if err := s.store.SaveTrade(t); err != nil {
			s.log.Error("persist trade", zap.Error(err))
		}
	}
	s.hub.BroadcastToChannel("trades:"+t.Symbol, TradeUpdate{
		Type:      "trade",
		ID:        t.ID.String(),
		Symbol:    t.Symbol,
		Price:     fmtPrice(t.Price),
		Volume:    t.Volume,
		Taker:     t.Taker.String(),
		Timestamp: t.Timestamp.UnixMilli(),
	})
}

// BroadcastDepth pushes the current ladder to depth subscribers.
func (s *Server) BroadcastDepth(symbol string) {
	snap, ok := s.engine.MarketSnapshot(symbol, time.Now())
	if !ok {
		return
	}
	asks, bids := snapLevels(snap)
	s.hub.BroadcastToChannel("depth:"+symbol, DepthUpdate{
		Type:      "depth",
		Symbol:    symbol,
		Asks:      asks,
		Bids:      bids,
		Last:      fmtPrice(snap.Last),
		Timestamp: snap.Timestamp.UnixMilli(),
	})
}

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	symbols := s.engine.Symbols()
	out := make([]InstrumentInfo, 0, len(symbols))
	for _, sym := range symbols {
		if info, ok := s.instrumentInfo(sym); ok {
			out = append(out, info)
		}
	}
	respondJSON(w, out)
}

func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	info, ok := s.instrumentInfo(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown symbol", symbol)
		return
	}
	respondJSON(w, info)
}

func (s *Server) instrumentInfo(symbol string) (InstrumentInfo, bool) {
	inst, ok := s.engine.Instrument(symbol)
	if !ok {
		return InstrumentInfo{}, false
	}
	snap, ok := s.engine.MarketSnapshot(symbol, time.Now())
	if !ok {
		return InstrumentInfo{}, false
	}
	info := InstrumentInfo{
		Symbol: symbol,
		Name:   inst.Name,
		Last:   fmtPrice(snap.Last),
		High:   fmtPrice(snap.High),
		Low:    fmtPrice(snap.Low),
		Volume: snap.Volume,
		Amount: snap.Amount.StringFixed(2),
	}
	if up, down, ok := s.engine.LimitBand(symbol); ok {
		if up > 0 {
			info.LimitUp = fmtPrice(up)
		}
		if down > 0 {
			info.LimitDown = fmtPrice(down)
		}
	}
	return info, true
}

func (s *Server) handleGetDepth(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	snap, ok := s.engine.MarketSnapshot(symbol, time.Now())
	if !ok {
		respondError(w, http.StatusNotFound, "unknown symbol", symbol)
		return
	}
	asks, bids := snapLevels(snap)
	respondJSON(w, DepthSnapshot{
		Symbol:    symbol,
		Asks:      asks,
		Bids:      bids,
		Last:      fmtPrice(snap.Last),
		Timestamp: snap.Timestamp.UnixMilli(),
	})
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if _, ok := s.engine.Instrument(symbol); !ok {
		respondError(w, http.StatusNotFound, "unknown symbol", symbol)
		return
	}
	if s.store == nil {
		respondJSON(w, []TradeInfo{})
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	trades, err := s.store.RecentTrades(symbol, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "trade history unavailable", err.Error())
		return
	}
	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = TradeInfo{
			ID:        t.ID.String(),
			Symbol:    t.Symbol,
			Price:     fmtPrice(t.Price),
			Volume:    t.Volume,
			Taker:     t.Taker.String(),
			Timestamp: t.Timestamp.UnixMilli(),
		}
	}
	respondJSON(w, out)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account id", err.Error())
		return
	}
	acct, ok := s.engine.Ledger().Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown account", "")
		return
	}

	positions := make([]PositionInfo, 0, len(acct.Positions))
	for sym, pos := range acct.Positions {
		positions = append(positions, PositionInfo{
			Symbol:    sym,
			Volume:    pos.Volume,
			Frozen:    pos.Frozen,
			Available: pos.Available(),
			Cost:      pos.Cost.StringFixed(2),
		})
	}
	respondJSON(w, AccountInfo{
		ID:            acct.ID,
		Cash:          acct.Cash.StringFixed(2),
		FrozenCash:    acct.FrozenCash.StringFixed(2),
		AvailableCash: acct.AvailableCash().StringFixed(2),
		Positions:     positions,
	})
}

func (s *Server) handleSubmitCommission(w http.ResponseWriter, r *http.Request) {
	var req CommissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	dir, ok := parseDirection(req.Direction)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid direction", req.Direction)
		return
	}
	price, err := parsePrice(req.Price)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid price", err.Error())
		return
	}

	rep, err := s.engine.Submit(&exchange.Commission{
		Symbol:    req.Symbol,
		Account:   req.Account,
		Direction: dir,
		Price:     price,
		Volume:    req.Volume,
	})
	if err != nil {
		respondSubmitError(w, err)
		return
	}

	s.BroadcastDepth(req.Symbol)
	respondJSON(w, commissionResponse(rep))
}

func (s *Server) handleCancelCommission(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	target, err := uuid.Parse(req.Target)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid target order id", err.Error())
		return
	}

	rep, err := s.engine.Submit(&exchange.Commission{
		Symbol:       req.Symbol,
		Account:      req.Account,
		Direction:    exchange.Cancel,
		CancelTarget: target,
		Volume:       req.Volume,
	})
	if err != nil {
		respondSubmitError(w, err)
		return
	}

	s.BroadcastDepth(req.Symbol)
	respondJSON(w, commissionResponse(rep))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

func commissionResponse(rep *exchange.Report) CommissionResponse {
	out := CommissionResponse{
		State:     rep.State.String(),
		Remaining: rep.Remaining,
	}
	if rep.OrderID != uuid.Nil {
		out.OrderID = rep.OrderID.String()
	}
	for _, t := range rep.Trades {
		out.Trades = append(out.Trades, TradeInfo{
			ID:        t.ID.String(),
			Symbol:    t.Symbol,
			Price:     fmtPrice(t.Price),
			Volume:    t.Volume,
			Taker:     t.Taker.String(),
			Timestamp: t.Timestamp.UnixMilli(),
		})
	}
	return out
}

func respondSubmitError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, exchange.ErrUnknownSymbol), errors.Is(err, exchange.ErrUnknownAccount):
		status = http.StatusNotFound
	}
	respondError(w, status, "commission rejected", err.Error())
}

func parseDirection(s string) (exchange.Direction, bool) {
	switch s {
	case "ask":
		return exchange.Ask, true
	case "bid":
		return exchange.Bid, true
	}
	return 0, false
}

// parsePrice converts a decimal currency string to cents.
func parsePrice(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	cents := d.Shift(2)
	if !cents.IsInteger() {
		return 0, exchange.ErrInvalidPrice
	}
	return cents.IntPart(), nil
}

func fmtPrice(cents int64) string {
	return exchange.PriceDecimal(cents).StringFixed(2)
}

func snapLevels(snap *exchange.Snapshot) (asks, bids []PriceLevel) {
	asks = make([]PriceLevel, 0, 5)
	bids = make([]PriceLevel, 0, 5)
	for _, lvl := range snap.Asks {
		asks = append(asks, PriceLevel{Price: fmtPrice(lvl.Price), Volume: lvl.Volume})
	}
	for _, lvl := range snap.Bids {
		bids = append(bids, PriceLevel{Price: fmtPrice(lvl.Price), Volume: lvl.Volume})
	}
	return asks, bids
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, errMsg, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: errMsg, Message: message})
}
