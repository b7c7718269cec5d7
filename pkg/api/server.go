package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/quantaledger/pkg/app/ledger"
	"github.com/uhyunpark/quantaledger/pkg/consensus"
	"github.com/uhyunpark/quantaledger/pkg/pipeline"
	"github.com/uhyunpark/quantaledger/pkg/quantum"
	"github.com/uhyunpark/quantaledger/pkg/util"
)

const maxRequestBody = 1 << 20

// Backend is the node as seen by the API.
type Backend interface {
	Status() NodeStatus
	Submit(p quantum.Payload) *pipeline.Future
	// Quantum returns nil, nil when the apex is unknown.
	Quantum(ctx context.Context, apex quantum.Apex) (*quantum.Quantum, error)
	Ledger() *ledger.Context
}

type Config struct {
	AllowedOrigins []string
	SubmitTimeout  time.Duration
	OrderbookDepth int
	Gatherer       prometheus.Gatherer
}

func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		SubmitTimeout:  10 * time.Second,
		OrderbookDepth: 50,
	}
}

// Server handles REST API and WebSocket connections
type Server struct {
	cfg     Config
	backend Backend
	router  *mux.Router
	hub     *Hub // WebSocket hub
	log     *zap.SugaredLogger
	srv     *http.Server
}

// NewServer creates a new API server. The hub must be registered as a
// pipeline listener by the caller to receive updates.
func NewServer(cfg Config, backend Backend, log *zap.SugaredLogger) *Server {
	def := DefaultConfig()
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if cfg.OrderbookDepth <= 0 {
		cfg.OrderbookDepth = def.OrderbookDepth
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = def.AllowedOrigins
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	log = util.OrNop(log)
	s := &Server{
		cfg:     cfg,
		backend: backend,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		log:     log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/quanta/{apex}", s.handleGetQuantum).Methods("GET")

	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")

	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")

	api.HandleFunc("/requests", s.handleSubmitRequest).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the routed handler wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.backend.Status()
	if st.State == consensus.StateFailed.String() {
		respondError(w, http.StatusServiceUnavailable, "node failed", st.Error)
		return
	}
	respondJSON(w, map[string]string{"status": "ok", "state": st.State})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.backend.Status())
}

func (s *Server) handleGetQuantum(w http.ResponseWriter, r *http.Request) {
	apex, err := strconv.ParseUint(mux.Vars(r)["apex"], 10, 64)
	if err != nil || apex == 0 {
		respondError(w, http.StatusBadRequest, "invalid apex", "")
		return
	}
	q, err := s.backend.Quantum(r.Context(), quantum.Apex(apex))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "quantum lookup failed", err.Error())
		return
	}
	if q == nil {
		respondError(w, http.StatusNotFound, "quantum not found", "")
		return
	}
	respondJSON(w, quantumInfo(q))
}

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	lc := s.backend.Ledger()
	markets := lc.Markets.ListMarkets()

	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = MarketInfo{
			ID:             m.ID,
			Symbol:         m.Symbol,
			BaseAsset:      m.BaseAsset,
			QuoteAsset:     m.QuoteAsset,
			Status:         m.Status.String(),
			MinOrderAmount: m.MinOrderAmount,
			BidOrders:      orderCount(lc, m.Symbol, quantum.Buy),
			AskOrders:      orderCount(lc, m.Symbol, quantum.Sell),
		}
	}
	respondJSON(w, response)
}

func orderCount(lc *ledger.Context, symbol string, side quantum.Side) int {
	n := 0
	for _, l := range lc.Exchange.Levels(symbol, side, 0) {
		n += l.Count
	}
	return n
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	lc := s.backend.Ledger()
	if _, err := lc.Markets.GetMarket(symbol); err != nil {
		respondError(w, http.StatusNotFound, "market not found", err.Error())
		return
	}

	depth := s.cfg.OrderbookDepth
	if v := r.URL.Query().Get("depth"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d <= 0 {
			respondError(w, http.StatusBadRequest, "invalid depth", v)
			return
		}
		depth = min(d, s.cfg.OrderbookDepth)
	}

	respondJSON(w, OrderbookSnapshot{
		Symbol:   symbol,
		Bids:     priceLevels(lc.Exchange.Levels(symbol, quantum.Buy, depth)),
		Asks:     priceLevels(lc.Exchange.Levels(symbol, quantum.Sell, depth)),
		LastApex: s.backend.Status().LastApex,
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addressStr := mux.Vars(r)["address"]
	if !common.IsHexAddress(addressStr) {
		respondError(w, http.StatusBadRequest, "invalid address", "")
		return
	}

	addr := common.HexToAddress(addressStr)
	acc := s.backend.Ledger().Accounts.GetAccount(addr)
	if acc == nil {
		respondError(w, http.StatusNotFound, "account not found", addr.Hex())
		return
	}

	response := AccountInfo{
		Address:  acc.Address.Hex(),
		Nonce:    acc.Nonce,
		Balances: []BalanceInfo{},
	}
	for _, b := range acc.SortedBalances() {
		response.Balances = append(response.Balances, BalanceInfo{
			Asset:       b.Asset,
			Amount:      b.Amount,
			Liabilities: b.Liabilities,
			Available:   b.Available(),
		})
	}
	respondJSON(w, response)
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()

	var req SignedRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.Signature == "" {
		respondError(w, http.StatusBadRequest, "missing signature", "")
		return
	}
	payload, err := req.Payload()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SubmitTimeout)
	defer cancel()
	res, err := s.backend.Submit(payload).Wait(ctx)
	if err != nil {
		// the item stays queued; its result is still published on the results channel
		s.log.Warnw("request_wait_timeout", "request_id", requestID, "type", payload.Type, "err", err)
		respondError(w, http.StatusGatewayTimeout, "request still pending", requestID)
		return
	}

	s.log.Debugw("request_processed",
		"request_id", requestID,
		"type", payload.Type,
		"account", req.Account,
		"nonce", req.Nonce,
		"apex", res.Apex,
		"status", res.Status,
	)
	respondJSONStatus(w, httpStatus(res.Status), SubmitResponse{RequestID: requestID, Result: resultInfo(res)})
}

func httpStatus(code quantum.StatusCode) int {
	switch code {
	case quantum.StatusSuccess:
		return http.StatusOK
	case quantum.StatusBadRequest:
		return http.StatusBadRequest
	case quantum.StatusUnauthorized:
		return http.StatusUnauthorized
	case quantum.StatusInvalidState:
		return http.StatusServiceUnavailable
	case quantum.StatusTooManyRequests:
		return http.StatusTooManyRequests
	case quantum.StatusUnexpectedMessage:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data any) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSONStatus(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}
