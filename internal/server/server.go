// Package server exposes the purchase flow over HTTP for the marketplace
// frontend. Handlers translate between wire shapes and the orchestrator;
// no purchase logic lives here.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"escrowline/internal/archive"
	"escrowline/internal/config"
	"escrowline/internal/events"
	"escrowline/internal/ledger"
	"escrowline/internal/money"
	"escrowline/internal/orchestrator"
	"escrowline/internal/party"
	"escrowline/internal/reservation"
	"escrowline/internal/session"
)

type Server struct {
	cfg         *config.AppConfig
	flow        *orchestrator.Orchestrator
	sessions    *reservation.Manager
	store       archive.Store
	httpServer  *http.Server
	metrics     *metricsRegistry
	log         *slog.Logger
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
	stopEvents  func()
}

func NewServer(
	cfg *config.AppConfig,
	flow *orchestrator.Orchestrator,
	sessions *reservation.Manager,
	chain ledger.Client,
	store archive.Store,
	bus *events.Broadcaster,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}

	metrics := newMetricsRegistry()

	s := &Server{
		cfg:      cfg,
		flow:     flow,
		sessions: sessions,
		store:    store,
		metrics:  metrics,
		log:      log,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := chain.(ledger.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	if bus != nil {
		ch, cancel := bus.Subscribe(256)
		s.stopEvents = cancel
		go s.consumeEvents(ch)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/reservations", s.handleCreateReservation)
	mux.HandleFunc("POST /api/v1/purchases/{id}/start", s.handleStartPurchase)
	mux.HandleFunc("POST /api/v1/purchases/{id}/cancel", s.handleCancelPurchase)
	mux.HandleFunc("GET /api/v1/purchases/{id}", s.handleGetPurchase)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.Handle("GET /api/v1/metrics", metrics.handler())

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopEvents != nil {
		s.stopEvents()
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type reservationRequest struct {
	ProductRef  string    `json:"productRef"`
	ProductCode string    `json:"productCode"`
	Price       string    `json:"price"`
	Buyer       party.Raw `json:"buyer"`
	Seller      party.Raw `json:"seller"`
}

type errorResponse struct {
	Error struct {
		Kind      string `json:"kind"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func (s *Server) handleCreateReservation(w http.ResponseWriter, r *http.Request) {
	var payload reservationRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if payload.ProductRef == "" || payload.ProductCode == "" {
		http.Error(w, "productRef and productCode are required", http.StatusBadRequest)
		return
	}

	buyer, err := party.Normalize(payload.Buyer)
	if err != nil {
		http.Error(w, "buyer: "+err.Error(), http.StatusBadRequest)
		return
	}
	seller, err := party.Normalize(payload.Seller)
	if err != nil {
		http.Error(w, "seller: "+err.Error(), http.StatusBadRequest)
		return
	}
	price, err := money.Parse(payload.Price)
	if err != nil {
		http.Error(w, "price: "+err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := s.flow.Reserve(r.Context(), orchestrator.ReserveInput{
		ProductRef:  payload.ProductRef,
		ProductCode: payload.ProductCode,
		Buyer:       buyer,
		Seller:      seller,
		Price:       price,
	})
	if err != nil {
		s.metrics.incReservation("rejected")
		s.writeFlowError(w, err)
		return
	}

	s.metrics.incReservation("created")
	s.metrics.setActiveSessions(s.sessions.ActiveCount())
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleStartPurchase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.flow.Session(id)
	if !ok {
		s.writeFlowError(w, session.ErrNotFound)
		return
	}

	// The flow outlives the HTTP request: confirmation alone can take
	// minutes. Progress is observable via GET and the event stream.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Purchase.ReservationWindow)
		defer cancel()
		if err := s.flow.Purchase(ctx, id); err != nil {
			s.log.Warn("purchase attempt ended with error", "session", id, "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, sess.Snapshot())
}

func (s *Server) handleCancelPurchase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.flow.Cancel(r.Context(), id); err != nil {
		s.writeFlowError(w, err)
		return
	}
	s.metrics.setActiveSessions(s.sessions.ActiveCount())

	sess, ok := s.flow.Session(id)
	if !ok {
		s.writeFlowError(w, session.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if sess, ok := s.flow.Session(id); ok {
		writeJSON(w, http.StatusOK, sess.Snapshot())
		return
	}
	// Terminal sessions eventually leave memory; the archive keeps them
	// addressable for support lookups.
	if s.store != nil {
		if rec, err := s.store.Get(r.Context(), id); err == nil && rec != nil {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	s.writeFlowError(w, session.ErrNotFound)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	s.metrics.setActiveSessions(s.sessions.ActiveCount())

	status := "healthy"
	code := http.StatusOK
	if !overallHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, struct {
		Status         string      `json:"status"`
		RPC            interface{} `json:"rpc"`
		Archive        interface{} `json:"archive"`
		ActiveSessions int         `json:"active_sessions"`
	}{
		Status:         status,
		RPC:            rpcInfo,
		Archive:        dbInfo,
		ActiveSessions: s.sessions.ActiveCount(),
	})
}

// consumeEvents folds the broadcast stream into purchase-outcome counters.
func (s *Server) consumeEvents(ch <-chan events.Event) {
	for ev := range ch {
		s.metrics.incEvent(string(ev.Type))
		switch ev.Type {
		case events.TypeProductSold:
			s.metrics.incPurchase("completed")
		case events.TypeTransactionExpired:
			s.metrics.incPurchase("expired")
		case events.TypeMarketplaceRefresh:
			switch ev.State {
			case session.StateCancelled.String():
				s.metrics.incPurchase("cancelled")
			case session.StateFailed.String():
				s.metrics.incPurchase("failed")
			}
		}
		s.metrics.setActiveSessions(s.sessions.ActiveCount())
	}
}

// writeFlowError maps flow errors to status codes and the closed set of
// client-facing messages.
func (s *Server) writeFlowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		http.Error(w, "purchase session not found", http.StatusNotFound)
		return
	case errors.Is(err, session.ErrBusy):
		http.Error(w, session.ErrBusy.Error(), http.StatusConflict)
		return
	case errors.Is(err, session.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	kind := session.KindOf(err)
	var resp errorResponse
	resp.Error.Kind = string(kind)
	resp.Error.Message = kind.Message()
	resp.Error.Retryable = kind.Retryable()
	writeJSON(w, kindStatus(kind), resp)
}

func kindStatus(kind session.Kind) int {
	switch kind {
	case session.KindAlreadyReserved:
		return http.StatusConflict
	case session.KindSelfPurchase, session.KindValidationFailed:
		return http.StatusBadRequest
	case session.KindWalletUnavailable, session.KindNetworkMismatch:
		return http.StatusServiceUnavailable
	case session.KindUserRejected, session.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case session.KindSessionExpired:
		return http.StatusGone
	case session.KindSubmissionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}
