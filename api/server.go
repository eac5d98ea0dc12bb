package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gregtusar/papertrade/pkg/ledger"
	"github.com/gregtusar/papertrade/pkg/models"
	"github.com/gregtusar/papertrade/pkg/notify"
	"github.com/gregtusar/papertrade/pkg/trader"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Server struct {
	service *trader.Service
	hub     *notify.Hub
	auth    *Authenticator
	metrics http.Handler
	logger  *logrus.Logger
	http    *http.Server
}

func NewServer(service *trader.Service, hub *notify.Hub, auth *Authenticator, metrics http.Handler, logger *logrus.Logger, addr string) *Server {
	s := &Server{
		service: service,
		hub:     hub,
		auth:    auth,
		metrics: metrics,
		logger:  logger,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/prices", s.handlePrices)
	mux.HandleFunc("/api/account/balance", s.requireUser(s.handleBalance))
	mux.HandleFunc("/api/account/equity", s.requireUser(s.handleEquity))
	mux.HandleFunc("/api/account/stats", s.requireUser(s.handleStats))
	mux.HandleFunc("/api/positions", s.requireUser(s.handlePositions))
	mux.HandleFunc("/api/positions/history", s.requireUser(s.handleHistory))
	mux.HandleFunc("/api/positions/close", s.requireUser(s.handleClose))
	if s.hub != nil {
		mux.HandleFunc("/api/notifications/ws", s.requireUser(s.handleNotifications))
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	return corsMiddleware(mux)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(s, w, r, http.MethodGet) {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": s.service.Symbols(),
		"prices":  s.service.Prices(),
	})
}

type balanceRequest struct {
	Amount string `json:"amount"`
}

type balanceResponse struct {
	Balance decimal.Decimal `json:"balance"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())

	switch r.Method {
	case http.MethodGet:
		balance, err := s.service.GetAvailableBalance(r.Context(), userID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, balanceResponse{Balance: balance})

	case http.MethodPut:
		var req balanceRequest
		if !s.decode(w, r, &req) {
			return
		}
		amount, err := ledger.ParseAmount(req.Amount)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		if err := s.service.SetBalance(r.Context(), userID, amount); err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, balanceResponse{Balance: amount})

	default:
		s.methodNotAllowed(w)
	}
}

func (s *Server) handleEquity(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(s, w, r, http.MethodGet) {
		return
	}
	equity, err := s.service.GetEquity(r.Context(), userFromContext(r.Context()))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"equity": equity})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(s, w, r, http.MethodGet) {
		return
	}
	stats, err := s.service.GetStats(r.Context(), userFromContext(r.Context()))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

type openRequest struct {
	Symbol      string              `json:"symbol"`
	Side        models.PositionSide `json:"side"`
	Leverage    int                 `json:"leverage"`
	Target      decimal.Decimal     `json:"target"`
	Stop        *decimal.Decimal    `json:"stop,omitempty"`
	Margin      *decimal.Decimal    `json:"margin,omitempty"`
	TakeProfits []decimal.Decimal   `json:"take_profits,omitempty"`
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())

	switch r.Method {
	case http.MethodGet:
		views, err := s.service.ListActive(r.Context(), userID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, views)

	case http.MethodPost:
		var req openRequest
		if !s.decode(w, r, &req) {
			return
		}
		position, err := s.service.OpenPosition(r.Context(), trader.OpenRequest{
			UserID:      userID,
			Symbol:      req.Symbol,
			Leverage:    req.Leverage,
			Side:        req.Side,
			Target:      req.Target,
			Stop:        req.Stop,
			Margin:      req.Margin,
			TakeProfits: req.TakeProfits,
		})
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, position)

	default:
		s.methodNotAllowed(w)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(s, w, r, http.MethodGet) {
		return
	}
	history, err := s.service.ListHistory(r.Context(), userFromContext(r.Context()))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, history)
}

type closeRequest struct {
	PositionID string `json:"position_id"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(s, w, r, http.MethodPost) {
		return
	}
	var req closeRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	result, err := s.service.ClosePosition(r.Context(), trader.CloseRequest{
		UserID:     userFromContext(r.Context()),
		PositionID: req.PositionID,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(s, w, r, http.MethodGet) {
		return
	}
	s.hub.ServeWS(w, r, userFromContext(r.Context()))
}

func allowMethod(s *Server, w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		s.methodNotAllowed(w)
		return false
	}
	return true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return false
	}
	return true
}

// decodeOptional is decode for endpoints whose body may be omitted. An empty
// body, chunked or not, leaves v untouched.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return false
	}
	return true
}

func (s *Server) methodNotAllowed(w http.ResponseWriter) {
	s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
}

// statusFor maps a domain error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case "invalid_amount", "invalid_side", "invalid_leverage", "unsupported_symbol":
		return http.StatusBadRequest
	case "already_funded", "already_closed":
		return http.StatusConflict
	case "insufficient_funds":
		return http.StatusUnprocessableEntity
	case "price_unavailable":
		return http.StatusServiceUnavailable
	case "not_found":
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	code := models.ErrorCode(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("Request failed")
		s.writeError(w, status, code, "internal server error")
		return
	}
	s.writeError(w, status, code, err.Error())
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
