// Package api is the thin HTTP boundary in front of the ledger engine.
// It carries no business rules: request decoding, outcome-to-status
// mapping, and JSON encoding only. Balance and position invariants live
// entirely in internal/ledger and internal/store.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/ledger"
	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/store"
)

// Server bundles the handlers' dependencies.
type Server struct {
	engine *ledger.Engine
	store  store.Store
}

// NewServer creates the HTTP handler set.
func NewServer(engine *ledger.Engine, st store.Store) *Server {
	return &Server{engine: engine, store: st}
}

// Routes mounts all endpoints on r under /api/v1.
func (s *Server) Routes(r chi.Router, hub *WSHub) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ws", hub.HandleWS)

		r.Post("/trade", s.ExecuteTrade)

		r.Get("/accounts/{accountID}", s.GetAccount)
		r.Get("/accounts/{accountID}/positions", s.GetPositions)
		r.Get("/accounts/{accountID}/audit", s.GetAudit)
		r.Get("/accounts/{accountID}/verify", s.VerifyAccount)

		r.Get("/instruments", s.ListInstruments)
		r.Get("/instruments/{symbol}/price", s.GetPrice)
		r.Put("/instruments/{symbol}/price", s.SetPrice)
	})
}

// TradeRequest is the JSON body for POST /api/v1/trade.
type TradeRequest struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
	Kind      string `json:"kind"` // "BUY" or "SELL"
	Quantity  int64  `json:"quantity"`
}

// ExecuteTrade handles POST /api/v1/trade.
func (s *Server) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", http.StatusBadRequest)
		return
	}

	var result *ledger.Result
	var err error
	switch req.Kind {
	case model.KindBuy:
		result, err = s.engine.Buy(r.Context(), req.AccountID, req.Symbol, req.Quantity)
	case model.KindSell:
		result, err = s.engine.Sell(r.Context(), req.AccountID, req.Symbol, req.Quantity)
	default:
		writeError(w, "kind must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeTradeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetAccount handles GET /api/v1/accounts/{accountID}.
func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	account, err := s.store.GetAccount(r.Context(), accountID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load account", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, account)
}

// GetPositions handles GET /api/v1/accounts/{accountID}/positions.
func (s *Server) GetPositions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	entries, err := s.engine.Portfolio(r.Context(), accountID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.PortfolioEntry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

// GetAudit handles GET /api/v1/accounts/{accountID}/audit.
func (s *Server) GetAudit(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	records, err := s.store.AuditByAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, "failed to load audit records", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.AuditRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}

// VerifyAccount handles GET /api/v1/accounts/{accountID}/verify.
func (s *Server) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	report, err := s.engine.VerifyAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, "verification failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// ListInstruments handles GET /api/v1/instruments.
func (s *Server) ListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := s.store.ListInstruments(r.Context())
	if err != nil {
		writeError(w, "failed to list instruments", http.StatusInternalServerError)
		return
	}
	if instruments == nil {
		instruments = []model.Instrument{}
	}

	writeJSON(w, http.StatusOK, instruments)
}

// GetPrice handles GET /api/v1/instruments/{symbol}/price.
func (s *Server) GetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	ins, err := s.store.GetInstrument(r.Context(), symbol)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to load instrument", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"price": ins.Price})
}

// SetPrice handles PUT /api/v1/instruments/{symbol}/price — the price
// oracle collaborator's write path.
func (s *Server) SetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")

	var body struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Price.LessThanOrEqual(decimal.Zero) {
		writeError(w, "price must be positive", http.StatusBadRequest)
		return
	}

	err := s.store.SetPrice(r.Context(), symbol, body.Price)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, "instrument not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "failed to update price", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeTradeError maps engine outcomes onto HTTP statuses: validation and
// business rejections are 4xx, contention is 409, everything else is a
// 5xx infrastructure fault.
func writeTradeError(w http.ResponseWriter, err error) {
	reason, ok := ledger.ReasonOf(err)
	if !ok {
		writeError(w, "trade failed", http.StatusInternalServerError)
		return
	}

	status := http.StatusUnprocessableEntity
	switch reason {
	case ledger.ReasonInvalidQuantity:
		status = http.StatusBadRequest
	case ledger.ReasonInstrumentNotFound:
		status = http.StatusNotFound
	case ledger.ReasonConcurrencyExhausted:
		status = http.StatusConflict
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "reason": string(reason)})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
