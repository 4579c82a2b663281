// Package api provides the HTTP surface of the paper trading engine:
// account management, order placement, valuation, auditing, and strategy
// automation, plus a WebSocket feed of executed fills.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperledger/engine/internal/enginerr"
	"github.com/paperledger/engine/internal/model"
	"github.com/paperledger/engine/internal/order"
	"github.com/paperledger/engine/internal/store"
	"github.com/paperledger/engine/internal/strategy"
	"github.com/paperledger/engine/internal/valuation"
)

// Server wires the engine services to HTTP handlers.
type Server struct {
	st         store.Store
	orders     *order.Service
	valuation  *valuation.Service
	strategies *strategy.Service
	hub        *WSHub // optional; nil disables fill broadcasts
}

// NewServer creates the HTTP server facade. Pass nil for hub if
// WebSocket broadcasting is not needed.
func NewServer(st store.Store, orders *order.Service, val *valuation.Service, strat *strategy.Service, hub *WSHub) *Server {
	return &Server{st: st, orders: orders, valuation: val, strategies: strat, hub: hub}
}

// Routes mounts every handler under /api/v1.
func (s *Server) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/accounts", s.CreateAccount)
		r.Get("/accounts/by-name/{accountName}", s.GetAccountByName)
		r.Get("/accounts/{accountID}", s.GetAccount)
		r.Get("/accounts/{accountID}/balance", s.GetBalance)
		r.Put("/accounts/{accountID}/balance", s.SetBalance)
		r.Get("/accounts/{accountID}/positions", s.ListPositions)
		r.Get("/accounts/{accountID}/transactions", s.ListTransactions)

		r.Post("/orders", s.PlaceOrder)
		r.Get("/orders/{orderID}", s.GetOrder)
		r.Delete("/orders/{orderID}", s.CancelOrder)
		r.Get("/accounts/{accountID}/orders", s.ListOpenOrders)
		r.Post("/orders/process", s.ProcessOpenOrders)

		r.Get("/accounts/{accountID}/value", s.ComputeValue)
		r.Get("/accounts/{accountID}/value/history", s.ValueHistory)
		r.Get("/accounts/{accountID}/audit", s.Audit)

		r.Post("/strategies", s.CreateStrategy)
		r.Put("/strategies/{strategyID}", s.UpdateStrategy)
		r.Delete("/strategies/{strategyID}", s.RemoveStrategy)
		r.Get("/accounts/{accountID}/strategies", s.ListStrategies)
		r.Post("/accounts/{accountID}/strategies/process", s.ProcessStrategies)

		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}
	})
}

// --- Accounts ---

// CreateAccountRequest is the JSON body for account creation.
type CreateAccountRequest struct {
	AccountName string `json:"account_name"`
}

// CreateAccount handles POST /api/v1/accounts
func (s *Server) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.AccountName == "" {
		writeBadRequest(w, "account_name is required")
		return
	}

	account := &model.Account{
		ID:        uuid.New().String(),
		Name:      req.AccountName,
		Balance:   valuation.InitialBalance,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.st.CreateAccount(r.Context(), account); err != nil {
		writeError(w, err)
		return
	}

	slog.Info("account created", "account_id", account.ID, "name", account.Name)
	writeJSON(w, http.StatusCreated, account)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (s *Server) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.st.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// GetAccountByName handles GET /api/v1/accounts/by-name/{accountName}
func (s *Server) GetAccountByName(w http.ResponseWriter, r *http.Request) {
	account, err := s.st.GetAccountByName(r.Context(), chi.URLParam(r, "accountName"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// GetBalance handles GET /api/v1/accounts/{accountID}/balance
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	account, err := s.st.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": account.ID,
		"balance":    account.Balance,
	})
}

// SetBalanceRequest is the JSON body for the operator balance override.
type SetBalanceRequest struct {
	Balance decimal.Decimal `json:"balance"`
}

// SetBalance handles PUT /api/v1/accounts/{accountID}/balance
func (s *Server) SetBalance(w http.ResponseWriter, r *http.Request) {
	var req SetBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.Balance.IsNegative() {
		writeBadRequest(w, "balance must be non-negative")
		return
	}

	accountID := chi.URLParam(r, "accountID")
	if err := s.st.SetBalance(r.Context(), accountID, req.Balance); err != nil {
		writeError(w, err)
		return
	}
	account, err := s.st.GetAccount(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("balance set", "account_id", accountID, "balance", req.Balance.String())
	writeJSON(w, http.StatusOK, account)
}

// ListPositions handles GET /api/v1/accounts/{accountID}/positions
func (s *Server) ListPositions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if _, err := s.st.GetAccount(r.Context(), accountID); err != nil {
		writeError(w, err)
		return
	}
	positions, err := s.st.ListPositions(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// ListTransactions handles GET /api/v1/accounts/{accountID}/transactions
func (s *Server) ListTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if _, err := s.st.GetAccount(r.Context(), accountID); err != nil {
		writeError(w, err)
		return
	}
	txns, err := s.st.ListTransactions(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	if txns == nil {
		txns = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// --- Orders ---

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	AccountID    string          `json:"account_id"`
	InstrumentID string          `json:"instrument_id"`
	Side         string          `json:"side"` // "BUY" or "SELL"
	Kind         string          `json:"kind"` // "LIMIT" or "MARKET"
	Price        decimal.Decimal `json:"price,omitempty"`
	Size         int64           `json:"size"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}

// PlaceOrder handles POST /api/v1/orders
func (s *Server) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.AccountID == "" || req.InstrumentID == "" {
		writeBadRequest(w, "account_id and instrument_id are required")
		return
	}

	result, err := s.orders.Place(r.Context(), order.PlaceParams{
		AccountID:    req.AccountID,
		InstrumentID: req.InstrumentID,
		Side:         model.OrderSide(req.Side),
		Kind:         model.OrderKind(req.Kind),
		Price:        req.Price,
		Size:         req.Size,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.Get(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}
func (s *Server) CancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.orders.Cancel(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ListOpenOrders handles GET /api/v1/accounts/{accountID}/orders
func (s *Server) ListOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.orders.ListOpen(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// ProcessOpenOrders handles POST /api/v1/orders/process
func (s *Server) ProcessOpenOrders(w http.ResponseWriter, r *http.Request) {
	result, err := s.orders.ProcessOpenOrders(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Valuation and audit ---

// ComputeValue handles GET /api/v1/accounts/{accountID}/value
func (s *Server) ComputeValue(w http.ResponseWriter, r *http.Request) {
	av, err := s.valuation.ComputeValue(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, av)
}

// ValueHistory handles GET /api/v1/accounts/{accountID}/value/history
// Optional ?start and ?end query parameters are RFC 3339 timestamps.
func (s *Server) ValueHistory(w http.ResponseWriter, r *http.Request) {
	start := time.Time{}
	end := time.Now().UTC()
	if v := r.URL.Query().Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "start must be RFC 3339")
			return
		}
		start = t
	}
	if v := r.URL.Query().Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeBadRequest(w, "end must be RFC 3339")
			return
		}
		end = t
	}

	snaps, err := s.valuation.History(r.Context(), chi.URLParam(r, "accountID"), start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	if snaps == nil {
		snaps = []model.AccountValueSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

// Audit handles GET /api/v1/accounts/{accountID}/audit
func (s *Server) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := s.valuation.Audit(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Strategies ---

// CreateStrategyRequest is the JSON body for POST /strategies.
type CreateStrategyRequest struct {
	AccountID    string `json:"account_id"`
	InstrumentID string `json:"instrument_id"`
	Side         string `json:"side"` // "YES" or "NO"

	Thesis            string          `json:"thesis"`
	ThesisProbability decimal.Decimal `json:"thesis_probability"`

	EntryMaxPrice          decimal.Decimal `json:"entry_max_price"`
	EntryMinImpliedEdge    decimal.Decimal `json:"entry_min_implied_edge"`
	EntryMaxCapitalRisk    decimal.Decimal `json:"entry_max_capital_risk"`
	EntryMaxPositionShares int64           `json:"entry_max_position_shares"`

	ExitTakeProfitPrice decimal.Decimal `json:"exit_take_profit_price"`
	ExitStopLossPrice   decimal.Decimal `json:"exit_stop_loss_price"`
	ExitTimeStop        *time.Time      `json:"exit_time_stop,omitempty"`

	Notes string `json:"notes,omitempty"`
}

// CreateStrategy handles POST /api/v1/strategies
func (s *Server) CreateStrategy(w http.ResponseWriter, r *http.Request) {
	var req CreateStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if req.AccountID == "" || req.InstrumentID == "" {
		writeBadRequest(w, "account_id and instrument_id are required")
		return
	}

	st, err := s.strategies.Create(r.Context(), strategy.CreateParams{
		AccountID:    req.AccountID,
		InstrumentID: req.InstrumentID,
		Side:         model.StrategySide(req.Side),

		Thesis:            req.Thesis,
		ThesisProbability: req.ThesisProbability,

		EntryMaxPrice:          req.EntryMaxPrice,
		EntryMinImpliedEdge:    req.EntryMinImpliedEdge,
		EntryMaxCapitalRisk:    req.EntryMaxCapitalRisk,
		EntryMaxPositionShares: req.EntryMaxPositionShares,

		ExitTakeProfitPrice: req.ExitTakeProfitPrice,
		ExitStopLossPrice:   req.ExitStopLossPrice,
		ExitTimeStop:        req.ExitTimeStop,

		Notes: req.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// UpdateStrategyRequest is the JSON body for PUT /strategies/{strategyID}.
// Absent fields carry forward from the current version.
type UpdateStrategyRequest struct {
	Thesis            *string          `json:"thesis,omitempty"`
	ThesisProbability *decimal.Decimal `json:"thesis_probability,omitempty"`

	EntryMaxPrice          *decimal.Decimal `json:"entry_max_price,omitempty"`
	EntryMinImpliedEdge    *decimal.Decimal `json:"entry_min_implied_edge,omitempty"`
	EntryMaxCapitalRisk    *decimal.Decimal `json:"entry_max_capital_risk,omitempty"`
	EntryMaxPositionShares *int64           `json:"entry_max_position_shares,omitempty"`

	ExitTakeProfitPrice *decimal.Decimal `json:"exit_take_profit_price,omitempty"`
	ExitStopLossPrice   *decimal.Decimal `json:"exit_stop_loss_price,omitempty"`
	ExitTimeStop        *time.Time       `json:"exit_time_stop,omitempty"`

	Notes *string `json:"notes,omitempty"`
}

// UpdateStrategy handles PUT /api/v1/strategies/{strategyID}
func (s *Server) UpdateStrategy(w http.ResponseWriter, r *http.Request) {
	var req UpdateStrategyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	st, err := s.strategies.Update(r.Context(), chi.URLParam(r, "strategyID"), strategy.UpdateParams{
		Thesis:            req.Thesis,
		ThesisProbability: req.ThesisProbability,

		EntryMaxPrice:          req.EntryMaxPrice,
		EntryMinImpliedEdge:    req.EntryMinImpliedEdge,
		EntryMaxCapitalRisk:    req.EntryMaxCapitalRisk,
		EntryMaxPositionShares: req.EntryMaxPositionShares,

		ExitTakeProfitPrice: req.ExitTakeProfitPrice,
		ExitStopLossPrice:   req.ExitStopLossPrice,
		ExitTimeStop:        req.ExitTimeStop,

		Notes: req.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RemoveStrategy handles DELETE /api/v1/strategies/{strategyID}
func (s *Server) RemoveStrategy(w http.ResponseWriter, r *http.Request) {
	result, err := s.strategies.Remove(r.Context(), chi.URLParam(r, "strategyID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListStrategies handles GET /api/v1/accounts/{accountID}/strategies
func (s *Server) ListStrategies(w http.ResponseWriter, r *http.Request) {
	views, err := s.strategies.ListActive(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// ProcessStrategies handles POST /api/v1/accounts/{accountID}/strategies/process
func (s *Server) ProcessStrategies(w http.ResponseWriter, r *http.Request) {
	report, err := s.strategies.ProcessAll(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// writeError maps an engine error kind to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, enginerr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, enginerr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, enginerr.ErrInsufficientFunds),
		errors.Is(err, enginerr.ErrInsufficientPosition):
		status = http.StatusBadRequest
	case errors.Is(err, enginerr.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, enginerr.ErrUpstreamUnavailable):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
