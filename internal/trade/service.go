// Package trade provides the HTTP handlers for opening and closing spread
// positions, closing markets, and querying the caller's account.
//
// All monetary values use shopspring/decimal; never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/auth"
	"github.com/atmx/spread-engine/internal/engine"
	"github.com/atmx/spread-engine/internal/market"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/slug"
	"github.com/atmx/spread-engine/internal/store"
)

// ConnectionHeader carries the notification connection id of the caller.
const ConnectionHeader = "X-Connection-ID"

// Service exposes the engine over HTTP.
type Service struct {
	engine  *engine.Engine
	catalog market.Catalog
	history store.Store
}

// NewService creates a new trade service.
func NewService(eng *engine.Engine, catalog market.Catalog, history store.Store) *Service {
	return &Service{engine: eng, catalog: catalog, history: history}
}

// Routes mounts the handlers. Callers must run auth.Middleware first.
// Closing a market is reserved for admin sessions.
func (s *Service) Routes(r chi.Router) {
	r.Get("/markets", s.ListMarkets)
	r.With(auth.RequireAdmin).Post("/markets/{marketID}/close", s.CloseMarket)
	r.Post("/trades", s.OpenTrade)
	r.Post("/trades/exit", s.ExitTrade)
	r.Get("/accounts/me", s.GetAccount)
	r.Get("/accounts/me/settlements", s.ListSettlements)
}

// --- Request/Response types ---

// Side decodes a side given as 0/1, "0"/"1" or "buy"/"sell".
type Side model.Side

func (s *Side) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var str string
	switch v := raw.(type) {
	case float64:
		str = strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		str = v
	default:
		return slug.ErrInvalidSide
	}
	side, err := slug.ParseSide(str)
	if err != nil {
		return err
	}
	*s = Side(side)
	return nil
}

// OpenRequest is the JSON body for POST /trades.
type OpenRequest struct {
	Market        string          `json:"market"`
	Selection     string          `json:"selection"`
	Side          Side            `json:"side"`
	Stake         decimal.Decimal `json:"stake"`
	RequestedOdds decimal.Decimal `json:"requested_odds"`
	AcceptAnyOdds int             `json:"accept_any_odds"` // 0 or 1
	TargetProfit  decimal.Decimal `json:"target_profit"`   // optional
	StopLoss      decimal.Decimal `json:"stop_loss"`       // optional
}

// ExitRequest is the JSON body for POST /trades/exit. The position is named
// by position_id or by its opening time in unix milliseconds.
type ExitRequest struct {
	Market        string          `json:"market"`
	Selection     string          `json:"selection"`
	Side          Side            `json:"side"`
	PositionID    string          `json:"position_id,omitempty"`
	OpenedAt      int64           `json:"opened_at,omitempty"`
	RequestedOdds decimal.Decimal `json:"requested_odds"`
}

// CloseMarketResponse reports a market closure.
type CloseMarketResponse struct {
	MarketID string `json:"market_id"`
	Settled  int    `json:"settled"`
}

// AccountResponse is the in-memory view of the caller's account.
type AccountResponse struct {
	UserID       string           `json:"user_id"`
	OperatorID   string           `json:"operator_id"`
	TotalBalance decimal.Decimal  `json:"total_balance"`
	TotalProfit  decimal.Decimal  `json:"total_profit"`
	TotalStake   decimal.Decimal  `json:"total_stake"`
	Positions    []model.Position `json:"positions"`
}

// --- Handlers ---

// OpenTrade handles POST /api/v1/trades.
func (s *Service) OpenTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, "unauthenticated", "unauthorized", http.StatusUnauthorized)
		return
	}
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_command", http.StatusBadRequest)
		return
	}
	if req.AcceptAnyOdds != 0 && req.AcceptAnyOdds != 1 {
		writeError(w, "accept_any_odds must be 0 or 1", "invalid_command", http.StatusBadRequest)
		return
	}

	res, err := s.engine.PlaceTrade(r.Context(), engine.OpenRequest{
		UserID:        id.UserID,
		OperatorID:    id.OperatorID,
		ConnectionID:  r.Header.Get(ConnectionHeader),
		Market:        req.Market,
		Selection:     req.Selection,
		Side:          model.Side(req.Side),
		Stake:         req.Stake,
		Odds:          req.RequestedOdds,
		AcceptAnyOdds: req.AcceptAnyOdds == 1,
		TargetProfit:  req.TargetProfit,
		StopLoss:      req.StopLoss,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ExitTrade handles POST /api/v1/trades/exit.
func (s *Service) ExitTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, "unauthenticated", "unauthorized", http.StatusUnauthorized)
		return
	}
	var req ExitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "invalid_command", http.StatusBadRequest)
		return
	}

	st, err := s.engine.ManualExit(r.Context(), engine.ExitRequest{
		UserID:       id.UserID,
		OperatorID:   id.OperatorID,
		ConnectionID: r.Header.Get(ConnectionHeader),
		Market:       req.Market,
		Selection:    req.Selection,
		Side:         model.Side(req.Side),
		PositionID:   req.PositionID,
		OpenedAt:     req.OpenedAt,
		Odds:         req.RequestedOdds,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close.
func (s *Service) CloseMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	if _, err := s.catalog.Get(r.Context(), marketID); errors.Is(err, market.ErrMarketNotFound) {
		writeError(w, "market not found", "unknown_market", http.StatusNotFound)
		return
	}

	n, err := s.engine.CloseMarket(r.Context(), marketID)
	if err != nil {
		slog.Error("close market failed", "market", marketID, "error", err)
		writeEngineError(w, err)
		return
	}
	slog.Info("market closed", "market", marketID, "settled", n)
	writeJSON(w, http.StatusOK, CloseMarketResponse{MarketID: marketID, Settled: n})
}

// ListMarkets handles GET /api/v1/markets.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.catalog.List(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", "internal", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetAccount handles GET /api/v1/accounts/me.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, "unauthenticated", "unauthorized", http.StatusUnauthorized)
		return
	}
	acct, found, err := s.engine.Account(r.Context(), model.NewUserKey(id.UserID, id.OperatorID))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if !found {
		writeError(w, "no open positions", "position_not_found", http.StatusNotFound)
		return
	}

	resp := AccountResponse{
		UserID:       acct.UserID,
		OperatorID:   acct.OperatorID,
		TotalBalance: acct.TotalBalance,
		TotalProfit:  acct.TotalProfit,
		TotalStake:   acct.TotalStake,
		Positions:    []model.Position{},
	}
	for _, list := range acct.Positions {
		for _, p := range list {
			resp.Positions = append(resp.Positions, *p)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSettlements handles GET /api/v1/accounts/me/settlements.
func (s *Service) ListSettlements(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, "unauthenticated", "unauthorized", http.StatusUnauthorized)
		return
	}
	rows, err := s.history.ListSettlements(r.Context(), id.UserID, id.OperatorID)
	if err != nil {
		slog.Error("list settlements failed", "user", id.UserID, "error", err)
		writeError(w, "failed to load settlements", "internal", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []model.Settlement{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// statusFor maps a validation code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case engine.ErrUnknownMarket.Code, engine.ErrPositionNotFound.Code:
		return http.StatusNotFound
	case engine.ErrOddsChanged.Code, engine.ErrInsufficientBalance.Code,
		engine.ErrMarketNotOpen.Code, engine.ErrMarketDisabled.Code:
		return http.StatusConflict
	case engine.ErrStakeBelowMinimum.Code, engine.ErrStakeAboveMaximum.Code,
		engine.ErrOddsOutOfRange.Code:
		return http.StatusUnprocessableEntity
	case engine.ErrNotSubscribed.Code:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case engine.IsValidation(err):
		code := engine.Code(err)
		slog.Debug("command rejected", "code", code, "error", err)
		writeError(w, err.Error(), code, statusFor(code))
	case errors.Is(err, engine.ErrPriceTimeout), errors.Is(err, engine.ErrUpstream):
		slog.Error("upstream failure", "error", err)
		writeError(w, "service temporarily unavailable, retry", "upstream", http.StatusServiceUnavailable)
	default:
		slog.Error("request failed", "error", err)
		writeError(w, "internal error", "internal", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
