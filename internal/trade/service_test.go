package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/spread-engine/internal/auth"
	"github.com/atmx/spread-engine/internal/engine"
	"github.com/atmx/spread-engine/internal/market"
	"github.com/atmx/spread-engine/internal/model"
	"github.com/atmx/spread-engine/internal/pnl"
	"github.com/atmx/spread-engine/internal/settle"
	"github.com/atmx/spread-engine/internal/state"
	"github.com/atmx/spread-engine/internal/store"
	"github.com/atmx/spread-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	router chi.Router
	store  *store.MemoryStore
	prices *market.MemoryPrices
	writer *settle.Writer
	tokens *auth.JWTResolver
}

// newTestEnv wires the service over in-memory collaborators and a chi router.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	prices := market.NewMemoryPrices()
	catalog := market.NewMemoryCatalog(market.Market{
		ID: "m1", Selections: []string{"home", "away"}, Enabled: true, Status: model.MarketOpen, MaxOdds: d(100),
	})
	calc, err := pnl.NewCalculator(d(2))
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}
	writer := settle.NewWriter(ms, &settle.MemoryFailureSink{}, settle.Options{Workers: 2})
	t.Cleanup(func() { writer.Close(context.Background()) })

	eng := engine.New(engine.Deps{
		State:     state.New(),
		Catalog:   catalog,
		Prices:    prices,
		Stakes:    market.NewStakeTable(d(1), market.DefaultBuckets()),
		Calc:      calc,
		Wallets:   ms,
		Persister: writer,
	})
	tokens := auth.NewJWTResolver([]byte("test-secret"), "")

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(tokens))
		trade.NewService(eng, catalog, ms).Routes(r)
	})
	return &testEnv{router: r, store: ms, prices: prices, writer: writer, tokens: tokens}
}

func (e *testEnv) fund(t *testing.T, user string, balance float64) {
	t.Helper()
	if err := e.store.PutWallet(context.Background(), &model.Wallet{UserID: user, OperatorID: "op", Balance: d(balance)}); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (e *testEnv) price(t *testing.T, runner string, odds float64) {
	t.Helper()
	if err := e.prices.Set(context.Background(), model.Tick{ID: runner, Odds: d(odds), Status: model.TickOpen}); err != nil {
		t.Fatalf("price: %v", err)
	}
}

func (e *testEnv) do(t *testing.T, user, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doAs(t, auth.Identity{UserID: user, OperatorID: "op"}, method, path, body)
}

func (e *testEnv) doAs(t *testing.T, id auth.Identity, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if id.UserID != "" {
		token, err := e.tokens.Sign(id, time.Minute)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set(trade.ConnectionHeader, "conn-"+id.UserID)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, w.Body.String())
	}
	return body["code"]
}

// --- Open ---

func TestOpenTrade(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user1", 1000)
	env.price(t, "m1:home:0", 1.5)

	w := env.do(t, "user1", "POST", "/api/v1/trades", map[string]any{
		"market": "m1", "selection": "home", "side": 0, "stake": "20", "requested_odds": "1.5",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp engine.OpenResult
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Position.ID == "" {
		t.Error("expected non-empty position id")
	}
	if resp.Position.Side != model.SideBuy {
		t.Errorf("side 0 should decode to BUY, got %s", resp.Position.Side)
	}
	if !resp.TotalStake.Equal(d(20)) {
		t.Errorf("expected total stake 20, got %s", resp.TotalStake)
	}

	w = env.do(t, "user1", "GET", "/api/v1/accounts/me", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var acct trade.AccountResponse
	json.Unmarshal(w.Body.Bytes(), &acct)
	if len(acct.Positions) != 1 || !acct.TotalBalance.Equal(d(1000)) {
		t.Errorf("unexpected account %+v", acct)
	}
}

func TestOpenTrade_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user1", 100)
	env.price(t, "m1:home:1", 2.0)

	cases := []struct {
		name   string
		body   map[string]any
		status int
		code   string
	}{
		{"bad side", map[string]any{"market": "m1", "selection": "home", "side": 7, "stake": "10", "requested_odds": "2"}, http.StatusBadRequest, "invalid_command"},
		{"unknown market", map[string]any{"market": "m9", "selection": "home", "side": "sell", "stake": "10", "requested_odds": "2"}, http.StatusNotFound, "unknown_market"},
		{"over balance", map[string]any{"market": "m1", "selection": "home", "side": 1, "stake": "150", "requested_odds": "2"}, http.StatusConflict, "insufficient_balance"},
		{"stake too large", map[string]any{"market": "m1", "selection": "home", "side": 1, "stake": "201", "requested_odds": "2"}, http.StatusUnprocessableEntity, "stake_above_maximum"},
		{"odds moved", map[string]any{"market": "m1", "selection": "home", "side": 1, "stake": "10", "requested_odds": "2.2"}, http.StatusConflict, "odds_changed"},
		{"accept flag", map[string]any{"market": "m1", "selection": "home", "side": 1, "stake": "10", "accept_any_odds": 2}, http.StatusBadRequest, "invalid_command"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, "user1", "POST", "/api/v1/trades", tc.body)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
			if got := errorCode(t, w); got != tc.code {
				t.Errorf("expected code %q, got %q", tc.code, got)
			}
		})
	}
}

func TestOpenTrade_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "", "POST", "/api/v1/trades", map[string]any{"market": "m1"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

// --- Exit ---

func TestExitTrade_WritesSettlement(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user1", 1000)
	env.price(t, "m1:home:0", 2.0)

	w := env.do(t, "user1", "POST", "/api/v1/trades", map[string]any{
		"market": "m1", "selection": "home", "side": "0", "stake": "10", "accept_any_odds": 1,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var opened engine.OpenResult
	json.Unmarshal(w.Body.Bytes(), &opened)

	env.price(t, "m1:home:0", 2.1)
	w = env.do(t, "user1", "POST", "/api/v1/trades/exit", map[string]any{
		"market": "m1", "selection": "home", "side": 0,
		"opened_at": opened.Position.OpenedAt.UnixMilli(), "requested_odds": "2.1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("exit: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var st model.Settlement
	json.Unmarshal(w.Body.Bytes(), &st)
	if st.Reason != model.ReasonManualExit || !st.Profit.Equal(d(98)) {
		t.Errorf("unexpected settlement reason=%s profit=%s", st.Reason, st.Profit)
	}

	if err := env.writer.Close(context.Background()); err != nil {
		t.Fatalf("drain writer: %v", err)
	}
	wallet, err := env.store.GetWallet(context.Background(), "user1", "op")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if !wallet.Balance.Equal(d(1098)) {
		t.Errorf("expected wallet 1098, got %s", wallet.Balance)
	}

	w = env.do(t, "user1", "GET", "/api/v1/accounts/me/settlements", nil)
	var rows []model.Settlement
	json.Unmarshal(w.Body.Bytes(), &rows)
	if len(rows) != 1 || rows[0].PositionID != opened.Position.ID {
		t.Errorf("expected the settlement in history, got %+v", rows)
	}

	w = env.do(t, "user1", "POST", "/api/v1/trades/exit", map[string]any{
		"market": "m1", "selection": "home", "side": 0, "position_id": opened.Position.ID, "requested_odds": "2.1",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("second exit: expected 404, got %d", w.Code)
	}
	w = env.do(t, "user1", "GET", "/api/v1/accounts/me", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("account should leave memory after its last position, got %d", w.Code)
	}
}

// --- Markets ---

func TestCloseMarket(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "user1", 1000)
	env.fund(t, "user2", 1000)
	env.price(t, "m1:home:0", 2.0)
	env.price(t, "m1:away:1", 3.0)

	opens := []struct {
		user, sel string
		side      int
	}{
		{"user1", "home", 0},
		{"user2", "away", 1},
	}
	for _, open := range opens {
		w := env.do(t, open.user, "POST", "/api/v1/trades", map[string]any{
			"market": "m1", "selection": open.sel, "side": open.side, "stake": "10", "accept_any_odds": 1,
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("open: %d %s", w.Code, w.Body.String())
		}
	}

	w := env.do(t, "user1", "POST", "/api/v1/markets/m1/close", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("player close: expected 403, got %d: %s", w.Code, w.Body.String())
	}
	if got := errorCode(t, w); got != "forbidden" {
		t.Errorf("expected code forbidden, got %q", got)
	}

	admin := auth.Identity{UserID: "ops", OperatorID: "op", Admin: true}
	w = env.doAs(t, admin, "POST", "/api/v1/markets/m1/close", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp trade.CloseMarketResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Settled != 2 {
		t.Errorf("expected 2 settled, got %d", resp.Settled)
	}

	w = env.do(t, "user1", "GET", "/api/v1/markets", nil)
	var markets []market.Market
	json.Unmarshal(w.Body.Bytes(), &markets)
	if len(markets) != 1 || markets[0].Status != model.MarketClosed {
		t.Errorf("expected m1 CLOSED, got %+v", markets)
	}

	w = env.doAs(t, admin, "POST", "/api/v1/markets/nope/close", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown market, got %d", w.Code)
	}
}
