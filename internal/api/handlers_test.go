package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/paperledger/engine/internal/api"
	"github.com/paperledger/engine/internal/ledger"
	"github.com/paperledger/engine/internal/model"
	"github.com/paperledger/engine/internal/oracle"
	"github.com/paperledger/engine/internal/order"
	"github.com/paperledger/engine/internal/store"
	"github.com/paperledger/engine/internal/strategy"
	"github.com/paperledger/engine/internal/valuation"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEnv(t *testing.T) (chi.Router, *oracle.StaticOracle) {
	t.Helper()
	ms := store.NewMemoryStore()
	quotes := oracle.NewStaticOracle()
	led := ledger.New(ms)
	orders := order.NewService(ms, led, quotes)
	val := valuation.NewService(ms, quotes)
	strat := strategy.NewService(ms, quotes, orders)

	server := api.NewServer(ms, orders, val, strat, nil)
	r := chi.NewRouter()
	server.Routes(r)
	return r, quotes
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createAccount(t *testing.T, router chi.Router, name string) model.Account {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/accounts", api.CreateAccountRequest{AccountName: name})
	if w.Code != http.StatusCreated {
		t.Fatalf("create account failed: %d %s", w.Code, w.Body.String())
	}
	var a model.Account
	json.Unmarshal(w.Body.Bytes(), &a)
	return a
}

func TestCreateAccount_StartsWithInitialBalance(t *testing.T) {
	router, _ := newTestEnv(t)

	a := createAccount(t, router, "alice")
	if a.ID == "" {
		t.Error("expected account id")
	}
	if !a.Balance.Equal(d(10000)) {
		t.Errorf("expected starting balance 10000, got %s", a.Balance)
	}
}

func TestCreateAccount_DuplicateNameConflicts(t *testing.T) {
	router, _ := newTestEnv(t)
	createAccount(t, router, "alice")

	w := doJSON(t, router, "POST", "/api/v1/accounts", api.CreateAccountRequest{AccountName: "alice"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate name, got %d", w.Code)
	}
}

func TestGetAccountByName(t *testing.T) {
	router, _ := newTestEnv(t)
	a := createAccount(t, router, "alice")

	w := doJSON(t, router, "GET", "/api/v1/accounts/by-name/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("lookup failed: %d %s", w.Code, w.Body.String())
	}
	var got model.Account
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.ID != a.ID {
		t.Errorf("expected %s, got %s", a.ID, got.ID)
	}

	w = doJSON(t, router, "GET", "/api/v1/accounts/by-name/nobody", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	router, _ := newTestEnv(t)

	w := doJSON(t, router, "GET", "/api/v1/accounts/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSetBalance_RoundTrip(t *testing.T) {
	router, _ := newTestEnv(t)
	a := createAccount(t, router, "alice")

	w := doJSON(t, router, "PUT", "/api/v1/accounts/"+a.ID+"/balance", api.SetBalanceRequest{Balance: d(500)})
	if w.Code != http.StatusOK {
		t.Fatalf("set balance failed: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/api/v1/accounts/"+a.ID+"/balance", nil)
	var resp struct {
		Balance decimal.Decimal `json:"balance"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Balance.Equal(d(500)) {
		t.Errorf("expected balance 500, got %s", resp.Balance)
	}
}

func TestSetBalance_RejectsNegative(t *testing.T) {
	router, _ := newTestEnv(t)
	a := createAccount(t, router, "alice")

	w := doJSON(t, router, "PUT", "/api/v1/accounts/"+a.ID+"/balance", api.SetBalanceRequest{Balance: d(-1)})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestPlaceOrder_MarketBuyFlow(t *testing.T) {
	router, quotes := newTestEnv(t)
	a := createAccount(t, router, "alice")
	quotes.SetQuote("tok-1", d(0.55), d(0.60))

	w := doJSON(t, router, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		AccountID:    a.ID,
		InstrumentID: "tok-1",
		Side:         "BUY",
		Kind:         "MARKET",
		Size:         10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("place failed: %d %s", w.Code, w.Body.String())
	}
	var result order.PlaceResult
	json.Unmarshal(w.Body.Bytes(), &result)
	if result.Order.Status != model.StatusFilled {
		t.Errorf("expected FILLED, got %s", result.Order.Status)
	}

	// Positions reflect the fill.
	w = doJSON(t, router, "GET", "/api/v1/accounts/"+a.ID+"/positions", nil)
	var positions []model.Position
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 1 || positions[0].Shares != 10 {
		t.Errorf("expected 10 shares, got %+v", positions)
	}

	// Transactions endpoint shows the fill.
	w = doJSON(t, router, "GET", "/api/v1/accounts/"+a.ID+"/transactions", nil)
	var txns []model.Transaction
	json.Unmarshal(w.Body.Bytes(), &txns)
	if len(txns) != 1 {
		t.Errorf("expected 1 transaction, got %d", len(txns))
	}
}

func TestPlaceOrder_InsufficientFundsIs400(t *testing.T) {
	router, quotes := newTestEnv(t)
	a := createAccount(t, router, "alice")
	quotes.SetQuote("tok-1", d(0.55), d(0.60))

	w := doJSON(t, router, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		AccountID:    a.ID,
		InstrumentID: "tok-1",
		Side:         "BUY",
		Kind:         "MARKET",
		Size:         100000,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPlaceOrder_NoQuoteIs502(t *testing.T) {
	router, _ := newTestEnv(t)
	a := createAccount(t, router, "alice")

	w := doJSON(t, router, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		AccountID:    a.ID,
		InstrumentID: "tok-unknown",
		Side:         "BUY",
		Kind:         "MARKET",
		Size:         10,
	})
	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCancelOrder_FlowAndDoubleCancel(t *testing.T) {
	router, quotes := newTestEnv(t)
	a := createAccount(t, router, "alice")
	quotes.SetQuote("tok-1", d(0.55), d(0.60))

	w := doJSON(t, router, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		AccountID:    a.ID,
		InstrumentID: "tok-1",
		Side:         "BUY",
		Kind:         "LIMIT",
		Price:        d(0.50),
		Size:         10,
	})
	var result order.PlaceResult
	json.Unmarshal(w.Body.Bytes(), &result)
	if result.Order.Status != model.StatusOpen {
		t.Fatalf("expected resting order, got %s", result.Order.Status)
	}

	// Open orders list contains it.
	w = doJSON(t, router, "GET", "/api/v1/accounts/"+a.ID+"/orders", nil)
	var open []model.Order
	json.Unmarshal(w.Body.Bytes(), &open)
	if len(open) != 1 {
		t.Fatalf("expected 1 open order, got %d", len(open))
	}

	w = doJSON(t, router, "DELETE", "/api/v1/orders/"+result.Order.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel failed: %d %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "DELETE", "/api/v1/orders/"+result.Order.ID, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on double cancel, got %d", w.Code)
	}
}

func TestProcessOpenOrders_Endpoint(t *testing.T) {
	router, quotes := newTestEnv(t)
	a := createAccount(t, router, "alice")
	quotes.SetQuote("tok-1", d(0.55), d(0.60))

	doJSON(t, router, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		AccountID:    a.ID,
		InstrumentID: "tok-1",
		Side:         "BUY",
		Kind:         "LIMIT",
		Price:        d(0.50),
		Size:         10,
	})
	quotes.SetQuote("tok-1", d(0.40), d(0.45))

	w := doJSON(t, router, "POST", "/api/v1/orders/process", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("process failed: %d %s", w.Code, w.Body.String())
	}
	var batch order.BatchResult
	json.Unmarshal(w.Body.Bytes(), &batch)
	if batch.Filled != 1 {
		t.Errorf("expected 1 filled, got %+v", batch)
	}
}

func TestValueAndAuditEndpoints(t *testing.T) {
	router, quotes := newTestEnv(t)
	a := createAccount(t, router, "alice")
	quotes.SetQuote("tok-1", d(0.50), d(0.60))

	doJSON(t, router, "POST", "/api/v1/orders", api.PlaceOrderRequest{
		AccountID:    a.ID,
		InstrumentID: "tok-1",
		Side:         "BUY",
		Kind:         "MARKET",
		Size:         100,
	})

	w := doJSON(t, router, "GET", "/api/v1/accounts/"+a.ID+"/value", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("value failed: %d %s", w.Code, w.Body.String())
	}
	var av valuation.AccountValue
	json.Unmarshal(w.Body.Bytes(), &av)
	// 10000 - 60.00 + 100 × mid 0.55 = 9995.00
	if !av.TotalValue.Equal(d(9995)) {
		t.Errorf("expected total 9995, got %s", av.TotalValue)
	}

	w = doJSON(t, router, "GET", "/api/v1/accounts/"+a.ID+"/value/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("history failed: %d", w.Code)
	}
	var snaps []model.AccountValueSnapshot
	json.Unmarshal(w.Body.Bytes(), &snaps)
	if len(snaps) != 1 {
		t.Errorf("expected 1 snapshot, got %d", len(snaps))
	}

	w = doJSON(t, router, "GET", "/api/v1/accounts/"+a.ID+"/audit", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("audit failed: %d %s", w.Code, w.Body.String())
	}
	var report valuation.AuditReport
	json.Unmarshal(w.Body.Bytes(), &report)
	if !report.IsConsistent {
		t.Errorf("expected consistent account: %s", w.Body.String())
	}
}

func TestValueHistory_BadTimestampIs400(t *testing.T) {
	router, _ := newTestEnv(t)
	a := createAccount(t, router, "alice")

	w := doJSON(t, router, "GET", "/api/v1/accounts/"+a.ID+"/value/history?start=yesterday", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestStrategyEndpoints_Lifecycle(t *testing.T) {
	router, quotes := newTestEnv(t)
	a := createAccount(t, router, "alice")
	quotes.SetQuote("tok-1", d(0.48), d(0.50))

	req := api.CreateStrategyRequest{
		AccountID:              a.ID,
		InstrumentID:           "tok-1",
		Side:                   "YES",
		Thesis:                 "undervalued",
		ThesisProbability:      d(0.70),
		EntryMaxPrice:          d(0.60),
		EntryMinImpliedEdge:    d(0.05),
		EntryMaxCapitalRisk:    d(30),
		EntryMaxPositionShares: 40,
		ExitTakeProfitPrice:    d(0.85),
		ExitStopLossPrice:      d(0.30),
	}
	w := doJSON(t, router, "POST", "/api/v1/strategies", req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create strategy failed: %d %s", w.Code, w.Body.String())
	}
	var st model.Strategy
	json.Unmarshal(w.Body.Bytes(), &st)

	// Duplicate active strategy for the instrument conflicts.
	w = doJSON(t, router, "POST", "/api/v1/strategies", req)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for duplicate strategy, got %d", w.Code)
	}

	// Update mints a new version.
	prob := d(0.75)
	w = doJSON(t, router, "PUT", "/api/v1/strategies/"+st.ID, api.UpdateStrategyRequest{
		ThesisProbability: &prob,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update failed: %d %s", w.Code, w.Body.String())
	}
	var next model.Strategy
	json.Unmarshal(w.Body.Bytes(), &next)
	if next.ID == st.ID || next.LineageID != st.LineageID {
		t.Errorf("expected new version in same lineage: %s/%s vs %s/%s",
			next.ID, next.LineageID, st.ID, st.LineageID)
	}

	// Process: the entry conditions hold, so a buy goes out.
	w = doJSON(t, router, "POST", "/api/v1/accounts/"+a.ID+"/strategies/process", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("process failed: %d %s", w.Code, w.Body.String())
	}
	var run strategy.RunReport
	json.Unmarshal(w.Body.Bytes(), &run)
	if run.OrdersSent != 1 {
		t.Errorf("expected 1 order sent, got %+v", run)
	}

	// List shows the active strategy with quote enrichment.
	w = doJSON(t, router, "GET", "/api/v1/accounts/"+a.ID+"/strategies", nil)
	var views []strategy.ActiveStrategyView
	json.Unmarshal(w.Body.Bytes(), &views)
	if len(views) != 1 {
		t.Fatalf("expected 1 active strategy, got %d", len(views))
	}

	// Remove liquidates the position opened by the pass.
	w = doJSON(t, router, "DELETE", "/api/v1/strategies/"+next.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove failed: %d %s", w.Code, w.Body.String())
	}
	var removed strategy.RemoveResult
	json.Unmarshal(w.Body.Bytes(), &removed)
	if removed.CloseOrder == nil {
		t.Error("expected closing order on removal")
	}
}
