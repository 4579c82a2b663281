package strategy_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperledger/engine/internal/enginerr"
	"github.com/paperledger/engine/internal/ledger"
	"github.com/paperledger/engine/internal/model"
	"github.com/paperledger/engine/internal/oracle"
	"github.com/paperledger/engine/internal/order"
	"github.com/paperledger/engine/internal/store"
	"github.com/paperledger/engine/internal/strategy"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	ms     *store.MemoryStore
	quotes *oracle.StaticOracle
	ledger *ledger.Ledger
	orders *order.Service
	strat  *strategy.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	quotes := oracle.NewStaticOracle()
	led := ledger.New(ms)
	orders := order.NewService(ms, led, quotes)
	return &testEnv{
		ms:     ms,
		quotes: quotes,
		ledger: led,
		orders: orders,
		strat:  strategy.NewService(ms, quotes, orders),
	}
}

func (e *testEnv) seedAccount(t *testing.T, id string) {
	t.Helper()
	err := e.ms.CreateAccount(context.Background(), &model.Account{
		ID:        id,
		Name:      "account-" + id,
		Balance:   d(10000),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func baseParams(accountID, instrumentID string) strategy.CreateParams {
	return strategy.CreateParams{
		AccountID:    accountID,
		InstrumentID: instrumentID,
		Side:         model.StrategyYes,

		Thesis:            "polls mispriced",
		ThesisProbability: d(0.70),

		EntryMaxPrice:          d(0.60),
		EntryMinImpliedEdge:    d(0.05),
		EntryMaxCapitalRisk:    d(30),
		EntryMaxPositionShares: 40,

		ExitTakeProfitPrice: d(0.85),
		ExitStopLossPrice:   d(0.30),
	}
}

func TestCreate_SecondActiveStrategyConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1")
	ctx := context.Background()

	first, err := env.strat.Create(ctx, baseParams("acct1", "tok-1"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if first.LineageID == "" || first.ID == "" {
		t.Error("expected ids assigned")
	}

	_, err = env.strat.Create(ctx, baseParams("acct1", "tok-1"))
	if !errors.Is(err, enginerr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// A different instrument is fine.
	if _, err := env.strat.Create(ctx, baseParams("acct1", "tok-2")); err != nil {
		t.Errorf("create on other instrument failed: %v", err)
	}
}

func TestUpdate_NewVersionSameLineageCarriesForward(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1")
	ctx := context.Background()

	first, _ := env.strat.Create(ctx, baseParams("acct1", "tok-1"))

	prob := d(0.75)
	next, err := env.strat.Update(ctx, first.ID, strategy.UpdateParams{
		ThesisProbability: &prob,
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if next.ID == first.ID {
		t.Error("update must mint a new version id")
	}
	if next.LineageID != first.LineageID {
		t.Error("lineage must be preserved across versions")
	}
	if !next.ThesisProbability.Equal(d(0.75)) {
		t.Errorf("expected updated probability, got %s", next.ThesisProbability)
	}
	// Unspecified fields carry forward.
	if !next.EntryMaxPrice.Equal(first.EntryMaxPrice) {
		t.Error("entry max price should carry forward")
	}
	if next.Thesis != first.Thesis {
		t.Error("thesis should carry forward")
	}

	// The old version is expired; touching it again conflicts.
	old, _ := env.ms.GetStrategy(ctx, first.ID)
	if old.Active(time.Now().UTC()) {
		t.Error("old version should be expired")
	}
	if _, err := env.strat.Update(ctx, first.ID, strategy.UpdateParams{}); !errors.Is(err, enginerr.ErrConflict) {
		t.Errorf("expected conflict updating expired version, got %v", err)
	}
}

func TestRemove_ClosesOpenPosition(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1")
	env.quotes.SetQuote("tok-1", d(0.55), d(0.60))
	ctx := context.Background()

	st, _ := env.strat.Create(ctx, baseParams("acct1", "tok-1"))
	env.ledger.Fill(ctx, ledger.FillParams{
		AccountID: "acct1", InstrumentID: "tok-1",
		Side: model.SideBuy, Price: d(0.50), Size: 20,
	})

	result, err := env.strat.Remove(ctx, st.ID)
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if result.CloseOrder == nil {
		t.Fatal("expected a closing sell order")
	}
	if result.CloseOrder.Side != model.SideSell || result.CloseOrder.Kind != model.KindMarket {
		t.Errorf("expected market sell, got %s %s", result.CloseOrder.Kind, result.CloseOrder.Side)
	}

	pos, _ := env.ms.GetPosition(ctx, "acct1", "tok-1")
	if pos.Shares != 0 {
		t.Errorf("position should be flat after removal, got %d", pos.Shares)
	}
	if _, err := env.ms.FindActiveStrategy(ctx, "acct1", "tok-1", time.Now().UTC()); !errors.Is(err, enginerr.ErrNotFound) {
		t.Error("strategy should no longer be active")
	}
}

func TestRemove_FlatPositionNoOrder(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1")
	ctx := context.Background()

	st, _ := env.strat.Create(ctx, baseParams("acct1", "tok-1"))
	result, err := env.strat.Remove(ctx, st.ID)
	if err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if result.CloseOrder != nil {
		t.Error("flat strategy should not place a closing order")
	}
}

func TestProcessAll_EntryBuysWithinRisk(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1")
	// Ask 0.50: edge = 0.70 - 0.50 = 0.20; risk 30/0.50 = 60 shares,
	// capped at 40.
	env.quotes.SetQuote("tok-1", d(0.48), d(0.50))
	ctx := context.Background()

	env.strat.Create(ctx, baseParams("acct1", "tok-1"))

	report, err := env.strat.ProcessAll(ctx, "acct1")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if report.Evaluated != 1 || report.OrdersSent != 1 {
		t.Fatalf("expected 1 evaluated 1 order, got %+v", report)
	}
	if report.Decisions[0].Action != "buy" {
		t.Fatalf("expected buy decision, got %+v", report.Decisions[0])
	}

	pos, err := env.ms.GetPosition(ctx, "acct1", "tok-1")
	if err != nil {
		t.Fatalf("position missing: %v", err)
	}
	if pos.Shares != 40 {
		t.Errorf("expected 40 shares (share cap), got %d", pos.Shares)
	}
}

func TestProcessAll_HoldsWhenEntryConditionsUnmet(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1")
	ctx := context.Background()
	env.strat.Create(ctx, baseParams("acct1", "tok-1"))

	// Ask above the 0.60 cap.
	env.quotes.SetQuote("tok-1", d(0.60), d(0.65))
	report, err := env.strat.ProcessAll(ctx, "acct1")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if report.Decisions[0].Action != "hold" {
		t.Errorf("expected hold above price cap, got %+v", report.Decisions[0])
	}

	// Ask under the cap but edge below minimum: 0.70 - 0.68 = 0.02.
	params := baseParams("acct1", "tok-2")
	params.EntryMaxPrice = d(0.70)
	env.quotes.SetQuote("tok-2", d(0.55), d(0.68))
	env.strat.Create(ctx, params)
	report, _ = env.strat.ProcessAll(ctx, "acct1")
	for _, dec := range report.Decisions {
		if dec.InstrumentID == "tok-2" && dec.Action != "hold" {
			t.Errorf("expected hold on thin edge, got %+v", dec)
		}
	}
}

func TestProcessAll_SkipsWhenBuyPending(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1")
	env.quotes.SetQuote("tok-1", d(0.48), d(0.50))
	ctx := context.Background()

	env.strat.Create(ctx, baseParams("acct1", "tok-1"))

	// Rest a BUY below market so it stays OPEN.
	if _, err := env.orders.Place(ctx, order.PlaceParams{
		AccountID: "acct1", InstrumentID: "tok-1",
		Side: model.SideBuy, Kind: model.KindLimit, Price: d(0.40), Size: 5,
	}); err != nil {
		t.Fatalf("place failed: %v", err)
	}

	report, err := env.strat.ProcessAll(ctx, "acct1")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if report.Decisions[0].Action != "skip" {
		t.Errorf("expected skip with pending buy, got %+v", report.Decisions[0])
	}
	if report.OrdersSent != 0 {
		t.Errorf("no new order should be sent, got %d", report.OrdersSent)
	}
}

func TestProcessAll_StopLossSellsAndExpires(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1")
	env.quotes.SetQuote("tok-1", d(0.48), d(0.50))
	ctx := context.Background()

	st, _ := env.strat.Create(ctx, baseParams("acct1", "tok-1"))
	env.ledger.Fill(ctx, ledger.FillParams{
		AccountID: "acct1", InstrumentID: "tok-1",
		Side: model.SideBuy, Price: d(0.50), Size: 20,
	})

	// Bid collapses through the 0.30 stop.
	env.quotes.SetQuote("tok-1", d(0.25), d(0.28))
	report, err := env.strat.ProcessAll(ctx, "acct1")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if report.Decisions[0].Action != "sell_stop_loss" {
		t.Fatalf("expected stop loss, got %+v", report.Decisions[0])
	}

	pos, _ := env.ms.GetPosition(ctx, "acct1", "tok-1")
	if pos.Shares != 0 {
		t.Errorf("position should be closed, got %d", pos.Shares)
	}
	got, _ := env.ms.GetStrategy(ctx, st.ID)
	if got.Active(time.Now().UTC()) {
		t.Error("strategy should be expired after stop loss")
	}
}

func TestProcessAll_TakeProfitSellsButStaysActive(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1")
	env.quotes.SetQuote("tok-1", d(0.48), d(0.50))
	ctx := context.Background()

	st, _ := env.strat.Create(ctx, baseParams("acct1", "tok-1"))
	env.ledger.Fill(ctx, ledger.FillParams{
		AccountID: "acct1", InstrumentID: "tok-1",
		Side: model.SideBuy, Price: d(0.50), Size: 20,
	})

	// Bid rallies through the 0.85 target.
	env.quotes.SetQuote("tok-1", d(0.88), d(0.90))
	report, err := env.strat.ProcessAll(ctx, "acct1")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if report.Decisions[0].Action != "sell_take_profit" {
		t.Fatalf("expected take profit, got %+v", report.Decisions[0])
	}

	pos, _ := env.ms.GetPosition(ctx, "acct1", "tok-1")
	if pos.Shares != 0 {
		t.Errorf("position should be closed, got %d", pos.Shares)
	}
	got, _ := env.ms.GetStrategy(ctx, st.ID)
	if !got.Active(time.Now().UTC()) {
		t.Error("strategy should stay active after take profit")
	}
}

func TestProcessAll_TimeStopSellsAndExpires(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1")
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	params := baseParams("acct1", "tok-1")
	params.ExitTimeStop = &past
	st, _ := env.strat.Create(ctx, params)

	env.quotes.SetQuote("tok-1", d(0.48), d(0.50))
	env.ledger.Fill(ctx, ledger.FillParams{
		AccountID: "acct1", InstrumentID: "tok-1",
		Side: model.SideBuy, Price: d(0.50), Size: 20,
	})

	report, err := env.strat.ProcessAll(ctx, "acct1")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if report.Decisions[0].Action != "sell_time_stop" {
		t.Fatalf("expected time stop, got %+v", report.Decisions[0])
	}
	got, _ := env.ms.GetStrategy(ctx, st.ID)
	if got.Active(time.Now().UTC()) {
		t.Error("strategy should be expired after time stop")
	}
}

func TestProcessAll_MissingQuoteIsolatedSkip(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1")
	ctx := context.Background()

	env.strat.Create(ctx, baseParams("acct1", "tok-1"))
	env.strat.Create(ctx, baseParams("acct1", "tok-2"))
	env.quotes.SetQuote("tok-2", d(0.48), d(0.50))

	report, err := env.strat.ProcessAll(ctx, "acct1")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	actions := map[string]string{}
	for _, dec := range report.Decisions {
		actions[dec.InstrumentID] = dec.Action
	}
	if actions["tok-1"] != "skip" {
		t.Errorf("expected skip for unpriceable instrument, got %q", actions["tok-1"])
	}
	if actions["tok-2"] != "buy" {
		t.Errorf("expected buy for priced instrument, got %q", actions["tok-2"])
	}
}

func TestListActive_EnrichedWithQuotes(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1")
	env.quotes.SetQuote("tok-1", d(0.48), d(0.50))
	ctx := context.Background()

	env.strat.Create(ctx, baseParams("acct1", "tok-1"))
	views, err := env.strat.ListActive(ctx, "acct1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 view, got %d", len(views))
	}
	v := views[0]
	if v.Ask == nil || !v.Ask.Equal(d(0.50)) {
		t.Errorf("expected ask 0.50, got %v", v.Ask)
	}
	if v.ImpliedEdge == nil || !v.ImpliedEdge.Equal(d(0.20)) {
		t.Errorf("expected implied edge 0.20, got %v", v.ImpliedEdge)
	}
}

func TestProcessAll_ZeroAskIsSkippedNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.seedAccount(t, "acct1")
	ctx := context.Background()

	if _, err := env.strat.Create(ctx, baseParams("acct1", "tok-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := env.strat.Create(ctx, baseParams("acct1", "tok-2")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	// tok-1 has a quote row but no liquidity on either side.
	env.quotes.SetQuote("tok-1", d(0), d(0))
	env.quotes.SetQuote("tok-2", d(0.48), d(0.50))

	report, err := env.strat.ProcessAll(ctx, "acct1")
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if report.Evaluated != 2 {
		t.Fatalf("expected 2 strategies evaluated, got %d", report.Evaluated)
	}

	byInstrument := make(map[string]strategy.Decision, len(report.Decisions))
	for _, dec := range report.Decisions {
		byInstrument[dec.InstrumentID] = dec
	}
	if got := byInstrument["tok-1"]; got.Action != "skip" {
		t.Errorf("zero ask should skip, got %q (%s)", got.Action, got.Reason)
	}
	if got := byInstrument["tok-2"]; got.Action != "buy" {
		t.Errorf("priced strategy should still enter, got %q (%s)", got.Action, got.Reason)
	}
}
