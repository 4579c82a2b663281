package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperledger/engine/internal/enginerr"
	"github.com/paperledger/engine/internal/model"
	"github.com/paperledger/engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedAccount(t *testing.T, ms *store.MemoryStore, id string) {
	t.Helper()
	err := ms.CreateAccount(context.Background(), &model.Account{
		ID:        id,
		Name:      "account-" + id,
		Balance:   d(10000),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
}

func TestCreateAccount_DuplicateName(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "a1")

	err := ms.CreateAccount(context.Background(), &model.Account{
		ID: "a2", Name: "account-a1", Balance: d(10000),
	})
	if !errors.Is(err, enginerr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestGetAccount_ReturnsCopy(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "a1")
	ctx := context.Background()

	a, _ := ms.GetAccount(ctx, "a1")
	a.Balance = d(1)

	again, _ := ms.GetAccount(ctx, "a1")
	if !again.Balance.Equal(d(10000)) {
		t.Errorf("mutating a returned account must not affect the store, got %s", again.Balance)
	}
}

func TestApply_UpsertsAllEntities(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "a1")
	ctx := context.Background()
	now := time.Now().UTC()

	err := ms.Apply(ctx, store.Change{
		Account: &model.Account{ID: "a1", Balance: d(9955)},
		Position: &model.Position{
			AccountID: "a1", InstrumentID: "tok-1",
			Shares: 100, TotalCost: d(45), CreatedAt: now, UpdatedAt: now,
		},
		Order: &model.Order{
			ID: "o1", AccountID: "a1", InstrumentID: "tok-1",
			Side: model.SideBuy, Kind: model.KindLimit,
			Price: d(0.45), Size: 100, Status: model.StatusFilled, CreatedAt: now,
		},
		Transaction: &model.Transaction{
			ID: "t1", AccountID: "a1", InstrumentID: "tok-1",
			Side: model.SideBuy, ExecutionPrice: d(0.45), Size: 100, ExecutedAt: now,
		},
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	a, _ := ms.GetAccount(ctx, "a1")
	if !a.Balance.Equal(d(9955)) {
		t.Errorf("balance not applied: %s", a.Balance)
	}
	p, err := ms.GetPosition(ctx, "a1", "tok-1")
	if err != nil || p.Shares != 100 {
		t.Errorf("position not applied: %v %v", p, err)
	}
	o, err := ms.GetOrder(ctx, "o1")
	if err != nil || o.Status != model.StatusFilled {
		t.Errorf("order not applied: %v %v", o, err)
	}
	txns, _ := ms.ListTransactions(ctx, "a1")
	if len(txns) != 1 {
		t.Errorf("transaction not applied: %d", len(txns))
	}
}

func TestApply_UnknownAccountFails(t *testing.T) {
	ms := store.NewMemoryStore()

	err := ms.Apply(context.Background(), store.Change{
		Account: &model.Account{ID: "ghost", Balance: d(1)},
	})
	if !errors.Is(err, enginerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFindOpenOrder_FiltersSideStatusExpiry(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "a1")
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	orders := []*model.Order{
		{ID: "o1", AccountID: "a1", InstrumentID: "tok-1", Side: model.SideSell,
			Kind: model.KindLimit, Price: d(0.9), Size: 1, Status: model.StatusOpen, CreatedAt: now},
		{ID: "o2", AccountID: "a1", InstrumentID: "tok-1", Side: model.SideBuy,
			Kind: model.KindLimit, Price: d(0.1), Size: 1, Status: model.StatusCancelled, CreatedAt: now},
		{ID: "o3", AccountID: "a1", InstrumentID: "tok-1", Side: model.SideBuy,
			Kind: model.KindLimit, Price: d(0.1), Size: 1, Status: model.StatusOpen,
			ExpiresAt: &past, CreatedAt: now},
	}
	for _, o := range orders {
		if err := ms.Apply(ctx, store.Change{Order: o}); err != nil {
			t.Fatalf("seed order failed: %v", err)
		}
	}

	// Only a live OPEN BUY qualifies; none exists yet.
	if _, err := ms.FindOpenOrder(ctx, "a1", "tok-1", model.SideBuy); !errors.Is(err, enginerr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	live := &model.Order{ID: "o4", AccountID: "a1", InstrumentID: "tok-1", Side: model.SideBuy,
		Kind: model.KindLimit, Price: d(0.1), Size: 1, Status: model.StatusOpen, CreatedAt: now}
	ms.Apply(ctx, store.Change{Order: live})

	found, err := ms.FindOpenOrder(ctx, "a1", "tok-1", model.SideBuy)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if found.ID != "o4" {
		t.Errorf("expected o4, got %s", found.ID)
	}
}

func TestListSnapshots_RangeInclusive(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "a1")
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		ms.InsertSnapshot(ctx, &model.AccountValueSnapshot{
			AccountID:  "a1",
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			TotalValue: d(10000),
		})
	}

	snaps, err := ms.ListSnapshots(ctx, "a1", base.Add(time.Minute), base.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	// Endpoints are inclusive: minutes 1, 2, 3.
	if len(snaps) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(snaps))
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i].Timestamp.Before(snaps[i-1].Timestamp) {
			t.Error("snapshots must be ascending")
		}
	}
}

func TestExpireStrategy_AndActiveListing(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "a1")
	ctx := context.Background()
	now := time.Now().UTC()

	st := &model.Strategy{
		ID: "s1", LineageID: "l1", AccountID: "a1", InstrumentID: "tok-1",
		Side: model.StrategyYes, ThesisProbability: d(0.7), CreatedAt: now,
	}
	if err := ms.InsertStrategy(ctx, st); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	active, _ := ms.ListActiveStrategies(ctx, "a1", now)
	if len(active) != 1 {
		t.Fatalf("expected 1 active, got %d", len(active))
	}

	if err := ms.ExpireStrategy(ctx, "s1", now); err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	active, _ = ms.ListActiveStrategies(ctx, "a1", now.Add(time.Second))
	if len(active) != 0 {
		t.Errorf("expected none active after expiry, got %d", len(active))
	}
	if _, err := ms.FindActiveStrategy(ctx, "a1", "tok-1", now.Add(time.Second)); !errors.Is(err, enginerr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestReplaceStrategy_SwapsVersionsInOneCall(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "a1")
	ctx := context.Background()
	now := time.Now().UTC()

	old := &model.Strategy{
		ID: "s1", LineageID: "l1", AccountID: "a1", InstrumentID: "tok-1",
		Side: model.StrategyYes, ThesisProbability: d(0.7), CreatedAt: now,
	}
	if err := ms.InsertStrategy(ctx, old); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	next := &model.Strategy{
		ID: "s2", LineageID: "l1", AccountID: "a1", InstrumentID: "tok-1",
		Side: model.StrategyYes, ThesisProbability: d(0.75), CreatedAt: now.Add(time.Second),
	}
	if err := ms.ReplaceStrategy(ctx, "s1", now.Add(time.Second), next); err != nil {
		t.Fatalf("replace failed: %v", err)
	}

	active, _ := ms.ListActiveStrategies(ctx, "a1", now.Add(2*time.Second))
	if len(active) != 1 || active[0].ID != "s2" {
		t.Fatalf("expected only the successor active, got %+v", active)
	}
	expired, _ := ms.GetStrategy(ctx, "s1")
	if expired.ValidUntil == nil {
		t.Error("old version should carry a closed validity window")
	}
}

func TestReplaceStrategy_FailedInsertLeavesOldActive(t *testing.T) {
	ms := store.NewMemoryStore()
	seedAccount(t, ms, "a1")
	ctx := context.Background()
	now := time.Now().UTC()

	old := &model.Strategy{
		ID: "s1", LineageID: "l1", AccountID: "a1", InstrumentID: "tok-1",
		Side: model.StrategyYes, ThesisProbability: d(0.7), CreatedAt: now,
	}
	ms.InsertStrategy(ctx, old)

	// Successor collides with an existing version id.
	dup := &model.Strategy{
		ID: "s1", LineageID: "l1", AccountID: "a1", InstrumentID: "tok-1",
		Side: model.StrategyYes, ThesisProbability: d(0.75), CreatedAt: now.Add(time.Second),
	}
	err := ms.ReplaceStrategy(ctx, "s1", now.Add(time.Second), dup)
	if !errors.Is(err, enginerr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// The failed swap must not have expired the current version.
	active, _ := ms.ListActiveStrategies(ctx, "a1", now.Add(2*time.Second))
	if len(active) != 1 || active[0].ID != "s1" {
		t.Fatalf("old version must stay active after failed swap, got %+v", active)
	}

	if err := ms.ReplaceStrategy(ctx, "missing", now, dup); !errors.Is(err, enginerr.ErrNotFound) {
		t.Errorf("expected not found for unknown old version, got %v", err)
	}
}
