// Package strategy manages trading strategies and runs their automated
// evaluation. Strategy rows are immutable versions: an update expires the
// current version and inserts a successor under the same lineage, so the
// full history of intent survives every edit.
package strategy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperledger/engine/internal/enginerr"
	"github.com/paperledger/engine/internal/model"
	"github.com/paperledger/engine/internal/oracle"
	"github.com/paperledger/engine/internal/order"
	"github.com/paperledger/engine/internal/store"
)

// Service manages strategy lifecycles and evaluation.
type Service struct {
	st     store.Store
	oracle oracle.PriceOracle
	orders *order.Service
}

// NewService creates a strategy service.
func NewService(st store.Store, o oracle.PriceOracle, orders *order.Service) *Service {
	return &Service{st: st, oracle: o, orders: orders}
}

// CreateParams describes a new strategy.
type CreateParams struct {
	AccountID    string
	InstrumentID string
	Side         model.StrategySide

	Thesis            string
	ThesisProbability decimal.Decimal

	EntryMaxPrice          decimal.Decimal
	EntryMinImpliedEdge    decimal.Decimal
	EntryMaxCapitalRisk    decimal.Decimal
	EntryMaxPositionShares int64

	ExitTakeProfitPrice decimal.Decimal
	ExitStopLossPrice   decimal.Decimal
	ExitTimeStop        *time.Time

	Notes string
}

// Create registers a new strategy. An account may hold at most one active
// strategy per instrument; a second is a conflict, not a replacement.
func (s *Service) Create(ctx context.Context, p CreateParams) (*model.Strategy, error) {
	if _, err := s.st.GetAccount(ctx, p.AccountID); err != nil {
		return nil, err
	}
	if err := validateParams(p); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if existing, err := s.st.FindActiveStrategy(ctx, p.AccountID, p.InstrumentID, now); err == nil {
		return nil, enginerr.Conflict("strategy", existing.ID,
			"an active strategy already exists for instrument "+p.InstrumentID)
	} else if !errors.Is(err, enginerr.ErrNotFound) {
		return nil, err
	}

	st := &model.Strategy{
		ID:           uuid.New().String(),
		LineageID:    uuid.New().String(),
		AccountID:    p.AccountID,
		InstrumentID: p.InstrumentID,
		Side:         p.Side,

		Thesis:            p.Thesis,
		ThesisProbability: p.ThesisProbability,

		EntryMaxPrice:          p.EntryMaxPrice,
		EntryMinImpliedEdge:    p.EntryMinImpliedEdge,
		EntryMaxCapitalRisk:    p.EntryMaxCapitalRisk,
		EntryMaxPositionShares: p.EntryMaxPositionShares,

		ExitTakeProfitPrice: p.ExitTakeProfitPrice,
		ExitStopLossPrice:   p.ExitStopLossPrice,
		ExitTimeStop:        p.ExitTimeStop,

		Notes:     p.Notes,
		CreatedAt: now,
	}
	if err := s.st.InsertStrategy(ctx, st); err != nil {
		return nil, err
	}
	slog.Info("strategy created",
		"strategy_id", st.ID,
		"lineage_id", st.LineageID,
		"account", st.AccountID,
		"instrument", st.InstrumentID,
	)
	return st, nil
}

// UpdateParams carries the fields to change on a strategy. Nil fields
// carry forward from the current version.
type UpdateParams struct {
	Thesis            *string
	ThesisProbability *decimal.Decimal

	EntryMaxPrice          *decimal.Decimal
	EntryMinImpliedEdge    *decimal.Decimal
	EntryMaxCapitalRisk    *decimal.Decimal
	EntryMaxPositionShares *int64

	ExitTakeProfitPrice *decimal.Decimal
	ExitStopLossPrice   *decimal.Decimal
	ExitTimeStop        *time.Time

	Notes *string
}

// Update expires the current version and inserts a successor under the
// same lineage, carrying forward every field the update does not set.
// Updating an already-expired version is a conflict.
func (s *Service) Update(ctx context.Context, strategyID string, p UpdateParams) (*model.Strategy, error) {
	current, err := s.st.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if !current.Active(now) {
		return nil, enginerr.Conflict("strategy", strategyID, "strategy version is already expired")
	}

	next := *current
	next.ID = uuid.New().String()
	next.CreatedAt = now
	next.ValidUntil = nil

	if p.Thesis != nil {
		next.Thesis = *p.Thesis
	}
	if p.ThesisProbability != nil {
		next.ThesisProbability = *p.ThesisProbability
	}
	if p.EntryMaxPrice != nil {
		next.EntryMaxPrice = *p.EntryMaxPrice
	}
	if p.EntryMinImpliedEdge != nil {
		next.EntryMinImpliedEdge = *p.EntryMinImpliedEdge
	}
	if p.EntryMaxCapitalRisk != nil {
		next.EntryMaxCapitalRisk = *p.EntryMaxCapitalRisk
	}
	if p.EntryMaxPositionShares != nil {
		next.EntryMaxPositionShares = *p.EntryMaxPositionShares
	}
	if p.ExitTakeProfitPrice != nil {
		next.ExitTakeProfitPrice = *p.ExitTakeProfitPrice
	}
	if p.ExitStopLossPrice != nil {
		next.ExitStopLossPrice = *p.ExitStopLossPrice
	}
	if p.ExitTimeStop != nil {
		next.ExitTimeStop = p.ExitTimeStop
	}
	if p.Notes != nil {
		next.Notes = *p.Notes
	}

	// The old version must never lose its live row without a successor
	// taking over; the swap is one store operation.
	if err := s.st.ReplaceStrategy(ctx, current.ID, now, &next); err != nil {
		return nil, err
	}
	slog.Info("strategy updated",
		"lineage_id", next.LineageID,
		"old_version", current.ID,
		"new_version", next.ID,
	)
	return &next, nil
}

// RemoveResult reports a strategy removal and the closing order, if a
// position had to be liquidated.
type RemoveResult struct {
	Strategy   *model.Strategy `json:"strategy"`
	CloseOrder *model.Order    `json:"close_order,omitempty"`
}

// Remove expires the strategy and closes any open position in its
// instrument with a market sell.
func (s *Service) Remove(ctx context.Context, strategyID string) (*RemoveResult, error) {
	st, err := s.st.GetStrategy(ctx, strategyID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if !st.Active(now) {
		return nil, enginerr.Conflict("strategy", strategyID, "strategy version is already expired")
	}
	if err := s.st.ExpireStrategy(ctx, st.ID, now); err != nil {
		return nil, err
	}
	expired := *st
	expired.ValidUntil = &now

	result := &RemoveResult{Strategy: &expired}

	pos, err := s.st.GetPosition(ctx, st.AccountID, st.InstrumentID)
	if err != nil {
		if errors.Is(err, enginerr.ErrNotFound) {
			return result, nil
		}
		return nil, err
	}
	if pos.Shares <= 0 {
		return result, nil
	}

	placed, err := s.orders.Place(ctx, order.PlaceParams{
		AccountID:    st.AccountID,
		InstrumentID: st.InstrumentID,
		Side:         model.SideSell,
		Kind:         model.KindMarket,
		Size:         pos.Shares,
	})
	if err != nil {
		// The strategy is already expired; report the liquidation failure
		// so the caller can close the position manually.
		return nil, err
	}
	result.CloseOrder = placed.Order
	slog.Info("strategy removed with position close",
		"strategy_id", st.ID,
		"close_order_id", placed.Order.ID,
		"shares", pos.Shares,
	)
	return result, nil
}

// ActiveStrategyView is an active strategy enriched with the live quote
// and the implied edge against the thesis probability.
type ActiveStrategyView struct {
	model.Strategy
	Bid           *decimal.Decimal `json:"bid,omitempty"`
	Ask           *decimal.Decimal `json:"ask,omitempty"`
	ImpliedEdge   *decimal.Decimal `json:"implied_edge,omitempty"`
	CurrentShares int64            `json:"current_shares"`
}

// ListActive returns an account's active strategies with current market
// context. One batched quote call covers all instruments; strategies on
// unpriceable instruments appear without quote fields.
func (s *Service) ListActive(ctx context.Context, accountID string) ([]ActiveStrategyView, error) {
	if _, err := s.st.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	strategies, err := s.st.ListActiveStrategies(ctx, accountID, now)
	if err != nil {
		return nil, err
	}
	views := make([]ActiveStrategyView, 0, len(strategies))
	if len(strategies) == 0 {
		return views, nil
	}

	seen := make(map[string]struct{})
	instruments := make([]string, 0, len(strategies))
	for _, st := range strategies {
		if _, ok := seen[st.InstrumentID]; !ok {
			seen[st.InstrumentID] = struct{}{}
			instruments = append(instruments, st.InstrumentID)
		}
	}
	quotes, err := s.oracle.GetQuotesBatch(ctx, instruments)
	if err != nil {
		return nil, err
	}

	for _, st := range strategies {
		view := ActiveStrategyView{Strategy: st}
		if q, ok := quotes[st.InstrumentID]; ok {
			view.Bid = q.Bid
			view.Ask = q.Ask
			if q.Ask != nil {
				edge := st.ThesisProbability.Sub(*q.Ask)
				view.ImpliedEdge = &edge
			}
		}
		if pos, err := s.st.GetPosition(ctx, st.AccountID, st.InstrumentID); err == nil {
			view.CurrentShares = pos.Shares
		}
		views = append(views, view)
	}
	return views, nil
}

func validateParams(p CreateParams) error {
	switch p.Side {
	case model.StrategyYes, model.StrategyNo:
	default:
		return enginerr.InvalidState("strategy", "", "side must be YES or NO")
	}
	one := decimal.NewFromInt(1)
	if p.ThesisProbability.LessThan(decimal.Zero) || p.ThesisProbability.GreaterThan(one) {
		return enginerr.InvalidState("strategy", "", "thesis probability must be in [0, 1]")
	}
	if p.EntryMaxPrice.LessThanOrEqual(decimal.Zero) || p.EntryMaxPrice.GreaterThan(one) {
		return enginerr.InvalidState("strategy", "", "entry max price must be in (0, 1]")
	}
	if p.EntryMaxCapitalRisk.LessThanOrEqual(decimal.Zero) {
		return enginerr.InvalidState("strategy", "", "entry max capital risk must be positive")
	}
	if p.EntryMaxPositionShares <= 0 {
		return enginerr.InvalidState("strategy", "", "entry max position shares must be positive")
	}
	return nil
}
