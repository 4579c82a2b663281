package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paperledger/engine/internal/enginerr"
	"github.com/paperledger/engine/internal/metrics"
	"github.com/paperledger/engine/internal/model"
	"github.com/paperledger/engine/internal/order"
)

// Decision records what one strategy did during an evaluation pass.
type Decision struct {
	StrategyID   string `json:"strategy_id"`
	InstrumentID string `json:"instrument_id"`
	Action       string `json:"action"` // buy, sell_take_profit, sell_stop_loss, sell_time_stop, hold, skip, error
	Reason       string `json:"reason,omitempty"`
	OrderID      string `json:"order_id,omitempty"`
}

// RunReport summarizes one evaluation pass over an account's strategies.
type RunReport struct {
	AccountID  string     `json:"account_id"`
	Evaluated  int        `json:"evaluated"`
	OrdersSent int        `json:"orders_sent"`
	Decisions  []Decision `json:"decisions"`
}

// ProcessAll evaluates every active strategy of an account against live
// quotes. Quotes for all instruments are fetched in one batched call up
// front; the strategies are then evaluated concurrently, each writing its
// own decision slot, so one strategy's failure never disturbs another's.
// Exits run before entries: a position is checked against stop loss, time
// stop, and take profit, and only a flat strategy considers entering.
func (s *Service) ProcessAll(ctx context.Context, accountID string) (*RunReport, error) {
	if _, err := s.st.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	strategies, err := s.st.ListActiveStrategies(ctx, accountID, now)
	if err != nil {
		return nil, err
	}
	report := &RunReport{AccountID: accountID, Decisions: make([]Decision, len(strategies))}
	if len(strategies) == 0 {
		return report, nil
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

	var wg sync.WaitGroup
	for i := range strategies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := strategies[i]
			// A panic in one evaluation must not take down the pass; it
			// becomes that strategy's error decision.
			defer func() {
				if r := recover(); r != nil {
					slog.Error("strategy evaluation panicked",
						"strategy_id", st.ID, "panic", fmt.Sprint(r))
					report.Decisions[i] = Decision{
						StrategyID:   st.ID,
						InstrumentID: st.InstrumentID,
						Action:       "error",
						Reason:       fmt.Sprintf("evaluation panicked: %v", r),
					}
				}
			}()
			report.Decisions[i] = s.evaluate(ctx, &st, quotes, now)
		}(i)
	}
	wg.Wait()

	report.Evaluated = len(strategies)
	for _, d := range report.Decisions {
		if d.OrderID != "" {
			report.OrdersSent++
		}
		metrics.StrategyDecisions.WithLabelValues(d.Action).Inc()
	}
	slog.Info("strategy pass complete",
		"account", accountID,
		"evaluated", report.Evaluated,
		"orders_sent", report.OrdersSent,
	)
	return report, nil
}

func (s *Service) evaluate(ctx context.Context, st *model.Strategy, quotes map[string]model.Quote, now time.Time) Decision {
	d := Decision{StrategyID: st.ID, InstrumentID: st.InstrumentID}

	quote, ok := quotes[st.InstrumentID]
	if !ok {
		d.Action = "skip"
		d.Reason = "no quote"
		return d
	}

	shares := int64(0)
	if pos, err := s.st.GetPosition(ctx, st.AccountID, st.InstrumentID); err == nil {
		shares = pos.Shares
	} else if !errors.Is(err, enginerr.ErrNotFound) {
		d.Action = "error"
		d.Reason = err.Error()
		return d
	}

	if shares > 0 {
		return s.evaluateExit(ctx, st, quote, shares, now)
	}
	return s.evaluateEntry(ctx, st, quote)
}

// evaluateExit checks the held position against the strategy's exit rules.
// Stop loss and time stop both liquidate and expire the strategy; take
// profit liquidates but leaves the strategy live for a possible re-entry.
func (s *Service) evaluateExit(ctx context.Context, st *model.Strategy, quote model.Quote, shares int64, now time.Time) Decision {
	d := Decision{StrategyID: st.ID, InstrumentID: st.InstrumentID}

	if quote.Bid == nil || !quote.Bid.IsPositive() {
		d.Action = "hold"
		d.Reason = "no bid to exit against"
		return d
	}
	bid := *quote.Bid

	exit := ""
	switch {
	case st.ExitStopLossPrice.IsPositive() && bid.LessThanOrEqual(st.ExitStopLossPrice):
		exit = "sell_stop_loss"
	case st.ExitTimeStop != nil && !st.ExitTimeStop.After(now):
		exit = "sell_time_stop"
	case st.ExitTakeProfitPrice.IsPositive() && bid.GreaterThanOrEqual(st.ExitTakeProfitPrice):
		exit = "sell_take_profit"
	default:
		d.Action = "hold"
		d.Reason = "no exit condition met"
		return d
	}

	placed, err := s.orders.Place(ctx, order.PlaceParams{
		AccountID:    st.AccountID,
		InstrumentID: st.InstrumentID,
		Side:         model.SideSell,
		Kind:         model.KindMarket,
		Size:         shares,
	})
	if err != nil {
		d.Action = "error"
		d.Reason = err.Error()
		return d
	}
	d.Action = exit
	d.OrderID = placed.Order.ID

	if exit == "sell_stop_loss" || exit == "sell_time_stop" {
		if err := s.st.ExpireStrategy(ctx, st.ID, now); err != nil {
			d.Reason = "position closed but strategy not expired: " + err.Error()
			return d
		}
		d.Reason = "position closed, strategy expired"
	}
	return d
}

// evaluateEntry decides whether a flat strategy should buy: the ask must
// be within the entry price cap, the implied edge (thesis probability
// minus ask) must clear the minimum, and the capital-risk budget must
// afford at least one share. A pending open BUY suppresses a duplicate.
func (s *Service) evaluateEntry(ctx context.Context, st *model.Strategy, quote model.Quote) Decision {
	d := Decision{StrategyID: st.ID, InstrumentID: st.InstrumentID}

	if _, err := s.st.FindOpenOrder(ctx, st.AccountID, st.InstrumentID, model.SideBuy); err == nil {
		d.Action = "skip"
		d.Reason = "open buy order pending"
		return d
	} else if !errors.Is(err, enginerr.ErrNotFound) {
		d.Action = "error"
		d.Reason = err.Error()
		return d
	}

	// A zero ask means no liquidity, not a free entry; it would also
	// divide the risk budget by zero below.
	if quote.Ask == nil || !quote.Ask.IsPositive() {
		d.Action = "skip"
		d.Reason = "no ask to enter against"
		return d
	}
	ask := *quote.Ask

	if ask.GreaterThan(st.EntryMaxPrice) {
		d.Action = "hold"
		d.Reason = "ask above entry price cap"
		return d
	}
	edge := st.ThesisProbability.Sub(ask)
	if edge.LessThan(st.EntryMinImpliedEdge) {
		d.Action = "hold"
		d.Reason = "implied edge below minimum"
		return d
	}

	size := st.EntryMaxCapitalRisk.Div(ask).IntPart()
	if size > st.EntryMaxPositionShares {
		size = st.EntryMaxPositionShares
	}
	if size <= 0 {
		d.Action = "hold"
		d.Reason = "risk budget affords no shares"
		return d
	}

	placed, err := s.orders.Place(ctx, order.PlaceParams{
		AccountID:    st.AccountID,
		InstrumentID: st.InstrumentID,
		Side:         model.SideBuy,
		Kind:         model.KindLimit,
		Price:        ask,
		Size:         size,
	})
	if err != nil {
		d.Action = "error"
		d.Reason = err.Error()
		return d
	}
	d.Action = "buy"
	d.OrderID = placed.Order.ID
	d.Reason = "edge " + edge.StringFixed(4) + " at ask " + ask.String()
	return d
}
