// Package order implements the order lifecycle: placement with immediate
// crossing against live quotes, resting with reservation, cancellation,
// and the periodic batch pass over open orders.
package order

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperledger/engine/internal/enginerr"
	"github.com/paperledger/engine/internal/ledger"
	"github.com/paperledger/engine/internal/metrics"
	"github.com/paperledger/engine/internal/model"
	"github.com/paperledger/engine/internal/oracle"
	"github.com/paperledger/engine/internal/store"
)

// Service manages order placement, cancellation, and listing.
type Service struct {
	st     store.Store
	ledger *ledger.Ledger
	oracle oracle.PriceOracle
}

// NewService creates an order service.
func NewService(st store.Store, l *ledger.Ledger, o oracle.PriceOracle) *Service {
	return &Service{st: st, ledger: l, oracle: o}
}

// PlaceParams describes a new order request.
type PlaceParams struct {
	AccountID    string
	InstrumentID string
	Side         model.OrderSide
	Kind         model.OrderKind
	Price        decimal.Decimal // ignored for MARKET orders
	Size         int64
	ExpiresAt    *time.Time
}

// PlaceResult is the outcome of a placement: the order row, and the fill
// transaction when the order executed immediately.
type PlaceResult struct {
	Order       *model.Order
	Transaction *model.Transaction
}

// Place validates and places an order. A MARKET order always executes
// immediately at the current market price, or fails with
// UpstreamUnavailable when no quote exists. A LIMIT order executes
// immediately at the market price when it crosses (BUY limit >= ask,
// SELL limit <= bid); otherwise it rests OPEN with its cash or shares
// reserved. The quote is fetched before the account lock is taken.
func (s *Service) Place(ctx context.Context, p PlaceParams) (*PlaceResult, error) {
	if err := s.validate(p); err != nil {
		return nil, err
	}
	if _, err := s.st.GetAccount(ctx, p.AccountID); err != nil {
		return nil, err
	}

	quote, quoteErr := s.oracle.GetQuote(ctx, p.InstrumentID)

	now := time.Now().UTC()
	order := &model.Order{
		ID:           uuid.New().String(),
		AccountID:    p.AccountID,
		InstrumentID: p.InstrumentID,
		Side:         p.Side,
		Kind:         p.Kind,
		Price:        p.Price,
		Size:         p.Size,
		Status:       model.StatusOpen,
		ExpiresAt:    p.ExpiresAt,
		CreatedAt:    now,
	}

	execPrice, crosses := crossingPrice(p.Side, p.Kind, p.Price, quote)

	if p.Kind == model.KindMarket {
		if quoteErr != nil {
			return nil, enginerr.Upstream(p.InstrumentID, quoteErr)
		}
		if !crosses {
			return nil, enginerr.Upstream(p.InstrumentID,
				errMissingSide(p.Side))
		}
		order.Price = execPrice
	}

	if crosses && quoteErr == nil {
		txn, err := s.ledger.Fill(ctx, ledger.FillParams{
			AccountID:    p.AccountID,
			InstrumentID: p.InstrumentID,
			Side:         p.Side,
			Price:        execPrice,
			Size:         p.Size,
			Order:        order,
		})
		if err != nil {
			return nil, err
		}
		order.Status = model.StatusFilled
		order.ExecutionPrice = &execPrice
		metrics.OrdersPlaced.WithLabelValues(string(p.Side), "filled").Inc()
		return &PlaceResult{Order: order, Transaction: txn}, nil
	}

	// No cross (or no quote): rest the limit order with its reservation.
	if err := s.ledger.Reserve(ctx, order); err != nil {
		return nil, err
	}
	metrics.OrdersPlaced.WithLabelValues(string(p.Side), "open").Inc()
	slog.Info("order resting",
		"order_id", order.ID,
		"account", p.AccountID,
		"instrument", p.InstrumentID,
		"side", p.Side,
		"price", p.Price.String(),
		"size", p.Size,
	)
	return &PlaceResult{Order: order}, nil
}

// Cancel cancels an OPEN order, refunding its reservation.
func (s *Service) Cancel(ctx context.Context, orderID string) (*model.Order, error) {
	return s.ledger.Release(ctx, orderID)
}

// Get returns one order.
func (s *Service) Get(ctx context.Context, orderID string) (*model.Order, error) {
	return s.st.GetOrder(ctx, orderID)
}

// ListOpen returns an account's OPEN orders.
func (s *Service) ListOpen(ctx context.Context, accountID string) ([]model.Order, error) {
	if _, err := s.st.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.st.ListOpenOrders(ctx, accountID)
}

func (s *Service) validate(p PlaceParams) error {
	if p.Size <= 0 {
		return enginerr.InvalidState("order", "", "size must be positive")
	}
	switch p.Side {
	case model.SideBuy, model.SideSell:
	default:
		return enginerr.InvalidState("order", "", "side must be BUY or SELL")
	}
	switch p.Kind {
	case model.KindLimit:
		if p.Price.LessThanOrEqual(decimal.Zero) || p.Price.GreaterThan(decimal.NewFromInt(1)) {
			return enginerr.InvalidState("order", "", "limit price must be in (0, 1]")
		}
	case model.KindMarket:
	default:
		return enginerr.InvalidState("order", "", "kind must be LIMIT or MARKET")
	}
	return nil
}

// crossingPrice decides whether an order executes immediately against the
// quote and at what price. Buys execute at the ask, sells at the bid. A
// LIMIT crosses when its price is at least the ask (BUY) or at most the
// bid (SELL); a MARKET order crosses whenever the relevant side exists.
func crossingPrice(side model.OrderSide, kind model.OrderKind, limit decimal.Decimal, q model.Quote) (decimal.Decimal, bool) {
	switch side {
	case model.SideBuy:
		if q.Ask == nil {
			return decimal.Zero, false
		}
		if kind == model.KindMarket || limit.GreaterThanOrEqual(*q.Ask) {
			return *q.Ask, true
		}
	case model.SideSell:
		if q.Bid == nil {
			return decimal.Zero, false
		}
		if kind == model.KindMarket || limit.LessThanOrEqual(*q.Bid) {
			return *q.Bid, true
		}
	}
	return decimal.Zero, false
}

type sideError string

func (e sideError) Error() string { return string(e) }

func errMissingSide(side model.OrderSide) error {
	if side == model.SideBuy {
		return sideError("no ask available")
	}
	return sideError("no bid available")
}
