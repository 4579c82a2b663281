// Package model defines the core domain types shared across the paper
// trading engine. All monetary values use shopspring/decimal — never
// float64 for money. Share counts are int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order or transaction.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderKind distinguishes resting-capable limit orders from market orders.
type OrderKind string

const (
	KindLimit  OrderKind = "LIMIT"
	KindMarket OrderKind = "MARKET"
)

// OrderStatus is the order lifecycle state. The only legal transitions are
// OPEN→FILLED and OPEN→CANCELLED.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// StrategySide is the market side a strategy trades.
type StrategySide string

const (
	StrategyYes StrategySide = "YES"
	StrategyNo  StrategySide = "NO"
)

// Account holds simulated cash. Balance is mutated only by the ledger and
// never goes negative as a result of a committed mutation.
type Account struct {
	ID        string          `json:"account_id" db:"account_id"`
	Name      string          `json:"account_name" db:"account_name"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Position is the aggregate holding of one instrument by one account,
// keyed by (account, instrument). Shares stay non-negative; TotalCost is
// kept proportional to remaining shares on partial reduction.
type Position struct {
	AccountID    string          `json:"account_id" db:"account_id"`
	InstrumentID string          `json:"instrument_id" db:"instrument_id"`
	Shares       int64           `json:"shares" db:"shares"`
	TotalCost    decimal.Decimal `json:"total_cost" db:"total_cost"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// AvgPrice is the cost basis per remaining share, zero for a flat position.
func (p *Position) AvgPrice() decimal.Decimal {
	if p.Shares <= 0 {
		return decimal.Zero
	}
	return p.TotalCost.Div(decimal.NewFromInt(p.Shares))
}

// Order is a limit or market order. Immutable once FILLED or CANCELLED,
// except for ExecutionPrice which is recorded at fill time.
type Order struct {
	ID             string           `json:"order_id" db:"order_id"`
	AccountID      string           `json:"account_id" db:"account_id"`
	InstrumentID   string           `json:"instrument_id" db:"instrument_id"`
	Side           OrderSide        `json:"side" db:"side"`
	Kind           OrderKind        `json:"kind" db:"kind"`
	Price          decimal.Decimal  `json:"price" db:"price"`
	Size           int64            `json:"size" db:"size"`
	Status         OrderStatus      `json:"status" db:"status"`

	// Reserved is the reservation made at placement for a resting order:
	// the notional cash debited for a BUY, or the cost basis removed
	// along with the shares for a SELL. Refunded exactly on cancellation.
	Reserved decimal.Decimal `json:"reserved" db:"reserved"`

	ExecutionPrice *decimal.Decimal `json:"execution_price,omitempty" db:"execution_price"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}

// Expired reports whether the order carries an expiration that has passed.
// Expired-but-OPEN orders are ineligible for batch fills.
func (o *Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// Transaction is an immutable record of one executed fill. Once created,
// these are never modified or deleted; the audit replays them in
// ExecutedAt order to re-derive balances and positions.
type Transaction struct {
	ID             string          `json:"transaction_id" db:"transaction_id"`
	AccountID      string          `json:"account_id" db:"account_id"`
	InstrumentID   string          `json:"instrument_id" db:"instrument_id"`
	Side           OrderSide       `json:"side" db:"side"`
	ExecutionPrice decimal.Decimal `json:"execution_price" db:"execution_price"`
	Size           int64           `json:"size" db:"size"`
	ExecutedAt     time.Time       `json:"executed_at" db:"executed_at"`
}

// Strategy is one immutable version in a strategy lineage. "Updating" a
// strategy expires the old row and inserts a new one with a fresh ID under
// the same LineageID, preserving the full audit trail.
type Strategy struct {
	ID           string       `json:"strategy_id" db:"strategy_id"`
	LineageID    string       `json:"lineage_id" db:"lineage_id"`
	AccountID    string       `json:"account_id" db:"account_id"`
	InstrumentID string       `json:"instrument_id" db:"instrument_id"`
	Side         StrategySide `json:"side" db:"side"`

	Thesis            string          `json:"thesis" db:"thesis"`
	ThesisProbability decimal.Decimal `json:"thesis_probability" db:"thesis_probability"`

	EntryMaxPrice          decimal.Decimal `json:"entry_max_price" db:"entry_max_price"`
	EntryMinImpliedEdge    decimal.Decimal `json:"entry_min_implied_edge" db:"entry_min_implied_edge"`
	EntryMaxCapitalRisk    decimal.Decimal `json:"entry_max_capital_risk" db:"entry_max_capital_risk"`
	EntryMaxPositionShares int64           `json:"entry_max_position_shares" db:"entry_max_position_shares"`

	ExitTakeProfitPrice decimal.Decimal `json:"exit_take_profit_price" db:"exit_take_profit_price"`
	ExitStopLossPrice   decimal.Decimal `json:"exit_stop_loss_price" db:"exit_stop_loss_price"`
	ExitTimeStop        *time.Time      `json:"exit_time_stop,omitempty" db:"exit_time_stop"`

	ValidUntil *time.Time `json:"valid_until,omitempty" db:"valid_until"`
	Notes      string     `json:"notes,omitempty" db:"notes"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Active reports whether the strategy version is live at the given time.
func (s *Strategy) Active(now time.Time) bool {
	return s.ValidUntil == nil || s.ValidUntil.After(now)
}

// AccountValueSnapshot is one point in the append-only account value
// time series written by the valuation component.
type AccountValueSnapshot struct {
	AccountID  string          `json:"account_id" db:"account_id"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
	TotalValue decimal.Decimal `json:"total_value" db:"total_value"`
}

// Quote is a bid/ask pair from the price oracle. Either side may be
// missing when the book is one-sided.
type Quote struct {
	Bid *decimal.Decimal `json:"bid,omitempty"`
	Ask *decimal.Decimal `json:"ask,omitempty"`
}

// Mid returns the midpoint when both sides are quoted, otherwise whichever
// side is available. ok is false for an empty quote.
func (q Quote) Mid() (decimal.Decimal, bool) {
	switch {
	case q.Bid != nil && q.Ask != nil:
		two := decimal.NewFromInt(2)
		return q.Bid.Add(*q.Ask).Div(two), true
	case q.Bid != nil:
		return *q.Bid, true
	case q.Ask != nil:
		return *q.Ask, true
	default:
		return decimal.Zero, false
	}
}
