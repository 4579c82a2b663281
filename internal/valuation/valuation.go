// Package valuation computes account mark-to-market value, maintains the
// account value time series, and audits live state against a replay of
// the immutable transaction log.
package valuation

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperledger/engine/internal/model"
	"github.com/paperledger/engine/internal/oracle"
	"github.com/paperledger/engine/internal/store"
)

// Service computes account values and audits ledger consistency.
type Service struct {
	st     store.Store
	oracle oracle.PriceOracle
}

// NewService creates a valuation service.
func NewService(st store.Store, o oracle.PriceOracle) *Service {
	return &Service{st: st, oracle: o}
}

// PositionValue is one instrument's contribution to account value.
type PositionValue struct {
	InstrumentID string           `json:"instrument_id"`
	Shares       int64            `json:"shares"`
	MarkPrice    *decimal.Decimal `json:"mark_price,omitempty"`
	Value        decimal.Decimal  `json:"value"`
	Priced       bool             `json:"priced"`
}

// AccountValue is a full mark-to-market valuation of one account.
type AccountValue struct {
	AccountID      string          `json:"account_id"`
	Cash           decimal.Decimal `json:"cash"`
	ReservedCash   decimal.Decimal `json:"reserved_cash"`
	PositionsValue decimal.Decimal `json:"positions_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
	Positions      []PositionValue `json:"positions"`
	Timestamp      time.Time       `json:"timestamp"`
}

// ComputeValue marks the account to market: free cash, plus cash reserved
// by open BUY orders, plus every effectively held share valued at its
// instrument's midpoint. Shares reserved by open SELL orders still belong
// to the account until those orders fill, so they are valued alongside
// the position rows. One batched quote call covers all instruments; an
// unpriceable instrument contributes zero and is flagged unpriced. The
// resulting total is appended to the account's value time series.
func (s *Service) ComputeValue(ctx context.Context, accountID string) (*AccountValue, error) {
	account, err := s.st.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions, err := s.st.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	openOrders, err := s.st.ListOpenOrders(ctx, accountID)
	if err != nil {
		return nil, err
	}

	// Effective shares per instrument: position rows plus shares held
	// back by open SELL reservations. Open BUYs contribute their
	// reserved cash instead.
	shares := make(map[string]int64, len(positions))
	for _, p := range positions {
		if p.Shares > 0 {
			shares[p.InstrumentID] += p.Shares
		}
	}
	reservedCash := decimal.Zero
	for _, o := range openOrders {
		switch o.Side {
		case model.SideBuy:
			reservedCash = reservedCash.Add(o.Reserved)
		case model.SideSell:
			shares[o.InstrumentID] += o.Size
		}
	}

	instruments := make([]string, 0, len(shares))
	for id := range shares {
		instruments = append(instruments, id)
	}
	sort.Strings(instruments)

	var quotes map[string]model.Quote
	if len(instruments) > 0 {
		quotes, err = s.oracle.GetQuotesBatch(ctx, instruments)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	av := &AccountValue{
		AccountID:    accountID,
		Cash:         account.Balance,
		ReservedCash: reservedCash,
		Timestamp:    now,
		Positions:    make([]PositionValue, 0, len(shares)),
	}

	positionsValue := decimal.Zero
	for _, id := range instruments {
		pv := PositionValue{InstrumentID: id, Shares: shares[id], Value: decimal.Zero}
		if mid, ok := midOf(quotes, id); ok {
			pv.MarkPrice = &mid
			pv.Priced = true
			pv.Value = mid.Mul(decimal.NewFromInt(shares[id])).Round(2)
			positionsValue = positionsValue.Add(pv.Value)
		}
		av.Positions = append(av.Positions, pv)
	}
	av.PositionsValue = positionsValue
	av.TotalValue = account.Balance.Add(reservedCash).Add(positionsValue)

	snap := &model.AccountValueSnapshot{
		AccountID:  accountID,
		Timestamp:  now,
		TotalValue: av.TotalValue,
	}
	if err := s.st.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	slog.Info("account valued",
		"account", accountID,
		"cash", account.Balance.String(),
		"reserved_cash", reservedCash.String(),
		"positions_value", positionsValue.String(),
		"total_value", av.TotalValue.String(),
	)
	return av, nil
}

// History returns the account's value snapshots within [start, end].
func (s *Service) History(ctx context.Context, accountID string, start, end time.Time) ([]model.AccountValueSnapshot, error) {
	if _, err := s.st.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.st.ListSnapshots(ctx, accountID, start, end)
}

func midOf(quotes map[string]model.Quote, instrumentID string) (decimal.Decimal, bool) {
	q, ok := quotes[instrumentID]
	if !ok {
		return decimal.Zero, false
	}
	return q.Mid()
}
