// Package ledger is the bookkeeping core. All cash and position mutation
// flows through it; every executed fill appends exactly one immutable
// Transaction in the same atomic unit of work, and reservations made at
// order placement are released or consumed exactly once.
//
// Concurrency: each operation acquires an exclusive per-account lock for
// the duration of its read-modify-write, so concurrent orders for the
// same account serialize while distinct accounts proceed in parallel.
// Quote lookups happen before callers enter the ledger, keeping lock hold
// times short.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/paperledger/engine/internal/enginerr"
	"github.com/paperledger/engine/internal/metrics"
	"github.com/paperledger/engine/internal/model"
	"github.com/paperledger/engine/internal/store"
)

// moneyScale is the fixed-point scale for cash amounts and cost basis.
const moneyScale = 2

// FillListener is notified after a fill commits. orderID is empty when
// the fill had no originating order row. The listener runs while the
// account lock is held, so it must not block.
type FillListener func(txn *model.Transaction, orderID string)

// Ledger owns the account and position bookkeeping rules.
type Ledger struct {
	st     store.Store
	locks  *lockTable
	onFill FillListener
}

// New creates a ledger over the given store.
func New(st store.Store) *Ledger {
	return &Ledger{st: st, locks: newLockTable()}
}

// SetFillListener registers the callback invoked after every committed
// fill, whether immediate, resting, or strategy-driven. Call before the
// ledger starts serving requests.
func (l *Ledger) SetFillListener(fn FillListener) {
	l.onFill = fn
}

func (l *Ledger) notifyFill(txn *model.Transaction, orderID string) {
	if l.onFill != nil {
		l.onFill(txn, orderID)
	}
}

// FillParams describes one executed fill.
type FillParams struct {
	AccountID    string
	InstrumentID string
	Side         model.OrderSide
	Price        decimal.Decimal
	Size         int64

	// Order, when set, is upserted as FILLED with the execution price in
	// the same atomic unit as the balance/position mutation.
	Order *model.Order

	// CashReserved marks a BUY whose notional was already debited at
	// placement; the fill then touches only the position.
	CashReserved bool

	// SharesReserved marks a SELL whose shares (and proportional cost
	// basis) were already removed at placement; the fill then only
	// credits the proceeds.
	SharesReserved bool
}

// Fill applies one executed fill: balance movement, position adjustment
// with proportional cost-basis removal on sells, and exactly one
// Transaction append. On any validation failure no mutation occurs.
func (l *Ledger) Fill(ctx context.Context, f FillParams) (*model.Transaction, error) {
	unlock := l.locks.acquire(f.AccountID)
	defer unlock()

	now := time.Now().UTC()
	change := store.Change{}

	cost := f.Price.Mul(decimal.NewFromInt(f.Size)).Round(moneyScale)

	switch f.Side {
	case model.SideBuy:
		if f.CashReserved {
			// Cash left the free balance at placement; only the position
			// side moves now.
			pos, err := l.positionForUpdate(ctx, f.AccountID, f.InstrumentID, now)
			if err != nil {
				return nil, err
			}
			pos.Shares += f.Size
			pos.TotalCost = pos.TotalCost.Add(cost)
			pos.UpdatedAt = now
			change.Position = pos
		} else {
			account, err := l.st.GetAccount(ctx, f.AccountID)
			if err != nil {
				return nil, err
			}
			if account.Balance.LessThan(cost) {
				metrics.InsufficientRejections.WithLabelValues("funds").Inc()
				return nil, enginerr.InsufficientFunds(f.AccountID, cost, account.Balance)
			}
			account.Balance = account.Balance.Sub(cost)

			pos, err := l.positionForUpdate(ctx, f.AccountID, f.InstrumentID, now)
			if err != nil {
				return nil, err
			}
			pos.Shares += f.Size
			pos.TotalCost = pos.TotalCost.Add(cost)
			pos.UpdatedAt = now

			change.Account = account
			change.Position = pos
		}

	case model.SideSell:
		account, err := l.st.GetAccount(ctx, f.AccountID)
		if err != nil {
			return nil, err
		}
		account.Balance = account.Balance.Add(cost)
		change.Account = account

		if !f.SharesReserved {
			pos, err := l.st.GetPosition(ctx, f.AccountID, f.InstrumentID)
			if err != nil {
				if !isNotFound(err) {
					return nil, err
				}
				metrics.InsufficientRejections.WithLabelValues("position").Inc()
				return nil, enginerr.InsufficientPosition(f.AccountID, f.InstrumentID, f.Size, 0)
			}
			if pos.Shares < f.Size {
				metrics.InsufficientRejections.WithLabelValues("position").Inc()
				return nil, enginerr.InsufficientPosition(f.AccountID, f.InstrumentID, f.Size, pos.Shares)
			}
			removed := proportionalCost(pos, f.Size)
			pos.Shares -= f.Size
			pos.TotalCost = pos.TotalCost.Sub(removed)
			pos.UpdatedAt = now
			change.Position = pos
		}

	default:
		return nil, enginerr.InvalidState("order", "", "unknown side "+string(f.Side))
	}

	txn := &model.Transaction{
		ID:             uuid.New().String(),
		AccountID:      f.AccountID,
		InstrumentID:   f.InstrumentID,
		Side:           f.Side,
		ExecutionPrice: f.Price,
		Size:           f.Size,
		ExecutedAt:     now,
	}
	change.Transaction = txn

	if f.Order != nil {
		o := *f.Order
		o.Status = model.StatusFilled
		price := f.Price
		o.ExecutionPrice = &price
		change.Order = &o
	}

	if err := l.st.Apply(ctx, change); err != nil {
		return nil, enginerr.Internal("commit fill", err)
	}

	orderID := ""
	if f.Order != nil {
		orderID = f.Order.ID
	}
	l.notifyFill(txn, orderID)

	metrics.FillsTotal.WithLabelValues(string(f.Side)).Inc()
	slog.Info("fill executed",
		"transaction_id", txn.ID,
		"account", f.AccountID,
		"instrument", f.InstrumentID,
		"side", f.Side,
		"price", f.Price.String(),
		"size", f.Size,
	)
	return txn, nil
}

// Reserve places a resting order, setting aside its cash or shares so a
// later fill cannot fail for lack of funds. The order row and the
// reservation commit as one unit. The order's Reserved field is set to
// the exact amount to refund on cancellation.
func (l *Ledger) Reserve(ctx context.Context, order *model.Order) error {
	unlock := l.locks.acquire(order.AccountID)
	defer unlock()

	now := time.Now().UTC()
	change := store.Change{}

	switch order.Side {
	case model.SideBuy:
		notional := order.Price.Mul(decimal.NewFromInt(order.Size)).Round(moneyScale)
		account, err := l.st.GetAccount(ctx, order.AccountID)
		if err != nil {
			return err
		}
		if account.Balance.LessThan(notional) {
			metrics.InsufficientRejections.WithLabelValues("funds").Inc()
			return enginerr.InsufficientFunds(order.AccountID, notional, account.Balance)
		}
		account.Balance = account.Balance.Sub(notional)
		order.Reserved = notional
		change.Account = account

	case model.SideSell:
		pos, err := l.st.GetPosition(ctx, order.AccountID, order.InstrumentID)
		if err != nil {
			if !isNotFound(err) {
				return err
			}
			metrics.InsufficientRejections.WithLabelValues("position").Inc()
			return enginerr.InsufficientPosition(order.AccountID, order.InstrumentID, order.Size, 0)
		}
		if pos.Shares < order.Size {
			metrics.InsufficientRejections.WithLabelValues("position").Inc()
			return enginerr.InsufficientPosition(order.AccountID, order.InstrumentID, order.Size, pos.Shares)
		}
		removed := proportionalCost(pos, order.Size)
		pos.Shares -= order.Size
		pos.TotalCost = pos.TotalCost.Sub(removed)
		pos.UpdatedAt = now
		order.Reserved = removed
		change.Position = pos

	default:
		return enginerr.InvalidState("order", order.ID, "unknown side "+string(order.Side))
	}

	order.Status = model.StatusOpen
	change.Order = order

	if err := l.st.Apply(ctx, change); err != nil {
		return enginerr.Internal("commit reservation", err)
	}

	slog.Info("order reserved",
		"order_id", order.ID,
		"account", order.AccountID,
		"instrument", order.InstrumentID,
		"side", order.Side,
		"price", order.Price.String(),
		"size", order.Size,
		"reserved", order.Reserved.String(),
	)
	return nil
}

// Release cancels an OPEN order and refunds its exact reservation.
// Cancelling a non-OPEN order returns InvalidState with no side effect.
func (l *Ledger) Release(ctx context.Context, orderID string) (*model.Order, error) {
	// The order is read once to learn its account, then re-read under
	// that account's lock so a concurrent fill cannot race the refund.
	order, err := l.st.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.acquire(order.AccountID)
	defer unlock()

	order, err = l.st.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.StatusOpen {
		return nil, enginerr.InvalidState("order", orderID,
			"only OPEN orders can be cancelled, status is "+string(order.Status))
	}

	now := time.Now().UTC()
	change := store.Change{}

	switch order.Side {
	case model.SideBuy:
		account, err := l.st.GetAccount(ctx, order.AccountID)
		if err != nil {
			return nil, err
		}
		account.Balance = account.Balance.Add(order.Reserved)
		change.Account = account

	case model.SideSell:
		pos, err := l.positionForUpdate(ctx, order.AccountID, order.InstrumentID, now)
		if err != nil {
			return nil, err
		}
		pos.Shares += order.Size
		pos.TotalCost = pos.TotalCost.Add(order.Reserved)
		pos.UpdatedAt = now
		change.Position = pos
	}

	order.Status = model.StatusCancelled
	change.Order = order

	if err := l.st.Apply(ctx, change); err != nil {
		return nil, enginerr.Internal("commit cancellation", err)
	}

	metrics.OrdersCancelled.Inc()
	slog.Info("order cancelled",
		"order_id", order.ID,
		"account", order.AccountID,
		"refunded", order.Reserved.String(),
	)
	return order, nil
}

// FillReserved fills a resting order at its limit price, consuming the
// reservation made at placement. No balance or position sufficiency check
// is needed: the reserved leg already left the free pool.
func (l *Ledger) FillReserved(ctx context.Context, orderID string) (*model.Transaction, error) {
	order, err := l.st.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	unlock := l.locks.acquire(order.AccountID)
	defer unlock()

	order, err = l.st.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.StatusOpen {
		return nil, enginerr.InvalidState("order", orderID,
			"only OPEN orders can fill, status is "+string(order.Status))
	}
	now := time.Now().UTC()
	if order.Expired(now) {
		return nil, enginerr.InvalidState("order", orderID, "order has expired")
	}

	// The lock is already held; apply the fill inline rather than
	// re-entering Fill (the lock table is not reentrant).
	change := store.Change{}
	cost := order.Price.Mul(decimal.NewFromInt(order.Size)).Round(moneyScale)

	switch order.Side {
	case model.SideBuy:
		pos, err := l.positionForUpdate(ctx, order.AccountID, order.InstrumentID, now)
		if err != nil {
			return nil, err
		}
		pos.Shares += order.Size
		pos.TotalCost = pos.TotalCost.Add(cost)
		pos.UpdatedAt = now
		change.Position = pos

	case model.SideSell:
		account, err := l.st.GetAccount(ctx, order.AccountID)
		if err != nil {
			return nil, err
		}
		account.Balance = account.Balance.Add(cost)
		change.Account = account
	}

	txn := &model.Transaction{
		ID:             uuid.New().String(),
		AccountID:      order.AccountID,
		InstrumentID:   order.InstrumentID,
		Side:           order.Side,
		ExecutionPrice: order.Price,
		Size:           order.Size,
		ExecutedAt:     now,
	}
	change.Transaction = txn

	order.Status = model.StatusFilled
	price := order.Price
	order.ExecutionPrice = &price
	change.Order = order

	if err := l.st.Apply(ctx, change); err != nil {
		return nil, enginerr.Internal("commit resting fill", err)
	}

	l.notifyFill(txn, order.ID)

	metrics.FillsTotal.WithLabelValues(string(order.Side)).Inc()
	slog.Info("resting order filled",
		"order_id", order.ID,
		"account", order.AccountID,
		"instrument", order.InstrumentID,
		"side", order.Side,
		"price", order.Price.String(),
		"size", order.Size,
	)
	return txn, nil
}

// positionForUpdate loads the position or initializes a zero row for the
// first fill of an instrument.
func (l *Ledger) positionForUpdate(ctx context.Context, accountID, instrumentID string, now time.Time) (*model.Position, error) {
	pos, err := l.st.GetPosition(ctx, accountID, instrumentID)
	if err == nil {
		return pos, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	return &model.Position{
		AccountID:    accountID,
		InstrumentID: instrumentID,
		Shares:       0,
		TotalCost:    decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// proportionalCost is the cost basis carried by size shares of the
// position: cost-per-remaining-share before the operation times size.
// Removing it preserves average cost on the remainder. Removing the
// whole position removes the whole cost exactly, leaving no residue.
func proportionalCost(pos *model.Position, size int64) decimal.Decimal {
	if size >= pos.Shares {
		return pos.TotalCost
	}
	return pos.TotalCost.
		Mul(decimal.NewFromInt(size)).
		Div(decimal.NewFromInt(pos.Shares)).
		Round(moneyScale)
}

func isNotFound(err error) bool {
	return errors.Is(err, enginerr.ErrNotFound)
}
