// Package store defines the persistence interface for the paper trading
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperledger/engine/internal/model"
)

// Change is one atomic unit of work against the ledger state. Nil fields
// are skipped. Order and Position are upserts, Account updates the
// balance, Transaction appends to the immutable log. Either everything
// in the change is persisted or nothing is.
type Change struct {
	Order       *model.Order
	Account     *model.Account
	Position    *model.Position
	Transaction *model.Transaction
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer. Transaction and snapshot
// tables are append-only.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account. Duplicate names conflict.
	CreateAccount(ctx context.Context, account *model.Account) error

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// GetAccountByName retrieves an account by its unique name.
	GetAccountByName(ctx context.Context, name string) (*model.Account, error)

	// SetBalance overwrites an account's cash balance (operator action).
	SetBalance(ctx context.Context, id string, balance decimal.Decimal) error

	// --- Positions ---

	// GetPosition retrieves one (account, instrument) position.
	GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error)

	// ListPositions returns all positions for an account.
	ListPositions(ctx context.Context, accountID string) ([]model.Position, error)

	// --- Orders ---

	// GetOrder retrieves an order by its ID.
	GetOrder(ctx context.Context, orderID string) (*model.Order, error)

	// ListOpenOrders returns an account's OPEN orders.
	ListOpenOrders(ctx context.Context, accountID string) ([]model.Order, error)

	// ListAllOpenOrders returns OPEN orders across all accounts.
	ListAllOpenOrders(ctx context.Context) ([]model.Order, error)

	// FindOpenOrder returns an unexpired OPEN order matching
	// (account, instrument, side), or NotFound.
	FindOpenOrder(ctx context.Context, accountID, instrumentID string, side model.OrderSide) (*model.Order, error)

	// --- Atomic unit of work ---

	// Apply persists a Change atomically.
	Apply(ctx context.Context, change Change) error

	// --- Immutable transaction log ---

	// ListTransactions returns an account's transactions in ascending
	// execution-time order.
	ListTransactions(ctx context.Context, accountID string) ([]model.Transaction, error)

	// --- Account value snapshots ---

	// InsertSnapshot appends an account value snapshot.
	InsertSnapshot(ctx context.Context, snap *model.AccountValueSnapshot) error

	// ListSnapshots returns snapshots within [start, end] ascending.
	ListSnapshots(ctx context.Context, accountID string, start, end time.Time) ([]model.AccountValueSnapshot, error)

	// --- Strategies (immutable version rows) ---

	// InsertStrategy persists a new strategy version.
	InsertStrategy(ctx context.Context, s *model.Strategy) error

	// GetStrategy retrieves a strategy version by its ID.
	GetStrategy(ctx context.Context, strategyID string) (*model.Strategy, error)

	// ExpireStrategy closes a strategy version's validity window.
	ExpireStrategy(ctx context.Context, strategyID string, at time.Time) error

	// ReplaceStrategy closes the old version's validity window and
	// inserts its successor as one atomic unit: either both happen or
	// neither, so a lineage never loses its live row halfway through
	// an update.
	ReplaceStrategy(ctx context.Context, oldID string, at time.Time, next *model.Strategy) error

	// ListActiveStrategies returns an account's strategies active at now.
	ListActiveStrategies(ctx context.Context, accountID string, now time.Time) ([]model.Strategy, error)

	// FindActiveStrategy returns the account's active strategy for an
	// instrument, or NotFound.
	FindActiveStrategy(ctx context.Context, accountID, instrumentID string, now time.Time) (*model.Strategy, error)
}
