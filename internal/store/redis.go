package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/paperledger/engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for hot account and position reads. Writes go to the primary store
// and invalidate the cache; reads check Redis first then fall back to the
// primary. The immutable tables (transactions, snapshots, strategies) are
// passed through uncached.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.cacheAccount(ctx, a)
	return nil
}

func (s *CachedStore) SetBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	if err := s.primary.SetBalance(ctx, id, balance); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, accountKey(id))
	return nil
}

// Apply writes to the primary and invalidates every cached row the change
// touches.
func (s *CachedStore) Apply(ctx context.Context, c Change) error {
	if err := s.primary.Apply(ctx, c); err != nil {
		return err
	}
	if c.Account != nil {
		s.rdb.Del(ctx, accountKey(c.Account.ID))
	}
	if c.Position != nil {
		s.rdb.Del(ctx, positionsKey(c.Position.AccountID))
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(id)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) GetAccountByName(ctx context.Context, name string) (*model.Account, error) {
	// Try cache via name→id mapping.
	id, err := s.rdb.Get(ctx, accountNameKey(name)).Result()
	if err == nil {
		return s.GetAccount(ctx, id)
	}

	a, err := s.primary.GetAccountByName(ctx, name)
	if err != nil {
		return nil, err
	}
	s.cacheAccount(ctx, a)
	return a, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(accountID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(accountID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetPosition(ctx context.Context, accountID, instrumentID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, accountID, instrumentID)
}

func (s *CachedStore) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, orderID)
}

func (s *CachedStore) ListOpenOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	return s.primary.ListOpenOrders(ctx, accountID)
}

func (s *CachedStore) ListAllOpenOrders(ctx context.Context) ([]model.Order, error) {
	return s.primary.ListAllOpenOrders(ctx)
}

func (s *CachedStore) FindOpenOrder(ctx context.Context, accountID, instrumentID string, side model.OrderSide) (*model.Order, error) {
	return s.primary.FindOpenOrder(ctx, accountID, instrumentID, side)
}

func (s *CachedStore) ListTransactions(ctx context.Context, accountID string) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, accountID)
}

func (s *CachedStore) InsertSnapshot(ctx context.Context, snap *model.AccountValueSnapshot) error {
	return s.primary.InsertSnapshot(ctx, snap)
}

func (s *CachedStore) ListSnapshots(ctx context.Context, accountID string, start, end time.Time) ([]model.AccountValueSnapshot, error) {
	return s.primary.ListSnapshots(ctx, accountID, start, end)
}

func (s *CachedStore) InsertStrategy(ctx context.Context, st *model.Strategy) error {
	return s.primary.InsertStrategy(ctx, st)
}

func (s *CachedStore) GetStrategy(ctx context.Context, strategyID string) (*model.Strategy, error) {
	return s.primary.GetStrategy(ctx, strategyID)
}

func (s *CachedStore) ExpireStrategy(ctx context.Context, strategyID string, at time.Time) error {
	return s.primary.ExpireStrategy(ctx, strategyID, at)
}

func (s *CachedStore) ReplaceStrategy(ctx context.Context, oldID string, at time.Time, next *model.Strategy) error {
	return s.primary.ReplaceStrategy(ctx, oldID, at, next)
}

func (s *CachedStore) ListActiveStrategies(ctx context.Context, accountID string, now time.Time) ([]model.Strategy, error) {
	return s.primary.ListActiveStrategies(ctx, accountID, now)
}

func (s *CachedStore) FindActiveStrategy(ctx context.Context, accountID, instrumentID string, now time.Time) (*model.Strategy, error) {
	return s.primary.FindActiveStrategy(ctx, accountID, instrumentID, now)
}

// --- Cache helpers ---

func (s *CachedStore) cacheAccount(ctx context.Context, a *model.Account) {
	if data, err := json.Marshal(a); err == nil {
		s.rdb.Set(ctx, accountKey(a.ID), data, s.ttl)
		s.rdb.Set(ctx, accountNameKey(a.Name), a.ID, s.ttl)
	}
}

func accountKey(id string) string       { return fmt.Sprintf("account:%s", id) }
func accountNameKey(name string) string { return fmt.Sprintf("account_name:%s", name) }
func positionsKey(id string) string     { return fmt.Sprintf("positions:%s", id) }
