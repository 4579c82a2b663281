package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperledger/engine/internal/enginerr"
	"github.com/paperledger/engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*model.Account
	positions    map[string]*model.Position // accountID + "/" + instrumentID
	orders       map[string]*model.Order
	transactions []model.Transaction
	snapshots    []model.AccountValueSnapshot
	strategies   map[string]*model.Strategy
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:   make(map[string]*model.Account),
		positions:  make(map[string]*model.Position),
		orders:     make(map[string]*model.Order),
		strategies: make(map[string]*model.Strategy),
	}
}

func posKey(accountID, instrumentID string) string {
	return accountID + "/" + instrumentID
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.accounts {
		if existing.Name == a.Name {
			return enginerr.Conflict("account", a.Name, "account name already exists")
		}
	}

	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, enginerr.NotFound("account", id)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetAccountByName(_ context.Context, name string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.Name == name {
			copy := *a
			return &copy, nil
		}
	}
	return nil, enginerr.NotFound("account", name)
}

func (s *MemoryStore) SetBalance(_ context.Context, id string, balance decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return enginerr.NotFound("account", id)
	}
	a.Balance = balance
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, accountID, instrumentID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(accountID, instrumentID)]
	if !ok {
		return nil, enginerr.NotFound("position", accountID+"/"+instrumentID)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.AccountID == accountID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, enginerr.NotFound("order", orderID)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context, accountID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.AccountID == accountID && o.Status == model.StatusOpen {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListAllOpenOrders(_ context.Context) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.Status == model.StatusOpen {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) FindOpenOrder(_ context.Context, accountID, instrumentID string, side model.OrderSide) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	for _, o := range s.orders {
		if o.AccountID == accountID && o.InstrumentID == instrumentID &&
			o.Side == side && o.Status == model.StatusOpen && !o.Expired(now) {
			copy := *o
			return &copy, nil
		}
	}
	return nil, enginerr.NotFound("order", accountID+"/"+instrumentID)
}

// Apply persists the whole change under one lock. The memory store cannot
// fail partway, so the unit is trivially atomic.
func (s *MemoryStore) Apply(_ context.Context, c Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Account != nil {
		a, ok := s.accounts[c.Account.ID]
		if !ok {
			return enginerr.NotFound("account", c.Account.ID)
		}
		a.Balance = c.Account.Balance
	}
	if c.Position != nil {
		copy := *c.Position
		s.positions[posKey(c.Position.AccountID, c.Position.InstrumentID)] = &copy
	}
	if c.Order != nil {
		copy := *c.Order
		s.orders[c.Order.ID] = &copy
	}
	if c.Transaction != nil {
		s.transactions = append(s.transactions, *c.Transaction)
	}
	return nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, accountID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Transaction
	for _, t := range s.transactions {
		if t.AccountID == accountID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

func (s *MemoryStore) InsertSnapshot(_ context.Context, snap *model.AccountValueSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots = append(s.snapshots, *snap)
	return nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, accountID string, start, end time.Time) ([]model.AccountValueSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AccountValueSnapshot
	for _, snap := range s.snapshots {
		if snap.AccountID != accountID {
			continue
		}
		if snap.Timestamp.Before(start) || snap.Timestamp.After(end) {
			continue
		}
		out = append(out, snap)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *MemoryStore) InsertStrategy(_ context.Context, st *model.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.strategies[st.ID]; ok {
		return enginerr.Conflict("strategy", st.ID, "strategy id already exists")
	}
	copy := *st
	s.strategies[st.ID] = &copy
	return nil
}

func (s *MemoryStore) GetStrategy(_ context.Context, strategyID string) (*model.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.strategies[strategyID]
	if !ok {
		return nil, enginerr.NotFound("strategy", strategyID)
	}
	copy := *st
	return &copy, nil
}

func (s *MemoryStore) ExpireStrategy(_ context.Context, strategyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.strategies[strategyID]
	if !ok {
		return enginerr.NotFound("strategy", strategyID)
	}
	t := at
	st.ValidUntil = &t
	return nil
}

func (s *MemoryStore) ReplaceStrategy(_ context.Context, oldID string, at time.Time, next *model.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate both halves before mutating anything.
	old, ok := s.strategies[oldID]
	if !ok {
		return enginerr.NotFound("strategy", oldID)
	}
	if _, ok := s.strategies[next.ID]; ok {
		return enginerr.Conflict("strategy", next.ID, "strategy id already exists")
	}
	t := at
	old.ValidUntil = &t
	copy := *next
	s.strategies[next.ID] = &copy
	return nil
}

func (s *MemoryStore) ListActiveStrategies(_ context.Context, accountID string, now time.Time) ([]model.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Strategy
	for _, st := range s.strategies {
		if st.AccountID == accountID && st.Active(now) {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) FindActiveStrategy(_ context.Context, accountID, instrumentID string, now time.Time) (*model.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, st := range s.strategies {
		if st.AccountID == accountID && st.InstrumentID == instrumentID && st.Active(now) {
			copy := *st
			return &copy, nil
		}
	}
	return nil, enginerr.NotFound("strategy", accountID+"/"+instrumentID)
}
