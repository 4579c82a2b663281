package oracle

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/paperledger/engine/internal/enginerr"
	"github.com/paperledger/engine/internal/model"
)

// StaticOracle serves quotes from an in-memory table. Used for testing
// and development. Instruments without an entry behave like instruments
// the real provider cannot price.
type StaticOracle struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
}

// NewStaticOracle creates an empty static oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{quotes: make(map[string]model.Quote)}
}

// SetQuote sets both sides of an instrument's quote.
func (o *StaticOracle) SetQuote(instrumentID string, bid, ask decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, a := bid, ask
	o.quotes[instrumentID] = model.Quote{Bid: &b, Ask: &a}
}

// SetRawQuote sets a possibly one-sided quote.
func (o *StaticOracle) SetRawQuote(instrumentID string, q model.Quote) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.quotes[instrumentID] = q
}

// Remove deletes an instrument's quote, simulating an unpriceable market.
func (o *StaticOracle) Remove(instrumentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.quotes, instrumentID)
}

func (o *StaticOracle) GetQuote(_ context.Context, instrumentID string) (model.Quote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	q, ok := o.quotes[instrumentID]
	if !ok {
		return model.Quote{}, enginerr.NotFound("quote", instrumentID)
	}
	return q, nil
}

func (o *StaticOracle) GetQuotesBatch(_ context.Context, instrumentIDs []string) (map[string]model.Quote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]model.Quote, len(instrumentIDs))
	for _, id := range instrumentIDs {
		if q, ok := o.quotes[id]; ok {
			out[id] = q
		}
	}
	return out, nil
}
