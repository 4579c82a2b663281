// Package oracle adapts the external market-data provider into the narrow
// quote interface the engine consumes. The engine never talks to the
// provider directly; everything goes through PriceOracle so tests and
// development can swap in a static source.
package oracle

import (
	"context"

	"github.com/paperledger/engine/internal/model"
)

// PriceOracle supplies bid/ask quotes for instruments. GetQuotesBatch must
// tolerate partial failure: instruments the provider cannot price are
// simply absent from the result map, and the call still succeeds.
type PriceOracle interface {
	// GetQuote returns the current quote for one instrument.
	GetQuote(ctx context.Context, instrumentID string) (model.Quote, error)

	// GetQuotesBatch returns quotes for many instruments in one upstream
	// round trip. Missing instruments are omitted from the map.
	GetQuotesBatch(ctx context.Context, instrumentIDs []string) (map[string]model.Quote, error)
}
