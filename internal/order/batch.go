package order

import (
	"context"
	"log/slog"
	"time"

	"github.com/paperledger/engine/internal/metrics"
	"github.com/paperledger/engine/internal/model"
)

// BatchOutcome records what happened to one open order during a batch pass.
type BatchOutcome struct {
	OrderID      string `json:"order_id"`
	InstrumentID string `json:"instrument_id"`
	Result       string `json:"result"` // "filled", "skipped", "failed"
	Reason       string `json:"reason,omitempty"`
}

// BatchResult summarizes one pass over the open order book.
type BatchResult struct {
	Processed int            `json:"processed"`
	Filled    int            `json:"filled"`
	Skipped   int            `json:"skipped"`
	Failed    int            `json:"failed"`
	Outcomes  []BatchOutcome `json:"outcomes"`
}

// ProcessOpenOrders scans all OPEN orders, fetches quotes for their
// distinct instruments in one batched oracle call, and fills every order
// whose limit now crosses the market. A failure on one order never aborts
// the pass; it is recorded in that order's outcome and processing
// continues. Orders whose instrument has no quote, whose limit does not
// cross, or which have expired are skipped and remain OPEN.
func (s *Service) ProcessOpenOrders(ctx context.Context) (*BatchResult, error) {
	orders, err := s.st.ListAllOpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	result := &BatchResult{Outcomes: make([]BatchOutcome, 0, len(orders))}
	if len(orders) == 0 {
		return result, nil
	}

	seen := make(map[string]struct{})
	instruments := make([]string, 0, len(orders))
	for _, o := range orders {
		if _, ok := seen[o.InstrumentID]; !ok {
			seen[o.InstrumentID] = struct{}{}
			instruments = append(instruments, o.InstrumentID)
		}
	}

	quotes, err := s.oracle.GetQuotesBatch(ctx, instruments)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, o := range orders {
		outcome := s.processOne(ctx, &o, quotes, now)
		result.Outcomes = append(result.Outcomes, outcome)
		result.Processed++
		switch outcome.Result {
		case "filled":
			result.Filled++
		case "skipped":
			result.Skipped++
		default:
			result.Failed++
		}
		metrics.BatchOrderOutcomes.WithLabelValues(outcome.Result).Inc()
	}

	slog.Info("open order batch complete",
		"processed", result.Processed,
		"filled", result.Filled,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
	return result, nil
}

func (s *Service) processOne(ctx context.Context, o *model.Order, quotes map[string]model.Quote, now time.Time) BatchOutcome {
	out := BatchOutcome{OrderID: o.ID, InstrumentID: o.InstrumentID}

	if o.Expired(now) {
		out.Result = "skipped"
		out.Reason = "expired"
		return out
	}
	quote, ok := quotes[o.InstrumentID]
	if !ok {
		out.Result = "skipped"
		out.Reason = "no quote"
		return out
	}
	// Resting orders fill at their limit price, so crossing is checked
	// against the live book but execution consumes the reservation made
	// at placement.
	if _, crosses := crossingPrice(o.Side, o.Kind, o.Price, quote); !crosses {
		out.Result = "skipped"
		out.Reason = "no cross"
		return out
	}

	if _, err := s.ledger.FillReserved(ctx, o.ID); err != nil {
		out.Result = "failed"
		out.Reason = err.Error()
		slog.Warn("batch fill failed", "order_id", o.ID, "error", err)
		return out
	}
	out.Result = "filled"
	return out
}
