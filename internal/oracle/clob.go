package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/paperledger/engine/internal/enginerr"
	"github.com/paperledger/engine/internal/metrics"
	"github.com/paperledger/engine/internal/model"
)

// DefaultCLOBURL is the Polymarket central limit order book API.
const DefaultCLOBURL = "https://clob.polymarket.com"

// CLOBOracle fetches quotes from a Polymarket-style CLOB price API.
//
// Single quote:  GET /price?token_id=X&side=BUY|SELL
// Batch quotes:  POST /prices with [{token_id, side}, ...], returning
//                map[token_id]map[side]price.
//
// The API's BUY side is the best ask (what buyers pay) and SELL is the
// best bid.
type CLOBOracle struct {
	baseURL string
	client  *http.Client
}

// NewCLOBOracle creates an oracle against the given base URL. An empty
// baseURL uses the public Polymarket endpoint.
func NewCLOBOracle(baseURL string) *CLOBOracle {
	if baseURL == "" {
		baseURL = DefaultCLOBURL
	}
	return &CLOBOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (o *CLOBOracle) GetQuote(ctx context.Context, instrumentID string) (model.Quote, error) {
	ask, askErr := o.fetchPrice(ctx, instrumentID, "BUY")
	bid, bidErr := o.fetchPrice(ctx, instrumentID, "SELL")
	if askErr != nil && bidErr != nil {
		return model.Quote{}, enginerr.Upstream(instrumentID, askErr)
	}

	var q model.Quote
	if askErr == nil {
		q.Ask = &ask
	}
	if bidErr == nil {
		q.Bid = &bid
	}
	return q, nil
}

func (o *CLOBOracle) GetQuotesBatch(ctx context.Context, instrumentIDs []string) (map[string]model.Quote, error) {
	if len(instrumentIDs) == 0 {
		return map[string]model.Quote{}, nil
	}

	type priceReq struct {
		TokenID string `json:"token_id"`
		Side    string `json:"side"`
	}
	payload := make([]priceReq, 0, len(instrumentIDs)*2)
	for _, id := range instrumentIDs {
		payload = append(payload,
			priceReq{TokenID: id, Side: "BUY"},
			priceReq{TokenID: id, Side: "SELL"},
		)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, enginerr.Internal("marshal batch price request", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/prices", strings.NewReader(string(body)))
	if err != nil {
		return nil, enginerr.Internal("build batch price request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	metrics.OracleRequestDuration.WithLabelValues("batch").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OracleFailures.Inc()
		return nil, enginerr.Upstream("batch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.OracleFailures.Inc()
		return nil, enginerr.Upstream("batch", fmt.Errorf("status %d", resp.StatusCode))
	}

	// token_id → {"BUY": "0.45", "SELL": "0.43"}
	var raw map[string]map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		metrics.OracleFailures.Inc()
		return nil, enginerr.Upstream("batch", err)
	}

	quotes := make(map[string]model.Quote, len(raw))
	for id, sides := range raw {
		var q model.Quote
		if ask, err := decimal.NewFromString(sides["BUY"]); err == nil && !ask.IsZero() {
			a := ask
			q.Ask = &a
		}
		if bid, err := decimal.NewFromString(sides["SELL"]); err == nil && !bid.IsZero() {
			b := bid
			q.Bid = &b
		}
		if q.Bid == nil && q.Ask == nil {
			continue // unpriceable instrument, omit rather than fail
		}
		quotes[id] = q
	}
	return quotes, nil
}

func (o *CLOBOracle) fetchPrice(ctx context.Context, instrumentID, side string) (decimal.Decimal, error) {
	params := url.Values{"token_id": {instrumentID}, "side": {side}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/price?"+params.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}

	start := time.Now()
	resp, err := o.client.Do(req)
	metrics.OracleRequestDuration.WithLabelValues("single").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OracleFailures.Inc()
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.OracleFailures.Inc()
		return decimal.Zero, fmt.Errorf("status %d", resp.StatusCode)
	}

	var out struct {
		Price string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(out.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad price %q: %w", out.Price, err)
	}
	if price.IsZero() {
		return decimal.Zero, fmt.Errorf("no liquidity for %s %s", instrumentID, side)
	}
	return price, nil
}
