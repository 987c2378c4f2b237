// Package marketdata fetches prices over REST and composes the price store,
// the fallback poller and the stream connection for one portfolio scope.
package marketdata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/portfolio-sync/internal/apierr"
	"github.com/Rajchodisetti/portfolio-sync/internal/auth"
	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
	"github.com/Rajchodisetti/portfolio-sync/internal/prices"
	"github.com/Rajchodisetti/portfolio-sync/internal/transport"
)

const pricesPath = "/api/market-data/prices"

// ClientConfig holds configuration for the REST price client
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
}

// Client calls the REST price endpoint
type Client struct {
	baseURL     string
	tokens      auth.TokenSource
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      zerolog.Logger
}

// NewClient creates a price client. tokens may be nil for open endpoints.
func NewClient(cfg ClientConfig, tokens auth.TokenSource) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		tokens:      tokens,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		logger:      observ.Logger("marketdata.client"),
	}
}

// PriceResponse is the REST price endpoint's reply, converted to store entries
type PriceResponse struct {
	Prices      map[string]prices.Entry `json:"prices"`
	FetchedAt   time.Time               `json:"fetched_at"`
	CachedCount int                     `json:"cached_count"`
	FreshCount  int                     `json:"fresh_count"`
}

// Entries returns the prices sorted by symbol
func (r PriceResponse) Entries() []prices.Entry {
	out := make([]prices.Entry, 0, len(r.Prices))
	for _, e := range r.Prices {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

type wireEntry struct {
	Symbol    string              `json:"symbol"`
	Price     float64             `json:"price"`
	Volume    *float64            `json:"volume,omitempty"`
	MarketCap *float64            `json:"market_cap,omitempty"`
	FetchedAt transport.Timestamp `json:"fetched_at"`
	Cached    bool                `json:"cached"`
	Trend     *prices.Trend       `json:"trend,omitempty"`
}

type wireResponse struct {
	Prices      map[string]wireEntry `json:"prices"`
	FetchedAt   transport.Timestamp  `json:"fetched_at"`
	CachedCount int                  `json:"cached_count"`
	FreshCount  int                  `json:"fresh_count"`
}

// FetchPrices requests the latest prices for symbols. Failures come back
// unclassified; callers wrap this in a retry policy.
func (c *Client) FetchPrices(ctx context.Context, symbols []string) (PriceResponse, error) {
	symbols = NormalizeSymbols(symbols)
	if len(symbols) == 0 {
		return PriceResponse{Prices: map[string]prices.Entry{}}, nil
	}

	if err := c.rateLimiter.Wait(ctx); err != nil {
		return PriceResponse{}, fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(map[string]any{"symbols": symbols})
	if err != nil {
		return PriceResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pricesPath, bytes.NewReader(body))
	if err != nil {
		return PriceResponse{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.tokens != nil {
		bearer, err := auth.Bearer(ctx, c.tokens)
		if err != nil {
			return PriceResponse{}, err
		}
		req.Header.Set("Authorization", bearer)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	observ.RecordDuration("price_fetch_ms", time.Since(start), nil)
	if err != nil {
		return PriceResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return PriceResponse{}, &apierr.HTTPError{Status: resp.StatusCode, Body: string(raw), URL: req.URL.String()}
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return PriceResponse{}, fmt.Errorf("decode prices: %w", err)
	}

	out := PriceResponse{
		Prices:      make(map[string]prices.Entry, len(wire.Prices)),
		FetchedAt:   wire.FetchedAt.Time,
		CachedCount: wire.CachedCount,
		FreshCount:  wire.FreshCount,
	}
	if out.FetchedAt.IsZero() {
		out.FetchedAt = time.Now().UTC()
	}
	for sym, w := range wire.Prices {
		if w.Symbol == "" {
			w.Symbol = sym
		}
		fetched := w.FetchedAt.Time
		if fetched.IsZero() {
			fetched = out.FetchedAt
		}
		out.Prices[w.Symbol] = prices.Entry{
			Symbol:    w.Symbol,
			Price:     w.Price,
			Volume:    w.Volume,
			MarketCap: w.MarketCap,
			FetchedAt: fetched,
			Cached:    w.Cached,
			Trend:     w.Trend,
		}
	}

	c.logger.Debug().Int("symbols", len(symbols)).Int("fresh", out.FreshCount).
		Int("cached", out.CachedCount).Msg("prices fetched")
	return out, nil
}

// NormalizeSymbols upper-cases, trims, de-duplicates and sorts symbols
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
