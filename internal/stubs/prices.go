package stubs

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/portfolio-sync/internal/transport"
)

// Quote is one symbol's latest stub price
type Quote struct {
	Symbol    string
	Price     float64
	Volume    *float64
	MarketCap *float64
	At        time.Time
}

func (q Quote) payload() transport.PricePayload {
	return transport.PricePayload{
		Price:     q.Price,
		Volume:    q.Volume,
		MarketCap: q.MarketCap,
		Timestamp: transport.Timestamp{Time: q.At},
	}
}

// PriceBook holds the quotes both stub endpoints serve. Quote times are
// strictly increasing so every Set is newer than the last.
type PriceBook struct {
	mu     sync.Mutex
	quotes map[string]Quote
	last   time.Time
}

// NewPriceBook seeds a book with prices
func NewPriceBook(seed map[string]float64) *PriceBook {
	b := &PriceBook{quotes: make(map[string]Quote)}
	for sym, p := range seed {
		b.Set(sym, p)
	}
	return b
}

// Set records a new price for symbol
func (b *PriceBook) Set(symbol string, price float64) Quote {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	if !now.After(b.last) {
		now = b.last.Add(time.Microsecond)
	}
	b.last = now
	q := Quote{Symbol: strings.ToUpper(symbol), Price: price, At: now}
	b.quotes[q.Symbol] = q
	return q
}

// Quotes returns the quotes for symbols, or all quotes when symbols is empty
func (b *PriceBook) Quotes(symbols map[string]bool) []Quote {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Quote, 0, len(b.quotes))
	for sym, q := range b.quotes {
		if len(symbols) > 0 && !symbols[sym] {
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

type priceEntry struct {
	Symbol    string              `json:"symbol"`
	Price     float64             `json:"price"`
	Volume    *float64            `json:"volume,omitempty"`
	MarketCap *float64            `json:"market_cap,omitempty"`
	FetchedAt transport.Timestamp `json:"fetched_at"`
	Cached    bool                `json:"cached"`
}

// PriceHandler serves POST /api/market-data/prices from a PriceBook. Symbols
// without a quote are left out of the reply.
type PriceHandler struct {
	book *PriceBook

	mu       sync.Mutex
	fails    []int
	requests int
	cached   map[string]bool
}

// NewPriceHandler serves quotes from book
func NewPriceHandler(book *PriceBook) *PriceHandler {
	return &PriceHandler{book: book, cached: make(map[string]bool)}
}

// FailNext makes the next len(statuses) requests answer with those statuses
func (h *PriceHandler) FailNext(statuses ...int) {
	h.mu.Lock()
	h.fails = append(h.fails, statuses...)
	h.mu.Unlock()
}

// MarkCached flags symbols as served from the upstream cache
func (h *PriceHandler) MarkCached(symbols ...string) {
	h.mu.Lock()
	for _, s := range symbols {
		h.cached[strings.ToUpper(s)] = true
	}
	h.mu.Unlock()
}

// Requests counts calls, failed ones included
func (h *PriceHandler) Requests() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests
}

func (h *PriceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	if !authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	h.requests++
	if len(h.fails) > 0 {
		status := h.fails[0]
		h.fails = h.fails[1:]
		h.mu.Unlock()
		http.Error(w, http.StatusText(status), status)
		return
	}
	h.mu.Unlock()

	defer r.Body.Close()
	var req struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	want := make(map[string]bool, len(req.Symbols))
	for _, s := range req.Symbols {
		want[strings.ToUpper(s)] = true
	}

	resp := struct {
		Prices      map[string]priceEntry `json:"prices"`
		FetchedAt   transport.Timestamp   `json:"fetched_at"`
		CachedCount int                   `json:"cached_count"`
		FreshCount  int                   `json:"fresh_count"`
	}{
		Prices:    make(map[string]priceEntry),
		FetchedAt: transport.Timestamp{Time: time.Now().UTC()},
	}
	h.mu.Lock()
	for _, q := range h.book.Quotes(want) {
		cached := h.cached[q.Symbol]
		resp.Prices[q.Symbol] = priceEntry{
			Symbol:    q.Symbol,
			Price:     q.Price,
			Volume:    q.Volume,
			MarketCap: q.MarketCap,
			FetchedAt: transport.Timestamp{Time: q.At},
			Cached:    cached,
		}
		if cached {
			resp.CachedCount++
		} else {
			resp.FreshCount++
		}
	}
	h.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
