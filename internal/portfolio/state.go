package portfolio

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/portfolio-sync/internal/prices"
)

// Account is one portfolio's holdings
type Account struct {
	Name     string           `json:"name,omitempty"`
	Holdings []prices.Holding `json:"holdings"`
}

// State is the on-disk shape of a holdings file
type State struct {
	Version    int64              `json:"version"`    // Monotonic version, bumped on every change
	UpdatedAt  string             `json:"updated_at"` // Last update timestamp
	Portfolios map[string]Account `json:"portfolios"` // Accounts by portfolio id
}

// Book holds positions per portfolio. It is the holdings input to
// aggregation; prices come from the price store.
type Book struct {
	mu    sync.RWMutex
	state State
	now   func() time.Time

	subMu  sync.Mutex
	subs   map[int]func(portfolioID string)
	nextID int
}

// NewBook creates an empty book
func NewBook() *Book {
	return &Book{
		state: State{Portfolios: make(map[string]Account)},
		now:   time.Now,
		subs:  make(map[int]func(string)),
	}
}

// LoadFile reads a holdings file. A missing file yields an empty book.
func LoadFile(path string) (*Book, error) {
	b := NewBook()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("failed to read holdings: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal holdings: %w", err)
	}
	if st.Portfolios == nil {
		st.Portfolios = make(map[string]Account)
	}
	for id, acct := range st.Portfolios {
		acct.Holdings = normalize(acct.Holdings)
		st.Portfolios[id] = acct
	}
	b.state = st
	return b, nil
}

// Set replaces a portfolio's holdings
func (b *Book) Set(portfolioID string, holdings []prices.Holding) {
	b.mu.Lock()
	acct := b.state.Portfolios[portfolioID]
	acct.Holdings = normalize(holdings)
	b.state.Portfolios[portfolioID] = acct
	b.touchLocked()
	b.mu.Unlock()
	b.publish(portfolioID)
}

// Holdings returns a copy of a portfolio's holdings sorted by symbol
func (b *Book) Holdings(portfolioID string) []prices.Holding {
	b.mu.RLock()
	defer b.mu.RUnlock()
	src := b.state.Portfolios[portfolioID].Holdings
	out := make([]prices.Holding, len(src))
	copy(out, src)
	return out
}

// Symbols lists the symbols held in a portfolio
func (b *Book) Symbols(portfolioID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	hs := b.state.Portfolios[portfolioID].Holdings
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Symbol)
	}
	return out
}

// Portfolios lists known portfolio ids
func (b *Book) Portfolios() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.state.Portfolios))
	for id := range b.state.Portfolios {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Version is bumped on every change
func (b *Book) Version() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Version
}

// RecordTrade adjusts a holding for an executed trade. Positive quantity
// buys, negative sells. Buying adds at a weighted average cost; selling keeps
// the average cost; selling through zero opens a short at the trade price.
func (b *Book) RecordTrade(portfolioID, symbol string, quantity, price decimal.Decimal) error {
	symbol = symbolKey(symbol)
	if symbol == "" {
		return fmt.Errorf("trade without symbol")
	}
	if quantity.IsZero() {
		return fmt.Errorf("trade for %s with zero quantity", symbol)
	}
	if price.IsNegative() {
		return fmt.Errorf("trade for %s with negative price", symbol)
	}

	b.mu.Lock()
	acct := b.state.Portfolios[portfolioID]
	holdings := make([]prices.Holding, 0, len(acct.Holdings)+1)
	var pos prices.Holding
	found := false
	for _, h := range acct.Holdings {
		if h.Symbol == symbol {
			pos = h
			found = true
			continue
		}
		holdings = append(holdings, h)
	}
	if !found {
		pos = prices.Holding{Symbol: symbol}
	}

	pos = applyTrade(pos, quantity, price)
	if !pos.Quantity.IsZero() {
		holdings = append(holdings, pos)
	}
	acct.Holdings = normalize(holdings)
	b.state.Portfolios[portfolioID] = acct
	b.touchLocked()
	b.mu.Unlock()

	b.publish(portfolioID)
	return nil
}

func applyTrade(pos prices.Holding, qty, price decimal.Decimal) prices.Holding {
	switch {
	case pos.Quantity.IsZero():
		// new position
		pos.Quantity = qty
		pos.AvgCost = price
	case pos.Quantity.Sign() == qty.Sign():
		// adding to position
		totalCost := pos.AvgCost.Mul(pos.Quantity).Add(price.Mul(qty))
		pos.Quantity = pos.Quantity.Add(qty)
		pos.AvgCost = totalCost.Div(pos.Quantity)
	case qty.Abs().GreaterThanOrEqual(pos.Quantity.Abs()):
		// closing or reversing
		pos.Quantity = pos.Quantity.Add(qty)
		if pos.Quantity.IsZero() {
			pos.AvgCost = decimal.Zero
		} else {
			pos.AvgCost = price
		}
	default:
		// partial close
		pos.Quantity = pos.Quantity.Add(qty)
	}
	return pos
}

// Subscribe calls fn with the portfolio id after every change
func (b *Book) Subscribe(fn func(portfolioID string)) func() {
	b.subMu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.subMu.Unlock()
	return func() {
		b.subMu.Lock()
		delete(b.subs, id)
		b.subMu.Unlock()
	}
}

func (b *Book) publish(portfolioID string) {
	b.subMu.Lock()
	fns := make([]func(string), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.subMu.Unlock()
	for _, fn := range fns {
		fn(portfolioID)
	}
}

func (b *Book) touchLocked() {
	b.state.Version++
	b.state.UpdatedAt = b.now().UTC().Format(time.RFC3339)
}

// symbolKey is the form prices are keyed by
func symbolKey(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// normalize canonicalizes symbols, merges duplicates and sorts by symbol
func normalize(hs []prices.Holding) []prices.Holding {
	bySym := make(map[string]prices.Holding, len(hs))
	for _, h := range hs {
		h.Symbol = symbolKey(h.Symbol)
		if h.Symbol == "" {
			continue
		}
		if prev, ok := bySym[h.Symbol]; ok {
			h = applyTrade(prev, h.Quantity, h.AvgCost)
		}
		bySym[h.Symbol] = h
	}
	out := make([]prices.Holding, 0, len(bySym))
	for _, h := range bySym {
		if h.Quantity.IsZero() {
			continue
		}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
