// Package prices holds the latest price per symbol and derives portfolio
// valuations from it.
package prices

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
)

// DefaultStaleAfter is the age past which a price is flagged stale
const DefaultStaleAfter = 30 * time.Minute

// Direction of a price move
type Direction string

const (
	DirectionUp      Direction = "up"
	DirectionDown    Direction = "down"
	DirectionNeutral Direction = "neutral"
)

// Trend describes the move from the previous price
type Trend struct {
	Direction     Direction `json:"direction"`
	Change        float64   `json:"change"`
	ChangePercent float64   `json:"change_percent"`
}

// Entry is the latest known price for one symbol. Entries are replaced
// wholesale, never merged.
type Entry struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Volume    *float64  `json:"volume,omitempty"`
	MarketCap *float64  `json:"market_cap,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	Cached    bool      `json:"cached"`
	Trend     *Trend    `json:"trend,omitempty"`
}

// Rejection reasons reported in metrics
const (
	RejectStale   = "stale"
	RejectInvalid = "invalid"
)

// Store is the price cache for one provider scope. Writers are the stream
// connection and the REST fetch path; readers get copies.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time

	subMu  sync.Mutex
	subs   map[int]func(Entry)
	nextID int
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithClock replaces time.Now for staleness and freshness checks
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entries: make(map[string]Entry),
		now:     time.Now,
		subs:    make(map[int]func(Entry)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyUpdate stores e if it is strictly newer than the entry held for its
// symbol. Replays and out-of-order deliveries are rejected, so FetchedAt
// never moves backwards. When e carries no trend one is derived from the
// entry it replaces.
func (s *Store) ApplyUpdate(e Entry) bool {
	if e.Symbol == "" || math.IsNaN(e.Price) || math.IsInf(e.Price, 0) || e.Price < 0 || e.FetchedAt.IsZero() {
		observ.IncCounter("price_updates_rejected_total", map[string]string{"reason": RejectInvalid})
		return false
	}

	s.mu.Lock()
	prev, ok := s.entries[e.Symbol]
	if ok && !e.FetchedAt.After(prev.FetchedAt) {
		s.mu.Unlock()
		observ.IncCounter("price_updates_rejected_total", map[string]string{"reason": RejectStale})
		return false
	}
	if e.Trend == nil && ok {
		e.Trend = trend(prev.Price, e.Price)
	}
	s.entries[e.Symbol] = e
	s.mu.Unlock()

	observ.IncCounter("price_updates_applied_total", nil)
	observ.Observe("price_freshness_ms", float64(s.now().Sub(e.FetchedAt).Milliseconds()), nil)
	s.publish(e)
	return true
}

// Apply applies a batch and returns how many entries were accepted
func (s *Store) Apply(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if s.ApplyUpdate(e) {
			n++
		}
	}
	return n
}

// Get returns the entry for symbol
func (s *Store) Get(symbol string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[symbol]
	return e, ok
}

// IsStale reports whether symbol's price is older than maxAge right now.
// A symbol with no price is stale. The answer is recomputed on every call.
func (s *Store) IsStale(symbol string, maxAge time.Duration) bool {
	e, ok := s.Get(symbol)
	if !ok {
		return true
	}
	return Stale(e, s.now(), maxAge)
}

// Stale reports whether e is older than maxAge at now
func Stale(e Entry, now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultStaleAfter
	}
	return now.Sub(e.FetchedAt) > maxAge
}

// Remove drops symbols on unsubscription and returns how many were held
func (s *Store) Remove(symbols ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sym := range symbols {
		if _, ok := s.entries[sym]; ok {
			delete(s.entries, sym)
			n++
		}
	}
	return n
}

// Retain drops every symbol not in keep and returns the dropped ones
func (s *Store) Retain(keep []string) []string {
	want := make(map[string]struct{}, len(keep))
	for _, sym := range keep {
		want[sym] = struct{}{}
	}

	s.mu.Lock()
	var dropped []string
	for sym := range s.entries {
		if _, ok := want[sym]; !ok {
			delete(s.entries, sym)
			dropped = append(dropped, sym)
		}
	}
	s.mu.Unlock()

	sort.Strings(dropped)
	return dropped
}

// Snapshot copies all entries
func (s *Store) Snapshot() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Len counts held symbols
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Subscribe calls fn after every accepted update. The returned func unsubscribes.
func (s *Store) Subscribe(fn func(Entry)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) publish(e Entry) {
	s.subMu.Lock()
	fns := make([]func(Entry), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

func trend(prev, cur float64) *Trend {
	t := &Trend{Direction: DirectionNeutral, Change: cur - prev}
	switch {
	case cur > prev:
		t.Direction = DirectionUp
	case cur < prev:
		t.Direction = DirectionDown
	}
	if prev != 0 {
		t.ChangePercent = t.Change / prev * 100
	}
	return t
}
