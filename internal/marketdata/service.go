package marketdata

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
	"github.com/Rajchodisetti/portfolio-sync/internal/portfolio"
	"github.com/Rajchodisetti/portfolio-sync/internal/prices"
	"github.com/Rajchodisetti/portfolio-sync/internal/retry"
	"github.com/Rajchodisetti/portfolio-sync/internal/stream"
	"github.com/Rajchodisetti/portfolio-sync/internal/transport"
)

// Scope is the portfolio and symbol set one stream connection serves.
// Empty Symbols means the portfolio's holdings.
type Scope struct {
	PortfolioID string   `json:"portfolio_id"`
	Symbols     []string `json:"symbols"`
}

// ServiceConfig tunes a Service
type ServiceConfig struct {
	Stream     stream.Config
	StaleAfter time.Duration
	Realtime   bool
}

// Service owns the price store, the fallback poller and at most one live
// stream connection for the active scope.
type Service struct {
	cfg    ServiceConfig
	dialer transport.Dialer
	store  *prices.Store
	book   *portfolio.Book
	poller *Poller
	logger zerolog.Logger

	watchMu sync.Mutex // serializes scope switches

	mu        sync.Mutex
	scope     Scope
	symbols   []string
	conn      *stream.Connection
	connCtx   context.Context
	realtime  bool
	listeners map[int]func(stream.Change)
	nextID    int
	unwatch   func()
}

// NewService wires a Service. dialer may be nil when streaming is disabled.
func NewService(cfg ServiceConfig, client *Client, dialer transport.Dialer, store *prices.Store, book *portfolio.Book, policy *retry.Policy, pollInterval time.Duration) *Service {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = prices.DefaultStaleAfter
	}
	s := &Service{
		cfg:       cfg,
		dialer:    dialer,
		store:     store,
		book:      book,
		logger:    observ.Logger("marketdata"),
		realtime:  cfg.Realtime && dialer != nil,
		listeners: make(map[int]func(stream.Change)),
	}
	s.poller = NewPoller(client, store, policy, pollInterval, s.Symbols)
	s.unwatch = book.Subscribe(s.holdingsChanged)
	return s
}

// Store exposes the price store for readers
func (s *Service) Store() *prices.Store { return s.store }

// StaleAfter is the freshness threshold used for valuation
func (s *Service) StaleAfter() time.Duration { return s.cfg.StaleAfter }

// Poller exposes the fallback poller
func (s *Service) Poller() *Poller { return s.poller }

// Scope returns the active scope
func (s *Service) Scope() Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Scope{PortfolioID: s.scope.PortfolioID, Symbols: slices.Clone(s.symbols)}
}

// Symbols lists the symbols of the active scope
func (s *Service) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.symbols)
}

// Watch switches to scope. The previous connection is torn down before the
// new one is created, and prices for symbols no longer in scope are dropped.
// ctx bounds the lifetime of the new connection.
func (s *Service) Watch(ctx context.Context, scope Scope) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	syms := scope.Symbols
	if len(syms) == 0 {
		syms = s.book.Symbols(scope.PortfolioID)
	}
	syms = NormalizeSymbols(syms)

	s.mu.Lock()
	old := s.conn
	s.conn = nil
	s.scope = scope
	s.symbols = syms
	s.connCtx = ctx
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}

	if dropped := s.store.Retain(syms); len(dropped) > 0 {
		observ.Log("symbols_unsubscribed", map[string]any{"portfolio_id": scope.PortfolioID, "symbols": dropped})
	}

	if s.dialer == nil {
		return nil
	}
	conn := stream.New(s.dialer, transport.Subscription{PortfolioID: scope.PortfolioID, Symbols: syms},
		s.store, s.cfg.Stream, stream.WithName("prices"))
	conn.OnStateChange(s.forward)

	s.mu.Lock()
	s.conn = conn
	realtime := s.realtime
	s.mu.Unlock()
	s.logger.Info().Str("portfolio_id", scope.PortfolioID).Strs("symbols", syms).Msg("watching scope")

	// listeners run synchronously; the lock must not be held here
	if realtime && len(syms) > 0 {
		return conn.Connect(ctx)
	}
	return nil
}

// SetRealtime enables or disables streaming. Disabling disconnects at once;
// enabling a failed connection resets it.
func (s *Service) SetRealtime(on bool) error {
	s.mu.Lock()
	s.realtime = on && s.dialer != nil
	conn := s.conn
	ctx := s.connCtx
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	if !on {
		conn.Disconnect()
		return nil
	}
	if conn.State() == stream.StateFailed {
		return conn.Reset(ctx)
	}
	return conn.Connect(ctx)
}

// Realtime reports whether streaming is enabled
func (s *Service) Realtime() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realtime
}

// SetHoldings replaces a portfolio's holdings
func (s *Service) SetHoldings(portfolioID string, holdings []prices.Holding) {
	s.book.Set(portfolioID, holdings)
}

func (s *Service) holdingsChanged(portfolioID string) {
	s.mu.Lock()
	active := s.scope.PortfolioID == portfolioID && len(s.scope.Symbols) == 0
	scope := s.scope
	ctx := s.connCtx
	current := slices.Clone(s.symbols)
	s.mu.Unlock()

	if !active || ctx == nil {
		return
	}
	if slices.Equal(current, NormalizeSymbols(s.book.Symbols(portfolioID))) {
		return
	}
	// the symbol set moved; resubscribe off the caller's goroutine
	go func() {
		if err := s.Watch(ctx, scope); err != nil {
			s.logger.Warn().Err(err).Msg("resubscribe after holdings change failed")
		}
	}()
}

// Portfolio values the active portfolio at current prices
func (s *Service) Portfolio() prices.Portfolio {
	s.mu.Lock()
	id := s.scope.PortfolioID
	s.mu.Unlock()
	return s.store.Aggregate(s.book.Holdings(id), s.cfg.StaleAfter)
}

// ConnectionState is disconnected when there is no connection
func (s *Service) ConnectionState() stream.State {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return stream.StateDisconnected
	}
	return conn.State()
}

// StreamStats returns the live connection's counters
func (s *Service) StreamStats() stream.Stats {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return stream.Stats{}
	}
	return conn.Stats()
}

// ResetStream is the explicit recovery from failed
func (s *Service) ResetStream() error {
	s.mu.Lock()
	conn := s.conn
	ctx := s.connCtx
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Reset(ctx)
}

// Refresh fetches all scope prices over REST now
func (s *Service) Refresh(ctx context.Context) (RefreshSummary, error) {
	return s.poller.Refresh(ctx)
}

// OnStateChange observes stream transitions across scope switches
func (s *Service) OnStateChange(fn func(stream.Change)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Service) forward(ch stream.Change) {
	s.mu.Lock()
	fns := make([]func(stream.Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

// Run drives the fallback poller until ctx ends
func (s *Service) Run(ctx context.Context) {
	s.poller.Run(ctx)
}

// Close tears down the connection
func (s *Service) Close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	unwatch := s.unwatch
	s.unwatch = nil
	s.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
	if conn != nil {
		conn.Close()
	}
}
