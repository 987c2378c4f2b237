package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
	"github.com/Rajchodisetti/portfolio-sync/internal/prices"
	"github.com/Rajchodisetti/portfolio-sync/internal/retry"
)

// DefaultPollInterval bounds staleness when streaming is off or failed
const DefaultPollInterval = 15 * time.Minute

// RefreshSummary describes one completed refresh
type RefreshSummary struct {
	Requested   int       `json:"requested"`
	Applied     int       `json:"applied"`
	FreshCount  int       `json:"fresh_count"`
	CachedCount int       `json:"cached_count"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Poller refreshes prices over REST on a fixed interval, independent of the
// stream connection. Each refresh runs under its own retry policy.
type Poller struct {
	client   *Client
	store    *prices.Store
	symbols  func() []string
	interval time.Duration
	query    *retry.Query[RefreshSummary]
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewPoller creates a poller. symbols is consulted on every refresh.
func NewPoller(client *Client, store *prices.Store, policy *retry.Policy, interval time.Duration, symbols func() []string) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &Poller{
		client:   client,
		store:    store,
		symbols:  symbols,
		interval: interval,
		logger:   observ.Logger("marketdata.poller"),
	}
	p.query = retry.NewQuery(policy, p.fetch)
	return p
}

func (p *Poller) fetch(ctx context.Context) (RefreshSummary, error) {
	syms := p.symbols()
	resp, err := p.client.FetchPrices(ctx, syms)
	if err != nil {
		return RefreshSummary{}, err
	}
	applied := p.store.Apply(resp.Entries())
	return RefreshSummary{
		Requested:   len(syms),
		Applied:     applied,
		FreshCount:  resp.FreshCount,
		CachedCount: resp.CachedCount,
		FetchedAt:   resp.FetchedAt,
	}, nil
}

// Refresh fetches now. A refresh already in flight is superseded.
func (p *Poller) Refresh(ctx context.Context) (RefreshSummary, error) {
	s, err := p.query.Run(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("price refresh failed")
		return s, err
	}
	observ.Log("prices_refreshed", map[string]any{
		"requested": s.Requested,
		"applied":   s.Applied,
		"fresh":     s.FreshCount,
		"cached":    s.CachedCount,
	})
	return s, nil
}

// Result exposes the last refresh outcome and retry state
func (p *Poller) Result() retry.Result[RefreshSummary] {
	return p.query.Result()
}

// Watch ties refreshes to connectivity: offline surfaces at once, and the
// return of the network triggers one refresh. The returned func detaches.
func (p *Poller) Watch(ctx context.Context, s retry.Subscriber) func() {
	return p.query.Watch(ctx, s)
}

// Run refreshes immediately and then every interval until ctx ends
func (p *Poller) Run(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	_, _ = p.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			p.query.Cancel()
			return
		case <-ticker.C:
			_, _ = p.Refresh(ctx)
		}
	}
}
