// Package connectivity tracks whether the process can reach the network.
// A Monitor is the single source of the online/offline signal; a Prober
// feeds it from periodic reachability checks.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
)

// Monitor holds the current connectivity state and notifies subscribers on change
type Monitor struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(online bool)
	logger zerolog.Logger
}

// NewMonitor creates a monitor with the given initial state
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]func(bool)),
		logger: observ.Logger("connectivity"),
	}
}

// Online reports the current state
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a new state. Subscribers are called only on a change, outside the lock.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.Info().Bool("online", online).Msg("connectivity changed")
	gauge := 0.0
	if online {
		gauge = 1
	}
	observ.SetGauge("connectivity_online", gauge, nil)

	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn for state changes and returns a cancel func
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Prober checks reachability of a URL on an interval and feeds a Monitor.
// Any HTTP response counts as online; only transport failures count as offline.
type Prober struct {
	URL      string
	Interval time.Duration
	Client   *http.Client
	Monitor  *Monitor
}

// Run probes until ctx is done
func (p *Prober) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Monitor.Set(p.probe(ctx, client))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Monitor.Set(p.probe(ctx, client))
		}
	}
}

func (p *Prober) probe(ctx context.Context, client *http.Client) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		// a canceled probe says nothing about the network
		if ctx.Err() != nil {
			return p.Monitor.Online()
		}
		return false
	}
	resp.Body.Close()
	return true
}
