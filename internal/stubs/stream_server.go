package stubs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
	"github.com/Rajchodisetti/portfolio-sync/internal/transport"
)

type client struct {
	id      string
	symbols map[string]bool
	events  chan transport.Message
	drop    chan struct{}
}

// PriceStreamServer serves the market-data SSE stream. Each connection gets
// an ack with a fresh connection id, a price_update for the symbols it asked
// for, and heartbeat comments. Failures are scripted per dial.
type PriceStreamServer struct {
	prices    *PriceBook
	heartbeat time.Duration
	logger    zerolog.Logger

	mu      sync.Mutex
	clients map[string]*client
	fails   []int
	silent  int
	dials   int
}

// NewPriceStreamServer streams quotes from book. heartbeat <= 0 disables
// heartbeat comments.
func NewPriceStreamServer(book *PriceBook, heartbeat time.Duration) *PriceStreamServer {
	return &PriceStreamServer{
		prices:    book,
		heartbeat: heartbeat,
		logger:    observ.Logger("stubs.stream"),
		clients:   make(map[string]*client),
	}
}

// FailNext makes the next len(statuses) dials answer with those HTTP statuses
func (s *PriceStreamServer) FailNext(statuses ...int) {
	s.mu.Lock()
	s.fails = append(s.fails, statuses...)
	s.mu.Unlock()
}

// SilentNext makes the next n dials accept the stream but never send anything
func (s *PriceStreamServer) SilentNext(n int) {
	s.mu.Lock()
	s.silent += n
	s.mu.Unlock()
}

// Dials counts stream requests, failed ones included
func (s *PriceStreamServer) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Clients counts open streams
func (s *PriceStreamServer) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Publish updates the book and pushes a price_update to every stream
// subscribed to symbol.
func (s *PriceStreamServer) Publish(symbol string, price float64) {
	q := s.prices.Set(symbol, price)
	m := transport.Message{
		Type:      transport.TypePriceUpdate,
		Data:      map[string]transport.PricePayload{q.Symbol: q.payload()},
		Timestamp: transport.Timestamp{Time: q.At},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		if len(c.symbols) > 0 && !c.symbols[q.Symbol] {
			continue
		}
		select {
		case c.events <- m:
		default:
			s.logger.Warn().Str("connection_id", id).Msg("client buffer full, dropping update")
		}
	}
}

// SendError pushes a server error message to every stream
func (s *PriceStreamServer) SendError(msg string) {
	s.broadcast(transport.Message{Type: transport.TypeError, Message: msg})
}

// DropAll ends every open stream from the server side
func (s *PriceStreamServer) DropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clients {
		close(c.drop)
		delete(s.clients, id)
	}
}

func (s *PriceStreamServer) broadcast(m transport.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		select {
		case c.events <- m:
		default:
		}
	}
}

// ServeHTTP handles GET /api/market-data/stream?portfolio_id=&symbols=
func (s *PriceStreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	s.dials++
	if len(s.fails) > 0 {
		status := s.fails[0]
		s.fails = s.fails[1:]
		s.mu.Unlock()
		http.Error(w, http.StatusText(status), status)
		return
	}
	silent := s.silent > 0
	if silent {
		s.silent--
	}
	c := &client{
		id:      uuid.NewString(),
		symbols: parseSymbols(r.URL.Query().Get("symbols")),
		events:  make(chan transport.Message, 100),
		drop:    make(chan struct{}),
	}
	s.clients[c.id] = c
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if _, ok := s.clients[c.id]; ok {
			delete(s.clients, c.id)
		}
		s.mu.Unlock()
		s.logger.Debug().Str("connection_id", c.id).Msg("stream client disconnected")
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug().Str("connection_id", c.id).Int("symbols", len(c.symbols)).Bool("silent", silent).Msg("stream client connected")

	if silent {
		select {
		case <-r.Context().Done():
		case <-c.drop:
		}
		return
	}

	ack := transport.Message{
		Type:         transport.TypeConnection,
		Status:       transport.StatusConnected,
		ConnectionID: c.id,
		Timestamp:    transport.Timestamp{Time: time.Now().UTC()},
	}
	if err := writeEvent(w, flusher, ack); err != nil {
		return
	}
	if snap := s.prices.Quotes(c.symbols); len(snap) > 0 {
		m := transport.Message{
			Type:      transport.TypePriceUpdate,
			Data:      make(map[string]transport.PricePayload, len(snap)),
			Timestamp: transport.Timestamp{Time: time.Now().UTC()},
		}
		for _, q := range snap {
			m.Data[q.Symbol] = q.payload()
		}
		if err := writeEvent(w, flusher, m); err != nil {
			return
		}
	}

	var tick <-chan time.Time
	if s.heartbeat > 0 {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.drop:
			return
		case <-tick:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case m := <-c.events:
			if err := writeEvent(w, flusher, m); err != nil {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, f http.Flusher, m transport.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.Type, b); err != nil {
		return err
	}
	f.Flush()
	return nil
}

func parseSymbols(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out[s] = true
		}
	}
	return out
}

// authorized accepts any non-empty bearer credential
func authorized(r *http.Request) bool {
	h := r.Header.Get("Authorization")
	return strings.HasPrefix(h, "Bearer ") && strings.TrimSpace(strings.TrimPrefix(h, "Bearer ")) != ""
}
