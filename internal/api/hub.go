package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
	"github.com/Rajchodisetti/portfolio-sync/internal/prices"
	"github.com/Rajchodisetti/portfolio-sync/internal/stream"
)

// Event types pushed to WebSocket clients
const (
	EventSnapshot = "snapshot"
	EventPrice    = "price"
	EventState    = "state"
)

// Event is one WebSocket frame
type Event struct {
	Type      string            `json:"type"`
	Portfolio *prices.Portfolio `json:"portfolio,omitempty"`
	Price     *prices.Entry     `json:"price,omitempty"`
	State     *StateEvent       `json:"state,omitempty"`
	At        time.Time         `json:"at"`
}

// StateEvent mirrors a stream transition
type StateEvent struct {
	From    stream.State `json:"from"`
	To      stream.State `json:"to"`
	Attempt int          `json:"attempt"`
	Error   string       `json:"error,omitempty"`
}

const clientBuffer = 256

// hub fans events out to WebSocket clients. One goroutine owns the client
// set; slow clients are dropped instead of blocking the loop.
type hub struct {
	clients    map[*wsClient]struct{}
	broadcast  chan Event
	register   chan *wsClient
	unregister chan *wsClient
	snapshot   func() Event
	count      chan chan int
}

func newHub(snapshot func() Event) *hub {
	return &hub{
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan Event, clientBuffer),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		snapshot:   snapshot,
		count:      make(chan chan int),
	}
}

func (h *hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			c.send <- h.snapshot()
			observ.SetGauge("ws_clients", float64(len(h.clients)), nil)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			observ.SetGauge("ws_clients", float64(len(h.clients)), nil)

		case ev := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					delete(h.clients, c)
					close(c.send)
					observ.IncCounter("ws_clients_dropped_total", nil)
				}
			}

		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

// publish queues ev; when the queue is full the event is dropped
func (h *hub) publish(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		observ.IncCounter("ws_events_dropped_total", map[string]string{"type": ev.Type})
	}
}

func (h *hub) clientCount(ctx context.Context) int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-ctx.Done():
		return 0
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{hub: s.hub, conn: conn, send: make(chan Event, clientBuffer), logger: s.logger}

	select {
	case s.hub.register <- client:
	case <-s.ctx.Done():
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump(s.ctx)
}
