package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/portfolio-sync/internal/apierr"
	"github.com/Rajchodisetti/portfolio-sync/internal/auth"
	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
)

const (
	wsWriteWait      = 2 * time.Second
	wsMaxMessageSize = 1 << 20
)

// WSDialer opens WebSocket sessions. Server pings are answered and
// delivered as heartbeat messages.
type WSDialer struct {
	cfg    Config
	tokens auth.TokenSource
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewWSDialer creates a WebSocket dialer. tokens may be nil.
func NewWSDialer(cfg Config, tokens auth.TokenSource) *WSDialer {
	cfg = cfg.withDefaults()
	return &WSDialer{
		cfg:    cfg,
		tokens: tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		logger: observ.Logger("transport.ws"),
	}
}

func (d *WSDialer) url(sub Subscription) string {
	u := strings.TrimRight(d.cfg.BaseURL, "/") + d.cfg.Path
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if q := sub.query().Encode(); q != "" {
		u += "?" + q
	}
	return u
}

// Dial performs the handshake and starts the read pump
func (d *WSDialer) Dial(ctx context.Context, sub Subscription) (<-chan Message, error) {
	u := d.url(sub)
	header := http.Header{}
	if d.tokens != nil {
		bearer, err := auth.Bearer(ctx, d.tokens)
		if err != nil {
			return nil, err
		}
		header.Set("Authorization", bearer)
	}

	conn, resp, err := d.dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &apierr.HTTPError{Status: resp.StatusCode, Body: string(body), URL: u}
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	out := make(chan Message, d.cfg.MaxChannelBuffer)
	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetPingHandler(func(appData string) error {
		// the heartbeat must not block the read loop
		select {
		case out <- Message{Type: TypeHeartbeat}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
	})

	// unblock ReadMessage when the caller cancels
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		conn.Close()
	})

	go func() {
		defer close(out)
		defer stop()
		defer conn.Close()
		d.readPump(ctx, conn, out)
	}()
	return out, nil
}

func (d *WSDialer) readPump(ctx context.Context, conn *websocket.Conn, out chan<- Message) {
	for {
		mt, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				d.logger.Debug().Err(err).Msg("websocket closed")
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		m, err := decodeMessage(raw, "")
		if err != nil {
			observ.IncCounter("stream_messages_invalid_total", nil)
			d.logger.Warn().Err(err).Msg("dropping malformed message")
			continue
		}
		if !send(ctx, out, m) {
			return
		}
	}
}
