package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Rajchodisetti/portfolio-sync/internal/auth"
)

// Message types pushed by the stream endpoint
const (
	TypeConnection  = "connection"
	TypePriceUpdate = "price_update"
	TypeHeartbeat   = "heartbeat"
	TypeError       = "error"
)

// StatusConnected is the status carried by a connection acknowledgment
const StatusConnected = "connected"

// Message is the wire envelope of the push stream
type Message struct {
	Type         string                  `json:"type"`
	ConnectionID string                  `json:"connection_id,omitempty"`
	Status       string                  `json:"status,omitempty"`
	Data         map[string]PricePayload `json:"data,omitempty"`
	Timestamp    Timestamp               `json:"timestamp,omitzero"`
	Message      string                  `json:"message,omitempty"`
}

// IsAck reports whether m acknowledges the connection
func (m Message) IsAck() bool {
	return m.Type == TypeConnection && (m.Status == "" || m.Status == StatusConnected)
}

// PricePayload is one symbol's entry inside a price_update
type PricePayload struct {
	Price     float64   `json:"price"`
	Volume    *float64  `json:"volume,omitempty"`
	MarketCap *float64  `json:"market_cap,omitempty"`
	Timestamp Timestamp `json:"timestamp,omitzero"`
}

// Timestamp accepts RFC 3339 strings and unix epoch numbers in seconds or
// milliseconds. It marshals back as RFC 3339.
type Timestamp struct {
	time.Time
}

// epochMillisCutoff separates second and millisecond epoch values
const epochMillisCutoff = 1e11

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		t.Time = time.Time{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t.Time = parsed
			return nil
		}
		// numeric epoch sent as a string
		if _, err := strconv.ParseFloat(s, 64); err == nil {
			return t.UnmarshalJSON([]byte(s))
		}
		return fmt.Errorf("timestamp %q: not RFC 3339 or epoch", s)
	}

	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("timestamp %s: %w", b, err)
	}
	if f >= epochMillisCutoff {
		t.Time = time.UnixMilli(int64(f)).UTC()
	} else {
		sec := int64(f)
		t.Time = time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
	}
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Subscription scopes one stream session
type Subscription struct {
	PortfolioID string
	Symbols     []string
}

// Dialer opens one stream session. The returned channel delivers messages in
// arrival order and is closed when the session ends for any reason; callers
// cancel ctx to end it.
type Dialer interface {
	Dial(ctx context.Context, sub Subscription) (<-chan Message, error)
}

// Config selects and tunes the stream transport
type Config struct {
	BaseURL          string        `yaml:"base_url"`
	Path             string        `yaml:"path"`
	Transport        string        `yaml:"transport"` // "sse" or "ws"
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	MaxChannelBuffer int           `yaml:"max_channel_buffer"`
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/api/market-data/stream"
	}
	if c.Transport == "" {
		c.Transport = "sse"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.MaxChannelBuffer <= 0 {
		c.MaxChannelBuffer = 256
	}
	return c
}

// NewDialer creates the dialer named by cfg.Transport
func NewDialer(cfg Config, tokens auth.TokenSource) (Dialer, error) {
	cfg = cfg.withDefaults()
	switch cfg.Transport {
	case "sse":
		return NewSSEDialer(cfg, tokens), nil
	case "ws", "websocket":
		return NewWSDialer(cfg, tokens), nil
	default:
		return nil, fmt.Errorf("unknown stream transport %q", cfg.Transport)
	}
}

func (s Subscription) query() url.Values {
	q := url.Values{}
	if s.PortfolioID != "" {
		q.Set("portfolio_id", s.PortfolioID)
	}
	if len(s.Symbols) > 0 {
		q.Set("symbols", strings.Join(s.Symbols, ","))
	}
	return q
}

func decodeMessage(raw []byte, eventType string) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode stream message: %w", err)
	}
	if m.Type == "" {
		m.Type = eventType
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("stream message without type")
	}
	return m, nil
}

// send delivers m unless ctx ends first
func send(ctx context.Context, out chan<- Message, m Message) bool {
	select {
	case out <- m:
		return true
	case <-ctx.Done():
		return false
	}
}
