// Package stream keeps one live push connection per subscription and feeds
// price updates into a price store.
package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
)

// State of a Connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for st := StateDisconnected; st <= StateFailed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown stream state %q", b)
}

func (s State) gauge() float64 {
	switch s {
	case StateConnecting:
		return observ.StreamGaugeConnecting
	case StateConnected:
		return observ.StreamGaugeConnected
	case StateReconnecting:
		return observ.StreamGaugeReconnecting
	case StateError:
		return observ.StreamGaugeError
	case StateFailed:
		return observ.StreamGaugeFailed
	default:
		return observ.StreamGaugeDisconnected
	}
}

var (
	// ErrLivenessTimeout means no message arrived within the liveness window
	ErrLivenessTimeout = errors.New("stream liveness timeout")
	// ErrStreamClosed means the transport ended the session
	ErrStreamClosed = errors.New("stream closed by server")
	// ErrServerError wraps an error message pushed by the server
	ErrServerError = errors.New("stream error event")
	// ErrFailed is returned by Connect while the connection is failed
	ErrFailed = errors.New("stream connection failed; reset required")
)

// Change describes one state transition
type Change struct {
	From    State     `json:"from"`
	To      State     `json:"to"`
	Attempt int       `json:"attempt"`
	Err     error     `json:"-"`
	At      time.Time `json:"at"`
}

// Config controls reconnection and liveness
type Config struct {
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"`
	Backoff              bool          `yaml:"backoff"`
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay"`
	LivenessTimeout      time.Duration `yaml:"liveness_timeout"`
}

// DefaultConfig returns 5 attempts, 5s apart doubling up to 60s, and a 45s liveness window
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		ReconnectDelay:       5 * time.Second,
		Backoff:              true,
		MaxReconnectDelay:    60 * time.Second,
		LivenessTimeout:      45 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = c.ReconnectDelay
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = def.LivenessTimeout
	}
	return c
}

// Stats is a snapshot of connection counters
type Stats struct {
	State            State     `json:"state"`
	Attempts         int       `json:"attempts"`
	ConnectionID     string    `json:"connection_id,omitempty"`
	Dials            int64     `json:"dials"`
	MessagesReceived int64     `json:"messages_received"`
	UpdatesApplied   int64     `json:"updates_applied"`
	UpdatesRejected  int64     `json:"updates_rejected"`
	LastMessageAt    time.Time `json:"last_message_at,omitzero"`
	LastError        string    `json:"last_error,omitempty"`
}
