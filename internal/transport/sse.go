package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/portfolio-sync/internal/apierr"
	"github.com/Rajchodisetti/portfolio-sync/internal/auth"
	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
)

const maxEventSize = 1 << 20

// SSEDialer opens text/event-stream sessions. Comment lines are the
// server's keep-alive and are delivered as heartbeat messages.
type SSEDialer struct {
	cfg    Config
	tokens auth.TokenSource
	client *http.Client
	logger zerolog.Logger
}

// NewSSEDialer creates an SSE dialer. tokens may be nil for unauthenticated streams.
func NewSSEDialer(cfg Config, tokens auth.TokenSource) *SSEDialer {
	cfg = cfg.withDefaults()
	return &SSEDialer{
		cfg:    cfg,
		tokens: tokens,
		// no client timeout: the session is long-lived and bounded by ctx
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: cfg.DialTimeout,
			},
		},
		logger: observ.Logger("transport.sse"),
	}
}

// Dial connects and starts consuming events
func (d *SSEDialer) Dial(ctx context.Context, sub Subscription) (<-chan Message, error) {
	u := strings.TrimRight(d.cfg.BaseURL, "/") + d.cfg.Path
	if q := sub.query().Encode(); q != "" {
		u += "?" + q
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if d.tokens != nil {
		bearer, err := auth.Bearer(ctx, d.tokens)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", bearer)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &apierr.HTTPError{Status: resp.StatusCode, Body: string(body), URL: u}
	}

	d.logger.Debug().Str("url", u).Msg("stream opened")

	out := make(chan Message, d.cfg.MaxChannelBuffer)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		if err := d.processEventStream(ctx, resp.Body, out); err != nil && ctx.Err() == nil {
			d.logger.Debug().Err(err).Msg("stream ended")
		}
	}()
	return out, nil
}

// processEventStream reads and parses SSE events from the response body
func (d *SSEDialer) processEventStream(ctx context.Context, body io.Reader, out chan<- Message) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var eventType string
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, ":") {
			if !send(ctx, out, Message{Type: TypeHeartbeat}) {
				return ctx.Err()
			}
			continue
		}

		if line == "" {
			// end of event
			if data.Len() > 0 {
				m, err := decodeMessage([]byte(data.String()), eventType)
				if err != nil {
					observ.IncCounter("stream_messages_invalid_total", nil)
					d.logger.Warn().Err(err).Msg("dropping malformed event")
				} else if !send(ctx, out, m) {
					return ctx.Err()
				}
			}
			eventType = ""
			data.Reset()
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
		case "data":
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(value)
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
