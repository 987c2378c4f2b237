package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/portfolio-sync/internal/apierr"
	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
	"github.com/Rajchodisetti/portfolio-sync/internal/prices"
	"github.com/Rajchodisetti/portfolio-sync/internal/transport"
)

// PriceSink receives accepted price updates
type PriceSink interface {
	ApplyUpdate(e prices.Entry) bool
}

// Connection is the push connection for one subscription. A single
// dispatcher goroutine per session applies messages in arrival order.
//
// State machine:
//
//	disconnected -> connecting -> connected <-> reconnecting -> failed
//
// error is passed through after a failed dial before deciding whether to
// retry. failed is terminal until Reset.
type Connection struct {
	dialer transport.Dialer
	sub    transport.Subscription
	sink   PriceSink
	cfg    Config
	name   string
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	attempts  int
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
	stats     Stats
	listeners map[int]func(Change)
	nextID    int
}

// Option configures a Connection
type Option func(*Connection)

// WithName labels logs and the stream_state gauge
func WithName(name string) Option {
	return func(c *Connection) { c.name = name }
}

// WithLogger overrides the component logger
func WithLogger(l zerolog.Logger) Option {
	return func(c *Connection) { c.logger = l }
}

// WithClock replaces time.Now for message timestamps
func WithClock(now func() time.Time) Option {
	return func(c *Connection) { c.now = now }
}

// New creates a disconnected Connection
func New(dialer transport.Dialer, sub transport.Subscription, sink PriceSink, cfg Config, opts ...Option) *Connection {
	c := &Connection{
		dialer:    dialer,
		sub:       sub,
		sink:      sink,
		cfg:       cfg.withDefaults(),
		name:      "prices",
		logger:    observ.Logger("stream"),
		now:       time.Now,
		listeners: make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(c)
	}
	observ.SetGauge("stream_state", StateDisconnected.gauge(), map[string]string{"stream": c.name})
	return c
}

// Subscription returns the scope this connection serves
func (c *Connection) Subscription() transport.Subscription { return c.sub }

// State returns the current state
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of counters
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.State = c.state
	s.Attempts = c.attempts
	return s
}

// OnStateChange registers fn for every transition. Callbacks run on the
// goroutine that made the transition and must not block. The returned func
// unregisters.
func (c *Connection) OnStateChange(fn func(Change)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Connect starts the session loop. It is a no-op unless disconnected and
// returns ErrFailed while the connection is failed.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateFailed:
		c.mu.Unlock()
		return ErrFailed
	case StateDisconnected:
	default:
		c.mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.attempts = 0
	done := make(chan struct{})
	c.done = done
	change := c.transitionLocked(StateConnecting, nil)
	fns := c.listenersLocked()
	c.mu.Unlock()

	c.emit(fns, change)
	go func() {
		defer close(done)
		c.run(runCtx, gen)
	}()
	return nil
}

// Disconnect moves to disconnected at once from any state, cancelling the
// session and any pending reconnect. Late events from the old session are
// discarded.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.attempts = 0
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	change := c.transitionLocked(StateDisconnected, nil)
	fns := c.listenersLocked()
	c.mu.Unlock()
	c.emit(fns, change)
}

// Reset clears a failed (or any) state and connects again
func (c *Connection) Reset(ctx context.Context) error {
	c.Disconnect()
	c.logger.Info().Str("stream", c.name).Msg("stream reset")
	return c.Connect(ctx)
}

// Close disconnects and waits for the session goroutine to exit. It must not
// be called from an OnStateChange callback.
func (c *Connection) Close() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	c.Disconnect()
	if done != nil {
		<-done
	}
}

func (c *Connection) run(ctx context.Context, gen uint64) {
	b := c.newBackOff()

	for {
		ch, err := c.dialer.Dial(ctx, c.sub)
		c.mu.Lock()
		c.stats.Dials++
		c.mu.Unlock()
		observ.IncCounter("stream_dials_total", map[string]string{"stream": c.name})

		if err == nil {
			err = c.session(ctx, gen, ch, b)
		}
		if ctx.Err() != nil {
			c.detach(gen)
			return
		}

		delay, ok := c.fail(gen, err, b)
		if !ok {
			return
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			c.detach(gen)
			return
		case <-t.C:
		}
	}
}

// detach handles the caller's context ending without a Disconnect
func (c *Connection) detach(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.cancel = nil
	c.attempts = 0
	change := c.transitionLocked(StateDisconnected, nil)
	fns := c.listenersLocked()
	c.mu.Unlock()
	c.emit(fns, change)
}

// fail applies the reconnect rule after a dial or session failure. It
// returns the delay before the next attempt, or false when the loop must stop.
func (c *Connection) fail(gen uint64, err error, b backoff.BackOff) (time.Duration, bool) {
	retryable := apierr.Classify(err).Retryable ||
		errors.Is(err, ErrLivenessTimeout) ||
		errors.Is(err, ErrStreamClosed) ||
		errors.Is(err, ErrServerError)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return 0, false
	}
	c.stats.LastError = err.Error()

	var changes []Change
	if c.state != StateConnected {
		changes = append(changes, c.transitionLocked(StateError, err))
	}

	var delay time.Duration
	stop := false
	switch {
	case !retryable:
		changes = append(changes, c.transitionLocked(StateFailed, err))
		stop = true
	case c.attempts >= c.cfg.MaxReconnectAttempts:
		changes = append(changes, c.transitionLocked(StateFailed, err))
		stop = true
	default:
		c.attempts++
		delay = b.NextBackOff()
		changes = append(changes, c.transitionLocked(StateReconnecting, err))
	}
	attempts := c.attempts
	cancel := c.cancel
	if stop {
		c.cancel = nil
	}
	fns := c.listenersLocked()
	c.mu.Unlock()

	if stop {
		if cancel != nil {
			cancel()
		}
		c.logger.Error().Str("stream", c.name).Int("attempts", attempts).Err(err).Msg("stream failed")
	} else {
		observ.IncCounter("stream_reconnect_attempts_total", map[string]string{"stream": c.name})
		c.logger.Warn().Str("stream", c.name).Int("attempt", attempts).
			Str("delay", delay.String()).Err(err).Msg("stream reconnecting")
	}
	for _, ch := range changes {
		c.emit(fns, ch)
	}
	return delay, !stop
}

// session consumes one transport session until it ends, a liveness window
// passes without a message, or the server pushes an error.
func (c *Connection) session(ctx context.Context, gen uint64, ch <-chan transport.Message, b backoff.BackOff) error {
	liveness := time.NewTimer(c.cfg.LivenessTimeout)
	defer liveness.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-liveness.C:
			return ErrLivenessTimeout

		case m, ok := <-ch:
			if !ok {
				return ErrStreamClosed
			}
			if !liveness.Stop() {
				select {
				case <-liveness.C:
				default:
				}
			}
			liveness.Reset(c.cfg.LivenessTimeout)

			if err := c.dispatch(gen, m, b); err != nil {
				return err
			}
		}
	}
}

func (c *Connection) dispatch(gen uint64, m transport.Message, b backoff.BackOff) error {
	observ.IncCounter("stream_messages_total", map[string]string{"stream": c.name, "type": m.Type})

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return context.Canceled
	}
	c.stats.MessagesReceived++
	c.stats.LastMessageAt = c.now()
	state := c.state
	c.mu.Unlock()

	switch m.Type {
	case transport.TypeConnection:
		if !m.IsAck() || state == StateConnected {
			return nil
		}
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return context.Canceled
		}
		c.attempts = 0
		c.stats.ConnectionID = m.ConnectionID
		change := c.transitionLocked(StateConnected, nil)
		fns := c.listenersLocked()
		c.mu.Unlock()
		b.Reset()
		c.logger.Info().Str("stream", c.name).Str("connection_id", m.ConnectionID).Msg("stream connected")
		c.emit(fns, change)

	case transport.TypePriceUpdate:
		if state != StateConnected {
			observ.IncCounter("price_updates_rejected_total", map[string]string{"reason": "not_connected"})
			return nil
		}
		c.applyPrices(gen, m)

	case transport.TypeHeartbeat:
		// liveness only

	case transport.TypeError:
		return fmt.Errorf("%w: %s", ErrServerError, m.Message)

	default:
		c.logger.Debug().Str("stream", c.name).Str("type", m.Type).Msg("ignoring unknown message type")
	}
	return nil
}

func (c *Connection) applyPrices(gen uint64, m transport.Message) {
	received := c.now()
	var applied, rejected int64
	for sym, p := range m.Data {
		c.mu.Lock()
		live := gen == c.gen && c.state == StateConnected
		c.mu.Unlock()
		if !live {
			return
		}

		fetched := p.Timestamp.Time
		if fetched.IsZero() {
			fetched = m.Timestamp.Time
		}
		if fetched.IsZero() {
			fetched = received
		}
		ok := c.sink.ApplyUpdate(prices.Entry{
			Symbol:    sym,
			Price:     p.Price,
			Volume:    p.Volume,
			MarketCap: p.MarketCap,
			FetchedAt: fetched,
		})
		if ok {
			applied++
		} else {
			rejected++
		}
	}

	c.mu.Lock()
	c.stats.UpdatesApplied += applied
	c.stats.UpdatesRejected += rejected
	c.mu.Unlock()
}

func (c *Connection) newBackOff() backoff.BackOff {
	if !c.cfg.Backoff {
		return backoff.NewConstantBackOff(c.cfg.ReconnectDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = c.cfg.MaxReconnectDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Connection) transitionLocked(to State, err error) Change {
	ch := Change{From: c.state, To: to, Attempt: c.attempts, Err: err, At: c.now()}
	c.state = to
	observ.SetGauge("stream_state", to.gauge(), map[string]string{"stream": c.name})
	observ.Log("stream_state_change", map[string]any{
		"stream":  c.name,
		"from":    ch.From.String(),
		"to":      to.String(),
		"attempt": ch.Attempt,
	})
	return ch
}

func (c *Connection) listenersLocked() []func(Change) {
	fns := make([]func(Change), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func (c *Connection) emit(fns []func(Change), ch Change) {
	for _, fn := range fns {
		fn(ch)
	}
}
