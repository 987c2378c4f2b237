// Package retry runs operations with bounded exponential backoff. Only
// failures classified retryable are retried; everything else fails on the
// first attempt.
package retry

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
)

// TerminalMessage replaces the per-attempt message once attempts run out
const TerminalMessage = "Unable to connect after multiple attempts"

var (
	// ErrExhausted is wrapped by a Failure whose attempts ran out
	ErrExhausted = errors.New("retry attempts exhausted")

	// ErrOffline is reported when an attempt is skipped because the network is down
	ErrOffline error = offlineError{}
)

type offlineError struct{}

func (offlineError) Error() string { return "network offline" }
func (offlineError) Offline() bool { return true }

// Config defines retry configuration
type Config struct {
	MaxAttempts int           `yaml:"max_attempts"` // total tries, initial one included
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// DefaultConfig returns 3 attempts with 1s, 2s delays
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Failure is the error returned by Do. Details is the user-facing classification.
type Failure struct {
	Details   apierr.Details
	Attempts  int
	Exhausted bool
}

func (f *Failure) Error() string {
	if f.Details.Cause != nil {
		return fmt.Sprintf("%s: %v", f.Details.Message, f.Details.Cause)
	}
	return f.Details.Message
}

func (f *Failure) Unwrap() []error {
	if f.Exhausted {
		return []error{ErrExhausted, f.Details}
	}
	return []error{f.Details}
}

// AsFailure extracts the Failure from err, classifying foreign errors on the fly.
func AsFailure(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Details: apierr.Classify(err), Attempts: 1}
}

// the MaxDelay derived when none is configured never exceeds this
const (
	maxFallbackDelay = 30 * time.Second
	maxShift         = 32
)

// Connectivity is the online signal consulted before each attempt
type Connectivity interface {
	Online() bool
}

// State is the observable retry state
type State struct {
	Attempt        int             `json:"attempt"`
	Pending        bool            `json:"pending"`
	CanManualRetry bool            `json:"can_manual_retry"`
	Offline        bool            `json:"offline"`
	LastError      *apierr.Details `json:"last_error,omitempty"`
}

// Policy performs bounded retries. State is shared by all runs on the same
// Policy, so give each independently observed operation its own instance.
type Policy struct {
	cfg            Config
	name           string
	onUnauthorized func(apierr.Details)
	conn           Connectivity
	sleep          func(ctx context.Context, d time.Duration) error
	logger         zerolog.Logger

	mu    sync.Mutex
	state State
	run   uint64
}

// Option configures a Policy
type Option func(*Policy)

// WithName labels metrics and logs
func WithName(name string) Option {
	return func(p *Policy) { p.name = name }
}

// WithUnauthorizedHandler is invoked once per Unauthorized failure, e.g. to redirect to login
func WithUnauthorizedHandler(fn func(apierr.Details)) Option {
	return func(p *Policy) { p.onUnauthorized = fn }
}

// WithConnectivity skips attempts while offline
func WithConnectivity(c Connectivity) Option {
	return func(p *Policy) { p.conn = c }
}

// WithSleep replaces the delay function. Tests use it to record delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) { p.sleep = fn }
}

// WithLogger overrides the component logger
func WithLogger(l zerolog.Logger) Option {
	return func(p *Policy) { p.logger = l }
}

// New creates a Policy, filling zero config values with defaults
func New(cfg Config, opts ...Option) *Policy {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = maxFallbackDelay
		if cfg.MaxAttempts <= maxShift && cfg.BaseDelay <= maxFallbackDelay>>(cfg.MaxAttempts-1) {
			cfg.MaxDelay = cfg.BaseDelay << (cfg.MaxAttempts - 1)
		}
		if cfg.MaxDelay < cfg.BaseDelay {
			cfg.MaxDelay = cfg.BaseDelay
		}
	}

	p := &Policy{
		cfg:    cfg,
		name:   "default",
		sleep:  sleepContext,
		logger: observ.Logger("retry"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration
func (p *Policy) Config() Config { return p.cfg }

// State returns a snapshot of the observable state
func (p *Policy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Run is Do for operations without a result
func (p *Policy) Run(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Do runs op until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. The delay before retry n is BaseDelay*2^(n-1).
func Do[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	b := p.newBackOff()
	run := p.begin()

	for attempt := 1; ; attempt++ {
		if p.offline() {
			return zero, p.failOffline(run, attempt-1)
		}

		p.update(run, func(s *State) {
			s.Attempt = attempt
			s.Pending = false
		})
		observ.IncCounter("retry_attempts_total", map[string]string{"op": p.name})
		observ.IncCounter("fetch_requests_total", map[string]string{"op": p.name})

		v, err := op(ctx)
		if err == nil {
			p.update(run, func(s *State) { *s = State{} })
			return v, nil
		}

		if ctx.Err() != nil {
			err = ctx.Err()
		}
		d := apierr.Classify(err)
		observ.IncCounter("fetch_errors_total", map[string]string{"op": p.name, "kind": string(d.Kind)})

		switch {
		case d.Canceled:
			// superseded or torn down; nothing to surface
			p.update(run, func(s *State) {
				s.Attempt = 0
				s.Pending = false
			})
			return zero, &Failure{Details: d, Attempts: attempt}

		case d.Kind == apierr.KindUnauthorized:
			p.fail(run, d)
			p.logger.Warn().Str("op", p.name).Int("status", d.Status).Msg("unauthorized, not retrying")
			if p.onUnauthorized != nil {
				p.onUnauthorized(d)
			}
			return zero, &Failure{Details: d, Attempts: attempt}

		case !d.Retryable:
			p.fail(run, d)
			p.logger.Warn().Str("op", p.name).Str("kind", string(d.Kind)).Int("status", d.Status).
				Err(err).Msg("non-retryable failure")
			return zero, &Failure{Details: d, Attempts: attempt}
		}

		if attempt >= p.cfg.MaxAttempts {
			terminal := d
			terminal.Message = TerminalMessage
			p.update(run, func(s *State) {
				s.Attempt = 0
				s.Pending = false
				s.CanManualRetry = true
				s.LastError = &terminal
			})
			observ.IncCounter("retry_exhausted_total", map[string]string{"op": p.name})
			p.logger.Error().Str("op", p.name).Int("attempts", attempt).Err(err).Msg("retries exhausted")
			return zero, &Failure{Details: terminal, Attempts: attempt, Exhausted: true}
		}

		if p.offline() {
			return zero, p.failOffline(run, attempt)
		}

		delay := b.NextBackOff()
		p.update(run, func(s *State) { s.Pending = true })
		p.logger.Debug().Str("op", p.name).Int("attempt", attempt).
			Str("delay", delay.String()).Err(err).Msg("retrying")

		if err := p.sleep(ctx, delay); err != nil {
			d := apierr.Classify(err)
			p.update(run, func(s *State) {
				s.Attempt = 0
				s.Pending = false
			})
			return zero, &Failure{Details: d, Attempts: attempt}
		}
	}
}

// Delay returns the backoff delay before retry n (n >= 1)
func (p *Policy) Delay(n int) time.Duration {
	b := p.newBackOff()
	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p *Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.cfg.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (p *Policy) offline() bool {
	return p.conn != nil && !p.conn.Online()
}

func (p *Policy) failOffline(run uint64, attempts int) *Failure {
	d := apierr.Classify(ErrOffline)
	p.update(run, func(s *State) {
		s.Attempt = 0
		s.Pending = false
		s.Offline = true
		s.CanManualRetry = true
		s.LastError = &d
	})
	p.logger.Warn().Str("op", p.name).Msg("offline, attempt skipped")
	return &Failure{Details: d, Attempts: attempts}
}

func (p *Policy) fail(run uint64, d apierr.Details) {
	p.update(run, func(s *State) {
		s.Attempt = 0
		s.Pending = false
		s.CanManualRetry = false
		s.LastError = &d
	})
}

// begin claims the observable state for a new run. Older runs still in
// flight keep going but no longer write state.
func (p *Policy) begin() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.run++
	return p.run
}

func (p *Policy) update(run uint64, fn func(s *State)) {
	p.mu.Lock()
	if run != p.run {
		p.mu.Unlock()
		return
	}
	fn(&p.state)
	if p.conn != nil {
		p.state.Offline = !p.conn.Online()
	}
	attempt := p.state.Attempt
	p.mu.Unlock()
	observ.SetGauge("retry_attempt", float64(attempt), map[string]string{"op": p.name})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
