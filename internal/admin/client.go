// Package admin reads the admin and system-metrics REST endpoints. Reads are
// cached per resource with their own TTL and retried under a bounded policy;
// writes invalidate the cached reads they affect.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/portfolio-sync/internal/apierr"
	"github.com/Rajchodisetti/portfolio-sync/internal/auth"
	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
	"github.com/Rajchodisetti/portfolio-sync/internal/retry"
	"github.com/Rajchodisetti/portfolio-sync/internal/ttlcache"
)

// TTLs per resource kind
type TTLs struct {
	ProviderStatus time.Duration
	SystemMetrics  time.Duration
	EntityDetail   time.Duration
	Lists          time.Duration
}

func (t TTLs) withDefaults() TTLs {
	if t.ProviderStatus <= 0 {
		t.ProviderStatus = ttlcache.TTLProviderStatus
	}
	if t.SystemMetrics <= 0 {
		t.SystemMetrics = ttlcache.TTLSystemMetrics
	}
	if t.EntityDetail <= 0 {
		t.EntityDetail = ttlcache.TTLEntityDetail
	}
	if t.Lists <= 0 {
		t.Lists = ttlcache.TTLList
	}
	return t
}

// Config holds configuration for the admin client
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	PageSize   int
	TTLs       TTLs
	Retry      retry.Config
}

// Client is the admin REST client
type Client struct {
	baseURL     string
	tokens      auth.TokenSource
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	cache       *ttlcache.Cache
	ttls        TTLs
	pageSize    int
	retryCfg    retry.Config
	retryOpts   []retry.Option
	logger      zerolog.Logger
}

// NewClient creates an admin client reading through cache. retryOpts apply
// to every per-call policy (connectivity, sleep, unauthorized handler).
func NewClient(cfg Config, tokens auth.TokenSource, cache *ttlcache.Cache, retryOpts ...retry.Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25
	}
	if cache == nil {
		cache = ttlcache.New("admin")
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		tokens:      tokens,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		cache:       cache,
		ttls:        cfg.TTLs.withDefaults(),
		pageSize:    cfg.PageSize,
		retryCfg:    cfg.Retry,
		retryOpts:   retryOpts,
		logger:      observ.Logger("admin"),
	}
}

// Cache exposes the response cache
func (c *Client) Cache() *ttlcache.Cache { return c.cache }

func (c *Client) policy(op string) *retry.Policy {
	opts := append([]retry.Option{retry.WithName(op)}, c.retryOpts...)
	return retry.New(c.retryCfg, opts...)
}

// cachedGet serves resource from the cache or loads it. A nil policy loads
// with a single attempt, for callers that run their own policy around it.
// Errors are never cached.
func cachedGet[T any](ctx context.Context, c *Client, p *retry.Policy, resource string, params any, ttl time.Duration, path string, q url.Values) (T, error) {
	key := ttlcache.Key(resource, params)
	fetch := func(ctx context.Context) (T, error) {
		var out T
		err := c.do(ctx, http.MethodGet, path, q, nil, &out)
		return out, err
	}
	return ttlcache.GetOrLoad(ctx, c.cache, key, ttl, func(ctx context.Context) (T, error) {
		if p == nil {
			return fetch(ctx)
		}
		return retry.Do(ctx, p, fetch)
	})
}

// do performs one request. out may be nil for empty replies.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body any, out any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}

	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	bearer, err := auth.Bearer(ctx, c.tokens)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", bearer)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	observ.RecordDuration("admin_request_ms", time.Since(start), map[string]string{"method": method})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apierr.HTTPError{Status: resp.StatusCode, Body: string(raw), URL: req.URL.String()}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
