// Package api is the dashboard-facing HTTP surface: portfolio valuation,
// price lookups, stream controls, admin reads and a WebSocket feed of live
// prices and stream state.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/portfolio-sync/internal/admin"
	"github.com/Rajchodisetti/portfolio-sync/internal/apierr"
	"github.com/Rajchodisetti/portfolio-sync/internal/config"
	"github.com/Rajchodisetti/portfolio-sync/internal/marketdata"
	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
	"github.com/Rajchodisetti/portfolio-sync/internal/prices"
	"github.com/Rajchodisetti/portfolio-sync/internal/retry"
	"github.com/Rajchodisetti/portfolio-sync/internal/stream"
)

// Server serves the dashboard API
type Server struct {
	ctx       context.Context
	svc       *marketdata.Service
	admin     *admin.Client
	prefsPath string
	engine    *gin.Engine
	hub       *hub
	logger    zerolog.Logger
	unsubs    []func()
}

// Option configures a Server
type Option func(*Server)

// WithAdmin mounts the admin read routes
func WithAdmin(c *admin.Client) Option {
	return func(s *Server) { s.admin = c }
}

// WithPreferencesPath persists realtime toggles to the preference blob
func WithPreferencesPath(path string) Option {
	return func(s *Server) { s.prefsPath = path }
}

// WithLogger overrides the component logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds the router and starts the WebSocket hub. ctx bounds the hub,
// the WebSocket clients and any scope switched to through the API.
func New(ctx context.Context, svc *marketdata.Service, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		ctx:    ctx,
		svc:    svc,
		engine: gin.New(),
		logger: observ.Logger("api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.hub = newHub(s.snapshotEvent)
	go s.hub.run(ctx)

	s.unsubs = append(s.unsubs,
		svc.Store().Subscribe(func(e prices.Entry) {
			s.hub.publish(Event{Type: EventPrice, Price: &e, At: time.Now().UTC()})
		}),
		svc.OnStateChange(func(ch stream.Change) {
			ev := &StateEvent{From: ch.From, To: ch.To, Attempt: ch.Attempt}
			if ch.Err != nil {
				ev.Error = ch.Err.Error()
			}
			s.hub.publish(Event{Type: EventState, State: ev, At: ch.At})
		}),
	)

	s.engine.Use(gin.Recovery(), s.requestLog(), cors())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", gin.WrapH(observ.HealthHandler()))
	s.engine.GET("/metrics", gin.WrapH(observ.Handler()))

	api := s.engine.Group("/api")
	api.GET("/portfolio", s.getPortfolio)
	api.GET("/prices", s.listPrices)
	api.GET("/prices/:symbol", s.getPrice)
	api.POST("/prices/refresh", s.refreshPrices)
	api.GET("/stream", s.getStream)
	api.POST("/stream/realtime", s.setRealtime)
	api.POST("/stream/reset", s.resetStream)
	api.PUT("/scope", s.putScope)
	api.GET("/ws", s.handleWebSocket)

	if s.admin != nil {
		adm := api.Group("/admin")
		adm.GET("/providers", s.adminProviders)
		adm.GET("/system", s.adminSystem)
		adm.GET("/users", s.adminUsers)
		adm.GET("/users/:id", s.adminUser)
		adm.GET("/audit-logs", s.adminAudit)
	}
}

// Handler exposes the router
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx ends, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close detaches from the service
func (s *Server) Close() {
	for _, fn := range s.unsubs {
		fn()
	}
	s.unsubs = nil
}

func (s *Server) snapshotEvent() Event {
	pf := s.svc.Portfolio()
	return Event{Type: EventSnapshot, Portfolio: &pf, At: time.Now().UTC()}
}

func (s *Server) getPortfolio(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Portfolio())
}

type priceView struct {
	prices.Entry
	Stale bool `json:"stale"`
}

func (s *Server) listPrices(c *gin.Context) {
	now := time.Now()
	snap := s.svc.Store().Snapshot()
	out := make(map[string]priceView, len(snap))
	for sym, e := range snap {
		out[sym] = priceView{Entry: e, Stale: prices.Stale(e, now, s.svc.StaleAfter())}
	}
	c.JSON(http.StatusOK, gin.H{"prices": out})
}

func (s *Server) getPrice(c *gin.Context) {
	sym := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	e, ok := s.svc.Store().Get(sym)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no price for " + sym})
		return
	}
	c.JSON(http.StatusOK, priceView{Entry: e, Stale: prices.Stale(e, time.Now(), s.svc.StaleAfter())})
}

func (s *Server) refreshPrices(c *gin.Context) {
	summary, err := s.svc.Refresh(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) getStream(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":    s.svc.ConnectionState(),
		"realtime": s.svc.Realtime(),
		"scope":    s.svc.Scope(),
		"stats":    s.svc.StreamStats(),
		"poller":   s.svc.Poller().Result(),
	})
}

func (s *Server) setRealtime(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": `body must be {"enabled": true|false}`})
		return
	}
	if err := s.svc.SetRealtime(*req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	if s.prefsPath != "" {
		mode := config.ModeStatic
		if *req.Enabled {
			mode = config.ModeRealtime
		}
		if err := config.SavePreferences(s.prefsPath, config.Preferences{Mode: mode}); err != nil {
			s.logger.Warn().Err(err).Str("path", s.prefsPath).Msg("saving preferences failed")
		}
	}
	c.JSON(http.StatusOK, gin.H{"realtime": s.svc.Realtime(), "state": s.svc.ConnectionState()})
}

func (s *Server) resetStream(c *gin.Context) {
	if err := s.svc.ResetStream(); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": s.svc.ConnectionState()})
}

func (s *Server) putScope(c *gin.Context) {
	var scope marketdata.Scope
	if err := c.ShouldBindJSON(&scope); err != nil || scope.PortfolioID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "portfolio_id is required"})
		return
	}
	if err := s.svc.Watch(s.ctx, scope); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.svc.Scope())
}

// writeError renders a classified failure. Upstream failures map to 502,
// a stream that gave up maps to 409.
func writeError(c *gin.Context, err error) {
	if errors.Is(err, stream.ErrFailed) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	d := retry.AsFailure(err).Details
	status := http.StatusBadGateway
	switch {
	case d.Canceled:
		status = 499
	case d.Offline:
		status = http.StatusServiceUnavailable
	case d.Kind == apierr.KindUnauthorized:
		status = http.StatusUnauthorized
	case d.Kind == apierr.KindForbidden:
		status = http.StatusForbidden
	case d.Kind == apierr.KindHTTP && d.Status == http.StatusNotFound:
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": d})
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		observ.RecordDuration("api_request_ms", time.Since(start), map[string]string{"route": route})
		s.logger.Debug().Str("method", c.Request.Method).Str("route", route).
			Int("status", c.Writer.Status()).Dur("took", time.Since(start)).Msg("request")
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "http://127.0.0.1:") {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
