package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Rajchodisetti/portfolio-sync/internal/admin"
	"github.com/Rajchodisetti/portfolio-sync/internal/api"
	"github.com/Rajchodisetti/portfolio-sync/internal/apierr"
	"github.com/Rajchodisetti/portfolio-sync/internal/auth"
	"github.com/Rajchodisetti/portfolio-sync/internal/config"
	"github.com/Rajchodisetti/portfolio-sync/internal/connectivity"
	"github.com/Rajchodisetti/portfolio-sync/internal/marketdata"
	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
	"github.com/Rajchodisetti/portfolio-sync/internal/portfolio"
	"github.com/Rajchodisetti/portfolio-sync/internal/prices"
	"github.com/Rajchodisetti/portfolio-sync/internal/retry"
	"github.com/Rajchodisetti/portfolio-sync/internal/transport"
	"github.com/Rajchodisetti/portfolio-sync/internal/ttlcache"
)

var version = "dev"

func main() {
	var cfgPath, addr string
	flag.StringVar(&cfgPath, "config", "", "config path (defaults apply when empty)")
	flag.StringVar(&addr, "addr", "", "listen address (overrides config)")
	flag.Parse()

	cfg := config.Default()
	if cfgPath != "" {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			observ.Log("config_error", map[string]any{"path": cfgPath, "error": err.Error()})
			os.Exit(1)
		}
	}
	if addr != "" {
		cfg.API.Addr = addr
	}
	observ.SetLevel(cfg.LogLevel)
	observ.SetVersion(version)
	logger := observ.Logger("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens := auth.FromConfig(cfg.Auth)
	online := connectivity.NewMonitor(true)
	if cfg.Connectivity.ProbeURL != "" {
		prober := &connectivity.Prober{URL: cfg.Connectivity.ProbeURL, Interval: cfg.Connectivity.ProbeInterval, Monitor: online}
		go prober.Run(ctx)
	}
	onUnauthorized := retry.WithUnauthorizedHandler(func(d apierr.Details) {
		observ.Log("credential_rejected", map[string]any{"status": d.Status, "message": d.Message})
	})

	book, err := portfolio.LoadFile(cfg.HoldingsPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.HoldingsPath).Msg("loading holdings")
	}
	prefs := config.LoadPreferences(cfg.PreferencesPath)

	var dialer transport.Dialer
	if cfg.Stream.Enabled {
		if dialer, err = transport.NewDialer(cfg.Stream.Dial, tokens); err != nil {
			logger.Fatal().Err(err).Msg("stream dialer")
		}
	}

	client := marketdata.NewClient(marketdata.ClientConfig{
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Prices.Timeout,
		RatePerSec: cfg.Prices.RatePerSec,
		Burst:      cfg.Prices.Burst,
	}, tokens)
	pollPolicy := retry.New(cfg.Retry, retry.WithName("prices.refresh"), retry.WithConnectivity(online), onUnauthorized)

	svc := marketdata.NewService(marketdata.ServiceConfig{
		Stream:     cfg.Stream.Reconnect,
		StaleAfter: cfg.Prices.StaleAfter,
		Realtime:   prefs.Realtime(),
	}, client, dialer, prices.NewStore(), book, pollPolicy, cfg.Prices.PollInterval)
	defer svc.Close()

	if err := svc.Watch(ctx, marketdata.Scope{PortfolioID: cfg.PortfolioID}); err != nil {
		logger.Warn().Err(err).Msg("initial stream connect")
	}
	detach := svc.Poller().Watch(ctx, online)
	defer detach()
	go svc.Run(ctx)

	opts := []api.Option{api.WithPreferencesPath(cfg.PreferencesPath)}
	if cfg.Admin.Enabled {
		adm := admin.NewClient(admin.Config{
			BaseURL:    cfg.BaseURL,
			Timeout:    cfg.Admin.Timeout,
			RatePerSec: cfg.Admin.RatePerSec,
			Burst:      cfg.Admin.Burst,
			PageSize:   cfg.Admin.PageSize,
			TTLs: admin.TTLs{
				ProviderStatus: cfg.Cache.ProviderStatus,
				SystemMetrics:  cfg.Cache.SystemMetrics,
				EntityDetail:   cfg.Cache.EntityDetail,
				Lists:          cfg.Cache.Lists,
			},
			Retry: cfg.Retry,
		}, tokens, ttlcache.New("admin"), retry.WithConnectivity(online), onUnauthorized)
		opts = append(opts, api.WithAdmin(adm))
	}

	observ.Log("startup", map[string]any{
		"version":      version,
		"portfolio_id": cfg.PortfolioID,
		"symbols":      svc.Symbols(),
		"stream":       cfg.Stream.Enabled,
		"transport":    cfg.Stream.Dial.Transport,
		"realtime":     svc.Realtime(),
		"admin":        cfg.Admin.Enabled,
		"addr":         cfg.API.Addr,
	})

	srv := api.New(ctx, svc, opts...)
	if err := srv.Run(ctx, cfg.API.Addr); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("api server stopped")
		os.Exit(1)
	}
	observ.Log("shutdown", map[string]any{"portfolio_id": cfg.PortfolioID})
}
