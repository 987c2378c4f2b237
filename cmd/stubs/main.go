package main

import (
	"context"
	"flag"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
	"github.com/Rajchodisetti/portfolio-sync/internal/stubs"
)

func health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func main() {
	var addr string
	var tick, heartbeat time.Duration
	var users int
	flag.StringVar(&addr, "addr", ":8091", "listen address")
	flag.DurationVar(&tick, "tick", 2*time.Second, "interval between price moves")
	flag.DurationVar(&heartbeat, "heartbeat", 15*time.Second, "stream heartbeat interval")
	flag.IntVar(&users, "users", 40, "seeded admin users")
	flag.Parse()

	logger := observ.Logger("stubs")
	seed := map[string]float64{"AAPL": 189.5, "MSFT": 415.2, "NVDA": 880.1, "AMZN": 178.3, "GOOGL": 152.6}
	book := stubs.NewPriceBook(seed)
	streamSrv := stubs.NewPriceStreamServer(book, heartbeat)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", health)
	mux.Handle("/api/market-data/stream", streamSrv)
	mux.Handle("/api/market-data/prices", stubs.NewPriceHandler(book))
	mux.Handle("/api/admin/", stubs.NewAdminHandler(users))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// random walk so the stream has something to say
	go func() {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				for _, q := range book.Quotes(nil) {
					if rand.Float64() < 0.5 {
						continue
					}
					move := 1 + (rand.Float64()-0.5)/50
					streamSrv.Publish(q.Symbol, q.Price*move)
				}
			}
		}
	}()

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()

	logger.Info().Str("addr", addr).Msg("stubs listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("stubs server")
	}
}
