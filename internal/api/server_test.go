package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/portfolio-sync/internal/admin"
	"github.com/Rajchodisetti/portfolio-sync/internal/auth"
	"github.com/Rajchodisetti/portfolio-sync/internal/config"
	"github.com/Rajchodisetti/portfolio-sync/internal/marketdata"
	"github.com/Rajchodisetti/portfolio-sync/internal/portfolio"
	"github.com/Rajchodisetti/portfolio-sync/internal/prices"
	"github.com/Rajchodisetti/portfolio-sync/internal/retry"
	"github.com/Rajchodisetti/portfolio-sync/internal/stream"
	"github.com/Rajchodisetti/portfolio-sync/internal/stubs"
	"github.com/Rajchodisetti/portfolio-sync/internal/transport"
	"github.com/Rajchodisetti/portfolio-sync/internal/ttlcache"
)

type fixture struct {
	api       *httptest.Server
	svc       *marketdata.Service
	rest      *stubs.PriceHandler
	prefsPath string
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func noSleep(context.Context, time.Duration) error { return nil }

func newFixture(t *testing.T, realtime bool) *fixture {
	t.Helper()
	book := stubs.NewPriceBook(map[string]float64{"AAA": 80, "BBB": 30})
	rest := stubs.NewPriceHandler(book)
	mux := http.NewServeMux()
	mux.Handle("/api/market-data/prices", rest)
	mux.Handle("/api/market-data/stream", stubs.NewPriceStreamServer(book, 100*time.Millisecond))
	mux.Handle("/api/admin/", stubs.NewAdminHandler(3))
	upstream := httptest.NewServer(mux)
	t.Cleanup(upstream.Close)

	tokens := auth.StaticToken("t")
	dialer, err := transport.NewDialer(transport.Config{BaseURL: upstream.URL}, tokens)
	require.NoError(t, err)

	holdings := portfolio.NewBook()
	holdings.Set("p1", []prices.Holding{
		{Symbol: "AAA", Quantity: dec("10"), AvgCost: dec("50")},
		{Symbol: "BBB", Quantity: dec("5"), AvgCost: dec("100")},
	})
	policy := retry.New(retry.DefaultConfig(), retry.WithSleep(noSleep))
	svc := marketdata.NewService(marketdata.ServiceConfig{
		Stream:   stream.Config{ReconnectDelay: 10 * time.Millisecond, LivenessTimeout: 2 * time.Second},
		Realtime: realtime,
	}, marketdata.NewClient(marketdata.ClientConfig{BaseURL: upstream.URL}, tokens), dialer,
		prices.NewStore(), holdings, policy, time.Hour)
	t.Cleanup(svc.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, svc.Watch(ctx, marketdata.Scope{PortfolioID: "p1"}))

	adm := admin.NewClient(admin.Config{BaseURL: upstream.URL}, tokens, ttlcache.New("admin"), retry.WithSleep(noSleep))
	prefs := filepath.Join(t.TempDir(), "prefs.json")
	s := New(ctx, svc, WithAdmin(adm), WithPreferencesPath(prefs))
	t.Cleanup(s.Close)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{api: srv, svc: svc, rest: rest, prefsPath: prefs}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.api.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestPortfolioAfterRefresh(t *testing.T) {
	f := newFixture(t, false)

	status, body := f.do(t, http.MethodPost, "/api/prices/refresh", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["applied"])

	status, body = f.do(t, http.MethodGet, "/api/portfolio", "")
	require.Equal(t, http.StatusOK, status)
	totals := body["totals"].(map[string]any)
	// 10*80 + 5*30 = 950 against 1000 cost
	assert.Equal(t, "950", totals["market_value"])
	assert.Equal(t, "-50", totals["unrealized_gain"])
	assert.EqualValues(t, 2, totals["holdings_with_prices"])
}

func TestGetPrice(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.svc.Refresh(context.Background())
	require.NoError(t, err)

	status, body := f.do(t, http.MethodGet, "/api/prices/aaa", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "AAA", body["symbol"])
	assert.EqualValues(t, 80, body["price"])
	assert.Equal(t, false, body["stale"])

	status, _ = f.do(t, http.MethodGet, "/api/prices/ZZZ", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestRefreshErrorIsClassified(t *testing.T) {
	f := newFixture(t, false)
	f.rest.FailNext(http.StatusUnauthorized)

	status, body := f.do(t, http.MethodPost, "/api/prices/refresh", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	e := body["error"].(map[string]any)
	assert.Equal(t, "Unauthorized", e["kind"])
	assert.Equal(t, false, e["retryable"])
}

func TestRealtimeTogglePersistsPreference(t *testing.T) {
	f := newFixture(t, true)
	assert.Eventually(t, func() bool { return f.svc.ConnectionState() == stream.StateConnected },
		3*time.Second, 10*time.Millisecond)

	status, body := f.do(t, http.MethodPost, "/api/stream/realtime", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["realtime"])
	assert.Equal(t, "disconnected", body["state"])
	assert.Equal(t, config.ModeStatic, config.LoadPreferences(f.prefsPath).Mode)

	status, _ = f.do(t, http.MethodPost, "/api/stream/realtime", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodGet, "/api/stream", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "disconnected", body["state"])
	scope := body["scope"].(map[string]any)
	assert.Equal(t, "p1", scope["portfolio_id"])
}

func TestPutScope(t *testing.T) {
	f := newFixture(t, false)

	status, body := f.do(t, http.MethodPut, "/api/scope", `{"portfolio_id":"p1","symbols":["bbb"]}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []any{"BBB"}, body["symbols"])

	status, _ = f.do(t, http.MethodPut, "/api/scope", `{"symbols":["AAA"]}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t, false)

	status, body := f.do(t, http.MethodGet, "/api/admin/users?page=1&size=2&role=admin", "")
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["page"])
	for _, it := range body["items"].([]any) {
		assert.Equal(t, "admin", it.(map[string]any)["role"])
	}

	status, body = f.do(t, http.MethodGet, "/api/admin/users/user-1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "user-1", body["id"])

	status, _ = f.do(t, http.MethodGet, "/api/admin/users/nobody", "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = f.do(t, http.MethodGet, "/api/admin/providers", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["providers"], 2)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, false)

	resp, err := http.Get(f.api.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, []int{http.StatusOK, http.StatusPartialContent, http.StatusServiceUnavailable}, resp.StatusCode)

	resp, err = http.Get(f.api.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketSnapshotThenPrices(t *testing.T) {
	f := newFixture(t, false)

	url := "ws" + strings.TrimPrefix(f.api.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventSnapshot, ev.Type)
	require.NotNil(t, ev.Portfolio)
	assert.Len(t, ev.Portfolio.Holdings, 2)

	f.svc.Store().ApplyUpdate(prices.Entry{Symbol: "AAA", Price: 81, FetchedAt: time.Now()})
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, EventPrice, ev.Type)
	require.NotNil(t, ev.Price)
	assert.Equal(t, "AAA", ev.Price.Symbol)
	assert.Equal(t, 81.0, ev.Price.Price)
}

func TestWebSocketStateEvents(t *testing.T) {
	f := newFixture(t, false)

	url := "ws" + strings.TrimPrefix(f.api.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, EventSnapshot, ev.Type)

	require.NoError(t, f.svc.SetRealtime(true))
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, EventState, ev.Type)
	assert.Equal(t, stream.StateDisconnected, ev.State.From)
	assert.Equal(t, stream.StateConnecting, ev.State.To)
}
