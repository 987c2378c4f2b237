package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/portfolio-sync/internal/apierr"
	"github.com/Rajchodisetti/portfolio-sync/internal/auth"
)

func TestTimestampFormats(t *testing.T) {
	want := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   string
	}{
		{"rfc3339", `"2024-03-01T14:30:00Z"`},
		{"rfc3339 offset", `"2024-03-01T09:30:00-05:00"`},
		{"epoch seconds", fmt.Sprint(want.Unix())},
		{"epoch millis", fmt.Sprint(want.UnixMilli())},
		{"epoch string", fmt.Sprintf(`"%d"`, want.UnixMilli())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(tt.in), &ts))
			assert.True(t, want.Equal(ts.Time), "got %s", ts.Time)
		})
	}

	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte(`null`), &ts))
	assert.True(t, ts.IsZero())
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

func TestDecodeMessage(t *testing.T) {
	m, err := decodeMessage([]byte(`{"type":"price_update","data":{"AAPL":{"price":189.5,"volume":1200,"timestamp":"2024-03-01T14:30:00Z"}}}`), "")
	require.NoError(t, err)
	assert.Equal(t, TypePriceUpdate, m.Type)
	require.Contains(t, m.Data, "AAPL")
	assert.Equal(t, 189.5, m.Data["AAPL"].Price)
	require.NotNil(t, m.Data["AAPL"].Volume)
	assert.Equal(t, 1200.0, *m.Data["AAPL"].Volume)

	m, err = decodeMessage([]byte(`{"status":"connected","connection_id":"c1"}`), TypeConnection)
	require.NoError(t, err)
	assert.True(t, m.IsAck())

	_, err = decodeMessage([]byte(`{"status":"connected"}`), "")
	assert.Error(t, err)
}

func sseServer(t *testing.T, write func(w http.ResponseWriter, flush func())) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "AAPL,MSFT", r.URL.Query().Get("symbols"))
		assert.Equal(t, "p1", r.URL.Query().Get("portfolio_id"))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		write(w, f.Flush)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, ch <-chan Message) []Message {
	t.Helper()
	var got []Message
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, m)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestSSEDialerParsesEvents(t *testing.T) {
	srv := sseServer(t, func(w http.ResponseWriter, flush func()) {
		fmt.Fprint(w, "data: {\"type\":\"connection\",\"status\":\"connected\",\"connection_id\":\"c1\"}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "event: price_update\n")
		fmt.Fprint(w, "data: {\"data\":{\"AAPL\":{\"price\":190.1,\n")
		fmt.Fprint(w, "data: \"timestamp\":1709303400000}}}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		flush()
	})

	d := NewSSEDialer(Config{BaseURL: srv.URL}, auth.StaticToken("secret"))
	ch, err := d.Dial(context.Background(), Subscription{PortfolioID: "p1", Symbols: []string{"AAPL", "MSFT"}})
	require.NoError(t, err)

	got := collect(t, ch)
	require.Len(t, got, 3)
	assert.True(t, got[0].IsAck())
	assert.Equal(t, "c1", got[0].ConnectionID)
	assert.Equal(t, TypeHeartbeat, got[1].Type)
	assert.Equal(t, TypePriceUpdate, got[2].Type)
	assert.Equal(t, 190.1, got[2].Data["AAPL"].Price)
	assert.Equal(t, int64(1709303400000), got[2].Data["AAPL"].Timestamp.UnixMilli())
}

func TestSSEDialerHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewSSEDialer(Config{BaseURL: srv.URL}, nil)
	_, err := d.Dial(context.Background(), Subscription{})
	require.Error(t, err)
	var httpErr *apierr.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusForbidden, httpErr.Status)
	assert.Equal(t, apierr.KindForbidden, apierr.Classify(err).Kind)
}

func TestSSEDialerMissingCredential(t *testing.T) {
	d := NewSSEDialer(Config{BaseURL: "http://127.0.0.1:1"}, auth.StaticToken(""))
	_, err := d.Dial(context.Background(), Subscription{})
	assert.ErrorIs(t, err, apierr.ErrNoCredential)
}

func TestSSEDialerCancel(t *testing.T) {
	release := make(chan struct{})
	srv := sseServer(t, func(w http.ResponseWriter, flush func()) {
		fmt.Fprint(w, ": hi\n\n")
		flush()
		<-release
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	d := NewSSEDialer(Config{BaseURL: srv.URL}, auth.StaticToken("secret"))
	ch, err := d.Dial(ctx, Subscription{PortfolioID: "p1", Symbols: []string{"AAPL", "MSFT"}})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, TypeHeartbeat, first.Type)
	cancel()
	collect(t, ch)
}

func TestWSDialer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		_ = conn.WriteJSON(Message{Type: TypeConnection, Status: StatusConnected, ConnectionID: "ws1"})
		_ = conn.WriteControl(websocket.PingMessage, []byte("p"), time.Now().Add(time.Second))
		_ = conn.WriteJSON(Message{Type: TypePriceUpdate, Data: map[string]PricePayload{"MSFT": {Price: 411}}})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	d, err := NewDialer(Config{BaseURL: srv.URL, Transport: "ws"}, auth.StaticToken("secret"))
	require.NoError(t, err)
	ch, err := d.Dial(context.Background(), Subscription{Symbols: []string{"MSFT"}})
	require.NoError(t, err)

	got := collect(t, ch)
	var types []string
	for _, m := range got {
		types = append(types, m.Type)
	}
	assert.Equal(t, []string{TypeConnection, TypeHeartbeat, TypePriceUpdate}, types)
	assert.Equal(t, 411.0, got[2].Data["MSFT"].Price)
}

func TestNewDialerUnknownTransport(t *testing.T) {
	_, err := NewDialer(Config{Transport: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}
