package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
base_url: http://api.internal:9000
portfolio_id: growth
stream:
  transport: ws
  max_reconnect_attempts: 7
  liveness_timeout: 20s
retry:
  base_delay: 500ms
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "growth", c.PortfolioID)
	assert.True(t, c.Stream.Enabled)
	assert.Equal(t, "ws", c.Stream.Dial.Transport)
	assert.Equal(t, "http://api.internal:9000", c.Stream.Dial.BaseURL)
	assert.Equal(t, "/api/market-data/stream", c.Stream.Dial.Path)
	assert.Equal(t, 7, c.Stream.Reconnect.MaxReconnectAttempts)
	assert.Equal(t, 5*time.Second, c.Stream.Reconnect.ReconnectDelay)
	assert.True(t, c.Stream.Reconnect.Backoff)
	assert.Equal(t, 20*time.Second, c.Stream.Reconnect.LivenessTimeout)

	assert.Equal(t, 3, c.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, c.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, c.Retry.MaxDelay)

	assert.Equal(t, 30*time.Minute, c.Prices.StaleAfter)
	assert.Equal(t, 15*time.Minute, c.Prices.PollInterval)
	assert.Equal(t, 60*time.Second, c.Cache.ProviderStatus)
	assert.Equal(t, 30*time.Second, c.Cache.SystemMetrics)
	assert.Equal(t, 120*time.Second, c.Cache.EntityDetail)
	assert.Equal(t, 300*time.Millisecond, c.Admin.SearchDebounce)
	assert.Equal(t, ":8090", c.API.Addr)
}

func TestLoadCanDisableTrueDefaults(t *testing.T) {
	path := writeFile(t, "config.yaml", `
stream:
  enabled: false
  backoff: false
admin:
  enabled: false
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.False(t, c.Stream.Enabled)
	assert.False(t, c.Stream.Reconnect.Backoff)
	assert.False(t, c.Admin.Enabled)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "stream: [unclosed"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.True(t, c.Stream.Enabled)
	assert.Equal(t, "sse", c.Stream.Dial.Transport)
	assert.Equal(t, c.BaseURL, c.Stream.Dial.BaseURL)
}

func TestLoadPreferences(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantMode string
	}{
		{"static", `{"mode":"static","timestamp":1709303400000,"version":1}`, ModeStatic},
		{"realtime", `{"mode":"realtime","timestamp":1,"version":1}`, ModeRealtime},
		{"version mismatch", `{"mode":"static","timestamp":1,"version":2}`, ModeRealtime},
		{"unknown mode", `{"mode":"turbo","version":1}`, ModeRealtime},
		{"bad json", `{"mode":`, ModeRealtime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := LoadPreferences(writeFile(t, "prefs.json", tt.body))
			assert.Equal(t, tt.wantMode, p.Mode)
		})
	}

	p := LoadPreferences(filepath.Join(t.TempDir(), "absent.json"))
	assert.Equal(t, DefaultPreferences(), p)
	assert.True(t, p.Realtime())
}

func TestSavePreferencesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	require.NoError(t, SavePreferences(path, Preferences{Mode: ModeStatic}))

	p := LoadPreferences(path)
	assert.Equal(t, ModeStatic, p.Mode)
	assert.False(t, p.Realtime())
	assert.NotZero(t, p.Timestamp)
}
