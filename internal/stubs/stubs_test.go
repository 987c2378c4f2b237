package stubs

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, ctx context.Context, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer test")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestPriceStreamServerAckThenSnapshot(t *testing.T) {
	book := NewPriceBook(map[string]float64{"AAA": 10, "BBB": 20})
	srv := httptest.NewServer(NewPriceStreamServer(book, 0))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp := get(t, ctx, srv.URL+"?symbols=aaa")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	sc := bufio.NewScanner(resp.Body)
	var data []string
	for sc.Scan() && len(data) < 2 {
		if line := sc.Text(); strings.HasPrefix(line, "data: ") {
			data = append(data, line)
		}
	}
	require.Len(t, data, 2)
	assert.Contains(t, data[0], `"type":"connection"`)
	assert.Contains(t, data[0], `"connection_id"`)
	assert.Contains(t, data[1], `"AAA"`)
	assert.NotContains(t, data[1], `"BBB"`)
}

func TestPriceStreamServerScriptedFailures(t *testing.T) {
	s := NewPriceStreamServer(NewPriceBook(nil), 0)
	srv := httptest.NewServer(s)
	defer srv.Close()
	s.FailNext(http.StatusServiceUnavailable)

	resp := get(t, context.Background(), srv.URL)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1, s.Dials())

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestPriceBookTimesIncrease(t *testing.T) {
	b := NewPriceBook(nil)
	q1 := b.Set("aaa", 1)
	q2 := b.Set("AAA", 2)
	assert.Equal(t, "AAA", q2.Symbol)
	assert.True(t, q2.At.After(q1.At))
	assert.Len(t, b.Quotes(nil), 1)
}

func TestAdminHandlerPaginates(t *testing.T) {
	h := NewAdminHandler(30)
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := get(t, ctx, srv.URL+"/api/admin/users?page=2&size=25")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Items []map[string]any `json:"items"`
		Total int              `json:"total"`
		Page  int              `json:"page"`
		Pages int              `json:"pages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Len(t, body.Items, 5)
	assert.Equal(t, 30, body.Total)
	assert.Equal(t, 2, body.Page)
	assert.Equal(t, 2, body.Pages)
	assert.Equal(t, 1, h.Hits("/api/admin/users"))
}
