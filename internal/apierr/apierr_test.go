package apierr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type offlineErr struct{}

func (offlineErr) Error() string { return "offline" }
func (offlineErr) Offline() bool { return true }

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		kind      Kind
		retryable bool
	}{
		{401, KindUnauthorized, false},
		{403, KindForbidden, false},
		{400, KindHTTP, false},
		{404, KindHTTP, false},
		{422, KindHTTP, false},
		{429, KindHTTP, true},
		{500, KindHTTP, true},
		{502, KindHTTP, true},
		{503, KindHTTP, true},
		{504, KindHTTP, true},
		{507, KindHTTP, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			d := Classify(&HTTPError{Status: tt.status, Body: `{"detail":"x"}`})
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.retryable, d.Retryable)
			assert.Equal(t, tt.status, d.Status)
		})
	}
}

func TestClassifyWrappedHTTPError(t *testing.T) {
	err := fmt.Errorf("fetch users: %w", &HTTPError{Status: 503})
	d := Classify(err)
	assert.Equal(t, KindHTTP, d.Kind)
	assert.True(t, d.Retryable)
	assert.Equal(t, "Service temporarily unavailable", d.Message)
}

func TestClassifyNonHTTP(t *testing.T) {
	dnsErr := &net.DNSError{Err: "no such host", Name: "api.invalid"}
	tests := []struct {
		name      string
		err       error
		kind      Kind
		retryable bool
		canceled  bool
		offline   bool
	}{
		{"abort", context.Canceled, KindNetwork, true, true, false},
		{"timeout", context.DeadlineExceeded, KindNetwork, true, false, false},
		{"dns", dnsErr, KindNetwork, true, false, false},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("connection refused")}, KindNetwork, true, false, false},
		{"no credential", fmt.Errorf("token: %w", ErrNoCredential), KindUnauthorized, false, false, false},
		{"offline", fmt.Errorf("run: %w", offlineErr{}), KindNetwork, true, false, true},
		{"unknown", errors.New("boom"), KindUnknown, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.err)
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.retryable, d.Retryable)
			assert.Equal(t, tt.canceled, d.Canceled)
			assert.Equal(t, tt.offline, d.Offline)
			assert.Equal(t, !tt.canceled, d.Surfaced())
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	now = func() time.Time { return fixed }
	defer func() { now = time.Now }()

	err := &HTTPError{Status: 429}
	a, b := Classify(err), Classify(err)
	assert.Equal(t, a, b)
	assert.Equal(t, fixed, a.Timestamp)
}

func TestUserMessageDiffersFromRawError(t *testing.T) {
	err := &HTTPError{Status: 429, URL: "http://api/prices"}
	d := Classify(err)
	assert.Equal(t, "Too many requests, please wait and try again", d.Message)
	assert.NotEqual(t, err.Error(), d.Message)
	assert.ErrorIs(t, d, err)
}
