package observ

import (
	"encoding/json"
	"net/http"
	"time"
)

// Stream state gauge values. Kept in sync with stream.State ordering.
const (
	StreamGaugeDisconnected = 0
	StreamGaugeConnecting   = 1
	StreamGaugeConnected    = 2
	StreamGaugeReconnecting = 3
	StreamGaugeError        = 4
	StreamGaugeFailed       = 5
)

// HealthStatus represents overall sync-layer health
type HealthStatus struct {
	Status    string         `json:"status"`    // "healthy", "degraded", "failed"
	Timestamp string         `json:"timestamp"` // ISO 8601
	Uptime    string         `json:"uptime"`
	Version   string         `json:"version"`
	Metrics   HealthMetrics  `json:"metrics"`
	Details   map[string]any `json:"details"`
}

// HealthMetrics holds the numbers the status is derived from
type HealthMetrics struct {
	FreshnessP95Ms   int64   `json:"freshness_p95_ms"`
	FetchErrorRate   float64 `json:"fetch_error_rate"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
	StreamsFailed    int     `json:"streams_failed"`
	StreamsDegraded  int     `json:"streams_degraded"`
	StreamsConnected int     `json:"streams_connected"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// HealthHandler reports overall health: 200 healthy, 206 degraded, 503 failed.
func HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := CurrentHealth()

		statusCode := http.StatusOK
		switch health.Status {
		case "degraded":
			statusCode = http.StatusPartialContent
		case "failed":
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(health)
	})
}

// CurrentHealth computes the health report from the registry.
func CurrentHealth() HealthStatus {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	m := calculateHealthMetrics()
	status := "healthy"
	switch {
	case m.StreamsFailed > 0 && m.StreamsConnected == 0:
		status = "failed"
	case m.StreamsFailed > 0 || m.StreamsDegraded > 0 || m.FetchErrorRate > 0.1:
		status = "degraded"
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Uptime:    time.Since(startTime).String(),
		Version:   version,
		Metrics:   m,
		Details: map[string]any{
			"stream_states": copyGauges("stream_state"),
			"cache_entries": copyGauges("ttl_cache_entries"),
		},
	}
}

func calculateHealthMetrics() HealthMetrics {
	var m HealthMetrics

	var samples []float64
	for _, s := range reg.hist["price_freshness_ms"] {
		samples = append(samples, s...)
	}
	m.FreshnessP95Ms = int64(percentile(samples, 0.95))

	requests := sumCounter("fetch_requests_total")
	if requests > 0 {
		m.FetchErrorRate = float64(sumCounter("fetch_errors_total")) / float64(requests)
	}

	hits, misses := sumCounter("ttl_cache_hit_total"), sumCounter("ttl_cache_miss_total")
	if hits+misses > 0 {
		m.CacheHitRate = float64(hits) / float64(hits+misses)
	}

	for _, v := range reg.gauges["stream_state"] {
		switch int(v) {
		case StreamGaugeFailed:
			m.StreamsFailed++
		case StreamGaugeReconnecting, StreamGaugeError:
			m.StreamsDegraded++
		case StreamGaugeConnected:
			m.StreamsConnected++
		}
	}
	return m
}

func copyGauges(name string) map[string]float64 {
	out := make(map[string]float64, len(reg.gauges[name]))
	for k, v := range reg.gauges[name] {
		out[k] = v
	}
	return out
}

// Simple health handler (liveness)
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
