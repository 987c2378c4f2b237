package observ

import (
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
)

// series maps a canonical label key to a value
type series[V any] map[string]V

type registry struct {
	mu       sync.Mutex
	counters map[string]series[int64]
	gauges   map[string]series[float64]
	hist     map[string]series[[]float64]
}

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{
		counters: map[string]series[int64]{},
		gauges:   map[string]series[float64]{},
		hist:     map[string]series[[]float64]{},
	}
}

// histogram samples kept per series; older samples are dropped first
const maxSamples = 2048

// canonLabels renders labels as k=v pairs in key order
func canonLabels(lbl map[string]string) string {
	if len(lbl) == 0 {
		return ""
	}
	parts := make([]string, 0, len(lbl))
	for _, k := range slices.Sorted(maps.Keys(lbl)) {
		parts = append(parts, k+"="+lbl[k])
	}
	return strings.Join(parts, ",")
}

func seriesFor[V any](m map[string]series[V], name string) series[V] {
	s, ok := m[name]
	if !ok {
		s = series[V]{}
		m[name] = s
	}
	return s
}

// IncCounter adds one to a counter
func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1)
}

func IncCounterBy(name string, labels map[string]string, value int64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	seriesFor(reg.counters, name)[canonLabels(labels)] += value
}

func SetGauge(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	seriesFor(reg.gauges, name)[canonLabels(labels)] = value
}

// Observe appends a histogram sample
func Observe(name string, value float64, labels map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	s := seriesFor(reg.hist, name)
	k := canonLabels(labels)
	samples := append(s[k], value)
	if len(samples) > maxSamples {
		samples = samples[len(samples)-maxSamples:]
	}
	s[k] = samples
}

// RecordDuration records a duration metric in milliseconds
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Milliseconds()), labels)
}

// CounterValue returns the summed value of a counter across all label sets.
func CounterValue(name string) int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return sumCounter(name)
}

// GaugeValue returns the gauge value for an exact label set.
func GaugeValue(name string, labels map[string]string) (float64, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	v, ok := reg.gauges[name][canonLabels(labels)]
	return v, ok
}

// Reset clears the registry. Used by tests.
func Reset() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	fresh := newRegistry()
	reg.counters, reg.gauges, reg.hist = fresh.counters, fresh.gauges, fresh.hist
}

// Summary condenses one histogram series
type Summary struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	Max   float64 `json:"max"`
}

func summarize(samples []float64) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	return Summary{
		Count: len(samples),
		P50:   percentile(samples, 0.50),
		P95:   percentile(samples, 0.95),
		Max:   slices.Max(samples),
	}
}

// Handler dumps the registry as JSON. Histograms are summarized.
func Handler() http.Handler {
	type dump struct {
		Counters map[string]series[int64]   `json:"counters"`
		Gauges   map[string]series[float64] `json:"gauges"`
		Hist     map[string]series[Summary] `json:"histograms"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reg.mu.Lock()
		out := dump{
			Counters: maps.Clone(reg.counters),
			Gauges:   maps.Clone(reg.gauges),
			Hist:     make(map[string]series[Summary], len(reg.hist)),
		}
		for name, s := range reg.hist {
			sum := series[Summary]{}
			for k, samples := range s {
				sum[k] = summarize(samples)
			}
			out.Hist[name] = sum
		}
		// inner series are shared; encode before releasing the lock
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
		reg.mu.Unlock()
	})
}

func sumCounter(name string) int64 {
	var total int64
	for _, v := range reg.counters[name] {
		total += v
	}
	return total
}

func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
