package logsink

import (
	"sort"
	"strconv"
	"sync"
	"time"
)

// tailWindow is a bounded ring of recent records used for on-query
// aggregates: exact quantiles over a bounded window, as permitted by the
// analytics contract.
type tailWindow struct {
	mu   sync.RWMutex
	recs []*Record
	next int
	full bool
}

func newTailWindow(capacity int) *tailWindow {
	if capacity < 1024 {
		capacity = 1024
	}
	return &tailWindow{recs: make([]*Record, capacity)}
}

func (t *tailWindow) add(rec *Record) {
	t.mu.Lock()
	t.recs[t.next] = rec
	t.next++
	if t.next == len(t.recs) {
		t.next = 0
		t.full = true
	}
	t.mu.Unlock()
}

// snapshot returns the live records, oldest first.
func (t *tailWindow) snapshot() []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.full {
		out := make([]*Record, t.next)
		copy(out, t.recs[:t.next])
		return out
	}
	out := make([]*Record, 0, len(t.recs))
	out = append(out, t.recs[t.next:]...)
	out = append(out, t.recs[:t.next]...)
	return out
}

func (t *tailWindow) query(q Query) []*Record {
	var out []*Record
	recs := t.snapshot()
	for i := len(recs) - 1; i >= 0 && len(out) < q.Limit; i-- {
		rec := recs[i]
		if !q.From.IsZero() && rec.CreatedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && rec.CreatedAt.After(q.To) {
			continue
		}
		if q.Path != "" && rec.Path != q.Path {
			continue
		}
		if q.Service != "" && rec.TargetService != q.Service {
			continue
		}
		if q.Status != 0 && rec.StatusCode != q.Status {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// ServiceAggregate is one service's windowed request accounting.
type ServiceAggregate struct {
	Service       string           `json:"service"`
	Requests      int64            `json:"requests"`
	Errors        int64            `json:"errors"`
	ErrorRate     float64          `json:"error_rate"`
	StatusClasses map[string]int64 `json:"status_classes"`
}

// EndpointCount is one endpoint's request count for the top-N listing.
type EndpointCount struct {
	Path     string `json:"path"`
	Requests int64  `json:"requests"`
}

// Percentiles holds response-time quantiles in milliseconds.
type Percentiles struct {
	P50 int64 `json:"p50_ms"`
	P90 int64 `json:"p90_ms"`
	P95 int64 `json:"p95_ms"`
	P99 int64 `json:"p99_ms"`
}

// Aggregates is the metrics view computed on query.
type Aggregates struct {
	Window       string             `json:"window"`
	Requests     int64              `json:"requests"`
	Errors       int64              `json:"errors"`
	ErrorRate    float64            `json:"error_rate"`
	ByService    []ServiceAggregate `json:"by_service"`
	TopEndpoints []EndpointCount    `json:"top_endpoints"`
	Latency      Percentiles        `json:"latency"`
	LogsDropped  int64              `json:"logs_dropped"`
}

// Aggregates computes counts, error rates, top-N endpoints and latency
// percentiles over records newer than now-window.
func (s *Sink) Aggregates(window time.Duration, topN int) *Aggregates {
	if topN <= 0 {
		topN = 10
	}
	cutoff := time.Now().Add(-window)

	type svcAcc struct {
		requests int64
		errors   int64
		classes  map[string]int64
	}
	services := make(map[string]*svcAcc)
	endpoints := make(map[string]int64)
	var latencies []int64
	var total, errs int64

	for _, rec := range s.tail.snapshot() {
		if rec.CreatedAt.Before(cutoff) {
			continue
		}
		total++
		isErr := rec.StatusCode >= 500 || rec.StatusCode == 0
		if isErr {
			errs++
		}

		svc := rec.TargetService
		if svc == "" {
			svc = "(unmatched)"
		}
		acc, ok := services[svc]
		if !ok {
			acc = &svcAcc{classes: make(map[string]int64)}
			services[svc] = acc
		}
		acc.requests++
		if isErr {
			acc.errors++
		}
		acc.classes[statusClass(rec.StatusCode)]++

		endpoints[rec.Path]++
		latencies = append(latencies, rec.ResponseTimeMS)
	}

	agg := &Aggregates{
		Window:      window.String(),
		Requests:    total,
		Errors:      errs,
		LogsDropped: s.Dropped(),
	}
	if total > 0 {
		agg.ErrorRate = float64(errs) / float64(total)
	}

	for svc, acc := range services {
		sa := ServiceAggregate{
			Service:       svc,
			Requests:      acc.requests,
			Errors:        acc.errors,
			StatusClasses: acc.classes,
		}
		if acc.requests > 0 {
			sa.ErrorRate = float64(acc.errors) / float64(acc.requests)
		}
		agg.ByService = append(agg.ByService, sa)
	}
	sort.Slice(agg.ByService, func(i, j int) bool {
		return agg.ByService[i].Requests > agg.ByService[j].Requests
	})

	for path, n := range endpoints {
		agg.TopEndpoints = append(agg.TopEndpoints, EndpointCount{Path: path, Requests: n})
	}
	sort.Slice(agg.TopEndpoints, func(i, j int) bool {
		if agg.TopEndpoints[i].Requests != agg.TopEndpoints[j].Requests {
			return agg.TopEndpoints[i].Requests > agg.TopEndpoints[j].Requests
		}
		return agg.TopEndpoints[i].Path < agg.TopEndpoints[j].Path
	})
	if len(agg.TopEndpoints) > topN {
		agg.TopEndpoints = agg.TopEndpoints[:topN]
	}

	agg.Latency = percentiles(latencies)
	return agg
}

// percentiles computes exact quantiles with the nearest-rank method.
func percentiles(samples []int64) Percentiles {
	if len(samples) == 0 {
		return Percentiles{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return Percentiles{
		P50: rank(samples, 0.50),
		P90: rank(samples, 0.90),
		P95: rank(samples, 0.95),
		P99: rank(samples, 0.99),
	}
}

func rank(sorted []int64, q float64) int64 {
	idx := int(float64(len(sorted))*q+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// statusClass buckets a status code: "2xx", "4xx", "5xx"... Unset statuses
// (dispatch never returned) count as "5xx".
func statusClass(code int) string {
	if code == 0 {
		return "5xx"
	}
	return strconv.Itoa(code/100) + "xx"
}
