package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CheckFunc reports the health of one dependency; nil means healthy.
type CheckFunc func(ctx context.Context) error

// Health aggregates named dependency checks.
type Health struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
}

// NewHealth creates an empty check set; each check gets timeout (≤0 → 2s).
func NewHealth(timeout time.Duration) *Health {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Health{checks: make(map[string]CheckFunc), timeout: timeout}
}

// Register adds or replaces a check.
func (h *Health) Register(name string, check CheckFunc) {
	h.mu.Lock()
	h.checks[name] = check
	h.mu.Unlock()
}

// HealthReport is the /health response body.
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Run executes all checks concurrently.
func (h *Health) Run(ctx context.Context) HealthReport {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make([]CheckFunc, len(names))
	sort.Strings(names)
	for i, name := range names {
		checks[i] = h.checks[name]
	}
	h.mu.RUnlock()

	results := make([]string, len(names))
	var wg sync.WaitGroup
	for i := range checks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			if err := checks[i](cctx); err != nil {
				results[i] = err.Error()
				return
			}
			results[i] = "ok"
		}(i)
	}
	wg.Wait()

	report := HealthReport{Status: "ok"}
	if len(names) > 0 {
		report.Checks = make(map[string]string, len(names))
	}
	for i, name := range names {
		report.Checks[name] = results[i]
		if results[i] != "ok" {
			report.Status = "degraded"
		}
	}
	return report
}

// ServeHTTP writes the report; 503 when any check fails.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := h.Run(r.Context())
	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(report)
}

// NewOpsHandler mounts /metrics for gatherer and /health for health.
// A nil gatherer uses the default Prometheus registry.
func NewOpsHandler(gatherer prometheus.Gatherer, health *Health) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if health == nil {
		health = NewHealth(0)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/health", health)
	return mux
}
