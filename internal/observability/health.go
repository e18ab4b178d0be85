package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeTimeout bounds a single readiness run.
const ProbeTimeout = 2 * time.Second

// Probe reports whether a dependency (postgres, redis, nats) is reachable.
type Probe func(ctx context.Context) error

// HealthChecker serves /healthz and /readyz. The reconciler is ready once
// startup flips the flag and every registered dependency probe passes.
type HealthChecker struct {
	ready   atomic.Bool
	started time.Time

	mu     sync.RWMutex
	probes map[string]Probe
}

// ProbeResult is the outcome of one dependency probe.
type ProbeResult struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		started: time.Now(),
		probes:  make(map[string]Probe),
	}
}

// AddProbe registers a named dependency check. A later call with the same
// name replaces the earlier probe.
func (h *HealthChecker) AddProbe(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = p
}

// SetReady flips the readiness flag; shutdown sets it back to false first.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// Check runs every probe concurrently and returns the results sorted by name.
func (h *HealthChecker) Check(ctx context.Context) []ProbeResult {
	h.mu.RLock()
	probes := make(map[string]Probe, len(h.probes))
	for name, p := range h.probes {
		probes[name] = p
	}
	h.mu.RUnlock()

	results := make([]ProbeResult, 0, len(probes))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for name, p := range probes {
		wg.Add(1)
		go func(name string, p Probe) {
			defer wg.Done()
			start := time.Now()
			err := p(ctx)
			res := ProbeResult{Name: name, OK: err == nil, Latency: time.Since(start).String()}
			if err != nil {
				res.Error = err.Error()
			}
			rmu.Lock()
			results = append(results, res)
			rmu.Unlock()
		}(name, p)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// LivenessHandler answers 200 for as long as the process can serve HTTP.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// ReadinessHandler answers 200 when ready and all probes pass, 503 otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), ProbeTimeout)
	defer cancel()

	checks := h.Check(ctx)
	healthy := h.ready.Load()
	for _, c := range checks {
		healthy = healthy && c.OK
	}

	status, code := "ready", http.StatusOK
	if !healthy {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeHealth(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

func writeHealth(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
