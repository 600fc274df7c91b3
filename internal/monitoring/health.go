package monitoring

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

var startTime = time.Now()

// HealthChecker tracks liveness facts reported by the engine and serves
// them as a JSON health endpoint.
type HealthChecker struct {
	mu            sync.RWMutex
	engineState   string
	lastCycle     time.Time
	lastReconcile time.Time
	breakerActive bool
	errors        []string
}

// HealthStatus is the JSON body served by the health endpoint.
type HealthStatus struct {
	Status        string    `json:"status"`
	EngineState   string    `json:"engine_state"`
	Timestamp     time.Time `json:"timestamp"`
	LastCycle     time.Time `json:"last_cycle,omitempty"`
	LastReconcile time.Time `json:"last_reconcile,omitempty"`
	BreakerActive bool      `json:"breaker_active"`
	Uptime        string    `json:"uptime"`
	Errors        []string  `json:"errors,omitempty"`
}

// NewHealthChecker creates an empty health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{errors: make([]string, 0)}
}

// SetEngineState records the coordinator's lifecycle state.
func (h *HealthChecker) SetEngineState(state string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engineState = state
}

// MarkCycle records a completed trading cycle.
func (h *HealthChecker) MarkCycle() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastCycle = time.Now().UTC()
}

// MarkReconcile records a completed reconciliation pass.
func (h *HealthChecker) MarkReconcile() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastReconcile = time.Now().UTC()
}

// SetBreaker records the circuit-breaker flag.
func (h *HealthChecker) SetBreaker(active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.breakerActive = active
}

// RecordError appends an error message, keeping the most recent ten.
func (h *HealthChecker) RecordError(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, msg)
	if len(h.errors) > 10 {
		h.errors = h.errors[len(h.errors)-10:]
	}
}

// ClearErrors drops accumulated error messages.
func (h *HealthChecker) ClearErrors() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = h.errors[:0]
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	code := http.StatusOK
	if h.breakerActive || h.engineState != "running" {
		status = "degraded"
	}
	if len(h.errors) > 0 {
		status = "unhealthy"
		code = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(HealthStatus{
		Status:        status,
		EngineState:   h.engineState,
		Timestamp:     time.Now().UTC(),
		LastCycle:     h.lastCycle,
		LastReconcile: h.lastReconcile,
		BreakerActive: h.breakerActive,
		Uptime:        time.Since(startTime).Round(time.Second).String(),
		Errors:        h.errors,
	})
}

// Serve starts the monitoring HTTP server with metrics and health routes.
// It returns the server so the caller can shut it down.
func Serve(addr string, health *HealthChecker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", MetricsHandler())
	mux.Handle("/health", health)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
