package lifecycle

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/go-chi/chi/v5"
)

// Handler serves the lifecycle endpoints: liveness, readiness, the
// capabilities descriptor and a diagnostics dump.
type Handler struct {
	Machine   *Machine
	Monitor   *Monitor
	Announcer *Announcer
	// SelfTests, when set, run on every /diagnostics request.
	SelfTests []SelfTest
}

// Mount attaches the lifecycle routes to a router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Get("/capabilities", h.CapabilitiesHandler)
	r.Get("/diagnostics", h.Diagnostics)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Healthz is process liveness: 200 while the process should keep running.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	st := http.StatusOK
	if !h.Machine.Alive() {
		st = http.StatusServiceUnavailable
	}
	writeJSON(w, st, map[string]any{
		"state":     string(h.Machine.State()),
		"uptime_ms": h.Machine.Uptime().Milliseconds(),
	})
}

// Readyz is traffic readiness: 200 only while serving with healthy critical
// dependencies. The body enumerates each dependency's debounced status and
// consecutive-failure count.
func (h *Handler) Readyz(w http.ResponseWriter, _ *http.Request) {
	serving := h.Machine.Serving()
	critical := h.Monitor == nil || h.Monitor.CriticalHealthy()
	st := http.StatusOK
	if !serving || !critical {
		st = http.StatusServiceUnavailable
	}
	body := map[string]any{
		"state":   string(h.Machine.State()),
		"serving": serving && critical,
	}
	if h.Monitor != nil {
		body["checks"] = h.Monitor.Snapshot()
	}
	writeJSON(w, st, body)
}

// CapabilitiesHandler serves the capabilities descriptor.
func (h *Handler) CapabilitiesHandler(w http.ResponseWriter, _ *http.Request) {
	if h.Announcer == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "capabilities unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, h.Announcer.Capabilities())
}

// Diagnostics dumps state history, dependency statuses and runtime stats,
// and runs the configured self-test battery.
func (h *Handler) Diagnostics(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	out := map[string]any{
		"state":     string(h.Machine.State()),
		"uptime_ms": h.Machine.Uptime().Milliseconds(),
		"history":   h.Machine.History(),
		"runtime": map[string]any{
			"goroutines":   runtime.NumGoroutine(),
			"heap_alloc":   mem.HeapAlloc,
			"num_gc":       mem.NumGC,
			"go_max_procs": runtime.GOMAXPROCS(0),
		},
	}
	if h.Monitor != nil {
		out["dependencies"] = h.Monitor.Snapshot()
	}
	if len(h.SelfTests) > 0 {
		results, verdict := RunSelfTests(r.Context(), h.SelfTests)
		out["self_tests"] = results
		out["verdict"] = verdict
	}
	writeJSON(w, http.StatusOK, out)
}
