package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/clipscrub/clipscrub/internal/observability"
)

// Probe checks one downstream dependency.
type Probe struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// probeStatus tracks the debounced health of one dependency. A dependency
// only flips after debounceCount consecutive contrary results.
type probeStatus struct {
	Healthy     bool      `json:"healthy"`
	LastError   string    `json:"last_error,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	// ConsecutiveFailures counts failed checks since the last success,
	// independent of whether the debounce has flipped Healthy yet.
	ConsecutiveFailures int `json:"consecutive_failures"`
	streak              int
}

const debounceCount = 2

// Monitor runs dependency probes on an interval and drives the machine
// between ready and degraded.
type Monitor struct {
	machine  *Machine
	probes   []Probe
	interval time.Duration

	mu       sync.RWMutex
	statuses map[string]*probeStatus
}

// NewMonitor constructs a Monitor. Dependencies start healthy so boot does
// not flap before the first probe round.
func NewMonitor(machine *Machine, interval time.Duration, probes ...Probe) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	statuses := make(map[string]*probeStatus, len(probes))
	for _, p := range probes {
		statuses[p.Name] = &probeStatus{Healthy: true}
	}
	return &Monitor{machine: machine, probes: probes, interval: interval, statuses: statuses}
}

// Run probes until the context is cancelled. The first round runs
// immediately so readiness reflects reality at boot.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.round(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.round(ctx)
		}
	}
}

func (m *Monitor) round(ctx context.Context) {
	lg := observability.LoggerFromContext(ctx)
	for _, p := range m.probes {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.Check(pctx)
		cancel()
		m.record(p.Name, err)
		if err != nil {
			lg.Warn("dependency probe failed", "dependency", p.Name, "error", err)
		}
	}
	m.apply()
}

// record applies the debounce: a contrary result must repeat debounceCount
// times before the dependency flips.
func (m *Monitor) record(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.statuses[name]
	if st == nil {
		return
	}
	st.LastChecked = time.Now().UTC()
	if err != nil {
		st.ConsecutiveFailures++
	} else {
		st.ConsecutiveFailures = 0
	}
	observed := err == nil
	if observed == st.Healthy {
		st.streak = 0
		if err != nil {
			st.LastError = err.Error()
		} else {
			st.LastError = ""
		}
		return
	}
	st.streak++
	if err != nil {
		st.LastError = err.Error()
	}
	if st.streak >= debounceCount {
		st.Healthy = observed
		st.streak = 0
	}
}

// apply drives ready/degraded from the aggregate of critical dependencies.
// Shutdown states are never overridden.
func (m *Monitor) apply() {
	cur := m.machine.State()
	if cur != StateStarting && cur != StateReady && cur != StateDegraded {
		return
	}

	m.mu.RLock()
	var downCritical string
	for _, p := range m.probes {
		if st := m.statuses[p.Name]; p.Critical && st != nil && !st.Healthy {
			downCritical = p.Name
			break
		}
	}
	m.mu.RUnlock()

	if downCritical != "" {
		_ = m.machine.Set(StateDegraded, "dependency down: "+downCritical)
		return
	}
	_ = m.machine.Set(StateReady, "dependencies healthy")
}

// Snapshot returns a copy of dependency statuses for diagnostics.
func (m *Monitor) Snapshot() map[string]probeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]probeStatus, len(m.statuses))
	for name, st := range m.statuses {
		out[name] = *st
	}
	return out
}

// CriticalHealthy reports whether every critical dependency is healthy.
func (m *Monitor) CriticalHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.probes {
		if st := m.statuses[p.Name]; p.Critical && st != nil && !st.Healthy {
			return false
		}
	}
	return true
}
