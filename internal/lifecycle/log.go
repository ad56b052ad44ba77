package lifecycle

import (
	"log/slog"
)

// LogTransitions registers a listener that emits one structured record per
// lifecycle transition: service, event, new and previous state, reason,
// run_id and uptime. The timestamp comes from the log handler.
func LogTransitions(m *Machine, lg *slog.Logger, service, runID string) {
	m.OnChange(func(from, to State, reason string) {
		lg.Info("lifecycle transition",
			slog.String("service", service),
			slog.String("event", "state_change"),
			slog.String("state", string(to)),
			slog.String("previous_state", string(from)),
			slog.String("reason", reason),
			slog.String("run_id", runID),
			slog.Int64("uptime_ms", m.Uptime().Milliseconds()),
		)
	})
}
