package lifecycle

import (
	"context"
	"time"
)

// SelfTest is one bounded diagnostic check run on demand by the diagnostics
// endpoint: a queue ping, a database round-trip, a toolchain version probe.
type SelfTest struct {
	Name string
	// Optional marks a check whose failure degrades the aggregate verdict
	// to warn instead of fail.
	Optional bool
	Run      func(ctx context.Context) error
}

// SelfTestResult is the outcome of one check.
type SelfTestResult struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

const selfTestTimeout = 5 * time.Second

// RunSelfTests executes each check with a per-check timeout and returns the
// results plus an aggregate verdict: fail when any required check failed,
// warn when only optional checks failed, pass otherwise.
func RunSelfTests(ctx context.Context, tests []SelfTest) ([]SelfTestResult, string) {
	results := make([]SelfTestResult, 0, len(tests))
	verdict := "pass"
	for _, st := range tests {
		tctx, cancel := context.WithTimeout(ctx, selfTestTimeout)
		start := time.Now()
		err := st.Run(tctx)
		cancel()

		res := SelfTestResult{Name: st.Name, Status: "pass", LatencyMS: time.Since(start).Milliseconds()}
		if err != nil {
			res.Error = err.Error()
			if st.Optional {
				res.Status = "warn"
				if verdict == "pass" {
					verdict = "warn"
				}
			} else {
				res.Status = "fail"
				verdict = "fail"
			}
		}
		results = append(results, res)
	}
	return results, verdict
}
