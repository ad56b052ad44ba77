// Package domain defines retry classification for resilient job processing.
package domain

import (
	"math/rand"
	"strings"
	"time"
)

// RetryConfig defines retry behavior for queue attempts.
type RetryConfig struct {
	// MaxAttempts is the total attempt budget per job (first try included).
	MaxAttempts int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier.
	Multiplier float64
	// Jitter adds randomness to prevent thundering herd.
	Jitter bool
	// RetryableErrors substrings mark transient failures.
	RetryableErrors []string
	// NonRetryableErrors substrings mark deterministic failures.
	NonRetryableErrors []string
}

// DefaultRetryConfig matches the queue protocol: attempts=3, exponential
// backoff starting at 5s, doubled each retry, capped at 60s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []string{
			"context deadline exceeded",
			"connection refused",
			"connection reset",
			"timeout",
			"temporary failure",
			"upstream timeout",
			"queue unavailable",
			"status 5",
		},
		NonRetryableErrors: []string{
			"invalid argument",
			"content invalid",
			"not found",
			"unauthorized",
			"blocked",
			"not a video",
			"insufficient credits",
		},
	}
}

// Retryable classifies an error string against the config. Deterministic
// failures win over the transient list; unknown errors default to retryable.
func (c RetryConfig) Retryable(errStr string) bool {
	lowered := strings.ToLower(errStr)
	for _, s := range c.NonRetryableErrors {
		if strings.Contains(lowered, s) {
			return false
		}
	}
	for _, s := range c.RetryableErrors {
		if strings.Contains(lowered, s) {
			return true
		}
	}
	return true
}

// Delay returns the backoff delay before retry attempt n (1-based).
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := c.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * c.Multiplier)
		if d >= c.MaxDelay {
			d = c.MaxDelay
			break
		}
	}
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	if c.Jitter {
		// up to 10% extra, never less than the base delay
		d += time.Duration(rand.Int63n(int64(d)/10 + 1)) //nolint:gosec // jitter does not need crypto randomness
	}
	return d
}

// DLQJob wraps a payload parked on the dead-letter topic.
type DLQJob struct {
	JobID            string      `json:"job_id"`
	OriginalPayload  WorkPayload `json:"original_payload"`
	FailureReason    string      `json:"failure_reason"`
	Attempts         int         `json:"attempts"`
	MovedToDLQAt     time.Time   `json:"moved_to_dlq_at"`
	CanBeReprocessed bool        `json:"can_be_reprocessed"`
}
