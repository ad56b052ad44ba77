package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/clipscrub/clipscrub/internal/domain"
)

func TestRetryConfig_Retryable(t *testing.T) {
	cfg := domain.DefaultRetryConfig()

	// transient
	assert.True(t, cfg.Retryable("context deadline exceeded"))
	assert.True(t, cfg.Retryable("dial tcp: connection refused"))
	assert.True(t, cfg.Retryable("inpaint status 503"))

	// deterministic
	assert.False(t, cfg.Retryable("content invalid: no video stream found"))
	assert.False(t, cfg.Retryable("url blocked by policy"))
	assert.False(t, cfg.Retryable("downloaded payload is not a video"))
	assert.False(t, cfg.Retryable("invalid argument: crop exceeds frame"))

	// deterministic wins when both lists match
	assert.False(t, cfg.Retryable("timeout waiting for blocked url"))

	// unknown defaults to retryable
	assert.True(t, cfg.Retryable("something unexpected happened"))
}

func TestRetryConfig_Delay(t *testing.T) {
	cfg := domain.DefaultRetryConfig()
	cfg.Jitter = false

	assert.Equal(t, 5*time.Second, cfg.Delay(1))
	assert.Equal(t, 10*time.Second, cfg.Delay(2))
	assert.Equal(t, 20*time.Second, cfg.Delay(3))
	// capped at MaxDelay
	assert.Equal(t, 60*time.Second, cfg.Delay(5))
	assert.Equal(t, 60*time.Second, cfg.Delay(50))
}

func TestRetryConfig_DelayJitterBounds(t *testing.T) {
	cfg := domain.DefaultRetryConfig()
	for i := 0; i < 100; i++ {
		d := cfg.Delay(2)
		assert.GreaterOrEqual(t, d, 10*time.Second)
		assert.LessOrEqual(t, d, 11*time.Second)
	}
}
