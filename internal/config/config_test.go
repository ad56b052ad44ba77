package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipscrub/clipscrub/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.ServiceName)
	assert.Greater(t, cfg.BatchMax, 0)
	assert.Greater(t, cfg.RetryMaxAttempts, 0)
}

func TestInpaintEnabled(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want bool
	}{
		{"feature off", Config{FeatureInpaint: false, InpaintURL: "https://inpaint.internal"}, false},
		{"no url", Config{FeatureInpaint: true}, false},
		{"localhost url", Config{FeatureInpaint: true, InpaintURL: "http://localhost:9000"}, false},
		{"loopback url", Config{FeatureInpaint: true, InpaintURL: "http://127.0.0.1:9000"}, false},
		{"real url", Config{FeatureInpaint: true, InpaintURL: "https://inpaint.internal:9000"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cfg.InpaintEnabled())
		})
	}
}

func TestRetention(t *testing.T) {
	assert.Equal(t, 2*24*time.Hour, Config{RetentionDays: 2}.Retention())
	// zero and negative fall back to the 7-day default
	assert.Equal(t, 7*24*time.Hour, Config{}.Retention())
	assert.Equal(t, 7*24*time.Hour, Config{RetentionDays: -1}.Retention())
}

func TestMaxUploadBytes(t *testing.T) {
	assert.EqualValues(t, 500<<20, Config{MaxUploadMB: 500}.MaxUploadBytes())
}

func TestEnvHelpers(t *testing.T) {
	assert.True(t, Config{AppEnv: "dev"}.IsDev())
	assert.True(t, Config{AppEnv: "PROD"}.IsProd())
	assert.True(t, Config{AppEnv: "test"}.IsTest())
	assert.False(t, Config{AppEnv: "prod"}.IsDev())
}

func TestApplyPresetOverlay(t *testing.T) {
	orig, ok := domain.PresetFor("pika")
	require.True(t, ok)
	t.Cleanup(func() { domain.OverridePreset(orig) })

	overlay := `
platforms:
  - name: pika
    crop_pixels: 55
    crop_position: top
  - name: luma
    crop_pixels: 90
    crop_position: bottom
    description: Luma watermark band
`
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overlay), 0o644))
	require.NoError(t, ApplyPresetOverlay(path))

	p, ok := domain.PresetFor("pika")
	require.True(t, ok)
	assert.Equal(t, 55, p.CropPixels)
	assert.Equal(t, domain.CropTop, p.CropPosition)

	p, ok = domain.PresetFor("luma")
	require.True(t, ok)
	assert.Equal(t, 90, p.CropPixels)
}

func TestApplyPresetOverlay_BadPositionFallsBack(t *testing.T) {
	overlay := `
platforms:
  - name: haiper
    crop_pixels: 40
    crop_position: sideways
`
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(overlay), 0o644))
	require.NoError(t, ApplyPresetOverlay(path))

	p, ok := domain.PresetFor("haiper")
	require.True(t, ok)
	assert.Equal(t, domain.CropBottom, p.CropPosition)
}

func TestApplyPresetOverlay_Errors(t *testing.T) {
	assert.NoError(t, ApplyPresetOverlay(""))
	assert.NoError(t, ApplyPresetOverlay(filepath.Join(t.TempDir(), "absent.yaml")))

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("platforms: {not: [a, list"), 0o644))
	assert.Error(t, ApplyPresetOverlay(path))
}
