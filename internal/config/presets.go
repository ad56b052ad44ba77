package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/clipscrub/clipscrub/internal/domain"
)

// presetOverlay is the YAML document shape for platform preset overrides.
type presetOverlay struct {
	Platforms []domain.PlatformPreset `yaml:"platforms"`
}

// ApplyPresetOverlay loads the optional YAML overlay and merges it into the
// platform preset table. A missing path is not an error; a malformed file is.
func ApplyPresetOverlay(path string) error {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("op=config.ApplyPresetOverlay: %w", err)
	}
	var doc presetOverlay
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("op=config.ApplyPresetOverlay: parse: %w", err)
	}
	for _, p := range doc.Platforms {
		domain.OverridePreset(p)
	}
	return nil
}
