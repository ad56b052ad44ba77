package domain

import "sort"

// PlatformPreset supplies default crop parameters for a known source
// platform. The table is closed; unknown platforms fall back to "custom".
type PlatformPreset struct {
	Name         string       `json:"name" yaml:"name"`
	CropPixels   int          `json:"crop_pixels" yaml:"crop_pixels"`
	CropPosition CropPosition `json:"crop_position" yaml:"crop_position"`
	Description  string       `json:"description,omitempty" yaml:"description,omitempty"`
}

// PlatformCustom is the fallback preset name.
const PlatformCustom = "custom"

var platformPresets = map[string]PlatformPreset{
	"sora":   {Name: "sora", CropPixels: 120, CropPosition: CropBottom, Description: "OpenAI Sora watermark band"},
	"pika":   {Name: "pika", CropPixels: 50, CropPosition: CropBottom, Description: "Pika Labs corner badge row"},
	"runway": {Name: "runway", CropPixels: 60, CropPosition: CropBottom, Description: "Runway Gen watermark strip"},
	"kling":  {Name: "kling", CropPixels: 80, CropPosition: CropBottom, Description: "Kling AI watermark band"},
	"veo":    {Name: "veo", CropPixels: 100, CropPosition: CropBottom, Description: "Google Veo watermark band"},
	PlatformCustom: {Name: PlatformCustom, CropPixels: 0, CropPosition: CropBottom,
		Description: "No preset; caller supplies crop parameters"},
}

// PresetFor resolves a platform name to its preset. Unknown names resolve to
// the custom preset and report resolved=false.
func PresetFor(platform string) (p PlatformPreset, resolved bool) {
	if p, ok := platformPresets[platform]; ok {
		return p, true
	}
	return platformPresets[PlatformCustom], false
}

// Platforms enumerates all presets sorted by name, custom last, for
// /api/v1/platforms.
func Platforms() []PlatformPreset {
	names := make([]string, 0, len(platformPresets))
	for n := range platformPresets {
		if n != PlatformCustom {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	names = append(names, PlatformCustom)
	out := make([]PlatformPreset, 0, len(names))
	for _, n := range names {
		out = append(out, platformPresets[n])
	}
	return out
}

// OverridePreset replaces or adds a preset. Used by the YAML overlay at
// startup; not safe for concurrent use after boot.
func OverridePreset(p PlatformPreset) {
	if p.Name == "" {
		return
	}
	if !ValidCropPosition(p.CropPosition) {
		p.CropPosition = CropBottom
	}
	platformPresets[p.Name] = p
}
