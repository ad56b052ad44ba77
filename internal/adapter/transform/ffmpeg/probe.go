// Package ffmpeg shells out to ffprobe/ffmpeg for video metadata and the
// crop transform backend.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/clipscrub/clipscrub/internal/domain"
)

// Prober reads stream metadata with ffprobe.
type Prober struct {
	FFprobePath string
}

// NewProber constructs a Prober; an empty path resolves via $PATH.
func NewProber(path string) *Prober {
	if path == "" {
		path = "ffprobe"
	}
	return &Prober{FFprobePath: path}
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration   string `json:"duration"`
		FormatName string `json:"format_name"`
	} `json:"format"`
}

// Probe runs ffprobe on path and returns the first video stream's geometry.
func (p *Prober) Probe(ctx context.Context, path string) (domain.VideoInfo, error) {
	cmd := exec.CommandContext(ctx, p.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path)
	out, err := cmd.Output()
	if err != nil {
		return domain.VideoInfo{}, fmt.Errorf("%w: ffprobe: %v", domain.ErrContentInvalid, err)
	}

	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return domain.VideoInfo{}, fmt.Errorf("%w: ffprobe output: %v", domain.ErrContentInvalid, err)
	}

	info := domain.VideoInfo{Container: po.Format.FormatName}
	if po.Format.Duration != "" {
		if d, err := strconv.ParseFloat(po.Format.Duration, 64); err == nil {
			info.DurationSec = d
		}
	}
	for _, s := range po.Streams {
		if s.CodecType == "video" {
			info.Width = s.Width
			info.Height = s.Height
			break
		}
	}
	if info.Width == 0 || info.Height == 0 {
		return domain.VideoInfo{}, fmt.Errorf("%w: no video stream found", domain.ErrContentInvalid)
	}
	return info, nil
}
