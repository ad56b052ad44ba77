package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/observability"
)

// Cropper removes a watermark band by cropping the chosen edge with ffmpeg.
// It implements domain.Transformer.
type Cropper struct {
	FFmpegPath string
}

// NewCropper constructs a Cropper; an empty path resolves via $PATH.
func NewCropper(path string) *Cropper {
	if path == "" {
		path = "ffmpeg"
	}
	return &Cropper{FFmpegPath: path}
}

// Name identifies the backend for the charging rule.
func (c *Cropper) Name() string { return "crop" }

// cropFilter builds the ffmpeg crop expression keeping everything except the
// px-wide band on the given edge.
func cropFilter(info domain.VideoInfo, px int, pos domain.CropPosition) (string, error) {
	switch pos {
	case domain.CropBottom:
		if px >= info.Height {
			return "", fmt.Errorf("%w: crop %dpx exceeds height %d", domain.ErrInvalidArgument, px, info.Height)
		}
		return fmt.Sprintf("crop=iw:%d:0:0", info.Height-px), nil
	case domain.CropTop:
		if px >= info.Height {
			return "", fmt.Errorf("%w: crop %dpx exceeds height %d", domain.ErrInvalidArgument, px, info.Height)
		}
		return fmt.Sprintf("crop=iw:%d:0:%d", info.Height-px, px), nil
	case domain.CropLeft:
		if px >= info.Width {
			return "", fmt.Errorf("%w: crop %dpx exceeds width %d", domain.ErrInvalidArgument, px, info.Width)
		}
		return fmt.Sprintf("crop=%d:ih:%d:0", info.Width-px, px), nil
	case domain.CropRight:
		if px >= info.Width {
			return "", fmt.Errorf("%w: crop %dpx exceeds width %d", domain.ErrInvalidArgument, px, info.Width)
		}
		return fmt.Sprintf("crop=%d:ih:0:0", info.Width-px), nil
	}
	return "", fmt.Errorf("%w: crop position %q", domain.ErrInvalidArgument, pos)
}

// Transform crops the input into <dir>/<base>_clean.mp4. A zero crop is the
// identity transform: the video is remuxed without re-encoding.
func (c *Cropper) Transform(ctx context.Context, inputPath string, info domain.VideoInfo, p domain.WorkPayload) (string, error) {
	start := time.Now()
	dir := filepath.Dir(inputPath)
	base := filepath.Base(inputPath)
	if ext := filepath.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}
	outputPath := filepath.Join(dir, base+"_clean.mp4")

	var args []string
	if p.CropPixels <= 0 {
		args = []string{"-y", "-i", inputPath, "-c", "copy", "-movflags", "+faststart", outputPath}
	} else {
		filter, err := cropFilter(info, p.CropPixels, p.CropPosition)
		if err != nil {
			return "", err
		}
		args = []string{
			"-y", "-i", inputPath,
			"-vf", filter,
			"-c:v", "libx264", "-preset", "fast", "-crf", "20",
			"-c:a", "copy",
			"-movflags", "+faststart",
			outputPath,
		}
	}

	cmd := exec.CommandContext(ctx, c.FFmpegPath, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("ffmpeg crop: %v: %s", err, tail(out, 400))
	}
	observability.TransformDuration.WithLabelValues("crop").Observe(time.Since(start).Seconds())
	return outputPath, nil
}

// tail returns the last n bytes of b for error context.
func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
