package download

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// curlStrategy shells out to curl. curl negotiates TLS differently from
// net/http and slips past some fingerprinting that blocks Go's client.
type curlStrategy struct {
	path string
}

func (curlStrategy) name() string { return "curl" }

func (s *curlStrategy) fetch(ctx context.Context, rawURL, dir string) (string, error) {
	bin := s.path
	if bin == "" {
		bin = "curl"
	}
	f, err := os.CreateTemp(dir, "curl-*.bin")
	if err != nil {
		return "", fmt.Errorf("curl tempfile: %w", err)
	}
	path := f.Name()
	_ = f.Close()

	cmd := exec.CommandContext(ctx, bin,
		"-sSL",
		"--fail",
		"--max-time", "110",
		"-A", browserUserAgent,
		"-H", "Accept: video/webm,video/mp4,video/*;q=0.9,*/*;q=0.8",
		"-o", path,
		rawURL)
	if out, err := cmd.CombinedOutput(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("curl: %v: %s", err, tail(out, 300))
	}
	return filepath.Clean(path), nil
}

// ytdlpStrategy shells out to yt-dlp, which knows the extraction tricks for
// hundreds of hosting sites. The impersonate variant adds Chrome TLS
// fingerprinting for sites that block yt-dlp's default client.
type ytdlpStrategy struct {
	path        string
	impersonate bool
}

func (s *ytdlpStrategy) name() string {
	if s.impersonate {
		return "yt-dlp-impersonate"
	}
	return "yt-dlp"
}

func (s *ytdlpStrategy) fetch(ctx context.Context, rawURL, dir string) (string, error) {
	bin := s.path
	if bin == "" {
		bin = "yt-dlp"
	}
	outTmpl := filepath.Join(dir, "ytdlp-%(id)s.%(ext)s")
	args := []string{
		"--no-playlist",
		"--no-progress",
		"-f", "bv*+ba/b",
		"--merge-output-format", "mp4",
		"-o", outTmpl,
		"--print", "after_move:filepath",
	}
	if s.impersonate {
		args = append(args, "--impersonate", "chrome")
	}
	args = append(args, rawURL)

	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("yt-dlp: %v", err)
	}
	path := lastNonEmptyLine(out)
	if path == "" {
		return "", fmt.Errorf("yt-dlp: no output file reported")
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("yt-dlp: reported file missing: %w", err)
	}
	return path, nil
}

func lastNonEmptyLine(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == '\n' || b[end-1] == '\r') {
		end--
	}
	start := end
	for start > 0 && b[start-1] != '\n' {
		start--
	}
	return string(b[start:end])
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
