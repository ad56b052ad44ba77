// Package download fetches source videos from arbitrary URLs.
//
// Platforms guard their media behind referer checks, signed URLs and
// bot-detection walls, so no single method works everywhere. The chain tries
// progressively heavier strategies (plain GET, curl, yt-dlp, headless
// browser, page scrape) until one yields bytes that look like a real video.
package download

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/observability"
	"github.com/clipscrub/clipscrub/pkg/vidsig"
)

// strategy is a single way of getting a video onto disk.
type strategy interface {
	name() string
	fetch(ctx context.Context, rawURL, dir string) (string, error)
}

// Chain implements domain.Downloader over an ordered strategy list.
type Chain struct {
	strategies []strategy
	perTimeout time.Duration
	minBytes   int64
}

// Options configures the chain.
type Options struct {
	CurlPath       string
	YtdlpPath      string
	BrowserTimeout time.Duration
	// PerStrategyTimeout bounds each attempt; the browser strategy uses its
	// own shorter budget.
	PerStrategyTimeout time.Duration
	// MinVideoBytes is the smallest payload accepted as a video.
	MinVideoBytes int64
}

// NewChain builds the default strategy order.
func NewChain(opts Options) *Chain {
	if opts.PerStrategyTimeout <= 0 {
		opts.PerStrategyTimeout = 120 * time.Second
	}
	if opts.BrowserTimeout <= 0 {
		opts.BrowserTimeout = 45 * time.Second
	}
	if opts.MinVideoBytes <= 0 {
		opts.MinVideoBytes = vidsig.MinVideoBytes
	}
	return &Chain{
		perTimeout: opts.PerStrategyTimeout,
		minBytes:   opts.MinVideoBytes,
		strategies: []strategy{
			&directStrategy{},
			&curlStrategy{path: opts.CurlPath},
			&ytdlpStrategy{path: opts.YtdlpPath},
			&ytdlpStrategy{path: opts.YtdlpPath, impersonate: true},
			&browserStrategy{timeout: opts.BrowserTimeout},
			&scrapeStrategy{},
		},
	}
}

// Fetch runs the chain until a strategy produces a payload that passes the
// video validity test. Invalid payloads are deleted and the chain moves on.
func (c *Chain) Fetch(ctx context.Context, rawURL, dir string) (string, error) {
	lg := chainLogger(ctx)
	var lastErr error
	for _, s := range c.strategies {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		sctx, cancel := context.WithTimeout(ctx, c.perTimeout)
		path, err := s.fetch(sctx, rawURL, dir)
		cancel()
		if err != nil {
			observability.ObserveDownload(s.name(), false)
			lg.Debug("download strategy failed", "strategy", s.name(), "error", err)
			lastErr = err
			continue
		}
		ok, html, verr := validVideoFile(path, c.minBytes)
		if verr != nil || !ok {
			observability.ObserveDownload(s.name(), false)
			lg.Debug("download strategy produced non-video payload", "strategy", s.name(), "path", path)
			_ = os.Remove(path)
			if html {
				lastErr = fmt.Errorf("strategy %s: %w: payload is a web page", s.name(), domain.ErrContentInvalid)
			} else {
				lastErr = fmt.Errorf("strategy %s: payload is not a video", s.name())
			}
			continue
		}
		observability.ObserveDownload(s.name(), true)
		lg.Info("download succeeded", "strategy", s.name(), "path", path)
		return path, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no download strategy configured")
	}
	return "", fmt.Errorf("all download strategies failed: %w", lastErr)
}

// validVideoFile applies the signature test to the head of the file plus the
// size rules to the whole file. html reports whether the rejected payload
// looked like a web page, so the chain can tell the user what it saw.
func validVideoFile(path string, minBytes int64) (ok, html bool, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return false, false, err
	}
	f, err := os.Open(path)
	if err != nil {
		return false, false, err
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 4096)
	n, _ := f.Read(head)
	head = head[:n]
	html = vidsig.LooksLikeHTML(head)

	if fi.Size() < minBytes {
		return false, html, nil
	}
	if vidsig.Sniff(head) != "" {
		return true, false, nil
	}
	// Large unsignatured payloads pass when the preamble is not a webpage.
	return fi.Size() >= 500*1024 && !html, html, nil
}
