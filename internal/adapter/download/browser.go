package download

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// browserStrategy drives headless Chrome. It loads the page, sniffs the
// network for media responses and also asks the DOM for a <video> src, then
// fetches the best candidate with the page as referer. This is the strategy
// that survives Cloudflare-style walls and JS-built players.
type browserStrategy struct {
	timeout time.Duration
}

func (browserStrategy) name() string { return "browser" }

type mediaCandidate struct {
	url           string
	contentLength int64
}

func looksLikeMediaURL(u string) bool {
	low := strings.ToLower(u)
	return strings.Contains(low, ".mp4") || strings.Contains(low, ".webm") || strings.Contains(low, ".mov")
}

func (s *browserStrategy) fetch(ctx context.Context, rawURL, dir string) (string, error) {
	bctx, cancel := chromedp.NewContext(ctx)
	defer cancel()
	bctx, tcancel := context.WithTimeout(bctx, s.timeout)
	defer tcancel()

	var mu sync.Mutex
	var candidates []mediaCandidate

	chromedp.ListenTarget(bctx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok {
			return
		}
		ct := strings.ToLower(resp.Response.MimeType)
		if !strings.HasPrefix(ct, "video/") && !looksLikeMediaURL(resp.Response.URL) {
			return
		}
		mu.Lock()
		candidates = append(candidates, mediaCandidate{
			url:           resp.Response.URL,
			contentLength: int64(resp.Response.EncodedDataLength),
		})
		mu.Unlock()
	})

	var videoSrc string
	err := chromedp.Run(bctx,
		network.Enable(),
		chromedp.Navigate(rawURL),
		// Let the player boot and start pulling media.
		chromedp.Sleep(5*time.Second),
		chromedp.Evaluate(`(() => {
			const v = document.querySelector('video');
			if (!v) return '';
			return v.currentSrc || v.src || '';
		})()`, &videoSrc),
	)
	if err != nil {
		return "", fmt.Errorf("browser: %w", err)
	}

	mu.Lock()
	if videoSrc != "" && strings.HasPrefix(videoSrc, "http") {
		candidates = append(candidates, mediaCandidate{url: videoSrc, contentLength: 1 << 40})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].contentLength > candidates[j].contentLength
	})
	picked := make([]mediaCandidate, len(candidates))
	copy(picked, candidates)
	mu.Unlock()

	if len(picked) == 0 {
		return "", fmt.Errorf("browser: no media responses observed")
	}

	var lastErr error
	for _, cand := range picked {
		// Blob URLs only resolve inside the page; skip them.
		if strings.HasPrefix(cand.url, "blob:") {
			continue
		}
		path, err := fetchToFile(ctx, cand.url, rawURL, dir, "browser")
		if err != nil {
			lastErr = err
			continue
		}
		return path, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("only blob media found")
	}
	return "", fmt.Errorf("browser: %w", lastErr)
}
