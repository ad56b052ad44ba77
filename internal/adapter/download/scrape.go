package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// scrapeStrategy is the last resort: fetch the page HTML and regex out
// anything that looks like a media URL.
type scrapeStrategy struct{}

func (scrapeStrategy) name() string { return "scrape" }

var mediaURLRe = regexp.MustCompile(`https?://[^\s"'<>\\]+?\.(?:mp4|webm|mov)(?:\?[^\s"'<>\\]*)?`)

func (scrapeStrategy) fetch(ctx context.Context, rawURL, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("scrape request: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("scrape get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("scrape status %d", resp.StatusCode)
	}

	// Page HTML, not the media itself; 4MB is plenty.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("scrape read: %w", err)
	}

	matches := mediaURLRe.FindAllString(string(body), 10)
	if len(matches) == 0 {
		return "", fmt.Errorf("scrape: no media urls in page")
	}

	var lastErr error
	for _, m := range matches {
		m = strings.ReplaceAll(m, `\/`, "/")
		if _, err := url.Parse(m); err != nil {
			continue
		}
		path, err := fetchToFile(ctx, m, rawURL, dir, "scrape")
		if err != nil {
			lastErr = err
			continue
		}
		return path, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no fetchable media url")
	}
	return "", fmt.Errorf("scrape: %w", lastErr)
}
