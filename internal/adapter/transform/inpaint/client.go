// Package inpaint calls the external inpainting service that paints the
// watermark region out instead of cropping it.
package inpaint

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/observability"
)

// Client implements domain.Transformer against the inpaint HTTP service. A
// circuit breaker keeps a flapping backend from stalling every job for the
// full request timeout.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *breaker
}

// New constructs an inpaint client. Timeout should cover a full video pass.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: newBreaker(3, 30*time.Second),
	}
}

// Name identifies the backend for the charging rule.
func (c *Client) Name() string { return "inpaint" }

// Transform uploads the input and the watermark region, and writes the
// service's response to <dir>/<base>_inpainted.mp4.
func (c *Client) Transform(ctx context.Context, inputPath string, info domain.VideoInfo, p domain.WorkPayload) (string, error) {
	if !c.breaker.shouldAttempt() {
		return "", fmt.Errorf("%w: inpaint circuit open", domain.ErrUpstreamTimeout)
	}

	start := time.Now()
	out, err := c.transform(ctx, inputPath, p)
	if err != nil {
		c.breaker.recordFailure()
		return "", err
	}
	c.breaker.recordSuccess()
	observability.TransformDuration.WithLabelValues("inpaint").Observe(time.Since(start).Seconds())
	return out, nil
}

// Ping checks the inpaint service health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("inpaint health status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) transform(ctx context.Context, inputPath string, p domain.WorkPayload) (string, error) {
	f, err := os.Open(inputPath)
	if err != nil {
		return "", fmt.Errorf("inpaint open input: %w", err)
	}
	defer func() { _ = f.Close() }()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("video", filepath.Base(inputPath))
	if err != nil {
		return "", fmt.Errorf("inpaint form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", fmt.Errorf("inpaint copy: %w", err)
	}
	_ = mw.WriteField("region_pixels", fmt.Sprintf("%d", p.CropPixels))
	_ = mw.WriteField("region_position", string(p.CropPosition))
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("inpaint form close: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/inpaint", &body)
	if err != nil {
		return "", fmt.Errorf("inpaint request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: inpaint: %v", domain.ErrUpstreamTimeout, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: inpaint status %d", domain.ErrUpstreamTimeout, resp.StatusCode)
	}

	dir := filepath.Dir(inputPath)
	base := filepath.Base(inputPath)
	if ext := filepath.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}
	outputPath := filepath.Join(dir, base+"_inpainted.mp4")
	out, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("inpaint output: %w", err)
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = os.Remove(outputPath)
		return "", fmt.Errorf("inpaint download: %w", err)
	}
	return outputPath, nil
}
