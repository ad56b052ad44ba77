// Package blob provides a minimal HTTP client for the storage service.
//
// Objects live under two logical buckets: raw inputs and processed outputs.
// Paths are object keys; the public URL of an object is baseURL/object/<bucket>/<key>.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Client is a minimal storage HTTP client implementing domain.BlobStore.
type Client struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// New constructs a blob client with baseURL and optional serviceKey.
func New(baseURL, serviceKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		httpClient: &http.Client{
			Timeout:   5 * time.Minute, // uploads can be hundreds of MB
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) objectURL(bucket, path string) string {
	return fmt.Sprintf("%s/object/%s/%s", c.baseURL, url.PathEscape(bucket), path)
}

// PublicURL returns the address clients fetch an object from.
func (c *Client) PublicURL(bucket, path string) string {
	return c.objectURL(bucket, path)
}

// Upload stores data under bucket/path and returns the object's public URL.
// With upsert, an existing object at the same key is replaced.
func (c *Client) Upload(ctx context.Context, bucket, path, contentType string, data []byte, upsert bool) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.objectURL(bucket, path), bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("blob upload request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", contentType)
	if upsert {
		req.Header.Set("X-Upsert", "true")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("blob upload: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("blob upload status %d", resp.StatusCode)
	}
	return c.PublicURL(bucket, path), nil
}

// List returns up to limit object keys under prefix.
func (c *Client) List(ctx context.Context, bucket, prefix string, limit int) ([]string, error) {
	body := map[string]any{"prefix": prefix, "limit": limit}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/list/%s", c.baseURL, url.PathEscape(bucket)), bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("blob list request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob list: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("blob list status %d", resp.StatusCode)
	}
	var out []struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("blob list decode: %w", err)
	}
	names := make([]string, 0, len(out))
	for _, o := range out {
		names = append(names, o.Name)
	}
	return names, nil
}

// Delete removes the object at bucket/path. Missing objects are not an error.
func (c *Client) Delete(ctx context.Context, bucket, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.objectURL(bucket, path), nil)
	if err != nil {
		return fmt.Errorf("blob delete request: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("blob delete: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("blob delete status %d", resp.StatusCode)
	}
	return nil
}

// Ping checks connectivity to the storage service.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("blob health status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.serviceKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	}
}
