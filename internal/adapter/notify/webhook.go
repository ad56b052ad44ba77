// Package notify delivers terminal-state notifications: caller webhooks and
// user mail, with notification preferences cached in Redis.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/observability"
)

// Webhook posts TerminalNotice bodies to caller-supplied URLs. It implements
// domain.Notifier. Delivery is fire-and-forget from the caller's view; a
// failed delivery is logged and dropped, never retried into job state.
type Webhook struct {
	httpClient *http.Client
	// secret, when set, signs each body with HMAC-SHA256 in the
	// X-Clipscrub-Signature header so receivers can authenticate us.
	secret []byte
}

// NewWebhook constructs a webhook notifier. secret may be empty.
func NewWebhook(secret string) *Webhook {
	return &Webhook{
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		secret: []byte(secret),
	}
}

// Notify delivers one terminal notice.
func (w *Webhook) Notify(ctx context.Context, webhookURL string, n domain.TerminalNotice) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("webhook marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "clipscrub-webhook/1.0")
	if len(w.secret) > 0 {
		mac := hmac.New(sha256.New, w.secret)
		mac.Write(body)
		req.Header.Set("X-Clipscrub-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	observability.LoggerFromContext(ctx).Info("webhook delivered",
		"job_id", n.JobID, "status", n.Status)
	return nil
}
