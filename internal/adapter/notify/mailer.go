package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clipscrub/clipscrub/internal/domain"
	"github.com/clipscrub/clipscrub/internal/observability"
)

// Mailer sends terminal-state mail through the mail relay service, honoring
// the user's cached preferences. It implements domain.Mailer.
type Mailer struct {
	baseURL    string
	apiKey     string
	prefs      *PrefsCache
	httpClient *http.Client
}

// NewMailer constructs a Mailer. An empty baseURL disables mail entirely.
func NewMailer(baseURL, apiKey string, prefs *PrefsCache) *Mailer {
	return &Mailer{
		baseURL: baseURL,
		apiKey:  apiKey,
		prefs:   prefs,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// SendJobNotice mails the user about a terminal job, unless mail is disabled
// for them or globally.
func (m *Mailer) SendJobNotice(ctx context.Context, userID string, n domain.TerminalNotice) error {
	if m.baseURL == "" {
		return nil
	}
	if m.prefs != nil {
		p, err := m.prefs.Get(ctx, userID)
		if err != nil {
			return err
		}
		if !p.EmailEnabled || p.Email == "" {
			return nil
		}
		return m.send(ctx, p.Email, n)
	}
	return nil
}

func (m *Mailer) send(ctx context.Context, email string, n domain.TerminalNotice) error {
	subject := fmt.Sprintf("Your video is ready (%s)", n.JobID)
	if n.Status != "completed" {
		subject = fmt.Sprintf("Your video could not be processed (%s)", n.JobID)
	}
	body, _ := json.Marshal(map[string]any{
		"to":      email,
		"subject": subject,
		"notice":  n,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mail post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("mail status %d", resp.StatusCode)
	}
	observability.LoggerFromContext(ctx).Info("mail notice sent", "job_id", n.JobID)
	return nil
}
