package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/clipscrub/clipscrub/internal/usecase"
)

// Reporter posts terminal outcomes back to the submitter's internal callback
// endpoint. The submitter is the single writer for terminal transitions; the
// worker only reports what happened.
type Reporter struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

// NewReporter constructs a Reporter against the submitter base URL.
func NewReporter(baseURL, secret string) *Reporter {
	return &Reporter{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
		httpClient: &http.Client{
			Timeout:   15 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Report delivers a completion report, retrying transient failures. A 4xx
// response is permanent: retrying a rejected report cannot change the answer.
func (r *Reporter) Report(ctx context.Context, rep usecase.CompletionReport) error {
	body, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("op=reporter: %w", err)
	}
	url := fmt.Sprintf("%s/api/internal/jobs/%s/complete", r.baseURL, rep.JobID)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Internal-Secret", r.secret)
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("callback status %d", resp.StatusCode))
		}
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 2 * time.Second
	expo.MaxInterval = 20 * time.Second
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("op=reporter job_id=%s: %w", rep.JobID, err)
	}
	return nil
}
