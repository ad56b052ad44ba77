package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipscrub/clipscrub/internal/domain"
)

func TestWebhook_SignsAndDelivers(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Clipscrub-Signature")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh := NewWebhook("hush")
	notice := domain.TerminalNotice{JobID: "job_abc", Status: "completed", OutputURL: "http://blob/out"}
	require.NoError(t, wh.Notify(context.Background(), srv.URL, notice))

	assert.Equal(t, "application/json", gotType)

	var got domain.TerminalNotice
	require.NoError(t, json.Unmarshal(gotBody, &got))
	assert.Equal(t, "job_abc", got.JobID)

	mac := hmac.New(sha256.New, []byte("hush"))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)
}

func TestWebhook_NoSecretNoSignature(t *testing.T) {
	var signed atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signed.Store(r.Header.Get("X-Clipscrub-Signature") != "")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook("")
	require.NoError(t, wh.Notify(context.Background(), srv.URL, domain.TerminalNotice{JobID: "job_x"}))
	assert.False(t, signed.Load())
}

func TestWebhook_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook("s").Notify(context.Background(), srv.URL, domain.TerminalNotice{JobID: "job_x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhook_UnreachableTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	err := NewWebhook("s").Notify(context.Background(), srv.URL, domain.TerminalNotice{JobID: "job_x"})
	assert.Error(t, err)
}
