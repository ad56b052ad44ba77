package httpserver_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipscrub/clipscrub/internal/adapter/httpserver"
)

// testArgon2Params keeps hashing cheap in tests; KeyLen must stay 32 to match
// the verifier.
var testArgon2Params = httpserver.Argon2Params{
	Memory:      1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLen:     16,
	KeyLen:      32,
}

func TestHashAndVerifyToken(t *testing.T) {
	digest, err := httpserver.HashToken("sk_live_abc123", testArgon2Params)
	require.NoError(t, err)

	assert.True(t, httpserver.VerifyToken("sk_live_abc123", digest))
	assert.False(t, httpserver.VerifyToken("sk_live_abc124", digest))
	assert.False(t, httpserver.VerifyToken("", digest))

	// two hashes of the same token differ (random salt) but both verify
	digest2, err := httpserver.HashToken("sk_live_abc123", testArgon2Params)
	require.NoError(t, err)
	assert.NotEqual(t, digest, digest2)
	assert.True(t, httpserver.VerifyToken("sk_live_abc123", digest2))
}

func TestVerifyToken_MalformedDigests(t *testing.T) {
	for _, bad := range []string{
		"",
		"argon2id",
		"argon2id$1$1024$1$salt",                 // missing hash part
		"bcrypt$1$1024$1$c2FsdA$aGFzaA",          // wrong algorithm
		"argon2id$x$1024$1$c2FsdA$aGFzaA",        // non-numeric iterations
		"argon2id$1$1024$1$!!notbase64!!$aGFzaA", // bad salt encoding
		"argon2id$1$1024$1$c2FsdA$!!notbase64!!", // bad hash encoding
	} {
		assert.False(t, httpserver.VerifyToken("anything", bad), bad)
	}
}

func TestBearerAuth(t *testing.T) {
	digest, err := httpserver.HashToken("tok-alice", testArgon2Params)
	require.NoError(t, err)

	var gotUser string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = httpserver.UserIDFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := httpserver.BearerAuth([]string{
		"alice=" + digest,
		"malformed-entry-without-separator",
	})(next)

	// valid token resolves the user
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok-alice")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", gotUser)

	// wrong token
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok-mallory")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// missing header
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// wrong scheme
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic dG9rLWFsaWNl")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInternalAuth(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := httpserver.InternalAuth("shared", false)(next)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Internal-Secret", "shared")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Internal-Secret", "guess")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// no secret in prod: the endpoint is off regardless of the header
	disabled := httpserver.InternalAuth("", true)(next)
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Internal-Secret", "")
	rec = httptest.NewRecorder()
	disabled.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "disabled")

	// no secret outside prod: the local worker's callback still settles jobs
	open := httpserver.InternalAuth("", false)(next)
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	rec = httptest.NewRecorder()
	open.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUserIDFrom_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "", httpserver.UserIDFrom(req.Context()))
}
