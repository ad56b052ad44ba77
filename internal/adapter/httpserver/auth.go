package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/clipscrub/clipscrub/internal/domain"
)

// Argon2Params defines parameters for Argon2id token hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024, // 64 MB
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashToken creates an Argon2id digest of an API token, in the same encoded
// form VerifyToken accepts.
func HashToken(token string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(token), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)
	// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 encoded)
	encoded := fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// VerifyToken verifies a presented token against its Argon2id digest.
func VerifyToken(token, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	actual := argon2.IDKey([]byte(token), salt, iters, mem, par, defaultArgon2Params.KeyLen)
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

type userIDKey struct{}

// UserIDFrom returns the authenticated user id stored by BearerAuth.
func UserIDFrom(ctx context.Context) string {
	if v := ctx.Value(userIDKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// BearerAuth authenticates API requests against configured token digests.
// Each entry is "user_id=argon2id$..."; the matching entry names the caller.
func BearerAuth(tokenHashes []string) func(http.Handler) http.Handler {
	type entry struct{ userID, digest string }
	entries := make([]entry, 0, len(tokenHashes))
	for _, th := range tokenHashes {
		user, digest, ok := strings.Cut(th, "=")
		if !ok || user == "" || digest == "" {
			continue
		}
		entries = append(entries, entry{userID: user, digest: digest})
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				writeError(w, r, fmt.Errorf("%w: missing bearer token", domain.ErrUnauthorized), nil)
				return
			}
			for _, e := range entries {
				if VerifyToken(token, e.digest) {
					ctx := context.WithValue(r.Context(), userIDKey{}, e.userID)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			writeError(w, r, fmt.Errorf("%w: invalid token", domain.ErrUnauthorized), nil)
		})
	}
}

// InternalAuth guards the worker callback with a shared secret header. A
// configured secret is always enforced. With no secret, requireSecret
// decides: prod refuses every request, dev lets the callback through so a
// local worker can settle jobs without shared-secret plumbing.
func InternalAuth(secret string, requireSecret bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				if requireSecret {
					writeError(w, r, fmt.Errorf("%w: internal endpoint disabled", domain.ErrUnauthorized), nil)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			got := r.Header.Get("X-Internal-Secret")
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				writeError(w, r, fmt.Errorf("%w: bad internal secret", domain.ErrUnauthorized), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// parseUint32 parses a decimal string into uint32; returns error on failure.
func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	if x > math.MaxUint32 {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}
