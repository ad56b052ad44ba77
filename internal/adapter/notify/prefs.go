package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clipscrub/clipscrub/internal/observability"
)

// Prefs are a user's notification preferences.
type Prefs struct {
	EmailEnabled bool   `json:"email_enabled"`
	Email        string `json:"email,omitempty"`
}

// PrefsSource loads preferences from the system of record.
type PrefsSource interface {
	Load(ctx context.Context, userID string) (Prefs, error)
}

// StaticSource maps user ids to email addresses, for deployments without a
// preference store. Presence in the map opts the user in.
type StaticSource map[string]string

// Load implements PrefsSource.
func (s StaticSource) Load(_ context.Context, userID string) (Prefs, error) {
	email, ok := s[userID]
	return Prefs{EmailEnabled: ok, Email: email}, nil
}

// ParseStaticSource parses "user=email" pairs into a StaticSource.
func ParseStaticSource(pairs []string) StaticSource {
	out := make(StaticSource, len(pairs))
	for _, p := range pairs {
		if user, email, ok := strings.Cut(strings.TrimSpace(p), "="); ok && user != "" && email != "" {
			out[user] = email
		}
	}
	return out
}

// PrefsCache fronts a PrefsSource with a Redis cache. Terminal notices are
// frequent relative to preference changes, so a short TTL keeps the source
// quiet without making changes feel stale.
type PrefsCache struct {
	redis  *redis.Client
	source PrefsSource
	ttl    time.Duration
}

// NewPrefsCache constructs a PrefsCache.
func NewPrefsCache(rdb *redis.Client, source PrefsSource, ttl time.Duration) *PrefsCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &PrefsCache{redis: rdb, source: source, ttl: ttl}
}

func prefsKey(userID string) string { return "notify:prefs:" + userID }

// Get returns the user's preferences, consulting the cache first.
func (c *PrefsCache) Get(ctx context.Context, userID string) (Prefs, error) {
	if c.redis != nil {
		raw, err := c.redis.Get(ctx, prefsKey(userID)).Result()
		if err == nil {
			var p Prefs
			if jerr := json.Unmarshal([]byte(raw), &p); jerr == nil {
				return p, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			observability.LoggerFromContext(ctx).Warn("prefs cache read failed",
				"user_id", userID, "error", err)
		}
	}

	if c.source == nil {
		return Prefs{}, nil
	}
	p, err := c.source.Load(ctx, userID)
	if err != nil {
		return Prefs{}, fmt.Errorf("prefs load: %w", err)
	}

	if c.redis != nil {
		if b, err := json.Marshal(p); err == nil {
			if err := c.redis.Set(ctx, prefsKey(userID), b, c.ttl).Err(); err != nil {
				observability.LoggerFromContext(ctx).Warn("prefs cache write failed",
					"user_id", userID, "error", err)
			}
		}
	}
	return p, nil
}

// Invalidate drops the cached entry after a preference change.
func (c *PrefsCache) Invalidate(ctx context.Context, userID string) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Del(ctx, prefsKey(userID)).Err()
}
