package quarry

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// expiryMargin rejects cached tokens about to lapse; resuming on one would
// fail on the first annotated command anyway.
const expiryMargin = 30 * time.Second

// TokenCache stores authenticated security tokens in Redis keyed by
// (appID, sessionID), letting a reconnecting client resume a session
// without repeating the credential exchange. Every failure here is
// non-fatal: a broken cache degrades to a normal authentication.
type TokenCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    zerolog.Logger
}

func newTokenCache(client *redis.Client, cfg TokenCacheConfig, log zerolog.Logger) *TokenCache {
	return &TokenCache{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		log:    log.With().Str("component", "tokencache").Logger(),
	}
}

func (c *TokenCache) key(appID, sessionID string) string {
	return c.prefix + ":token:" + appID + ":" + sessionID
}

// Lookup returns a usable cached token, if any.
func (c *TokenCache) Lookup(ctx context.Context, appID, sessionID string) (string, bool) {
	token, err := c.client.Get(ctx, c.key(appID, sessionID)).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		c.log.Debug().Err(err).Msg("token lookup failed")
		return "", false
	}
	if !tokenUsable(token) {
		// Expired or nearly so; drop it rather than hand it out again.
		if err := c.client.Del(ctx, c.key(appID, sessionID)).Err(); err != nil {
			c.log.Debug().Err(err).Msg("stale token delete failed")
		}
		return "", false
	}
	return token, true
}

// Store caches token for the configured TTL, bounded by the token's own
// expiry when it carries one.
func (c *TokenCache) Store(ctx context.Context, appID, sessionID, token string) {
	if token == "" {
		return
	}
	ttl := c.ttl
	if exp, ok := tokenExpiry(token); ok {
		if remaining := time.Until(exp) - expiryMargin; remaining < ttl {
			ttl = remaining
		}
	}
	if ttl <= 0 {
		return
	}
	if err := c.client.Set(ctx, c.key(appID, sessionID), token, ttl).Err(); err != nil {
		c.log.Debug().Err(err).Msg("token store failed")
	}
}

// Invalidate removes a cached token.
func (c *TokenCache) Invalidate(ctx context.Context, appID, sessionID string) {
	if err := c.client.Del(ctx, c.key(appID, sessionID)).Err(); err != nil {
		c.log.Debug().Err(err).Msg("token invalidate failed")
	}
}

// tokenExpiry reads the exp claim without verifying the signature. The
// session cannot verify tokens it merely carries; it only avoids reusing
// ones the backend is guaranteed to reject.
func tokenExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// tokenUsable reports whether a cached token is worth resuming with.
// Opaque, non-JWT tokens are assumed usable; the backend has the last word.
func tokenUsable(token string) bool {
	exp, ok := tokenExpiry(token)
	if !ok {
		return true
	}
	return time.Until(exp) > expiryMargin
}
