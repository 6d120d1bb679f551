package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"ms-registration/internal/logger"

	"github.com/go-redis/redis/v8"
)

const (
	tokenKeyPrefix = "auth:token:"
	// MaxCacheTTL bounds how long a verified identity is reused, so revoked
	// roles take effect without waiting for token expiry.
	MaxCacheTTL = 5 * time.Minute
)

// CachingVerifier remembers verified identities in Redis keyed by a hash of
// the raw token. Cache failures fall through to the wrapped verifier.
type CachingVerifier struct {
	next   Verifier
	client *redis.Client
	log    *logger.Logger
	now    func() time.Time
}

func NewCachingVerifier(next Verifier, client *redis.Client, log *logger.Logger) *CachingVerifier {
	return &CachingVerifier{next: next, client: client, log: log, now: time.Now}
}

func tokenKey(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return tokenKeyPrefix + hex.EncodeToString(sum[:])
}

func (c *CachingVerifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	key := tokenKey(rawToken)

	cached, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var id Identity
		if err := json.Unmarshal(cached, &id); err == nil && c.now().Before(id.ExpiresAt) {
			return &id, nil
		}
	case err != redis.Nil:
		c.log.Warn("AUTH", fmt.Sprintf("Token cache read failed: %v", err))
	}

	id, err := c.next.Verify(ctx, rawToken)
	if err != nil {
		return nil, err
	}

	ttl := min(id.ExpiresAt.Sub(c.now()), MaxCacheTTL)
	if ttl <= 0 {
		return id, nil
	}
	data, err := json.Marshal(id)
	if err != nil {
		return id, nil
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.log.Warn("AUTH", fmt.Sprintf("Token cache write failed: %v", err))
	}
	return id, nil
}
