package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ms-registration/internal/logger"
	"ms-registration/internal/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevVerifierRoundTrip(t *testing.T) {
	v := NewDevVerifier("dev-secret")
	token, err := v.Issue(Identity{Subject: "S1", Email: "s1@fest.test", Roles: []string{"coordinator"}}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "S1", id.Subject)
	assert.Equal(t, "s1@fest.test", id.Email)
	assert.True(t, id.HasRole("coordinator"))
	assert.False(t, id.HasRole("admin"))
	assert.WithinDuration(t, time.Now().Add(time.Hour), id.ExpiresAt, 5*time.Second)
}

func TestDevVerifierRejects(t *testing.T) {
	v := NewDevVerifier("dev-secret")

	foreign, err := NewDevVerifier("other").Issue(Identity{Subject: "S1"}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := v.Issue(Identity{Subject: "S1"}, -time.Minute)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "S1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noSubject, err := v.Issue(Identity{}, time.Hour)
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), noSubject)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRealmRolesAreMerged(t *testing.T) {
	var c tokenClaims
	require.NoError(t, json.Unmarshal([]byte(`{"roles":["admin"],"realm_access":{"roles":["coordinator","admin"]}}`), &c))
	assert.Equal(t, []string{"admin", "coordinator"}, c.roles())
}

func TestExtractTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := ExtractTokenFromRequest(req)
	assert.Error(t, err)

	req.Header.Set("Authorization", "Basic abc")
	_, err = ExtractTokenFromRequest(req)
	assert.Error(t, err)

	req.Header.Set("Authorization", "bearer abc")
	token, err := ExtractTokenFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
}

func protected(v Verifier, roles ...string) http.Handler {
	log := logger.Discard()
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(UserID(r.Context())))
	})
	if len(roles) > 0 {
		return Middleware(v, log)(RequireRole(log, roles...)(h))
	}
	return Middleware(v, log)(h)
}

func TestMiddleware(t *testing.T) {
	v := NewDevVerifier("dev-secret")
	student, err := v.Issue(Identity{Subject: "S1"}, time.Hour)
	require.NoError(t, err)
	coordinator, err := v.Issue(Identity{Subject: "C1", Roles: []string{"coordinator"}}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		roles  []string
		status int
		body   string
	}{
		{"missing token", "", nil, http.StatusUnauthorized, ""},
		{"bad token", "garbage", nil, http.StatusUnauthorized, ""},
		{"authenticated", student, nil, http.StatusOK, "S1"},
		{"missing role", student, []string{"coordinator"}, http.StatusForbidden, ""},
		{"has role", coordinator, []string{"coordinator", "admin"}, http.StatusOK, "C1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			protected(v, tt.roles...).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.body, rec.Body.String())
				return
			}
			var resp utils.APIResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
		})
	}
}

type countingVerifier struct {
	calls atomic.Int32
	id    Identity
}

func (c *countingVerifier) Verify(context.Context, string) (*Identity, error) {
	c.calls.Add(1)
	id := c.id
	return &id, nil
}

func TestCachingVerifier(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	inner := &countingVerifier{id: Identity{Subject: "S1", Roles: []string{"coordinator"}, ExpiresAt: time.Now().Add(time.Hour)}}
	v := NewCachingVerifier(inner, client, logger.Discard())

	for range 3 {
		id, err := v.Verify(context.Background(), "token-a")
		require.NoError(t, err)
		assert.Equal(t, "S1", id.Subject)
		assert.Equal(t, []string{"coordinator"}, id.Roles)
	}
	assert.Equal(t, int32(1), inner.calls.Load())

	ttl := mr.TTL(tokenKey("token-a"))
	assert.LessOrEqual(t, ttl, MaxCacheTTL)
	assert.Positive(t, ttl)

	_, err := v.Verify(context.Background(), "token-b")
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.calls.Load())
}

func TestCachingVerifierFallsThroughWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	inner := &countingVerifier{id: Identity{Subject: "S1", ExpiresAt: time.Now().Add(time.Hour)}}
	id, err := NewCachingVerifier(inner, client, logger.Discard()).Verify(context.Background(), "token-a")
	require.NoError(t, err)
	assert.Equal(t, "S1", id.Subject)
}
