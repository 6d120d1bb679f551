package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"ms-registration/internal/apperror"
	"ms-registration/internal/logger"
	"ms-registration/internal/utils"
)

type contextKey string

const identityKey contextKey = "identity"

const codeUnauthenticated = "UNAUTHENTICATED"

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil
}

// UserID returns the authenticated subject, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	if id, ok := FromContext(ctx); ok {
		return id.Subject
	}
	return ""
}

// Middleware rejects requests without a valid bearer token and stores the
// caller's Identity in the request context.
func Middleware(v Verifier, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, err := ExtractTokenFromRequest(r)
			if err != nil {
				utils.WriteErrorStatus(w, http.StatusUnauthorized, codeUnauthenticated, err.Error())
				return
			}

			id, err := v.Verify(r.Context(), rawToken)
			if err != nil {
				if !errors.Is(err, ErrInvalidToken) {
					log.Error("AUTH", fmt.Sprintf("Token verification failed: %v", err))
				}
				log.LogSecurity("TOKEN_REJECTED", fmt.Sprintf("%s %s from %s", r.Method, r.URL.Path, r.RemoteAddr))
				utils.WriteErrorStatus(w, http.StatusUnauthorized, codeUnauthenticated, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireRole admits callers holding at least one of roles.
func RequireRole(log *logger.Logger, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				utils.WriteErrorStatus(w, http.StatusUnauthorized, codeUnauthenticated, "authentication required")
				return
			}
			if !id.HasRole(roles...) {
				log.LogSecurity("ROLE_DENIED", fmt.Sprintf("%s lacks %v for %s %s", id.Subject, roles, r.Method, r.URL.Path))
				utils.WriteError(w, apperror.Unauthorized("%s role required", roles[0]))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
