package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Strob0t/synchub/internal/domain"
	"github.com/Strob0t/synchub/internal/port/authn"
)

type authUserCtxKey struct{}

// publicPaths are exempt from authentication. The socket endpoint runs its
// own handshake.
var publicPaths = map[string]bool{
	"/health": true,
	"/ws":     true,
}

// Auth returns middleware that requires an "Authorization: Bearer" credential
// accepted by validator. When enabled is false every request passes through
// without a user.
func Auth(validator authn.Validator, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled || publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			if token == authHeader || token == "" {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}

			userID, err := validator.Validate(r.Context(), token)
			if err != nil {
				if !errors.Is(err, domain.ErrAuthentication) {
					slog.Error("credential validation failed", "error", err)
				}
				http.Error(w, `{"error":"invalid credential"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), authUserCtxKey{}, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFromContext returns the authenticated user id, or "" when the request
// was not authenticated.
func UserFromContext(ctx context.Context) string {
	u, _ := ctx.Value(authUserCtxKey{}).(string)
	return u
}
