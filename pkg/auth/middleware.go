package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the token query parameter that browser websocket clients use.
func TokenFromRequest(r *http.Request) string {
	tokenString := r.Header.Get("Authorization")
	if tokenString == "" {
		tokenString = r.URL.Query().Get("token")
	}
	return strings.TrimPrefix(tokenString, "Bearer ")
}

// Middleware rejects requests without a valid token and stores the claims in
// the request context under UserKey.
func Middleware(issuer *Issuer, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := TokenFromRequest(r)
			if tokenString == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			claims, err := issuer.ValidateToken(tokenString)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected token")
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), UserKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext returns the claims stored by Middleware.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(UserKey).(*Claims)
	return claims, ok
}
