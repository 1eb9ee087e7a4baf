package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"idgov/internal/domain"
)

// DefaultNameClaim is the claim recorded as the actor's display identity.
const DefaultNameClaim = "email"

// Authenticate returns middleware that requires a valid bearer token and
// stores the caller as the domain.Actor of the request context. The actor's
// Email is taken from nameClaim, falling back to preferred_username.
func Authenticate(validator JWTValidator, nameClaim string, logger *slog.Logger) func(http.Handler) http.Handler {
	if nameClaim == "" {
		nameClaim = DefaultNameClaim
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			claims, err := validator.Validate(r.Context(), token)
			if err != nil {
				logger.Debug("rejected bearer token", "error", err, "request_id", RequestIDFromContext(r.Context()))
				writeUnauthorized(w, "invalid token")
				return
			}
			if claims.Subject == "" {
				writeUnauthorized(w, "token has no subject")
				return
			}

			name := claims.StringClaim(nameClaim)
			if name == "" {
				name = claims.StringClaim("preferred_username")
			}
			ctx := domain.WithActor(r.Context(), domain.Actor{Subject: claims.Subject, Email: name})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="idgov"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    http.StatusUnauthorized,
		"message": msg,
	})
}
