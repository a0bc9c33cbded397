package httpapi

import (
	"context"
	"net/http"
	"strings"
)

type apiKeyContextKey struct{}

// requireAPIKey rejects requests without an active "Bearer <key>"
// Authorization header.
func (a *api) requireAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			unauthorized(w, "missing or malformed Authorization header")
			return
		}
		active, err := a.repo.APIKeyActive(r.Context(), key)
		if err != nil {
			a.logger.Error("api key lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to check API key")
			return
		}
		if !active {
			unauthorized(w, "invalid or revoked API key")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), apiKeyContextKey{}, key)))
	}
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func apiKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(apiKeyContextKey{}).(string)
	return key
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, msg)
}
