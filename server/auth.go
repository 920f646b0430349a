package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// publicPaths are served without a token.
var publicPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// requireBearer rejects requests whose Authorization header does not carry
// token. An empty token disables the check.
func requireBearer(token string, logger *slog.Logger, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte(token)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		got, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			logger.Debug("sync request rejected", "path", r.URL.Path, "remote_addr", r.RemoteAddr, "has_token", ok)
			w.Header().Set("WWW-Authenticate", `Bearer realm="card-stats"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
