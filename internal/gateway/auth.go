package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// agentIDKey is the context key for the session-authenticated agent id.
type agentIDKey struct{}

// authMiddleware validates bearer tokens. The static admin token from
// config is accepted, as is any registered agent's session token. When
// no admin token is configured auth is disabled entirely.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.cfg.AuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health stays reachable for probes.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearer(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		// Session tokens are prefixed at mint time; skip the DB lookup
		// for anything else.
		if strings.HasPrefix(token, "sel_") {
			agent, err := s.cfg.Store.AgentByToken(r.Context(), token)
			if err == nil && agent != nil {
				ctx := context.WithValue(r.Context(), agentIDKey{}, agent.ID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		writeError(w, http.StatusForbidden, "invalid bearer token")
	})
}

// extractBearer pulls a token from Authorization: Bearer or X-API-Key.
func extractBearer(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// AgentIDFromContext returns the agent id a session token authenticated
// as, or empty for admin-token and unauthenticated requests.
func AgentIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(agentIDKey{}).(string); ok {
		return id
	}
	return ""
}
