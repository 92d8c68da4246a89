package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/meridian-labs/llmgate/internal/config"
)

type ctxKey int

const userCtxKey ctxKey = iota

// userFromContext returns the authenticated UserToken stashed by
// authMiddleware, and the raw user ID it was registered under.
func userFromContext(ctx context.Context) (config.UserToken, string, bool) {
	u, ok := ctx.Value(userCtxKey).(*authedUser)
	if !ok {
		return config.UserToken{}, "", false
	}
	return u.token, u.id, true
}

type authedUser struct {
	id    string
	token config.UserToken
}

// authMiddleware enforces bearer-token auth and the per-user three-window
// rate limit before any request reaches the pipeline. Both checks happen
// here, ahead of routing, so a rejected request never costs a route
// selection or an upstream dial.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing bearer token", "")
			return
		}

		cfg := s.cfgHolder.Current()
		u, found := cfg.UserByToken(token)
		if !found {
			writeError(w, http.StatusUnauthorized, "authentication_error", "invalid or disabled token", "")
			return
		}
		id := u.Name

		if !s.limiters.allow(id, u.RateLimit) {
			writeError(w, http.StatusTooManyRequests, "rate_limit_error", "rate limit exceeded", "")
			return
		}

		ctx := context.WithValue(r.Context(), userCtxKey, &authedUser{id: id, token: u})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
