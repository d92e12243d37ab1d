package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/squirtgunhero/node3/marketplace/store"
)

type contextKey string

const agentContextKey contextKey = "agent"

// Authenticator resolves a bearer credential to its agent.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*store.Agent, error)
}

// AgentAuth enforces the X-Agent-Key header and injects the resolved agent
// into the request context.
func AgentAuth(auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := r.Header.Get("X-Agent-Key")
		if credential == "" {
			http.Error(w, `{"code":"Unauthorized","message":"missing X-Agent-Key header"}`, http.StatusUnauthorized)
			return
		}

		agent, err := auth.Authenticate(r.Context(), credential)
		if err != nil {
			http.Error(w, `{"code":"Unauthorized","message":"invalid credential"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), agentContextKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AgentFromContext returns the authenticated agent injected by AgentAuth.
func AgentFromContext(ctx context.Context) (*store.Agent, bool) {
	agent, ok := ctx.Value(agentContextKey).(*store.Agent)
	return agent, ok
}

// AdminAuth enforces the X-Admin-Key header against the configured admin
// credential. Comparison is constant-time.
func AdminAuth(adminKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
			http.Error(w, `{"code":"Unauthorized","message":"invalid admin credential"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
