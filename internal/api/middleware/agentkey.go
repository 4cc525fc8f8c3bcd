package middleware

import (
	"context"
	"net/http"
)

type contextKey string

const agentKeyCtxKey contextKey = "agent_key"

// AgentKey requires the calling agent's secret on the request and stores it
// in the context for the handler. Whether the secret belongs to the agent in
// the path is the registry's decision, not this middleware's.
func AgentKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractAPIKey(r)
		if key == "" {
			respondUnauthorized(w, "API key required")
			return
		}
		ctx := context.WithValue(r.Context(), agentKeyCtxKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAgentKey returns the secret stored by AgentKey, or "".
func GetAgentKey(ctx context.Context) string {
	if v, ok := ctx.Value(agentKeyCtxKey).(string); ok {
		return v
	}
	return ""
}
