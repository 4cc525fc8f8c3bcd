package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
)

// AdminKeyAuth guards the operator endpoints (forced sweeps, manual
// snapshots) with a set of shared keys. The key is presented via:
//   - Authorization: Bearer <key>
//   - X-API-Key: <key>
//
// Keys come from AGENTWATCH_ADMIN_KEYS. With no keys configured the guarded
// routes are closed (403) rather than open.
type AdminKeyAuth struct {
	mu   sync.RWMutex
	keys map[string]bool
}

// NewAdminKeyAuth creates the guard from the configured keys. Blank entries
// are ignored.
func NewAdminKeyAuth(keys []string) *AdminKeyAuth {
	auth := &AdminKeyAuth{keys: make(map[string]bool)}
	for _, key := range keys {
		if key = strings.TrimSpace(key); key != "" {
			auth.keys[key] = true
		}
	}
	return auth
}

// Enabled reports whether any operator key is configured.
func (a *AdminKeyAuth) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys) > 0
}

// AddKey adds a key at runtime.
func (a *AdminKeyAuth) AddKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[key] = true
}

// RemoveKey removes a key at runtime.
func (a *AdminKeyAuth) RemoveKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keys, key)
}

// Middleware enforces the operator key.
func (a *AdminKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			respondError(w, http.StatusForbidden, "operator endpoints are disabled; set AGENTWATCH_ADMIN_KEYS")
			return
		}

		apiKey := extractAPIKey(r)
		if apiKey == "" {
			respondUnauthorized(w, "API key required")
			return
		}

		if !a.validateKey(apiKey) {
			respondError(w, http.StatusForbidden, "invalid operator key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *AdminKeyAuth) validateKey(candidate string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	// Compare against every key so timing does not reveal which one matched.
	ok := false
	for key := range a.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

// extractAPIKey reads the key from the headers only. Query strings end up in
// access logs, so they are never consulted.
func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="agentwatch"`)
	respondError(w, http.StatusUnauthorized, msg)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
