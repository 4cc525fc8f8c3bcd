// Package handlers implements the HTTP handlers for the agentwatch server.
// Handlers only decode requests and map errors; every rule about agents
// lives in the registry.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentwatch/internal/api/middleware"
	"github.com/agentoven/agentwatch/internal/registry"
	"github.com/agentoven/agentwatch/internal/store"
	"github.com/agentoven/agentwatch/pkg/contracts"
)

// maxBodyBytes bounds every request body. Heartbeats are tiny.
const maxBodyBytes = 64 << 10

// Handlers holds all handler dependencies.
type Handlers struct {
	Registry *registry.Registry
	Sweeper  contracts.Sweeper
	Trends   contracts.TrendRecorder
	Stream   contracts.ActivitySubscriber
}

// New creates a new Handlers instance with all dependencies.
func New(reg *registry.Registry, sweeper contracts.Sweeper, trends contracts.TrendRecorder, stream contracts.ActivitySubscriber) *Handlers {
	return &Handlers{
		Registry: reg,
		Sweeper:  sweeper,
		Trends:   trends,
		Stream:   stream,
	}
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	respondError(w, http.StatusBadRequest, "Invalid request body")
	return false
}

func agentKey(r *http.Request) string {
	return middleware.GetAgentKey(r.Context())
}

// queryInt parses a positive integer query parameter, or returns 0.
func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondRegistryError maps a registry error to its status code. Storage
// failures are logged and hidden behind a generic message.
func respondRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation *registry.ValidationError
		notFound   *store.ErrNotFound
	)
	switch {
	case errors.As(err, &validation):
		respondError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, registry.ErrUnauthorized):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &notFound):
		respondError(w, http.StatusNotFound, notFound.Error())
	default:
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}
