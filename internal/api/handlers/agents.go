package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentoven/agentwatch/pkg/models"
)

type registerRequest struct {
	Name string           `json:"name"`
	Type models.AgentType `json:"type"`
}

type registerResponse struct {
	ID      string `json:"id"`
	Secret  string `json:"secret"`
	Message string `json:"message"`
}

// RegisterAgent creates an agent and returns its one-time secret.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	reg, err := h.Registry.Register(r.Context(), req.Name, req.Type)
	if err != nil {
		respondRegistryError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, registerResponse{
		ID:      reg.Agent.ID,
		Secret:  reg.Secret,
		Message: "Agent registered successfully",
	})
}

type heartbeatResponse struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// Heartbeat applies an agent's liveness report. The secret is checked
// before the body is read.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if err := h.Registry.Authenticate(r.Context(), agentID, agentKey(r)); err != nil {
		respondRegistryError(w, r, err)
		return
	}

	var update models.HeartbeatUpdate
	if !decodeJSON(w, r, &update) {
		return
	}

	last, err := h.Registry.ApplyHeartbeat(r.Context(), agentID, agentKey(r), update)
	if err != nil {
		respondRegistryError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, heartbeatResponse{Success: true, Timestamp: last})
}

type createTaskRequest struct {
	Description string          `json:"description"`
	Priority    models.Priority `json:"priority"`
}

// CreateTask queues a task against the calling agent.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if err := h.Registry.Authenticate(r.Context(), agentID, agentKey(r)); err != nil {
		respondRegistryError(w, r, err)
		return
	}

	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	task, err := h.Registry.CreateTask(r.Context(), agentID, agentKey(r), req.Description, req.Priority)
	if err != nil {
		respondRegistryError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"task": task})
}

// ListAgents returns the dashboard overview.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	overview, err := h.Registry.Overview(r.Context())
	if err != nil {
		respondRegistryError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, overview)
}

func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.Registry.Get(r.Context(), chi.URLParam(r, "agentId"))
	if err != nil {
		respondRegistryError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

// ListActivity returns an agent's activity, newest first. ?limit= caps it.
func (h *Handlers) ListActivity(w http.ResponseWriter, r *http.Request) {
	logs, err := h.Registry.Activity(r.Context(), chi.URLParam(r, "agentId"), queryInt(r, "limit"))
	if err != nil {
		respondRegistryError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, logs)
}
