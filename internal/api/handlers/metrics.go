package handlers

import (
	"net/http"

	"github.com/agentoven/agentwatch/pkg/models"
)

type trendsResponse struct {
	Metrics   []models.MetricSnapshot `json:"metrics"`
	TimeRange models.TimeRange        `json:"timeRange"`
}

// AgentTrends returns snapshots from the last ?hours= (default 24).
func (h *Handlers) AgentTrends(w http.ResponseWriter, r *http.Request) {
	snaps, tr, err := h.Trends.Trends(r.Context(), queryInt(r, "hours"))
	if err != nil {
		respondRegistryError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []models.MetricSnapshot{}
	}
	respondJSON(w, http.StatusOK, trendsResponse{Metrics: snaps, TimeRange: tr})
}

// RecordTrend stores a snapshot of the current status counts.
func (h *Handlers) RecordTrend(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Trends.Record(r.Context())
	if err != nil {
		respondRegistryError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "metric": snap})
}
