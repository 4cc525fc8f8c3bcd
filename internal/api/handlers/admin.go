package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"
)

// Sweep runs one reaper pass now and returns what it did.
func (h *Handlers) Sweep(w http.ResponseWriter, r *http.Request) {
	res := h.Sweeper.Sweep(r.Context())
	log.Info().
		Int("checked", res.Checked).
		Int("marked", len(res.Marked)).
		Int("errors", len(res.Errors)).
		Msg("Manual sweep")
	respondJSON(w, http.StatusOK, res)
}
