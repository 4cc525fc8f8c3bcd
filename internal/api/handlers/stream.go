package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/agentwatch/pkg/models"
)

// streamKeepAlive is how often an idle stream sends a comment line, so
// proxies do not close it.
const streamKeepAlive = 15 * time.Second

// maxStreamBacklog caps ?backlog=.
const maxStreamBacklog = 100

func writeActivity(w http.ResponseWriter, entry models.ActivityLog) {
	data, _ := json.Marshal(entry)
	fmt.Fprintf(w, "event: activity\nid: %s\ndata: %s\n\n", entry.ID, data)
}

// ActivityStream is a Server-Sent Events feed of every new activity entry.
// ?backlog=N first replays up to N recent entries, oldest first.
func (h *Handlers) ActivityStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "SSE not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	backlog := queryInt(r, "backlog")
	if backlog > maxStreamBacklog {
		backlog = maxStreamBacklog
	}

	// Subscribe before reading the backlog so nothing falls between them.
	ch := h.Stream.Subscribe()
	defer h.Stream.Unsubscribe(ch)
	log.Debug().Int("subscribers", h.Stream.Subscribers()).Int("backlog", backlog).Msg("Activity stream connected")

	fmt.Fprint(w, "event: connected\ndata: {}\n\n")

	// Entries published between Subscribe and Recent arrive on both paths.
	replayed := make(map[string]struct{})
	if backlog > 0 {
		for _, entry := range h.Stream.Recent(backlog) {
			writeActivity(w, entry)
			replayed[entry.ID] = struct{}{}
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if _, dup := replayed[entry.ID]; dup {
				delete(replayed, entry.ID)
				continue
			}
			writeActivity(w, entry)
			flusher.Flush()

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}
