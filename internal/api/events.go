package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/fleetwright/drover/internal/events"
)

// handleEvents streams the event bus over SSE. An optional "prefix" query
// parameter narrows the stream to matching tags (e.g. "batch/"), and a
// Last-Event-ID header replays whatever the ring buffer still holds from
// that point before going live.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	prefix := r.URL.Query().Get("prefix")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ch, cancel := s.deps.Bus.Subscribe(prefix)
	defer cancel()

	// Replay missed events before the live stream. Subscribing first means
	// anything published during the replay is queued, not lost; duplicates
	// across the seam are suppressed by ID.
	lastID := int64(0)
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastID = id
		}
	}
	if lastID > 0 {
		for _, ev := range s.deps.Bus.SnapshotSince(lastID, prefix) {
			writeSSE(w, ev)
			lastID = ev.ID
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.ID <= lastID {
				continue
			}
			writeSSE(w, ev)
			lastID = ev.ID
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Tag, payload)
}
