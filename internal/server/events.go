package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"trailengine/internal/logging"
)

// handleEvents streams trail events to the client as SSE. The subscription
// enters the explorer into the trail's presence set; closing the connection
// removes it.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	trailID := r.PathValue("id")
	explorer := r.URL.Query().Get("explorer")
	if explorer == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("explorer is required"))
		return
	}

	if _, err := s.trails.ReadTrail(trailID); err != nil {
		writeTaxonomyError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.hub.Subscribe(trailID, explorer)
	defer s.hub.Unsubscribe(sub)

	logging.API("SSE stream open: trail=%s explorer=%s", trailID, explorer)
	for {
		select {
		case <-r.Context().Done():
			logging.APIDebug("SSE stream closed: trail=%s explorer=%s", trailID, explorer)
			return
		case event, open := <-sub.Events:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		}
	}
}
