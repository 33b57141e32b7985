package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// handleStream serves the live event feed over Server-Sent Events. Each new
// event arrives as one data: message, in storage order. Clients resume by
// passing the last id they saw; omitting it replays everything.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastID := int64(queryInt(r, "last_id", 0))

	for ev := range s.feed.Subscribe(r.Context(), lastID) {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("dropping unencodable feed event",
				zap.Int64("id", ev.ID), zap.Error(err))
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			// Client went away; the subscription closes with the context.
			return
		}
		flusher.Flush()
	}
}
