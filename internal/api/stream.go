package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/progress"
)

// handleStream serves job progress as server-sent events. The stream ends
// with a terminal event; clients that miss it can fall back to polling the
// job endpoint.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	jobID := chi.URLParam(r, "id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := s.deps.Streamer.Stream(r.Context(), jobID)
	for ev := range events {
		if err := writeSSE(w, ev); err != nil {
			s.logger.Debug("sse write failed, client gone",
				zap.String("job_id", jobID), zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, ev progress.Event) error {
	payload := map[string]any{}
	switch ev.Type {
	case progress.EventComplete:
		payload["status"] = ev.Job.Status
		payload["progress"] = ev.Job.Progress
		payload["message"] = ev.Job.Message
		payload["result"] = ev.Job.Result
	case progress.EventError:
		payload["error"] = ev.Message
		if ev.Job.ID != "" {
			payload["status"] = ev.Job.Status
		}
	default:
		payload["status"] = ev.Job.Status
		payload["progress"] = ev.Job.Progress
		payload["message"] = ev.Job.Message
		if ev.Job.PartialScore != nil {
			payload["partial_score"] = *ev.Job.PartialScore
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode sse payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("write sse event: %w", err)
	}
	return nil
}
