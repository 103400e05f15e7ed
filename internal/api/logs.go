package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/probe/internal/model"
	"github.com/seantiz/probe/internal/orchestrator"
)

// handleStreamLogs replays the run's recorded log entries and then streams
// new ones as server-sent events until the run is terminal.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.orch.Get(id); err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run for logs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	// Subscribe before reading the replay so no entry falls between the two.
	ch, unsub := s.orch.Broker().Subscribe(id)
	defer unsub()

	run, err := s.orch.Get(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	logStreamsOpen.Inc()
	defer logStreamsOpen.Dec()

	var last time.Time
	for _, e := range run.Logs {
		if err := writeSSEData(w, e); err != nil {
			return
		}
		last = e.At
	}
	if run.Status.Terminal() {
		_ = writeSSEEvent(w, "done", string(run.Status))
		if canFlush {
			flusher.Flush()
		}
		return
	}
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				status := "stream complete"
				if latest, err := s.orch.Get(id); err == nil {
					status = string(latest.Status)
				}
				_ = writeSSEEvent(w, "done", status)
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if !e.At.After(last) {
				continue
			}
			if err := writeSSEData(w, e); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// writeSSEData writes a log entry as a JSON SSE data event.
func writeSSEData(w http.ResponseWriter, e model.LogEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", raw)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
