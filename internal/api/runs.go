package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/probe/internal/model"
	"github.com/seantiz/probe/internal/orchestrator"
)

const maxBodySize = 1 << 20 // 1 MB

// submitRunRequest is the JSON body for POST /v1/runs.
type submitRunRequest struct {
	URL    string          `json:"url"`
	Engine string          `json:"engine"`
	Config json.RawMessage `json:"config"`
}

type listRunsResponse struct {
	Runs  []*model.Run `json:"runs"`
	Total int          `json:"total"`
}

type validationErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field"`
}

type stateErrorResponse struct {
	Error string     `json:"error"`
	Run   *model.Run `json:"run,omitempty"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req submitRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	run, err := s.orch.Submit(r.Context(), orchestrator.Request{
		URL:    req.URL,
		Engine: req.Engine,
		Config: req.Config,
	})
	var ve *orchestrator.ValidationError
	switch {
	case errors.As(err, &ve):
		s.writeJSON(w, http.StatusBadRequest, validationErrorResponse{Error: ve.Error(), Field: ve.Field})
		return
	case errors.Is(err, orchestrator.ErrBackpressure):
		w.Header().Set("Retry-After", strconv.Itoa(int(s.orch.Config().PollInterval.Seconds())+1))
		s.writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var f orchestrator.Filter
	if v := r.URL.Query().Get("status"); v != "" {
		st := model.Status(v)
		if !st.Valid() {
			s.writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(v))
			return
		}
		f.Status = st
	}
	if v := r.URL.Query().Get("engine"); v != "" {
		kind, ok := model.ParseEngineKind(v)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "unknown engine "+strconv.Quote(v))
			return
		}
		f.Engine = kind
	}

	runs := s.orch.List(f)
	s.writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs, Total: len(runs)})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.orch.Get(chi.URLParam(r, "id"))
	if errors.Is(err, orchestrator.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.orch.Stop(r.Context(), id)
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	case errors.Is(err, orchestrator.ErrInvalidState):
		s.writeJSON(w, http.StatusConflict, stateErrorResponse{Error: err.Error(), Run: run})
		return
	case err != nil:
		s.logger.Error("stop run", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to stop run")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
