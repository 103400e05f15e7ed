package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/probe/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listArchiveResponse wraps the paginated archive listing.
type listArchiveResponse struct {
	Runs   []*store.ArchivedRun `json:"runs"`
	Total  int                  `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByEngine      map[string]int `json:"by_engine"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	ActiveRuns    int            `json:"active_runs"`
}

func (s *Server) handleListArchive(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.archive.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list archived runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list archived runs")
		return
	}
	if runs == nil {
		runs = []*store.ArchivedRun{}
	}

	s.writeJSON(w, http.StatusOK, listArchiveResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetArchived(w http.ResponseWriter, r *http.Request) {
	run, err := s.archive.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "archived run not found")
		return
	}
	if err != nil {
		s.logger.Error("get archived run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get archived run")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.archive.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByEngine:      stats.CountByEngine,
		AvgDurationMS: stats.AvgDurationMS,
		ActiveRuns:    s.orch.ActiveRuns(),
	})
}
