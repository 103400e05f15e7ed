package api

import "net/http"

func (s *Server) handleListEngines(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orch.Engines())
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	rep := s.orch.Reconciler().RunOnce(r.Context())
	s.writeJSON(w, http.StatusOK, rep)
}
