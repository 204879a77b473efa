package httpapi

import "net/http"

// handleHealth reports liveness plus catalog reachability; it is never
// wrapped by requireAuth.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	started := requestStart(r)
	if err := s.store.Ping(); err != nil {
		writeError(w, r, started, err)
		return
	}
	writeSuccess(w, r, started, http.StatusOK, map[string]any{"status": "ok"}, nil, nil)
}
