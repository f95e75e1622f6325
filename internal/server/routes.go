package server

import (
	"encoding/json"
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Job API
	mux.HandleFunc("/jobs", s.handleJobsRoute)  // GET (list), POST (create)
	mux.HandleFunc("/jobs/", s.handleJobRoutes) // GET /{id}, POST /{id}/{action}

	// Service work surface
	mux.HandleFunc("/work", s.handleWorkRoute)   // GET (next item)
	mux.HandleFunc("/work/", s.handleWorkRoutes) // PUT /{id} (status update)

	// Health
	mux.HandleFunc("/health", s.healthHandler)

	return mux
}

func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"GET":  s.listJobsHandler,
		"POST": s.createJobHandler,
	})
}

func (s *Server) handleWorkRoute(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"GET": s.getWorkHandler,
	})
}

func (s *Server) handleWorkRoutes(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		"PUT": s.updateWorkHandler,
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
