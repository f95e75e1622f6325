// -----------------------------------------------------------------------
// Job handlers - create, list, read, cancel, pause, resume, skip preview
// -----------------------------------------------------------------------

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/harmony-eo/harmony/internal/models"
	"github.com/harmony-eo/harmony/internal/orchestrator"
)

// jobListResponse is the paged listing envelope.
type jobListResponse struct {
	Jobs  []*models.Job `json:"jobs"`
	Total int           `json:"total"`
}

func (s *Server) createJobHandler(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	job, err := s.jobs.CreateJob(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	filter := models.JobFilter{
		Username: r.URL.Query().Get("username"),
	}
	if statuses := r.URL.Query().Get("status"); statuses != "" {
		for _, status := range strings.Split(statuses, ",") {
			filter.Statuses = append(filter.Statuses, models.JobStatus(strings.TrimSpace(status)))
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			filter.Offset = n
		}
	}

	jobs, total, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: jobs, Total: total})
}

// handleJobRoutes dispatches /jobs/{id} and /jobs/{id}/{action}.
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	jobID := parts[0]
	if jobID == "" {
		http.Error(w, "Job ID is required", http.StatusBadRequest)
		return
	}

	if len(parts) == 1 {
		RouteByMethod(w, r, MethodRouter{
			"GET": func(w http.ResponseWriter, r *http.Request) {
				s.getJobHandler(w, r, jobID)
			},
		})
		return
	}

	action := parts[1]
	RouteByMethod(w, r, MethodRouter{
		"POST": func(w http.ResponseWriter, r *http.Request) {
			s.jobActionHandler(w, r, jobID, action)
		},
	})
}

func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) jobActionHandler(w http.ResponseWriter, r *http.Request, jobID, action string) {
	var job *models.Job
	var err error

	switch action {
	case "cancel":
		admin := r.URL.Query().Get("admin") == "true"
		job, err = s.jobs.CancelJob(r.Context(), jobID, admin)
	case "pause":
		job, err = s.jobs.PauseJob(r.Context(), jobID)
	case "resume":
		job, err = s.jobs.ResumeJob(r.Context(), jobID)
	case "skip-preview":
		var body struct {
			AccessToken string `json:"accessToken"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		job, err = s.jobs.SkipPreview(r.Context(), jobID, body.AccessToken)
	default:
		http.Error(w, "Unknown job action", http.StatusNotFound)
		return
	}

	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// writeServiceError maps service errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var illegal *models.IllegalStateTransitionError
	var invalid *models.ValidationError

	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, models.ErrConflict):
		http.Error(w, "Conflict", http.StatusConflict)
	case errors.As(err, &illegal):
		http.Error(w, illegal.Error(), http.StatusConflict)
	case errors.As(err, &invalid):
		http.Error(w, invalid.Error(), http.StatusBadRequest)
	default:
		s.logger.Error().Err(err).Msg("request failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
