// -----------------------------------------------------------------------
// Work handlers - the surface polled by service workers
// -----------------------------------------------------------------------

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/harmony-eo/harmony/internal/models"
)

// getWorkHandler hands the next work item to a polling service. 404 means
// the service has nothing to do right now.
func (s *Server) getWorkHandler(w http.ResponseWriter, r *http.Request) {
	serviceID := r.URL.Query().Get("serviceID")
	if serviceID == "" {
		http.Error(w, "serviceID is required", http.StatusBadRequest)
		return
	}

	msg, err := s.dispatcher.GetWork(r.Context(), serviceID)
	if errors.Is(err, models.ErrNoWork) {
		http.Error(w, "No work available", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// updateWorkHandler accepts a work item result. The update is validated
// against current state, then queued: 404 for unknown items, 409 for items
// that already finished, 204 once the update is accepted.
func (s *Server) updateWorkHandler(w http.ResponseWriter, r *http.Request) {
	idPart := strings.TrimPrefix(r.URL.Path, "/work/")
	workItemID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		http.Error(w, "Invalid work item ID", http.StatusBadRequest)
		return
	}

	var update models.WorkItemUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	update.WorkItemID = workItemID

	if err := s.updates.SubmitUpdate(r.Context(), &update); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
