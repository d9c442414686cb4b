package api

import (
	"net/http"
	"strconv"

	"github.com/cirisai/ciris-manager/internal/deployment"
)

// apiStageUpdate stages a new deployment from a CD notification.
func (s *Server) apiStageUpdate(w http.ResponseWriter, r *http.Request) {
	var notif deployment.UpdateNotification
	if err := decodeJSON(r, &notif); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid notification: "+err.Error())
		return
	}

	d, err := s.deps.Deployments.Stage(r.Context(), notif)
	if err != nil {
		s.deps.Log.Error("deployment stage failed", "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) apiListDeployments(w http.ResponseWriter, r *http.Request) {
	deployments, err := s.deps.Deployments.List(limitParam(r, 50))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if deployments == nil {
		deployments = []*deployment.Deployment{}
	}
	writeJSON(w, http.StatusOK, deployments)
}

// apiActiveDeployment returns the in-flight deployment, or 204.
func (s *Server) apiActiveDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Deployments.Active()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if d == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) apiGetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Deployments.Status(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) apiLaunchDeployment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Deployments.Launch(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "launched", "deployment_id": id})
}

func (s *Server) apiCancelDeployment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Deployments.Cancel(id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "deployment_id": id})
}

func (s *Server) apiRejectDeployment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason,omitempty"`
	}
	// An empty body is a bare rejection.
	_ = decodeJSON(r, &body)

	id := r.PathValue("id")
	if err := s.deps.Deployments.Reject(id, body.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected", "deployment_id": id})
}

func (s *Server) apiRetryDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Deployments.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) apiListProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.deps.Deployments.Proposals()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if proposals == nil {
		proposals = []*deployment.RollbackProposal{}
	}
	writeJSON(w, http.StatusOK, proposals)
}

func (s *Server) apiExecuteRollback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Deployments.ExecuteRollback(r.Context(), id); err != nil {
		s.deps.Log.Error("rollback execution failed", "proposal", id, "error", err)
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled_back", "proposal_id": id})
}

func (s *Server) apiHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Deployments.History(limitParam(r, 100))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []deployment.UpdateRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func limitParam(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
