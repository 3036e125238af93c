package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/postqode/orchestrator/pkg/domain/errors"
	"github.com/postqode/orchestrator/pkg/health"
	"github.com/postqode/orchestrator/pkg/pipeline"
	"github.com/postqode/orchestrator/pkg/store"
)

// handleDeploy runs the full deployment pipeline synchronously. The result
// carries per-step events either way; failures come back as 400 with the
// step that broke.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req pipeline.DeployRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.AgentID == "" {
		s.writeError(w, errors.New(errors.CodeInvalidParameter, "api", "agent_id is required", nil))
		return
	}
	if caller := callerID(r); caller != "" {
		req.UserID = caller
	}
	if req.UserID == "" {
		s.writeError(w, errors.New(errors.CodeInvalidParameter, "api", "user_id is required", nil))
		return
	}

	res := s.pipeline.Deploy(r.Context(), req, nil)
	status := http.StatusCreated
	if res.FinalState == store.StateError {
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, res)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	d, err := s.pipeline.Start(r.Context(), chi.URLParam(r, "deploymentID"), callerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	d, err := s.pipeline.Stop(r.Context(), chi.URLParam(r, "deploymentID"), callerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	d, err := s.pipeline.Restart(r.Context(), chi.URLParam(r, "deploymentID"), callerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EnvVars map[string]string `json:"env_vars"`
		Restart *bool             `json:"restart"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	restart := req.Restart == nil || *req.Restart

	d, err := s.pipeline.Reconfigure(r.Context(), chi.URLParam(r, "deploymentID"), callerID(r), req.EnvVars, restart)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DeploymentFilter{
		UserID:   callerID(r),
		AgentID:  q.Get("agent_id"),
		Platform: q.Get("platform"),
		State:    store.DeploymentState(q.Get("state")),
	}
	deployments, err := s.pipeline.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deployments": deployments,
		"count":       len(deployments),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.pipeline.Stats(r.Context(), callerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := s.pipeline.Get(r.Context(), chi.URLParam(r, "deploymentID"), callerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	if err := s.pipeline.Delete(r.Context(), chi.URLParam(r, "deploymentID"), callerID(r)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Deployment deleted"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "deploymentID")
	lines := 100
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, errors.New(errors.CodeInvalidParameter, "api", "lines must be a positive integer", nil))
			return
		}
		lines = n
	}

	logs, err := s.pipeline.Logs(r.Context(), deploymentID, callerID(r), lines)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deployment_id": deploymentID,
		"logs":          logs,
		"lines":         lines,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.pipeline.Status(r.Context(), chi.URLParam(r, "deploymentID"), callerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAccess(w http.ResponseWriter, r *http.Request) {
	access, err := s.pipeline.AccessInstructions(r.Context(), chi.URLParam(r, "deploymentID"), callerID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, access)
}

// handleHealthPing is called by the deployed agents themselves, so there is
// no ownership check; the deployment id is the credential.
func (s *Server) handleHealthPing(w http.ResponseWriter, r *http.Request) {
	var ping health.Ping
	if err := s.decode(r, &ping); err != nil {
		s.writeError(w, err)
		return
	}

	d, err := s.health.RecordPing(r.Context(), chi.URLParam(r, "deploymentID"), ping)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deployment_id": d.ID,
		"state":         d.State,
	})
}
