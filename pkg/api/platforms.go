package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/postqode/orchestrator/pkg/deploy"
	"github.com/postqode/orchestrator/pkg/domain/errors"
)

// handleListPlatforms returns every registered deployment target with a
// live availability probe. "docker" is the default the CLI preselects.
func (s *Server) handleListPlatforms(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), deploy.PrereqTimeout)
	defer cancel()

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"platforms": s.factory.ListPlatforms(ctx),
		"default":   "docker",
	})
}

func (s *Server) handlePlatformSchema(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "platform")
	deployer, err := s.factory.Get(name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deploy.PrereqTimeout)
	defer cancel()
	prereqs := deployer.CheckPrerequisites(ctx)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"platform":     string(deployer.Platform()),
		"display_name": deployer.DisplayName(),
		"schema":       deployer.ConfigSchema(),
		"available":    prereqs.OK,
	})
}

// handlePlatformValidate dry-runs a platform config without deploying.
// Missing agent_id is filled with a placeholder so callers can validate
// connection settings before picking an agent.
func (s *Server) handlePlatformValidate(w http.ResponseWriter, r *http.Request) {
	deployer, err := s.factory.Get(chi.URLParam(r, "platform"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var raw map[string]interface{}
	if err := s.decode(r, &raw); err != nil {
		s.writeError(w, err)
		return
	}
	cfg := deploy.ConfigFromMap(raw)
	if cfg.AgentID == "" {
		cfg.AgentID = "validation-test"
	}

	s.writeJSON(w, http.StatusOK, deployer.ValidateConfig(r.Context(), cfg))
}

func (s *Server) handleEdgeDevices(w http.ResponseWriter, r *http.Request) {
	if s.edge == nil {
		s.writeError(w, errors.New(errors.CodePrerequisiteMissing, "api", "edge registry is not configured", nil))
		return
	}

	devices, err := s.edge.ListDevices(r.Context(), r.URL.Query().Get("group"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleRuntimeStatus reports whether the local container runtime can take
// deployments right now.
func (s *Server) handleRuntimeStatus(w http.ResponseWriter, r *http.Request) {
	if s.docker == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"docker_available": false,
			"message":          "Container runtime is not configured",
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), deploy.PrereqTimeout)
	defer cancel()
	prereqs := s.docker.CheckPrerequisites(ctx)

	message := "Docker is available"
	if !prereqs.OK {
		message = strings.Join(prereqs.Errors, "; ")
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"docker_available": prereqs.OK,
		"message":          message,
	})
}

// handleRuntimeContainers lists the agent containers on the local runtime,
// managed or not.
func (s *Server) handleRuntimeContainers(w http.ResponseWriter, r *http.Request) {
	if s.docker == nil {
		s.writeError(w, errors.New(errors.CodePrerequisiteMissing, "api", "container runtime is not configured", nil))
		return
	}

	containers, err := s.docker.ListContainers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"containers": containers,
		"count":      len(containers),
	})
}
