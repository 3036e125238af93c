package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/postqode/orchestrator/pkg/domain/errors"
	"github.com/postqode/orchestrator/pkg/manifest"
	"github.com/postqode/orchestrator/pkg/store"
)

// maxPackageBytes caps package uploads. Agent packages are source bundles,
// not images; anything past this is almost certainly a mistake.
const maxPackageBytes = 100 << 20

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.db.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
		"count":  len(agents),
	})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
		Category    string `json:"category"`
		PublisherID string `json:"publisher_id"`
		PriceCents  int64  `json:"price_cents"`
	}
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, errors.New(errors.CodeInvalidParameter, "api", "name is required", nil))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	agent := store.Agent{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Category:    req.Category,
		PublisherID: req.PublisherID,
		PriceCents:  req.PriceCents,
	}
	if err := s.db.CreateAgent(r.Context(), agent); err != nil {
		s.writeError(w, err)
		return
	}

	created, err := s.db.GetAgent(r.Context(), req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.db.GetAgent(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

// readUpload pulls the multipart "file" part, bounded by maxPackageBytes.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPackageBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", errors.New(errors.CodeInvalidParameter, "api", "multipart field 'file' is required", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", errors.New(errors.CodeIoError, "api", "failed to read upload", err)
	}
	return data, header.Filename, nil
}

// handleUploadPackage stores a new package version. Only the agent's
// publisher may upload, and only while the listing is draft or rejected.
func (s *Server) handleUploadPackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	agentID := chi.URLParam(r, "agentID")

	agent, err := s.db.GetAgent(ctx, agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	publisherID := r.URL.Query().Get("publisher_id")
	if publisherID == "" {
		publisherID = callerID(r)
	}
	if agent.PublisherID != "" && agent.PublisherID != publisherID {
		s.writeJSON(w, http.StatusForbidden, map[string]string{
			"message": "Only the publisher can upload packages for this agent",
		})
		return
	}
	if agent.Status != store.AgentDraft && agent.Status != store.AgentRejected {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{
			"message": fmt.Sprintf("Can only upload packages for draft or rejected agents (current status: %s)", agent.Status),
		})
		return
	}

	data, filename, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".zip") {
		s.writeError(w, errors.New(errors.CodeInvalidParameter, "api", "package must be a .zip file", nil))
		return
	}

	// Version comes from the form when given, otherwise from the manifest.
	report := manifest.Validate(data)
	if !report.OK {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"message":  "Package validation failed",
			"errors":   report.Errors,
			"warnings": report.Warnings,
		})
		return
	}
	version := r.FormValue("version")
	if version == "" {
		version = report.Manifest.Version()
	}

	rec, report, err := s.packages.Put(ctx, agentID, version, data, filename)
	if err != nil {
		s.writeError(w, err)
		return
	}

	downloadURL, err := s.packages.DownloadURL(ctx, agentID, version, true)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message":        "Package uploaded successfully",
		"agent_id":       agentID,
		"version":        rec.Version,
		"package_url":    downloadURL,
		"checksum":       rec.ContentDigest,
		"size_bytes":     rec.ByteLength,
		"adapters_found": rec.Adapters,
		"warnings":       report.Warnings,
	})
}

// handleValidatePackage runs manifest validation without storing anything.
func (s *Server) handleValidatePackage(w http.ResponseWriter, r *http.Request) {
	data, _, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	report := manifest.Validate(data)
	resp := map[string]interface{}{
		"valid":          report.OK,
		"errors":         report.Errors,
		"warnings":       report.Warnings,
		"adapters_found": report.Adapters,
	}
	if report.Manifest != nil {
		resp["manifest"] = map[string]string{
			"name":         report.Manifest.Name(),
			"version":      report.Manifest.Version(),
			"display_name": report.Manifest.DisplayName(),
			"description":  report.Manifest.Description(),
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	records, err := s.packages.ListRecords(r.Context(), agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": agentID,
		"versions": records,
		"count":    len(records),
	})
}

// licensedForDownload reports whether the caller may fetch package bytes:
// free agents are open, paid agents need an active license, and publishers
// can always pull their own packages.
func (s *Server) licensedForDownload(r *http.Request, agent store.Agent) (bool, error) {
	if agent.PriceCents == 0 {
		return true, nil
	}
	user := callerID(r)
	if user != "" && user == agent.PublisherID {
		return true, nil
	}
	return s.db.HasActiveLicense(r.Context(), user, agent.ID)
}

func (s *Server) servePackage(w http.ResponseWriter, r *http.Request, agentID, version string) {
	agent, err := s.db.GetAgent(r.Context(), agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ok, err := s.licensedForDownload(r, agent)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		s.writeError(w, errors.New(errors.CodeLicenseRequired, "api",
			"An active license is required to download this agent", nil))
		return
	}

	path, err := s.packages.GetPath(r.Context(), agentID, version)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s-%s.zip", agentID, version)))
	http.ServeFile(w, r, path)
}

func (s *Server) handleDownloadLatest(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	latest, err := s.packages.Latest(r.Context(), agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.servePackage(w, r, agentID, latest.Version)
}

func (s *Server) handleDownloadVersion(w http.ResponseWriter, r *http.Request) {
	s.servePackage(w, r, chi.URLParam(r, "agentID"), chi.URLParam(r, "version"))
}

func (s *Server) handleDeletePackage(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	version := chi.URLParam(r, "version")

	agent, err := s.db.GetAgent(r.Context(), agentID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	publisherID := r.URL.Query().Get("publisher_id")
	if publisherID == "" {
		publisherID = callerID(r)
	}
	if agent.PublisherID != "" && agent.PublisherID != publisherID {
		s.writeJSON(w, http.StatusForbidden, map[string]string{
			"message": "Only the publisher can delete packages for this agent",
		})
		return
	}

	removed, err := s.packages.Delete(r.Context(), agentID, version)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !removed {
		s.writeError(w, errors.New(errors.CodeNotFound, "api",
			fmt.Sprintf("package %s@%s not found", agentID, version), nil))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "Package deleted"})
}

// adapterEnvVars lists the credentials each adapter expects the deployer to
// receive as env_vars.
var adapterEnvVars = map[string][]string{
	"openai":    {"OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_API_KEY"},
	"azure":     {"AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT"},
	"local":     {},
}

// handleEnvRequirements reports what environment a deployment of this agent
// needs: adapter credentials (caller-supplied) plus the variables the
// deployers inject on their own.
func (s *Server) handleEnvRequirements(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if _, err := s.db.GetAgent(r.Context(), agentID); err != nil {
		s.writeError(w, err)
		return
	}

	adapter := r.URL.Query().Get("adapter")
	if adapter == "" {
		adapter = "openai"
	}
	creds, known := adapterEnvVars[adapter]
	if !known {
		s.writeError(w, errors.New(errors.CodeInvalidParameter, "api",
			fmt.Sprintf("unknown adapter %q", adapter), nil))
		return
	}
	required := append([]string{}, creds...)

	// Inputs the manifest declares required are part of the contract too.
	var inputs []map[string]interface{}
	if latest, err := s.packages.Latest(r.Context(), agentID); err == nil && latest.Manifest != nil {
		inputs = latest.Manifest.Inputs()
		for _, in := range inputs {
			name, _ := in["name"].(string)
			req, _ := in["required"].(bool)
			if name != "" && req {
				required = append(required, name)
			}
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id":         agentID,
		"adapter":          adapter,
		"required":         required,
		"optional":         []string{"LOG_LEVEL", "POSTQODE_AGENT_PORT"},
		"adapter_env_vars": adapterEnvVars,
		"manifest_inputs":  inputs,
		"injected": []string{
			"POSTQODE_DEPLOYMENT_ID",
			"POSTQODE_AGENT_ID",
			"POSTQODE_ADAPTER",
			"POSTQODE_MARKETPLACE_URL",
		},
	})
}
