package deploy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// EdgeDeployer ships agents to IoT/edge devices through an external edge
// registry. Lifecycle operations are thin proxies over the registry's
// per-deployment endpoints.
type EdgeDeployer struct {
	registryURL string
	buildRoot   string
	get         *http.Client // retried, idempotent reads
	post        *http.Client // single-shot mutations
	logger      zerolog.Logger
}

var _ Deployer = (*EdgeDeployer)(nil)

// NewEdgeDeployer creates the edge-fleet backend. Reads against the
// registry are retried; deploy commands are sent exactly once.
func NewEdgeDeployer(registryURL, buildRoot string, logger zerolog.Logger) *EdgeDeployer {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.HTTPClient.Timeout = EdgeHTTPTimeout
	rc.Logger = nil

	return &EdgeDeployer{
		registryURL: registryURL,
		buildRoot:   buildRoot,
		get:         rc.StandardClient(),
		post:        &http.Client{Timeout: EdgePostTimeout},
		logger:      logger.With().Str("component", "edge_deployer").Logger(),
	}
}

func (e *EdgeDeployer) Platform() Platform  { return PlatformEdge }
func (e *EdgeDeployer) DisplayName() string { return "Edge Device" }
func (e *EdgeDeployer) Description() string { return "Deploy to IoT and edge devices" }

func (e *EdgeDeployer) CheckPrerequisites(ctx context.Context) ValidationResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.registryURL+"/health", nil)
	if err == nil {
		resp, err := e.get.Do(req)
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return ValidationResult{OK: true, RequirementsMet: map[string]bool{"edge_registry": true}}
			}
		}
	}
	return ValidationResult{
		OK:              false,
		Errors:          []string{"Edge Registry is not reachable"},
		Warnings:        []string{"Edge deployment requires PostQode Edge Runtime installed on target devices"},
		RequirementsMet: map[string]bool{"edge_registry": false},
	}
}

func (e *EdgeDeployer) ValidateConfig(ctx context.Context, cfg Config) ValidationResult {
	var errs, warnings []string

	if cfg.DeviceID() == "" && cfg.DeviceGroup() == "" {
		errs = append(errs, "Either device_id or device_group is required")
	}

	if deviceID := cfg.DeviceID(); deviceID != "" {
		device, err := e.DeviceInfo(ctx, deviceID)
		switch {
		case err != nil:
			warnings = append(warnings, fmt.Sprintf("Could not verify device: %v", err))
		case device == nil:
			errs = append(errs, fmt.Sprintf("Device %s not found in registry", deviceID))
		default:
			if status, _ := device["status"].(string); status != "online" {
				warnings = append(warnings, fmt.Sprintf("Device %s is currently offline", deviceID))
			}
		}
	}

	return ValidationResult{
		OK:              len(errs) == 0,
		Errors:          errs,
		Warnings:        warnings,
		RequirementsMet: map[string]bool{"device_enrolled": len(errs) == 0},
	}
}

// edgeManifest is the descriptor the edge runtime consumes.
func (e *EdgeDeployer) edgeManifest(cfg Config) map[string]interface{} {
	return map[string]interface{}{
		"apiVersion": "edge.postqode.io/v1",
		"kind":       "EdgeAgent",
		"metadata": map[string]interface{}{
			"name":     cfg.AgentName,
			"version":  cfg.Version,
			"agent_id": cfg.AgentID,
		},
		"spec": map[string]interface{}{
			"adapter": cfg.Adapter,
			"env":     cfg.EnvVars,
			"resources": map[string]interface{}{
				"memory_mb":   cfg.MemoryMB(),
				"cpu_percent": cfg.CPUPercent(),
			},
			"offline_capable": cfg.OfflineCapable(),
			"sync_interval":   cfg.SyncInterval(),
		},
	}
}

// Build stages the edge manifest next to the original package. The
// registry is not contacted here.
func (e *EdgeDeployer) Build(ctx context.Context, cfg Config, packagePath string, progress ProgressFunc) BuildResult {
	start := time.Now()

	progress.emit("Creating edge-optimized package...")
	buildPath := filepath.Join(e.buildRoot, cfg.AgentID, cfg.Version)
	if err := os.MkdirAll(buildPath, 0o755); err != nil {
		return BuildResult{Error: fmt.Sprintf("Failed to create build directory: %v", err), Duration: time.Since(start)}
	}

	if err := writeJSON(filepath.Join(buildPath, "edge-manifest.json"), e.edgeManifest(cfg)); err != nil {
		return BuildResult{Error: fmt.Sprintf("Failed to write edge manifest: %v", err), Duration: time.Since(start)}
	}
	if err := copyFile(packagePath, filepath.Join(buildPath, "agent.zip")); err != nil {
		return BuildResult{Error: fmt.Sprintf("Failed to stage package: %v", err), Duration: time.Since(start)}
	}

	return BuildResult{
		OK:             true,
		ArtifactHandle: buildPath,
		Duration:       time.Since(start),
	}
}

// Deploy uploads package and manifest to the registry, then issues the
// deploy command scoped to the device or group.
func (e *EdgeDeployer) Deploy(ctx context.Context, deploymentID string, cfg Config, build BuildResult, progress ProgressFunc) DeployResult {
	start := time.Now()

	if !build.OK || build.ArtifactHandle == "" {
		return DeployResult{Error: "Cannot deploy without successful build", Duration: time.Since(start)}
	}

	progress.emit("Uploading to Edge Registry...")
	packageID, err := e.uploadPackage(ctx, build.ArtifactHandle)
	if err != nil {
		return DeployResult{
			Error:    truncate(fmt.Sprintf("Failed to upload to registry: %v", err), 500),
			Duration: time.Since(start),
		}
	}

	progress.emit("Deploying to device(s)...")
	deployReq := map[string]interface{}{
		"deployment_id": deploymentID,
		"package_id":    packageID,
		"agent_id":      cfg.AgentID,
		"config": map[string]interface{}{
			"adapter":  cfg.Adapter,
			"env_vars": InjectedEnv(deploymentID, cfg, e.registryURL),
			"port":     cfg.HostPort(),
		},
	}
	if cfg.DeviceID() != "" {
		deployReq["device_id"] = cfg.DeviceID()
	}
	if cfg.DeviceGroup() != "" {
		deployReq["device_group"] = cfg.DeviceGroup()
	}

	result, err := e.postJSON(ctx, "/deployments", deployReq)
	if err != nil {
		return DeployResult{
			Error:    truncate(fmt.Sprintf("Deployment command failed: %v", err), 500),
			Duration: time.Since(start),
		}
	}

	externalID, _ := result["edge_deployment_id"].(string)
	localURL, _ := result["local_url"].(string)
	deviceEndpoint, _ := result["device_endpoint"].(string)

	accessURL := localURL
	if accessURL == "" {
		accessURL = fmt.Sprintf("%s/deployments/%s", e.registryURL, deploymentID)
	}

	logs, _ := json.MarshalIndent(result, "", "  ")
	return DeployResult{
		OK:         true,
		ExternalID: externalID,
		AccessURL:  accessURL,
		Endpoints: map[string]string{
			"device":   deviceEndpoint,
			"registry": fmt.Sprintf("%s/deployments/%s", e.registryURL, deploymentID),
		},
		DeployLogs: string(logs),
		Duration:   time.Since(start),
	}
}

func (e *EdgeDeployer) uploadPackage(ctx context.Context, buildPath string) (string, error) {
	manifestData, err := os.ReadFile(filepath.Join(buildPath, "edge-manifest.json"))
	if err != nil {
		return "", err
	}
	pkg, err := os.Open(filepath.Join(buildPath, "agent.zip"))
	if err != nil {
		return "", err
	}
	defer pkg.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("package", "agent.zip")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, pkg); err != nil {
		return "", err
	}
	if err := mw.WriteField("manifest", string(manifestData)); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.registryURL+"/packages", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.post.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registry returned %d: %s", resp.StatusCode, respBody)
	}

	var parsed struct {
		PackageID string `json:"package_id"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", err
	}
	return parsed.PackageID, nil
}

func (e *EdgeDeployer) postJSON(ctx context.Context, path string, payload interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.registryURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.post.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned %d: %s", resp.StatusCode, respBody)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *EdgeDeployer) lifecycle(ctx context.Context, deploymentID, verb, okState, okMessage string, running bool) StatusResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/deployments/%s/%s", e.registryURL, deploymentID, verb), nil)
	if err == nil {
		resp, err := e.post.Do(req)
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return StatusResult{Running: running, State: okState, Health: "unknown", Message: okMessage, LastUpdated: time.Now().UTC()}
			}
		}
	}
	return StatusResult{State: "error", Health: "unknown", Message: "Failed to " + verb}
}

func (e *EdgeDeployer) Start(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	return e.lifecycle(ctx, deploymentID, "start", "running", "Agent started", true)
}

func (e *EdgeDeployer) Stop(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	return e.lifecycle(ctx, deploymentID, "stop", "stopped", "Agent stopped", false)
}

func (e *EdgeDeployer) Restart(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	e.Stop(ctx, deploymentID, cfg)
	return e.Start(ctx, deploymentID, cfg)
}

func (e *EdgeDeployer) Status(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/deployments/%s/status", e.registryURL, deploymentID), nil)
	if err == nil {
		resp, err := e.get.Do(req)
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				var data struct {
					Running       bool   `json:"running"`
					Status        string `json:"status"`
					Health        string `json:"health"`
					Message       string `json:"message"`
					UptimeSeconds int64  `json:"uptime_seconds"`
				}
				if err := json.NewDecoder(resp.Body).Decode(&data); err == nil {
					state := data.Status
					if state == "" {
						state = "unknown"
					}
					health := data.Health
					if health == "" {
						health = "unknown"
					}
					return StatusResult{
						Running:       data.Running,
						State:         state,
						Health:        health,
						Message:       data.Message,
						UptimeSeconds: data.UptimeSeconds,
						LastUpdated:   time.Now().UTC(),
					}
				}
			}
		}
	}
	return StatusResult{State: "unknown", Health: "unknown", Message: "Could not reach device"}
}

func (e *EdgeDeployer) Logs(ctx context.Context, deploymentID string, cfg Config, lines int, follow bool) (string, error) {
	u := fmt.Sprintf("%s/deployments/%s/logs?%s", e.registryURL, deploymentID,
		url.Values{"lines": []string{strconv.Itoa(lines)}}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := e.get.Do(req)
	if err != nil {
		return "Could not retrieve logs from device", nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "Could not retrieve logs from device", nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// Delete removes the deployment from the registry. 404 counts as deleted.
func (e *EdgeDeployer) Delete(ctx context.Context, deploymentID string, cfg Config) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/deployments/%s", e.registryURL, deploymentID), nil)
	if err != nil {
		return false
	}
	resp, err := e.post.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound
}

func (e *EdgeDeployer) AccessInstructions(deploymentID string, cfg Config) map[string]string {
	return map[string]string{
		"registry":   fmt.Sprintf("%s/deployments/%s", e.registryURL, deploymentID),
		"device_url": fmt.Sprintf("http://%s.local:%d", cfg.DeviceID(), cfg.HostPort()),
		"note":       "Access depends on network connectivity to the edge device",
	}
}

func (e *EdgeDeployer) ConfigSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"device_id": map[string]interface{}{
				"type":        "string",
				"description": "Target device ID (enrolled in Edge Registry)",
			},
			"device_group": map[string]interface{}{
				"type":        "string",
				"description": "Deploy to all devices in this group",
			},
			"offline_capable": map[string]interface{}{
				"type":        "boolean",
				"default":     false,
				"description": "Can the agent work offline?",
			},
			"sync_interval": map[string]interface{}{
				"type":        "integer",
				"default":     60,
				"description": "Seconds between health syncs",
			},
			"memory_mb": map[string]interface{}{
				"type":        "integer",
				"default":     256,
				"description": "Memory limit in MB",
			},
			"cpu_percent": map[string]interface{}{
				"type":        "integer",
				"default":     50,
				"description": "CPU limit percentage",
			},
		},
	}
}

// ListDevices returns the devices enrolled in the registry, optionally
// filtered by group.
func (e *EdgeDeployer) ListDevices(ctx context.Context, group string) ([]map[string]interface{}, error) {
	u := e.registryURL + "/devices"
	if group != "" {
		u += "?" + url.Values{"group": []string{group}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.get.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned %d", resp.StatusCode)
	}

	var parsed struct {
		Devices []map[string]interface{} `json:"devices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	return parsed.Devices, nil
}

// DeviceInfo returns one enrolled device, or nil when the registry does
// not know it.
func (e *EdgeDeployer) DeviceInfo(ctx context.Context, deviceID string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.registryURL+"/devices/"+deviceID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.get.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned %d", resp.StatusCode)
	}

	var device map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&device); err != nil {
		return nil, err
	}
	return device, nil
}
