package deploy

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/postqode/orchestrator/pkg/manifest"
	"github.com/postqode/orchestrator/pkg/runner"
)

// DockerDeployer runs agents as local containers.
type DockerDeployer struct {
	runner         runner.CommandRunner
	buildRoot      string
	marketplaceURL string
	logger         zerolog.Logger
}

var _ Deployer = (*DockerDeployer)(nil)

// NewDockerDeployer creates the local-container backend. Builds are staged
// under buildRoot/<agent_id>/<version> so rebuilds reuse the same layout.
func NewDockerDeployer(run runner.CommandRunner, buildRoot, marketplaceURL string, logger zerolog.Logger) *DockerDeployer {
	return &DockerDeployer{
		runner:         run,
		buildRoot:      buildRoot,
		marketplaceURL: marketplaceURL,
		logger:         logger.With().Str("component", "docker_deployer").Logger(),
	}
}

func (d *DockerDeployer) Platform() Platform  { return PlatformLocalContainer }
func (d *DockerDeployer) DisplayName() string { return "Docker" }
func (d *DockerDeployer) Description() string { return "Run locally with Docker containers" }

func (d *DockerDeployer) docker(ctx context.Context, timeout time.Duration, args ...string) runner.Result {
	return d.runner.Run(ctx, runner.Command{
		Argv:    append([]string{"docker"}, args...),
		Timeout: timeout,
	})
}

// CheckPrerequisites verifies the docker daemon is reachable.
func (d *DockerDeployer) CheckPrerequisites(ctx context.Context) ValidationResult {
	res := d.docker(ctx, PrereqTimeout, "version")
	if res.Success() {
		return ValidationResult{OK: true, RequirementsMet: map[string]bool{"docker": true}}
	}
	return ValidationResult{
		OK:              false,
		Errors:          []string{"Docker is not installed or not running"},
		RequirementsMet: map[string]bool{"docker": false},
	}
}

func (d *DockerDeployer) ValidateConfig(ctx context.Context, cfg Config) ValidationResult {
	prereqs := d.CheckPrerequisites(ctx)
	if !prereqs.OK {
		return prereqs
	}

	var errs, warnings []string
	if cfg.AgentID == "" {
		errs = append(errs, "agent_id is required")
	}
	if cfg.HostPort() < 1 || cfg.HostPort() > 65535 {
		errs = append(errs, fmt.Sprintf("Invalid port: %d", cfg.Port))
	}

	// Port collision is a warning, not an error.
	ps := d.docker(ctx, StatusTimeout, "ps", "--format", "{{.Ports}}")
	if strings.Contains(ps.Stdout, fmt.Sprintf(":%d->", cfg.HostPort())) {
		warnings = append(warnings, fmt.Sprintf("Port %d may already be in use", cfg.HostPort()))
	}

	return ValidationResult{
		OK:       len(errs) == 0,
		Errors:   errs,
		Warnings: warnings,
		RequirementsMet: map[string]bool{
			"docker":         true,
			"port_available": len(warnings) == 0,
		},
	}
}

// Build extracts the package into the build root and builds an image tagged
// postqode-agent-<agent_id>:<version>. External state is not mutated here.
func (d *DockerDeployer) Build(ctx context.Context, cfg Config, packagePath string, progress ProgressFunc) BuildResult {
	start := time.Now()

	progress.emit("Preparing build directory...")
	buildPath := filepath.Join(d.buildRoot, cfg.AgentID, cfg.Version)

	progress.emit("Extracting package...")
	if err := manifest.ExtractPackage(packagePath, buildPath); err != nil {
		return BuildResult{
			Error:    fmt.Sprintf("Failed to extract package: %v", err),
			Duration: time.Since(start),
		}
	}

	// The recipe may sit at the root or under a single top-level directory.
	dockerfile := manifest.FindFile(buildPath, "Dockerfile")
	if dockerfile == "" {
		return BuildResult{
			Error:    "No Dockerfile found in package",
			Duration: time.Since(start),
		}
	}
	buildContext := filepath.Dir(dockerfile)

	tag := ImageTag(cfg.AgentID, cfg.Version)
	progress.emit(fmt.Sprintf("Building image %s...", tag))

	res := d.docker(ctx, BuildTimeout, "build", "-t", tag, buildContext)
	if !res.Success() {
		return BuildResult{
			Error:     truncate(buildError(res), 500),
			BuildLogs: res.Output(),
			Duration:  time.Since(start),
		}
	}

	return BuildResult{
		OK:             true,
		ImageName:      fmt.Sprintf("postqode-agent-%s", cfg.AgentID),
		ArtifactHandle: tag,
		BuildLogs:      res.Stdout,
		Duration:       time.Since(start),
	}
}

// Deploy replaces any prior container of the deterministic name and runs
// the built image detached with the injected environment.
func (d *DockerDeployer) Deploy(ctx context.Context, deploymentID string, cfg Config, build BuildResult, progress ProgressFunc) DeployResult {
	start := time.Now()

	if !build.OK {
		return DeployResult{Error: "Cannot deploy without successful build", Duration: time.Since(start)}
	}

	name := ResourceName(cfg.AgentID, deploymentID)
	d.docker(ctx, StatusTimeout, "stop", name)
	d.docker(ctx, StatusTimeout, "rm", name)

	progress.emit(fmt.Sprintf("Starting container %s...", name))

	args := []string{
		"run", "-d",
		"--name", name,
		"-p", fmt.Sprintf("%d:8080", cfg.HostPort()),
		"--add-host", "host.docker.internal:host-gateway",
	}
	for _, kv := range sortedEnv(InjectedEnv(deploymentID, cfg, d.marketplaceURL)) {
		args = append(args, "-e", kv)
	}
	args = append(args, build.ArtifactHandle)

	res := d.docker(ctx, DeployTimeout, args...)
	if !res.Success() {
		return DeployResult{
			Error:      truncate(buildError(res), 500),
			DeployLogs: res.Output(),
			Duration:   time.Since(start),
		}
	}

	containerID := strings.TrimSpace(res.Stdout)
	if len(containerID) > 12 {
		containerID = containerID[:12]
	}
	accessURL := fmt.Sprintf("http://localhost:%d", cfg.HostPort())

	return DeployResult{
		OK:         true,
		ExternalID: containerID,
		AccessURL:  accessURL,
		Endpoints: map[string]string{
			"web":    accessURL,
			"health": accessURL + "/health",
			"invoke": accessURL + "/invoke",
		},
		DeployLogs: res.Stdout,
		Duration:   time.Since(start),
	}
}

func (d *DockerDeployer) Start(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	name := ResourceName(cfg.AgentID, deploymentID)
	res := d.docker(ctx, StatusTimeout, "start", name)
	if res.Success() {
		return StatusResult{Running: true, State: "running", Health: "unknown", Message: "Container started", LastUpdated: time.Now().UTC()}
	}
	return StatusResult{State: "error", Health: "unknown", Message: res.Stderr}
}

func (d *DockerDeployer) Stop(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	name := ResourceName(cfg.AgentID, deploymentID)
	res := d.docker(ctx, StatusTimeout, "stop", name)
	if res.Success() {
		return StatusResult{State: "stopped", Health: "unknown", Message: "Container stopped", LastUpdated: time.Now().UTC()}
	}
	return StatusResult{State: "error", Health: "unknown", Message: res.Stderr}
}

func (d *DockerDeployer) Restart(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	name := ResourceName(cfg.AgentID, deploymentID)
	res := d.docker(ctx, StatusTimeout, "restart", name)
	if res.Success() {
		return StatusResult{Running: true, State: "running", Health: "unknown", Message: "Container restarted", LastUpdated: time.Now().UTC()}
	}
	return StatusResult{State: "error", Health: "unknown", Message: res.Stderr}
}

// Status parses `docker inspect` output: state|health|started-at.
func (d *DockerDeployer) Status(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	name := ResourceName(cfg.AgentID, deploymentID)
	res := d.docker(ctx, StatusTimeout,
		"inspect", name,
		"--format", "{{.State.Status}}|{{if .State.Health}}{{.State.Health.Status}}{{end}}|{{.State.StartedAt}}")
	if !res.Success() {
		return StatusResult{State: "unknown", Health: "unknown", Message: "Container not found"}
	}

	parts := strings.Split(strings.TrimSpace(res.Stdout), "|")
	state := "unknown"
	if len(parts) > 0 && parts[0] != "" {
		state = parts[0]
	}
	health := "unknown"
	if len(parts) > 1 && parts[1] != "" {
		health = parts[1]
	}

	status := StatusResult{
		Running:     state == "running",
		State:       state,
		Health:      health,
		Message:     fmt.Sprintf("Container is %s", state),
		LastUpdated: time.Now().UTC(),
	}
	if len(parts) > 2 {
		if started, err := time.Parse(time.RFC3339Nano, parts[2]); err == nil && status.Running {
			status.UptimeSeconds = int64(time.Since(started).Seconds())
		}
	}
	return status
}

func (d *DockerDeployer) Logs(ctx context.Context, deploymentID string, cfg Config, lines int, follow bool) (string, error) {
	name := ResourceName(cfg.AgentID, deploymentID)
	args := []string{"logs", fmt.Sprintf("--tail=%d", lines)}
	if follow {
		args = append(args, "-f")
	}
	args = append(args, name)
	res := d.docker(ctx, LogsTimeout, args...)
	return res.Output(), nil
}

// Delete stops and removes the container. Idempotent: a missing container
// still counts as deleted.
func (d *DockerDeployer) Delete(ctx context.Context, deploymentID string, cfg Config) bool {
	name := ResourceName(cfg.AgentID, deploymentID)
	d.docker(ctx, StatusTimeout, "stop", name)
	res := d.docker(ctx, StatusTimeout, "rm", name)
	if res.Success() {
		return true
	}
	return strings.Contains(res.Stderr, "No such container")
}

func (d *DockerDeployer) AccessInstructions(deploymentID string, cfg Config) map[string]string {
	name := ResourceName(cfg.AgentID, deploymentID)
	return map[string]string{
		"url":   fmt.Sprintf("http://localhost:%d", cfg.HostPort()),
		"logs":  fmt.Sprintf("docker logs %s", name),
		"shell": fmt.Sprintf("docker exec -it %s /bin/sh", name),
		"stop":  fmt.Sprintf("docker stop %s", name),
	}
}

func (d *DockerDeployer) ConfigSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"port": map[string]interface{}{
				"type":        "integer",
				"default":     8080,
				"description": "Host port to map to the container",
				"minimum":     1,
				"maximum":     65535,
			},
			"memory_limit": map[string]interface{}{
				"type":        "string",
				"default":     "2g",
				"description": "Memory limit (e.g., 512m, 2g)",
			},
			"cpu_limit": map[string]interface{}{
				"type":        "number",
				"default":     2,
				"description": "CPU cores limit",
			},
		},
	}
}

// ListContainers lists running postqode- containers: name, image, status.
func (d *DockerDeployer) ListContainers(ctx context.Context) ([]map[string]string, error) {
	res := d.docker(ctx, StatusTimeout, "ps", "--filter", "name=postqode-", "--format", "{{.Names}}|{{.Image}}|{{.Status}}")
	if !res.Success() {
		return nil, fmt.Errorf("failed to list containers: %s", res.Stderr)
	}
	var out []map[string]string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		entry := map[string]string{"name": parts[0]}
		if len(parts) > 1 {
			entry["image"] = parts[1]
		}
		if len(parts) > 2 {
			entry["status"] = parts[2]
		}
		out = append(out, entry)
	}
	return out, nil
}
