package deploy

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/postqode/orchestrator/pkg/runner"
)

// VMDeployer installs agents on a remote host over SSH and runs them as
// systemd units. The build phase stages the package zip, an install script,
// and a unit file; all remote mutation happens in Deploy and the lifecycle
// operations.
type VMDeployer struct {
	runner         runner.CommandRunner
	buildRoot      string
	marketplaceURL string
	logger         zerolog.Logger
}

var _ Deployer = (*VMDeployer)(nil)

// NewVMDeployer creates the remote-host backend.
func NewVMDeployer(run runner.CommandRunner, buildRoot, marketplaceURL string, logger zerolog.Logger) *VMDeployer {
	return &VMDeployer{
		runner:         run,
		buildRoot:      buildRoot,
		marketplaceURL: marketplaceURL,
		logger:         logger.With().Str("component", "vm_deployer").Logger(),
	}
}

func (v *VMDeployer) Platform() Platform  { return PlatformRemoteHost }
func (v *VMDeployer) DisplayName() string { return "VM / Bare Metal" }
func (v *VMDeployer) Description() string { return "Deploy to traditional servers via SSH" }

// materializeSSHKey writes the base64 private key to a mode-0600 temp file.
func (v *VMDeployer) materializeSSHKey(cfg Config) (string, func(), error) {
	if cfg.SSHKey() == "" {
		return "", func() {}, nil
	}
	path, err := writeTempSecret(cfg.SSHKey(), "sshkey-*")
	if err != nil {
		return "", func() {}, err
	}
	return path, func() { _ = os.Remove(path) }, nil
}

func (v *VMDeployer) ssh(ctx context.Context, cfg Config, keyPath, command string) runner.Result {
	argv := []string{"ssh", "-o", "StrictHostKeyChecking=no", "-o", "BatchMode=yes"}
	if keyPath != "" {
		argv = append(argv, "-i", keyPath)
	}
	argv = append(argv, "-p", strconv.Itoa(cfg.SSHPort()))
	argv = append(argv, fmt.Sprintf("%s@%s", cfg.SSHUser(), cfg.SSHHost()), command)
	return v.runner.Run(ctx, runner.Command{Argv: argv, Timeout: SSHTimeout})
}

func (v *VMDeployer) scp(ctx context.Context, cfg Config, keyPath, source, dest string) runner.Result {
	argv := []string{"scp", "-o", "StrictHostKeyChecking=no", "-o", "BatchMode=yes"}
	if keyPath != "" {
		argv = append(argv, "-i", keyPath)
	}
	argv = append(argv, "-P", strconv.Itoa(cfg.SSHPort()))
	argv = append(argv, source, fmt.Sprintf("%s@%s:%s", cfg.SSHUser(), cfg.SSHHost(), dest))
	return v.runner.Run(ctx, runner.Command{Argv: argv, Timeout: SSHTimeout})
}

func (v *VMDeployer) CheckPrerequisites(ctx context.Context) ValidationResult {
	res := v.runner.Run(ctx, runner.Command{Argv: []string{"ssh", "-V"}, Timeout: PrereqTimeout})
	// ssh -V writes its banner to stderr and exits 0.
	if res.Err == nil && !res.TimedOut {
		return ValidationResult{OK: true, RequirementsMet: map[string]bool{"ssh": true}}
	}
	return ValidationResult{
		OK:              false,
		Errors:          []string{"SSH client not available"},
		RequirementsMet: map[string]bool{"ssh": false},
	}
}

func (v *VMDeployer) ValidateConfig(ctx context.Context, cfg Config) ValidationResult {
	var errs, warnings []string

	if cfg.SSHHost() == "" {
		errs = append(errs, "ssh_host is required")
	}
	if cfg.SSHKey() == "" {
		warnings = append(warnings, "No SSH key provided, will use default SSH agent")
	}

	if cfg.SSHHost() != "" {
		keyPath, cleanup, err := v.materializeSSHKey(cfg)
		if err != nil {
			errs = append(errs, fmt.Sprintf("Invalid SSH key: %v", err))
		} else {
			res := v.ssh(ctx, cfg, keyPath, "echo 'test'")
			cleanup()
			if !res.Success() {
				errs = append(errs, fmt.Sprintf("Cannot connect to server: %s", res.Stderr))
			}
		}
	}

	return ValidationResult{
		OK:       len(errs) == 0,
		Errors:   errs,
		Warnings: warnings,
		RequirementsMet: map[string]bool{
			"ssh":              true,
			"server_reachable": len(errs) == 0,
		},
	}
}

// Build stages the deployable bundle: the raw package zip, an install
// script that sets up a virtualenv and the environment file, and a systemd
// unit. Nothing touches the remote host here.
func (v *VMDeployer) Build(ctx context.Context, cfg Config, packagePath string, progress ProgressFunc) BuildResult {
	start := time.Now()

	progress.emit("Preparing deployment package...")
	buildPath := filepath.Join(v.buildRoot, cfg.AgentID, cfg.Version)
	if err := os.MkdirAll(buildPath, 0o755); err != nil {
		return BuildResult{Error: fmt.Sprintf("Failed to create build directory: %v", err), Duration: time.Since(start)}
	}

	if err := copyFile(packagePath, filepath.Join(buildPath, "agent.zip")); err != nil {
		return BuildResult{Error: fmt.Sprintf("Failed to stage package: %v", err), Duration: time.Since(start)}
	}

	installScript := v.renderInstallScript(cfg)
	if err := os.WriteFile(filepath.Join(buildPath, "install.sh"), []byte(installScript), 0o755); err != nil {
		return BuildResult{Error: fmt.Sprintf("Failed to write install script: %v", err), Duration: time.Since(start)}
	}

	unit := v.renderServiceUnit(cfg)
	if err := os.WriteFile(filepath.Join(buildPath, "postqode-agent.service"), []byte(unit), 0o644); err != nil {
		return BuildResult{Error: fmt.Sprintf("Failed to write service unit: %v", err), Duration: time.Since(start)}
	}

	return BuildResult{
		OK:             true,
		ArtifactHandle: buildPath,
		Duration:       time.Since(start),
	}
}

// renderInstallScript produces the remote installer. The deployment id is
// passed as $1 at deploy time so build output stays deployment-agnostic.
func (v *VMDeployer) renderInstallScript(cfg Config) string {
	agentDir := filepath.Join(cfg.InstallPath(), "agents", cfg.AgentID)

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("# PostQode Agent install script\n")
	b.WriteString("set -e\n\n")
	b.WriteString("DEPLOYMENT_ID=\"$1\"\n")
	fmt.Fprintf(&b, "AGENT_DIR=%q\n", agentDir)
	b.WriteString("LOG_DIR=\"/var/log/postqode\"\n\n")
	fmt.Fprintf(&b, "echo \"Installing PostQode Agent: %s\"\n\n", cfg.AgentName)
	b.WriteString("mkdir -p \"$AGENT_DIR\"\n")
	b.WriteString("mkdir -p \"$LOG_DIR\"\n\n")
	b.WriteString("cd \"$AGENT_DIR\"\n")
	b.WriteString("unzip -o /tmp/agent.zip\n\n")
	b.WriteString("python3 -m venv venv\n")
	b.WriteString("source venv/bin/activate\n\n")
	b.WriteString("if [ -f requirements.txt ]; then\n")
	b.WriteString("    pip install -r requirements.txt\n")
	b.WriteString("else\n")
	b.WriteString("    for f in $(find . -name \"requirements.txt\" | head -1); do\n")
	b.WriteString("        pip install -r $f\n")
	b.WriteString("    done\n")
	b.WriteString("fi\n\n")
	b.WriteString("cat > .env << EOF\n")
	b.WriteString("POSTQODE_DEPLOYMENT_ID=$DEPLOYMENT_ID\n")
	fmt.Fprintf(&b, "POSTQODE_AGENT_ID=%s\n", cfg.AgentID)
	fmt.Fprintf(&b, "POSTQODE_ADAPTER=%s\n", cfg.Adapter)
	fmt.Fprintf(&b, "POSTQODE_MARKETPLACE_URL=%s\n", v.marketplaceURL)
	keys := make([]string, 0, len(cfg.EnvVars))
	for k := range cfg.EnvVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, cfg.EnvVars[k])
	}
	b.WriteString("EOF\n\n")
	b.WriteString("echo \"Agent installed at $AGENT_DIR\"\n")
	return b.String()
}

func (v *VMDeployer) renderServiceUnit(cfg Config) string {
	agentDir := filepath.Join(cfg.InstallPath(), "agents", cfg.AgentID)
	return fmt.Sprintf(`[Unit]
Description=PostQode Agent - %s
After=network.target

[Service]
Type=simple
User=root
WorkingDirectory=%s
EnvironmentFile=%s/.env
ExecStart=%s/venv/bin/python agent.py
Restart=always
RestartSec=10
StandardOutput=append:/var/log/postqode/%s.log
StandardError=append:/var/log/postqode/%s.error.log

[Install]
WantedBy=multi-user.target
`, cfg.AgentName, agentDir, agentDir, agentDir, cfg.AgentID, cfg.AgentID)
}

// Deploy uploads the staged bundle, runs the installer with elevation, and
// enables the service unit.
func (v *VMDeployer) Deploy(ctx context.Context, deploymentID string, cfg Config, build BuildResult, progress ProgressFunc) DeployResult {
	start := time.Now()
	var logs []string

	if !build.OK || build.ArtifactHandle == "" {
		return DeployResult{Error: "Cannot deploy without successful build", Duration: time.Since(start)}
	}

	keyPath, cleanup, err := v.materializeSSHKey(cfg)
	if err != nil {
		return DeployResult{Error: fmt.Sprintf("Invalid SSH key: %v", err), Duration: time.Since(start)}
	}
	defer cleanup()

	progress.emit("Uploading agent package...")
	res := v.scp(ctx, cfg, keyPath, filepath.Join(build.ArtifactHandle, "agent.zip"), "/tmp/agent.zip")
	logs = append(logs, "SCP: "+res.Output())
	if !res.Success() {
		return DeployResult{
			Error:      truncate(fmt.Sprintf("Failed to upload package: %s", buildError(res)), 500),
			DeployLogs: strings.Join(logs, "\n"),
			Duration:   time.Since(start),
		}
	}

	res = v.scp(ctx, cfg, keyPath, filepath.Join(build.ArtifactHandle, "install.sh"), "/tmp/install.sh")
	logs = append(logs, "SCP install.sh: "+res.Output())
	if !res.Success() {
		return DeployResult{
			Error:      truncate(fmt.Sprintf("Failed to upload install script: %s", buildError(res)), 500),
			DeployLogs: strings.Join(logs, "\n"),
			Duration:   time.Since(start),
		}
	}

	res = v.scp(ctx, cfg, keyPath, filepath.Join(build.ArtifactHandle, "postqode-agent.service"), "/tmp/postqode-agent.service")
	logs = append(logs, "SCP service: "+res.Output())
	if !res.Success() {
		return DeployResult{
			Error:      truncate(fmt.Sprintf("Failed to upload service unit: %s", buildError(res)), 500),
			DeployLogs: strings.Join(logs, "\n"),
			Duration:   time.Since(start),
		}
	}

	progress.emit("Running installation script...")
	res = v.ssh(ctx, cfg, keyPath, fmt.Sprintf("sudo bash /tmp/install.sh %s", deploymentID))
	logs = append(logs, "Install: "+res.Output())
	if !res.Success() {
		return DeployResult{
			Error:      truncate(fmt.Sprintf("Installation failed: %s", buildError(res)), 500),
			DeployLogs: strings.Join(logs, "\n"),
			Duration:   time.Since(start),
		}
	}

	progress.emit("Setting up systemd service...")
	unit := ResourceName(cfg.AgentID, deploymentID)
	for _, cmd := range []string{
		fmt.Sprintf("sudo cp /tmp/postqode-agent.service /etc/systemd/system/%s.service", unit),
		"sudo systemctl daemon-reload",
		fmt.Sprintf("sudo systemctl enable %s", unit),
		fmt.Sprintf("sudo systemctl restart %s", unit),
	} {
		res = v.ssh(ctx, cfg, keyPath, cmd)
		logs = append(logs, cmd+": "+res.Output())
		if !res.Success() {
			return DeployResult{
				Error:      truncate(fmt.Sprintf("Service setup failed: %s", buildError(res)), 500),
				DeployLogs: strings.Join(logs, "\n"),
				Duration:   time.Since(start),
			}
		}
	}

	accessURL := fmt.Sprintf("http://%s:%d", cfg.SSHHost(), cfg.HostPort())
	return DeployResult{
		OK:         true,
		ExternalID: unit,
		AccessURL:  accessURL,
		Endpoints: map[string]string{
			"web": accessURL,
			"ssh": fmt.Sprintf("%s@%s", cfg.SSHUser(), cfg.SSHHost()),
		},
		DeployLogs: strings.Join(logs, "\n"),
		Duration:   time.Since(start),
	}
}

func (v *VMDeployer) systemctl(ctx context.Context, deploymentID string, cfg Config, verb, okState, okMessage string, running bool) StatusResult {
	keyPath, cleanup, err := v.materializeSSHKey(cfg)
	if err != nil {
		return StatusResult{State: "error", Health: "unknown", Message: err.Error()}
	}
	defer cleanup()

	unit := ResourceName(cfg.AgentID, deploymentID)
	res := v.ssh(ctx, cfg, keyPath, fmt.Sprintf("sudo systemctl %s %s", verb, unit))
	if !res.Success() {
		return StatusResult{State: "error", Health: "unknown", Message: res.Stderr}
	}
	return StatusResult{Running: running, State: okState, Health: "unknown", Message: okMessage, LastUpdated: time.Now().UTC()}
}

func (v *VMDeployer) Start(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	return v.systemctl(ctx, deploymentID, cfg, "start", "running", "Service started", true)
}

func (v *VMDeployer) Stop(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	return v.systemctl(ctx, deploymentID, cfg, "stop", "stopped", "Service stopped", false)
}

func (v *VMDeployer) Restart(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	return v.systemctl(ctx, deploymentID, cfg, "restart", "running", "Service restarted", true)
}

// Status parses `systemctl is-active` plus the unit's ActiveEnterTimestamp.
func (v *VMDeployer) Status(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	keyPath, cleanup, err := v.materializeSSHKey(cfg)
	if err != nil {
		return StatusResult{State: "error", Health: "unknown", Message: err.Error()}
	}
	defer cleanup()

	unit := ResourceName(cfg.AgentID, deploymentID)
	res := v.ssh(ctx, cfg, keyPath,
		fmt.Sprintf("systemctl is-active %s && systemctl show %s --property=ActiveEnterTimestamp --value", unit, unit))
	if !res.Success() {
		return StatusResult{State: "unknown", Health: "unknown", Message: "Could not get status"}
	}

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	state := "unknown"
	if len(lines) > 0 && lines[0] != "" {
		state = strings.TrimSpace(lines[0])
	}

	health := "unknown"
	if state == "active" {
		health = "healthy"
	}
	status := StatusResult{
		Running:     state == "active",
		State:       state,
		Health:      health,
		Message:     fmt.Sprintf("Service is %s", state),
		LastUpdated: time.Now().UTC(),
	}
	if len(lines) > 1 && status.Running {
		// systemd renders e.g. "Mon 2024-03-04 10:00:00 UTC".
		if ts, err := time.Parse("Mon 2006-01-02 15:04:05 MST", strings.TrimSpace(lines[1])); err == nil {
			status.UptimeSeconds = int64(time.Since(ts).Seconds())
		}
	}
	return status
}

func (v *VMDeployer) Logs(ctx context.Context, deploymentID string, cfg Config, lines int, follow bool) (string, error) {
	keyPath, cleanup, err := v.materializeSSHKey(cfg)
	if err != nil {
		return "", err
	}
	defer cleanup()

	unit := ResourceName(cfg.AgentID, deploymentID)
	res := v.ssh(ctx, cfg, keyPath, fmt.Sprintf("sudo journalctl -u %s -n %d --no-pager", unit, lines))
	return res.Output(), nil
}

// Delete stops and disables the unit and removes the installation
// directory. Best-effort across the command sequence.
func (v *VMDeployer) Delete(ctx context.Context, deploymentID string, cfg Config) bool {
	keyPath, cleanup, err := v.materializeSSHKey(cfg)
	if err != nil {
		return false
	}
	defer cleanup()

	unit := ResourceName(cfg.AgentID, deploymentID)
	agentDir := filepath.Join(cfg.InstallPath(), "agents", cfg.AgentID)

	ok := true
	for _, cmd := range []string{
		fmt.Sprintf("sudo systemctl stop %s", unit),
		fmt.Sprintf("sudo systemctl disable %s", unit),
		fmt.Sprintf("sudo rm -f /etc/systemd/system/%s.service", unit),
		fmt.Sprintf("sudo rm -rf %s", agentDir),
	} {
		if res := v.ssh(ctx, cfg, keyPath, cmd); !res.Success() {
			ok = false
		}
	}
	return ok
}

func (v *VMDeployer) AccessInstructions(deploymentID string, cfg Config) map[string]string {
	unit := ResourceName(cfg.AgentID, deploymentID)
	return map[string]string{
		"ssh":     fmt.Sprintf("ssh %s@%s", cfg.SSHUser(), cfg.SSHHost()),
		"logs":    fmt.Sprintf("sudo journalctl -u %s -f", unit),
		"status":  fmt.Sprintf("sudo systemctl status %s", unit),
		"restart": fmt.Sprintf("sudo systemctl restart %s", unit),
	}
}

func (v *VMDeployer) ConfigSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ssh_host": map[string]interface{}{
				"type":        "string",
				"description": "Server hostname or IP address",
			},
			"ssh_user": map[string]interface{}{
				"type":        "string",
				"default":     "root",
				"description": "SSH username",
			},
			"ssh_port": map[string]interface{}{
				"type":        "integer",
				"default":     22,
				"description": "SSH port",
			},
			"ssh_key": map[string]interface{}{
				"type":        "string",
				"format":      "base64",
				"description": "Base64-encoded SSH private key",
			},
			"install_path": map[string]interface{}{
				"type":        "string",
				"default":     "/opt/postqode",
				"description": "Installation root on the server",
			},
		},
		"required": []string{"ssh_host"},
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
