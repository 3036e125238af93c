// Package deploy defines the deployer contract and its five backends:
// local containers, a Kubernetes cluster, a remote host over SSH, a
// serverless function platform, and an edge-device fleet. Deployers are
// stateless command executors; all per-deployment state lives in the
// deployment record.
package deploy

import (
	"context"
	"fmt"
	"time"
)

// Platform identifies a deployment backend.
type Platform string

const (
	PlatformLocalContainer Platform = "local_container"
	PlatformCluster        Platform = "cluster"
	PlatformServerless     Platform = "serverless"
	PlatformRemoteHost     Platform = "remote_host"
	PlatformEdge           Platform = "edge"
	PlatformCloudManaged   Platform = "cloud_managed"
)

// Operation deadlines. Timeouts surface as failed results with partial
// output, never as panics or hangs.
const (
	BuildTimeout    = 10 * time.Minute
	DeployTimeout   = 10 * time.Minute
	StatusTimeout   = 30 * time.Second
	LogsTimeout     = 30 * time.Second
	SSHTimeout      = 5 * time.Minute
	PrereqTimeout   = 15 * time.Second
	EdgeHTTPTimeout = 30 * time.Second
	EdgePostTimeout = 60 * time.Second
)

// Config is the deployment configuration every deployer consumes.
// Platform-scoped settings live under PlatformConfig and are read through
// the typed accessors below.
type Config struct {
	AgentID        string                 `json:"agent_id"`
	AgentName      string                 `json:"agent_name,omitempty"`
	Version        string                 `json:"version"`
	Adapter        string                 `json:"adapter,omitempty"`
	EnvVars        map[string]string      `json:"env_vars,omitempty"`
	PlatformConfig map[string]interface{} `json:"platform_config,omitempty"`
	Port           int                    `json:"port,omitempty"`
	Environment    string                 `json:"environment_name,omitempty"`
}

func (c Config) pcString(key, fallback string) string {
	if v, ok := c.PlatformConfig[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func (c Config) pcInt(key string, fallback int) int {
	switch v := c.PlatformConfig[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func (c Config) pcBool(key string) bool {
	v, _ := c.PlatformConfig[key].(bool)
	return v
}

// Cluster settings.
func (c Config) Kubeconfig() string { return c.pcString("kubeconfig", "") }
func (c Config) Namespace() string  { return c.pcString("namespace", "default") }
func (c Config) Replicas() int      { return c.pcInt("replicas", 1) }
func (c Config) Registry() string   { return c.pcString("registry", "") }
func (c Config) IngressEnabled() bool {
	return c.pcBool("ingress_enabled")
}
func (c Config) IngressHost() string { return c.pcString("ingress_host", "") }

// Remote host settings.
func (c Config) SSHHost() string     { return c.pcString("ssh_host", "") }
func (c Config) SSHUser() string     { return c.pcString("ssh_user", "root") }
func (c Config) SSHPort() int        { return c.pcInt("ssh_port", 22) }
func (c Config) SSHKey() string      { return c.pcString("ssh_key", "") }
func (c Config) InstallPath() string { return c.pcString("install_path", "/opt/postqode") }

// Serverless settings.
func (c Config) ResourceGroup() string   { return c.pcString("resource_group", "") }
func (c Config) FunctionAppName() string { return c.pcString("function_app_name", "") }
func (c Config) Location() string        { return c.pcString("location", "eastus") }
func (c Config) StorageAccount() string  { return c.pcString("storage_account", "") }

// Edge settings.
func (c Config) DeviceID() string    { return c.pcString("device_id", "") }
func (c Config) DeviceGroup() string { return c.pcString("device_group", "") }
func (c Config) OfflineCapable() bool {
	return c.pcBool("offline_capable")
}
func (c Config) SyncInterval() int { return c.pcInt("sync_interval", 60) }
func (c Config) MemoryMB() int     { return c.pcInt("memory_mb", 256) }
func (c Config) CPUPercent() int   { return c.pcInt("cpu_percent", 50) }

// HostPort returns the configured port, defaulting to 8080.
func (c Config) HostPort() int {
	if c.Port > 0 {
		return c.Port
	}
	return 8080
}

// ToMap flattens the config for storage on the deployment record.
func (c Config) ToMap() map[string]interface{} {
	env := map[string]interface{}{}
	for k, v := range c.EnvVars {
		env[k] = v
	}
	return map[string]interface{}{
		"agent_id":         c.AgentID,
		"agent_name":       c.AgentName,
		"version":          c.Version,
		"adapter":          c.Adapter,
		"env_vars":         env,
		"platform_config":  c.PlatformConfig,
		"port":             c.HostPort(),
		"environment_name": c.Environment,
	}
}

// ConfigFromMap rebuilds a Config from a stored deployment record.
func ConfigFromMap(m map[string]interface{}) Config {
	cfg := Config{
		EnvVars:        map[string]string{},
		PlatformConfig: map[string]interface{}{},
	}
	if v, ok := m["agent_id"].(string); ok {
		cfg.AgentID = v
	}
	if v, ok := m["agent_name"].(string); ok {
		cfg.AgentName = v
	}
	if v, ok := m["version"].(string); ok {
		cfg.Version = v
	}
	if v, ok := m["adapter"].(string); ok {
		cfg.Adapter = v
	}
	if v, ok := m["environment_name"].(string); ok {
		cfg.Environment = v
	}
	switch v := m["port"].(type) {
	case int:
		cfg.Port = v
	case float64:
		cfg.Port = int(v)
	}
	if env, ok := m["env_vars"].(map[string]interface{}); ok {
		for k, v := range env {
			if s, ok := v.(string); ok {
				cfg.EnvVars[k] = s
			}
		}
	}
	if pc, ok := m["platform_config"].(map[string]interface{}); ok {
		cfg.PlatformConfig = pc
	}
	return cfg
}

// ValidationResult reports prerequisite and configuration checks.
type ValidationResult struct {
	OK              bool            `json:"ok"`
	Errors          []string        `json:"errors,omitempty"`
	Warnings        []string        `json:"warnings,omitempty"`
	RequirementsMet map[string]bool `json:"requirements_met,omitempty"`
}

// BuildResult is the outcome of the build phase. ArtifactHandle is
// deployer-specific: an image tag, a synthesized project path, a bundle
// directory.
type BuildResult struct {
	OK             bool          `json:"ok"`
	ImageName      string        `json:"image_name,omitempty"`
	ArtifactHandle string        `json:"artifact_handle,omitempty"`
	BuildLogs      string        `json:"build_logs,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// DeployResult is the outcome of the deploy phase.
type DeployResult struct {
	OK         bool              `json:"ok"`
	ExternalID string            `json:"external_id,omitempty"`
	AccessURL  string            `json:"access_url,omitempty"`
	Endpoints  map[string]string `json:"endpoints,omitempty"`
	DeployLogs string            `json:"deploy_logs,omitempty"`
	Error      string            `json:"error,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// StatusResult describes the current state of a deployment on its target.
type StatusResult struct {
	Running       bool                   `json:"running"`
	State         string                 `json:"state"`
	Health        string                 `json:"health"`
	Message       string                 `json:"message,omitempty"`
	UptimeSeconds int64                  `json:"uptime_seconds,omitempty"`
	LastUpdated   time.Time              `json:"last_updated,omitempty"`
	Metrics       map[string]interface{} `json:"metrics,omitempty"`
}

// ProgressFunc receives human-readable progress messages during build and
// deploy. Advisory only; implementations must tolerate nil.
type ProgressFunc func(message string)

func (f ProgressFunc) emit(msg string) {
	if f != nil {
		f(msg)
	}
}

// Deployer is the capability set every backend implements. Implementations
// are safe for concurrent use; distinct deployment ids never contend.
type Deployer interface {
	Platform() Platform
	DisplayName() string
	Description() string

	CheckPrerequisites(ctx context.Context) ValidationResult
	ValidateConfig(ctx context.Context, cfg Config) ValidationResult
	Build(ctx context.Context, cfg Config, packagePath string, progress ProgressFunc) BuildResult
	Deploy(ctx context.Context, deploymentID string, cfg Config, build BuildResult, progress ProgressFunc) DeployResult
	Start(ctx context.Context, deploymentID string, cfg Config) StatusResult
	Stop(ctx context.Context, deploymentID string, cfg Config) StatusResult
	Restart(ctx context.Context, deploymentID string, cfg Config) StatusResult
	Status(ctx context.Context, deploymentID string, cfg Config) StatusResult
	Logs(ctx context.Context, deploymentID string, cfg Config, lines int, follow bool) (string, error)
	Delete(ctx context.Context, deploymentID string, cfg Config) bool
	AccessInstructions(deploymentID string, cfg Config) map[string]string
	ConfigSchema() map[string]interface{}
}

// ResourceName derives the deterministic external name for a deployment:
// containers, service units, and edge deployments all use it, which makes
// lifecycle operations idempotent and lets deployers rediscover resources
// after a restart.
func ResourceName(agentID, deploymentID string) string {
	return fmt.Sprintf("postqode-%s-%s", agentID, shortID(deploymentID))
}

// ImageTag derives the image reference for an agent version.
func ImageTag(agentID, version string) string {
	return fmt.Sprintf("postqode-agent-%s:%s", agentID, version)
}

// InjectedEnv returns the variables every deployer adds to the workload on
// top of the user-supplied env_vars.
func InjectedEnv(deploymentID string, cfg Config, marketplaceURL string) map[string]string {
	env := make(map[string]string, len(cfg.EnvVars)+4)
	for k, v := range cfg.EnvVars {
		env[k] = v
	}
	env["POSTQODE_DEPLOYMENT_ID"] = deploymentID
	env["POSTQODE_AGENT_ID"] = cfg.AgentID
	env["POSTQODE_ADAPTER"] = cfg.Adapter
	env["POSTQODE_MARKETPLACE_URL"] = marketplaceURL
	return env
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate caps an error detail for result fields that feed the deployment
// record's error_message.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
