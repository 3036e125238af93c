package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/postqode/orchestrator/pkg/runner"
)

// KubernetesDeployer installs agents on a cluster as Helm releases. The
// image is built locally, pushed to a registry, and the chart is
// synthesized per (agent, version).
type KubernetesDeployer struct {
	runner          runner.CommandRunner
	docker          *DockerDeployer
	chartsRoot      string
	defaultRegistry string
	marketplaceURL  string
	logger          zerolog.Logger
}

var _ Deployer = (*KubernetesDeployer)(nil)

// NewKubernetesDeployer creates the cluster backend. Image builds delegate
// to the docker deployer.
func NewKubernetesDeployer(run runner.CommandRunner, docker *DockerDeployer, chartsRoot, defaultRegistry, marketplaceURL string, logger zerolog.Logger) *KubernetesDeployer {
	return &KubernetesDeployer{
		runner:          run,
		docker:          docker,
		chartsRoot:      chartsRoot,
		defaultRegistry: defaultRegistry,
		marketplaceURL:  marketplaceURL,
		logger:          logger.With().Str("component", "kubernetes_deployer").Logger(),
	}
}

func (k *KubernetesDeployer) Platform() Platform  { return PlatformCluster }
func (k *KubernetesDeployer) DisplayName() string { return "Kubernetes" }
func (k *KubernetesDeployer) Description() string { return "Deploy to your Kubernetes cluster via Helm" }

// releaseName derives the Helm release for an agent. Keyed on the agent,
// not the deployment, so repeated deploys upgrade the same release.
func releaseName(agentID string) string {
	return "agent-" + shortID(agentID)
}

func (k *KubernetesDeployer) run(ctx context.Context, timeout time.Duration, kubeconfigPath string, argv ...string) runner.Result {
	cmd := runner.Command{Argv: argv, Timeout: timeout}
	if kubeconfigPath != "" {
		cmd.Env = map[string]string{"KUBECONFIG": kubeconfigPath}
	}
	return k.runner.Run(ctx, cmd)
}

// materializeKubeconfig writes the base64 kubeconfig to a mode-0600 temp
// file. Returns "" when the config carries none (default context is used).
func (k *KubernetesDeployer) materializeKubeconfig(cfg Config) (string, func(), error) {
	if cfg.Kubeconfig() == "" {
		return "", func() {}, nil
	}
	path, err := writeTempSecret(cfg.Kubeconfig(), "kubeconfig-*.yaml")
	if err != nil {
		return "", func() {}, err
	}
	return path, func() { _ = os.Remove(path) }, nil
}

func (k *KubernetesDeployer) CheckPrerequisites(ctx context.Context) ValidationResult {
	requirements := map[string]bool{}
	var errs []string

	res := k.run(ctx, PrereqTimeout, "", "kubectl", "version", "--client")
	requirements["kubectl"] = res.Success()
	if !res.Success() {
		errs = append(errs, "kubectl is not installed")
	}

	res = k.run(ctx, PrereqTimeout, "", "helm", "version")
	requirements["helm"] = res.Success()
	if !res.Success() {
		errs = append(errs, "helm is not installed")
	}

	return ValidationResult{OK: len(errs) == 0, Errors: errs, RequirementsMet: requirements}
}

func (k *KubernetesDeployer) ValidateConfig(ctx context.Context, cfg Config) ValidationResult {
	prereqs := k.CheckPrerequisites(ctx)
	if !prereqs.OK {
		return prereqs
	}

	var errs, warnings []string

	if cfg.Kubeconfig() == "" {
		warnings = append(warnings, "No kubeconfig provided, will use default context")
	} else {
		path, cleanup, err := k.materializeKubeconfig(cfg)
		if err != nil {
			errs = append(errs, "Invalid kubeconfig format")
		} else {
			res := k.run(ctx, StatusTimeout, path, "kubectl", "cluster-info")
			cleanup()
			if !res.Success() {
				errs = append(errs, "Failed to connect to Kubernetes cluster")
			}
		}
	}

	if cfg.Registry() == "" {
		warnings = append(warnings, fmt.Sprintf("No registry specified, using default: %s", k.defaultRegistry))
	}

	return ValidationResult{
		OK:       len(errs) == 0,
		Errors:   errs,
		Warnings: warnings,
		RequirementsMet: map[string]bool{
			"kubectl":           true,
			"helm":              true,
			"cluster_connected": len(errs) == 0,
		},
	}
}

// Build produces the local image, retags it for the registry, and pushes.
// Push failure is fatal.
func (k *KubernetesDeployer) Build(ctx context.Context, cfg Config, packagePath string, progress ProgressFunc) BuildResult {
	start := time.Now()

	progress.emit("Building Docker image...")
	base := k.docker.Build(ctx, cfg, packagePath, progress)
	if !base.OK {
		return base
	}

	registry := cfg.Registry()
	if registry == "" {
		registry = k.defaultRegistry
	}
	registryTag := fmt.Sprintf("%s/%s:%s", registry, imageRepoName(cfg), cfg.Version)

	progress.emit(fmt.Sprintf("Tagging image for registry: %s", registryTag))
	tagRes := k.run(ctx, StatusTimeout, "", "docker", "tag", base.ArtifactHandle, registryTag)
	if !tagRes.Success() {
		return BuildResult{
			Error:     truncate(fmt.Sprintf("Failed to tag image: %s", buildError(tagRes)), 500),
			BuildLogs: base.BuildLogs + tagRes.Stderr,
			Duration:  time.Since(start),
		}
	}

	progress.emit(fmt.Sprintf("Pushing to registry %s...", registry))
	pushRes := k.run(ctx, BuildTimeout, "", "docker", "push", registryTag)
	if !pushRes.Success() {
		return BuildResult{
			Error:     truncate(fmt.Sprintf("Failed to push image: %s", buildError(pushRes)), 500),
			BuildLogs: base.BuildLogs + pushRes.Output(),
			Duration:  time.Since(start),
		}
	}

	return BuildResult{
		OK:             true,
		ImageName:      strings.SplitN(registryTag, ":", 2)[0],
		ArtifactHandle: registryTag,
		BuildLogs:      base.BuildLogs + pushRes.Stdout,
		Duration:       time.Since(start),
	}
}

func imageRepoName(cfg Config) string {
	name := cfg.AgentName
	if name == "" {
		name = "postqode-agent-" + cfg.AgentID
	}
	return strings.ReplaceAll(strings.ToLower(name), " ", "-")
}

// chartSpec mirrors Chart.yaml.
type chartSpec struct {
	APIVersion  string `json:"apiVersion"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Version     string `json:"version"`
	AppVersion  string `json:"appVersion"`
}

type chartEnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// chartValues mirrors values.yaml.
type chartValues struct {
	ReplicaCount int `json:"replicaCount"`
	Image        struct {
		Repository string `json:"repository"`
		Tag        string `json:"tag"`
		PullPolicy string `json:"pullPolicy"`
	} `json:"image"`
	Service struct {
		Type string `json:"type"`
		Port int    `json:"port"`
	} `json:"service"`
	Env       []chartEnvVar          `json:"env"`
	Resources map[string]interface{} `json:"resources"`
	Ingress   struct {
		Enabled bool   `json:"enabled"`
		Host    string `json:"host"`
	} `json:"ingress"`
}

const deploymentTemplate = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: {{ .Chart.Name }}
  labels:
    app: {{ .Chart.Name }}
spec:
  replicas: {{ .Values.replicaCount }}
  selector:
    matchLabels:
      app: {{ .Chart.Name }}
  template:
    metadata:
      labels:
        app: {{ .Chart.Name }}
    spec:
      containers:
        - name: {{ .Chart.Name }}
          image: "{{ .Values.image.repository }}:{{ .Values.image.tag }}"
          imagePullPolicy: {{ .Values.image.pullPolicy }}
          ports:
            - containerPort: 8080
          env:
            {{- range .Values.env }}
            - name: {{ .name }}
              value: {{ .value | quote }}
            {{- end }}
          resources:
            {{- toYaml .Values.resources | nindent 12 }}
          livenessProbe:
            httpGet:
              path: /health
              port: 8080
            initialDelaySeconds: 30
            periodSeconds: 10
          readinessProbe:
            httpGet:
              path: /health
              port: 8080
            initialDelaySeconds: 5
            periodSeconds: 5
`

const serviceTemplate = `apiVersion: v1
kind: Service
metadata:
  name: {{ .Chart.Name }}
spec:
  type: {{ .Values.service.type }}
  ports:
    - port: {{ .Values.service.port }}
      targetPort: 8080
      protocol: TCP
  selector:
    app: {{ .Chart.Name }}
`

const ingressTemplate = `{{- if .Values.ingress.enabled }}
apiVersion: networking.k8s.io/v1
kind: Ingress
metadata:
  name: {{ .Chart.Name }}
spec:
  rules:
    - host: {{ .Values.ingress.host }}
      http:
        paths:
          - path: /
            pathType: Prefix
            backend:
              service:
                name: {{ .Chart.Name }}
                port:
                  number: {{ .Values.service.port }}
{{- end }}
`

// generateChart synthesizes a Helm chart under chartsRoot/<agent>/<version>.
func (k *KubernetesDeployer) generateChart(deploymentID string, cfg Config, imageTag string) (string, error) {
	chartPath := filepath.Join(k.chartsRoot, cfg.AgentID, cfg.Version)
	templatesPath := filepath.Join(chartPath, "templates")
	if err := os.MkdirAll(templatesPath, 0o755); err != nil {
		return "", err
	}

	chart := chartSpec{
		APIVersion:  "v2",
		Name:        imageRepoName(cfg),
		Description: fmt.Sprintf("PostQode Agent: %s", cfg.AgentName),
		Type:        "application",
		Version:     "1.0.0",
		AppVersion:  cfg.Version,
	}
	chartBytes, err := sigsyaml.Marshal(chart)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(chartPath, "Chart.yaml"), chartBytes, 0o644); err != nil {
		return "", err
	}

	repo, tag := imageTag, "latest"
	if i := strings.LastIndex(imageTag, ":"); i > 0 {
		repo, tag = imageTag[:i], imageTag[i+1:]
	}

	values := chartValues{ReplicaCount: cfg.Replicas()}
	values.Image.Repository = repo
	values.Image.Tag = tag
	values.Image.PullPolicy = "Always"
	values.Service.Type = "ClusterIP"
	values.Service.Port = 8080
	for _, kv := range sortedEnv(InjectedEnv(deploymentID, cfg, k.marketplaceURL)) {
		parts := strings.SplitN(kv, "=", 2)
		values.Env = append(values.Env, chartEnvVar{Name: parts[0], Value: parts[1]})
	}
	values.Resources = map[string]interface{}{
		"requests": map[string]string{"memory": "512Mi", "cpu": "500m"},
		"limits":   map[string]string{"memory": "2Gi", "cpu": "2"},
	}
	values.Ingress.Enabled = cfg.IngressEnabled()
	values.Ingress.Host = cfg.IngressHost()

	valuesBytes, err := sigsyaml.Marshal(values)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(chartPath, "values.yaml"), valuesBytes, 0o644); err != nil {
		return "", err
	}

	for name, content := range map[string]string{
		"deployment.yaml": deploymentTemplate,
		"service.yaml":    serviceTemplate,
		"ingress.yaml":    ingressTemplate,
	} {
		if err := os.WriteFile(filepath.Join(templatesPath, name), []byte(content), 0o644); err != nil {
			return "", err
		}
	}
	return chartPath, nil
}

// Deploy synthesizes the chart and runs helm upgrade --install with --wait.
func (k *KubernetesDeployer) Deploy(ctx context.Context, deploymentID string, cfg Config, build BuildResult, progress ProgressFunc) DeployResult {
	start := time.Now()

	if !build.OK {
		return DeployResult{Error: "Cannot deploy without successful build", Duration: time.Since(start)}
	}

	progress.emit("Generating Helm chart...")
	chartPath, err := k.generateChart(deploymentID, cfg, build.ArtifactHandle)
	if err != nil {
		return DeployResult{Error: fmt.Sprintf("Failed to generate chart: %v", err), Duration: time.Since(start)}
	}

	kubeconfigPath, cleanup, err := k.materializeKubeconfig(cfg)
	if err != nil {
		return DeployResult{Error: fmt.Sprintf("Invalid kubeconfig: %v", err), Duration: time.Since(start)}
	}
	defer cleanup()

	release := releaseName(cfg.AgentID)
	progress.emit(fmt.Sprintf("Installing Helm release: %s", release))

	res := k.run(ctx, DeployTimeout, kubeconfigPath,
		"helm", "upgrade", "--install",
		release, chartPath,
		"--namespace", cfg.Namespace(),
		"--create-namespace",
		"--wait",
		"--timeout", "5m",
		"--set", fmt.Sprintf("deploymentId=%s", deploymentID),
	)
	if !res.Success() {
		return DeployResult{
			Error:      truncate(buildError(res), 500),
			DeployLogs: res.Output(),
			Duration:   time.Since(start),
		}
	}

	accessURL := fmt.Sprintf("kubectl port-forward svc/%s 8080:8080 -n %s", release, cfg.Namespace())
	if cfg.IngressEnabled() && cfg.IngressHost() != "" {
		accessURL = "https://" + cfg.IngressHost()
	}

	return DeployResult{
		OK:         true,
		ExternalID: release,
		AccessURL:  accessURL,
		Endpoints: map[string]string{
			"service": fmt.Sprintf("%s.%s.svc.cluster.local:8080", release, cfg.Namespace()),
		},
		DeployLogs: res.Stdout,
		Duration:   time.Since(start),
	}
}

// Start scales the deployment back to the configured replica count.
func (k *KubernetesDeployer) Start(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	return k.scale(ctx, cfg, cfg.Replicas(), "Scaled up", true)
}

// Stop scales the deployment to zero.
func (k *KubernetesDeployer) Stop(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	return k.scale(ctx, cfg, 0, "Scaled to 0", false)
}

func (k *KubernetesDeployer) scale(ctx context.Context, cfg Config, replicas int, message string, running bool) StatusResult {
	kubeconfigPath, cleanup, err := k.materializeKubeconfig(cfg)
	if err != nil {
		return StatusResult{State: "error", Health: "unknown", Message: err.Error()}
	}
	defer cleanup()

	res := k.run(ctx, StatusTimeout, kubeconfigPath,
		"kubectl", "scale", "deployment", releaseName(cfg.AgentID),
		"--replicas="+strconv.Itoa(replicas),
		"-n", cfg.Namespace())
	if !res.Success() {
		return StatusResult{State: "error", Health: "unknown", Message: res.Stderr}
	}
	state := "stopped"
	if running {
		state = "running"
	}
	return StatusResult{Running: running, State: state, Health: "unknown", Message: message, LastUpdated: time.Now().UTC()}
}

func (k *KubernetesDeployer) Restart(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	kubeconfigPath, cleanup, err := k.materializeKubeconfig(cfg)
	if err != nil {
		return StatusResult{State: "error", Health: "unknown", Message: err.Error()}
	}
	defer cleanup()

	res := k.run(ctx, StatusTimeout, kubeconfigPath,
		"kubectl", "rollout", "restart",
		"deployment/"+releaseName(cfg.AgentID),
		"-n", cfg.Namespace())
	if !res.Success() {
		return StatusResult{State: "error", Health: "unknown", Message: res.Stderr}
	}
	return StatusResult{Running: true, State: "running", Health: "unknown", Message: "Rollout restarted", LastUpdated: time.Now().UTC()}
}

// Status reads readyReplicas/replicas; partial readiness maps to updating
// and degraded health.
func (k *KubernetesDeployer) Status(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	kubeconfigPath, cleanup, err := k.materializeKubeconfig(cfg)
	if err != nil {
		return StatusResult{State: "error", Health: "unknown", Message: err.Error()}
	}
	defer cleanup()

	res := k.run(ctx, StatusTimeout, kubeconfigPath,
		"kubectl", "get", "deployment", releaseName(cfg.AgentID),
		"-n", cfg.Namespace(),
		"-o", "jsonpath={.status.readyReplicas}/{.status.replicas}")
	if !res.Success() {
		return StatusResult{State: "unknown", Health: "unknown", Message: "Deployment not found"}
	}

	parts := strings.Split(strings.TrimSpace(res.Stdout), "/")
	ready, total := 0, 0
	if len(parts) > 0 && parts[0] != "" {
		ready, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 && parts[1] != "" {
		total, _ = strconv.Atoi(parts[1])
	}

	state, health := "running", "healthy"
	if ready != total {
		state, health = "updating", "degraded"
	}
	return StatusResult{
		Running:     ready > 0,
		State:       state,
		Health:      health,
		Message:     fmt.Sprintf("%d/%d replicas ready", ready, total),
		LastUpdated: time.Now().UTC(),
	}
}

func (k *KubernetesDeployer) Logs(ctx context.Context, deploymentID string, cfg Config, lines int, follow bool) (string, error) {
	kubeconfigPath, cleanup, err := k.materializeKubeconfig(cfg)
	if err != nil {
		return "", err
	}
	defer cleanup()

	argv := []string{
		"kubectl", "logs",
		"deployment/" + releaseName(cfg.AgentID),
		"-n", cfg.Namespace(),
		fmt.Sprintf("--tail=%d", lines),
	}
	if follow {
		argv = append(argv, "-f")
	}
	res := k.run(ctx, LogsTimeout, kubeconfigPath, argv...)
	return res.Output(), nil
}

// Delete uninstalls the release. A release that is already gone counts as
// success.
func (k *KubernetesDeployer) Delete(ctx context.Context, deploymentID string, cfg Config) bool {
	kubeconfigPath, cleanup, err := k.materializeKubeconfig(cfg)
	if err != nil {
		return false
	}
	defer cleanup()

	res := k.run(ctx, StatusTimeout, kubeconfigPath,
		"helm", "uninstall", releaseName(cfg.AgentID), "-n", cfg.Namespace())
	if res.Success() {
		return true
	}
	return strings.Contains(res.Stderr, "not found")
}

func (k *KubernetesDeployer) AccessInstructions(deploymentID string, cfg Config) map[string]string {
	release := releaseName(cfg.AgentID)
	ns := cfg.Namespace()
	return map[string]string{
		"port_forward": fmt.Sprintf("kubectl port-forward svc/%s 8080:8080 -n %s", release, ns),
		"logs":         fmt.Sprintf("kubectl logs deployment/%s -n %s", release, ns),
		"status":       fmt.Sprintf("kubectl get pods -l app=%s -n %s", release, ns),
		"helm_status":  fmt.Sprintf("helm status %s -n %s", release, ns),
	}
}

func (k *KubernetesDeployer) ConfigSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"kubeconfig": map[string]interface{}{
				"type":        "string",
				"format":      "base64",
				"description": "Base64-encoded kubeconfig file",
			},
			"namespace": map[string]interface{}{
				"type":        "string",
				"default":     "default",
				"description": "Kubernetes namespace",
			},
			"replicas": map[string]interface{}{
				"type":        "integer",
				"default":     1,
				"minimum":     1,
				"maximum":     10,
				"description": "Number of replicas",
			},
			"registry": map[string]interface{}{
				"type":        "string",
				"description": "Container registry to push images",
			},
			"ingress_enabled": map[string]interface{}{
				"type":        "boolean",
				"default":     false,
				"description": "Enable Ingress resource",
			},
			"ingress_host": map[string]interface{}{
				"type":        "string",
				"description": "Ingress hostname",
			},
		},
	}
}
