package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/postqode/orchestrator/pkg/manifest"
	"github.com/postqode/orchestrator/pkg/runner"
)

// AzureDeployer runs agents as serverless functions. It drives the az and
// func CLIs; the build phase synthesizes a function-app project around the
// package's entry point.
type AzureDeployer struct {
	runner    runner.CommandRunner
	buildRoot string
	logger    zerolog.Logger
}

var _ Deployer = (*AzureDeployer)(nil)

// NewAzureDeployer creates the serverless backend.
func NewAzureDeployer(run runner.CommandRunner, buildRoot string, logger zerolog.Logger) *AzureDeployer {
	return &AzureDeployer{
		runner:    run,
		buildRoot: buildRoot,
		logger:    logger.With().Str("component", "azure_deployer").Logger(),
	}
}

func (a *AzureDeployer) Platform() Platform  { return PlatformServerless }
func (a *AzureDeployer) DisplayName() string { return "Azure Functions" }
func (a *AzureDeployer) Description() string { return "Serverless deployment on Azure" }

func (a *AzureDeployer) run(ctx context.Context, timeout time.Duration, argv ...string) runner.Result {
	return a.runner.Run(ctx, runner.Command{Argv: argv, Timeout: timeout})
}

func (a *AzureDeployer) CheckPrerequisites(ctx context.Context) ValidationResult {
	requirements := map[string]bool{}
	var errs []string

	res := a.run(ctx, PrereqTimeout, "az", "--version")
	requirements["azure_cli"] = res.Success()
	if !res.Success() {
		errs = append(errs, "Azure CLI is not installed. Install with: brew install azure-cli")
	}

	res = a.run(ctx, PrereqTimeout, "az", "account", "show")
	requirements["azure_logged_in"] = res.Success()
	if !res.Success() {
		errs = append(errs, "Not logged into Azure. Run: az login")
	}

	res = a.run(ctx, PrereqTimeout, "func", "--version")
	requirements["func_tools"] = res.Success()
	if !res.Success() {
		errs = append(errs, "Azure Functions Core Tools not installed. Install with: npm install -g azure-functions-core-tools@4")
	}

	return ValidationResult{OK: len(errs) == 0, Errors: errs, RequirementsMet: requirements}
}

func (a *AzureDeployer) ValidateConfig(ctx context.Context, cfg Config) ValidationResult {
	prereqs := a.CheckPrerequisites(ctx)
	if !prereqs.OK {
		return prereqs
	}

	var errs, warnings []string
	if cfg.ResourceGroup() == "" {
		errs = append(errs, "resource_group is required")
	}
	if cfg.FunctionAppName() == "" {
		errs = append(errs, "function_app_name is required")
	}
	if cfg.StorageAccount() == "" {
		warnings = append(warnings, "No storage_account specified, a new one will be created")
	}

	return ValidationResult{
		OK:              len(errs) == 0,
		Errors:          errs,
		Warnings:        warnings,
		RequirementsMet: prereqs.RequirementsMet,
	}
}

// invokeAgentWrapper bridges HTTP requests to the package's entry point.
// A bare GET is a health check; POST bodies select a handler by action.
const invokeAgentWrapper = `import azure.functions as func
import json
import sys
import os

sys.path.insert(0, os.path.join(os.path.dirname(__file__), '..', 'agent'))

async def main(req: func.HttpRequest) -> func.HttpResponse:
    try:
        from agent import agent

        try:
            body = req.get_json()
        except Exception:
            body = {}

        if req.method == 'GET' and not body:
            return func.HttpResponse(
                json.dumps({"status": "healthy", "agent_id": os.environ.get("POSTQODE_AGENT_ID")}),
                mimetype="application/json"
            )

        action = body.get('action', 'default')
        params = body.get('params', body)

        if hasattr(agent, 'handlers') and action in agent.handlers:
            result = await agent.handlers[action](params)
        else:
            result = {"error": f"Unknown action: {action}"}

        return func.HttpResponse(
            json.dumps(result),
            mimetype="application/json"
        )
    except Exception as e:
        return func.HttpResponse(
            json.dumps({"error": str(e)}),
            status_code=500,
            mimetype="application/json"
        )
`

// runtimeFor decides the worker runtime: an explicit manifest declaration
// wins, otherwise the package contents are inspected, defaulting to python.
func runtimeFor(cfg Config, agentDir string) (language, version string) {
	if lang := cfg.pcString("runtime_language", ""); lang != "" {
		switch lang {
		case "node", "javascript", "typescript":
			return "node", "20"
		default:
			return "python", "3.11"
		}
	}
	if manifest.FindFile(agentDir, "package.json") != "" && manifest.FindFile(agentDir, "requirements.txt") == "" {
		return "node", "20"
	}
	return "python", "3.11"
}

// generateProject scaffolds the function-app project: host config, local
// settings, merged requirements, and the HTTP-triggered InvokeAgent
// function.
func (a *AzureDeployer) generateProject(cfg Config, packagePath string) (string, error) {
	projectPath := filepath.Join(a.buildRoot, cfg.AgentID, cfg.Version)
	if err := os.RemoveAll(projectPath); err != nil {
		return "", err
	}
	agentDir := filepath.Join(projectPath, "agent")
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return "", err
	}
	if err := manifest.ExtractPackage(packagePath, agentDir); err != nil {
		return "", fmt.Errorf("failed to extract package: %w", err)
	}

	language, _ := runtimeFor(cfg, agentDir)

	hostJSON := map[string]interface{}{
		"version": "2.0",
		"logging": map[string]interface{}{
			"applicationInsights": map[string]interface{}{
				"samplingSettings": map[string]interface{}{
					"isEnabled":     true,
					"excludedTypes": "Request",
				},
			},
		},
		"extensionBundle": map[string]interface{}{
			"id":      "Microsoft.Azure.Functions.ExtensionBundle",
			"version": "[3.*, 4.0.0)",
		},
	}
	if err := writeJSON(filepath.Join(projectPath, "host.json"), hostJSON); err != nil {
		return "", err
	}

	values := map[string]string{
		"FUNCTIONS_WORKER_RUNTIME": language,
		"AzureWebJobsStorage":      "",
	}
	for k, v := range cfg.EnvVars {
		values[k] = v
	}
	values["POSTQODE_AGENT_ID"] = cfg.AgentID
	values["POSTQODE_ADAPTER"] = cfg.Adapter
	localSettings := map[string]interface{}{
		"IsEncrypted": false,
		"Values":      values,
	}
	if err := writeJSON(filepath.Join(projectPath, "local.settings.json"), localSettings); err != nil {
		return "", err
	}

	// Merge the base SDK with the package's own requirements.
	reqs := "azure-functions\n"
	if reqPath := manifest.FindFile(agentDir, "requirements.txt"); reqPath != "" {
		data, err := os.ReadFile(reqPath)
		if err == nil {
			reqs += string(data)
		}
	}
	if err := os.WriteFile(filepath.Join(projectPath, "requirements.txt"), []byte(reqs), 0o644); err != nil {
		return "", err
	}

	funcDir := filepath.Join(projectPath, "InvokeAgent")
	if err := os.MkdirAll(funcDir, 0o755); err != nil {
		return "", err
	}
	functionJSON := map[string]interface{}{
		"scriptFile": "__init__.py",
		"bindings": []map[string]interface{}{
			{
				"authLevel": "function",
				"type":      "httpTrigger",
				"direction": "in",
				"name":      "req",
				"methods":   []string{"get", "post"},
			},
			{
				"type":      "http",
				"direction": "out",
				"name":      "$return",
			},
		},
	}
	if err := writeJSON(filepath.Join(funcDir, "function.json"), functionJSON); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(funcDir, "__init__.py"), []byte(invokeAgentWrapper), 0o644); err != nil {
		return "", err
	}

	return projectPath, nil
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Build scaffolds the project and resolves dependencies locally for
// validation. No Azure resources are touched.
func (a *AzureDeployer) Build(ctx context.Context, cfg Config, packagePath string, progress ProgressFunc) BuildResult {
	start := time.Now()

	progress.emit("Generating Azure Functions project...")
	projectPath, err := a.generateProject(cfg, packagePath)
	if err != nil {
		return BuildResult{
			Error:    fmt.Sprintf("Failed to generate project: %v", err),
			Duration: time.Since(start),
		}
	}

	progress.emit("Installing dependencies...")
	res := a.run(ctx, BuildTimeout,
		"pip", "install", "-r", filepath.Join(projectPath, "requirements.txt"),
		"-t", filepath.Join(projectPath, ".python_packages"))
	if !res.Success() {
		return BuildResult{
			Error:     truncate(fmt.Sprintf("Failed to install dependencies: %s", buildError(res)), 500),
			BuildLogs: res.Output(),
			Duration:  time.Since(start),
		}
	}

	return BuildResult{
		OK:             true,
		ArtifactHandle: projectPath,
		BuildLogs:      res.Stdout,
		Duration:       time.Since(start),
	}
}

// Deploy ensures the resource group, storage account, and function app
// exist, applies the injected environment as app settings, and publishes
// the project.
func (a *AzureDeployer) Deploy(ctx context.Context, deploymentID string, cfg Config, build BuildResult, progress ProgressFunc) DeployResult {
	start := time.Now()

	if !build.OK || build.ArtifactHandle == "" {
		return DeployResult{Error: "Cannot deploy without successful build", Duration: time.Since(start)}
	}

	resourceGroup := cfg.ResourceGroup()
	functionApp := cfg.FunctionAppName()
	location := cfg.Location()

	progress.emit(fmt.Sprintf("Creating/updating Function App: %s...", functionApp))

	a.run(ctx, DeployTimeout, "az", "group", "create",
		"--name", resourceGroup,
		"--location", location)

	storageAccount := cfg.StorageAccount()
	if storageAccount == "" {
		// Storage account names must be globally unique; derive one from
		// the agent id.
		storageAccount = "postqode" + shortID(cfg.AgentID)
		a.run(ctx, DeployTimeout, "az", "storage", "account", "create",
			"--name", storageAccount,
			"--resource-group", resourceGroup,
			"--location", location,
			"--sku", "Standard_LRS")
	}

	language, runtimeVersion := runtimeFor(cfg, filepath.Join(build.ArtifactHandle, "agent"))
	createRes := a.run(ctx, DeployTimeout, "az", "functionapp", "create",
		"--name", functionApp,
		"--resource-group", resourceGroup,
		"--storage-account", storageAccount,
		"--consumption-plan-location", location,
		"--runtime", language,
		"--runtime-version", runtimeVersion,
		"--os-type", "Linux",
		"--functions-version", "4")
	if !createRes.Success() && !containsAlreadyExists(createRes.Stderr) {
		return DeployResult{
			Error:      truncate(fmt.Sprintf("Failed to create Function App: %s", buildError(createRes)), 500),
			DeployLogs: createRes.Output(),
			Duration:   time.Since(start),
		}
	}

	progress.emit("Configuring environment variables...")
	settingsArgs := []string{
		"az", "functionapp", "config", "appsettings", "set",
		"--name", functionApp,
		"--resource-group", resourceGroup,
		"--settings",
	}
	settingsArgs = append(settingsArgs, sortedEnv(InjectedEnv(deploymentID, cfg, ""))...)
	a.run(ctx, DeployTimeout, settingsArgs...)

	progress.emit("Deploying code to Azure...")
	publishArgs := []string{"func", "azure", "functionapp", "publish", functionApp}
	if language == "python" {
		publishArgs = append(publishArgs, "--python")
	}
	publishRes := a.runner.Run(ctx, runner.Command{
		Argv:    publishArgs,
		Dir:     build.ArtifactHandle,
		Timeout: DeployTimeout,
	})
	if !publishRes.Success() {
		return DeployResult{
			Error:      truncate(fmt.Sprintf("Failed to deploy: %s", buildError(publishRes)), 500),
			DeployLogs: publishRes.Output(),
			Duration:   time.Since(start),
		}
	}

	accessURL := fmt.Sprintf("https://%s.azurewebsites.net/api/InvokeAgent", functionApp)
	return DeployResult{
		OK:         true,
		ExternalID: functionApp,
		AccessURL:  accessURL,
		Endpoints: map[string]string{
			"invoke": accessURL,
			"portal": fmt.Sprintf("https://portal.azure.com/#resource/resourceGroups/%s/providers/Microsoft.Web/sites/%s", resourceGroup, functionApp),
		},
		DeployLogs: publishRes.Stdout,
		Duration:   time.Since(start),
	}
}

func containsAlreadyExists(s string) bool {
	return s != "" && (strings.Contains(s, "already exists") || strings.Contains(s, "Conflict"))
}

func (a *AzureDeployer) appLifecycle(ctx context.Context, cfg Config, verb, okState, okMessage string, running bool) StatusResult {
	res := a.run(ctx, StatusTimeout, "az", "functionapp", verb,
		"--name", cfg.FunctionAppName(),
		"--resource-group", cfg.ResourceGroup())
	if !res.Success() {
		return StatusResult{State: "error", Health: "unknown", Message: res.Stderr}
	}
	return StatusResult{Running: running, State: okState, Health: "unknown", Message: okMessage, LastUpdated: time.Now().UTC()}
}

func (a *AzureDeployer) Start(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	return a.appLifecycle(ctx, cfg, "start", "running", "Function App started", true)
}

func (a *AzureDeployer) Stop(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	return a.appLifecycle(ctx, cfg, "stop", "stopped", "Function App stopped", false)
}

func (a *AzureDeployer) Restart(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	return a.appLifecycle(ctx, cfg, "restart", "running", "Function App restarted", true)
}

func (a *AzureDeployer) Status(ctx context.Context, deploymentID string, cfg Config) StatusResult {
	res := a.run(ctx, StatusTimeout, "az", "functionapp", "show",
		"--name", cfg.FunctionAppName(),
		"--resource-group", cfg.ResourceGroup(),
		"--query", "state",
		"-o", "tsv")
	if !res.Success() {
		return StatusResult{State: "unknown", Health: "unknown", Message: "Function App not found"}
	}

	state := strings.ToLower(strings.TrimSpace(res.Stdout))
	health := "unknown"
	if state == "running" {
		health = "healthy"
	}
	return StatusResult{
		Running:     state == "running",
		State:       state,
		Health:      health,
		Message:     fmt.Sprintf("Function App is %s", state),
		LastUpdated: time.Now().UTC(),
	}
}

func (a *AzureDeployer) Logs(ctx context.Context, deploymentID string, cfg Config, lines int, follow bool) (string, error) {
	res := a.run(ctx, LogsTimeout, "az", "webapp", "log", "tail",
		"--name", cfg.FunctionAppName(),
		"--resource-group", cfg.ResourceGroup())
	return res.Output(), nil
}

// Delete removes the function app. A missing app counts as deleted.
func (a *AzureDeployer) Delete(ctx context.Context, deploymentID string, cfg Config) bool {
	res := a.run(ctx, StatusTimeout, "az", "functionapp", "delete",
		"--name", cfg.FunctionAppName(),
		"--resource-group", cfg.ResourceGroup(),
		"--yes")
	if res.Success() {
		return true
	}
	return strings.Contains(res.Stderr, "not found") || strings.Contains(res.Stderr, "NotFound")
}

func (a *AzureDeployer) AccessInstructions(deploymentID string, cfg Config) map[string]string {
	functionApp := cfg.FunctionAppName()
	return map[string]string{
		"url":    fmt.Sprintf("https://%s.azurewebsites.net/api/InvokeAgent", functionApp),
		"logs":   fmt.Sprintf("az webapp log tail --name %s --resource-group %s", functionApp, cfg.ResourceGroup()),
		"portal": "View in Azure Portal",
		"note":   "Add ?code=<function_key> for authentication",
	}
}

func (a *AzureDeployer) ConfigSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"resource_group": map[string]interface{}{
				"type":        "string",
				"description": "Azure Resource Group name",
			},
			"function_app_name": map[string]interface{}{
				"type":        "string",
				"description": "Name of the Function App (must be globally unique)",
			},
			"location": map[string]interface{}{
				"type":        "string",
				"default":     "eastus",
				"description": "Azure region",
				"enum":        []string{"eastus", "westus", "westeurope", "eastasia", "australiaeast"},
			},
			"storage_account": map[string]interface{}{
				"type":        "string",
				"description": "Azure Storage Account (optional, auto-created if not provided)",
			},
		},
		"required": []string{"resource_group", "function_app_name"},
	}
}
