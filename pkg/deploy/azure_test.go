package deploy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postqode/orchestrator/internal/testutil"
	"github.com/postqode/orchestrator/pkg/runner"
)

func newAzureDeployer(t *testing.T, fake *runner.FakeRunner) *AzureDeployer {
	t.Helper()
	return NewAzureDeployer(fake, t.TempDir(), zerolog.Nop())
}

func azureConfig() Config {
	return Config{
		AgentID: "agent-12345678-rest",
		Version: "1.0.0",
		Adapter: "openai",
		EnvVars: map[string]string{"API_KEY": "secret"},
		PlatformConfig: map[string]interface{}{
			"resource_group":    "rg-agents",
			"function_app_name": "hello-func",
		},
	}
}

func TestAzureCheckPrerequisites(t *testing.T) {
	fake := &runner.FakeRunner{}
	fake.Respond([]string{"az", "account", "show"}, runner.Result{ExitCode: 1, Stderr: "Please run 'az login'"})
	a := newAzureDeployer(t, fake)

	res := a.CheckPrerequisites(context.Background())
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors, "Not logged into Azure. Run: az login")
	assert.True(t, res.RequirementsMet["azure_cli"])
	assert.False(t, res.RequirementsMet["azure_logged_in"])
}

func TestAzureValidateConfig(t *testing.T) {
	fake := &runner.FakeRunner{}
	a := newAzureDeployer(t, fake)

	res := a.ValidateConfig(context.Background(), Config{AgentID: "agent-1"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors, "resource_group is required")
	assert.Contains(t, res.Errors, "function_app_name is required")

	res = a.ValidateConfig(context.Background(), azureConfig())
	assert.True(t, res.OK)
	assert.Contains(t, res.Warnings, "No storage_account specified, a new one will be created")
}

func TestAzureBuildScaffoldsProject(t *testing.T) {
	fake := &runner.FakeRunner{}
	a := newAzureDeployer(t, fake)

	pkg := writePackage(t, testutil.HelloPackage(t, "1.0.0"))
	res := a.Build(context.Background(), azureConfig(), pkg, nil)
	require.True(t, res.OK, res.Error)

	project := res.ArtifactHandle
	for _, f := range []string{"host.json", "local.settings.json", "requirements.txt", "InvokeAgent/function.json", "InvokeAgent/__init__.py"} {
		_, err := os.Stat(filepath.Join(project, f))
		assert.NoError(t, err, f)
	}

	// The base SDK is merged with the package's own requirements.
	reqs, err := os.ReadFile(filepath.Join(project, "requirements.txt"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(reqs), "azure-functions\n"))
	assert.Contains(t, string(reqs), "httpx")

	var settings struct {
		Values map[string]string `json:"Values"`
	}
	data, err := os.ReadFile(filepath.Join(project, "local.settings.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &settings))
	assert.Equal(t, "python", settings.Values["FUNCTIONS_WORKER_RUNTIME"])
	assert.Equal(t, "agent-12345678-rest", settings.Values["POSTQODE_AGENT_ID"])
	assert.Equal(t, "secret", settings.Values["API_KEY"])

	call, ok := fake.FindCall("pip", "install")
	require.True(t, ok)
	assert.Contains(t, call.Argv, "-t")
}

func TestAzureBuildLeavesSiblingPlatformRootsAlone(t *testing.T) {
	fake := &runner.FakeRunner{}
	fake.Respond([]string{"docker", "run"}, runner.Result{Stdout: "0123456789abcdef\n"})

	// Backends share one parent build root in production wiring, each under
	// its own subdirectory.
	root := t.TempDir()
	docker := NewDockerDeployer(fake, filepath.Join(root, "docker"), "http://localhost:8000", zerolog.Nop())
	azure := NewAzureDeployer(fake, filepath.Join(root, "azure"), zerolog.Nop())

	pkg := writePackage(t, testutil.HelloPackage(t, "1.0.0"))
	cfg := azureConfig()

	dockerBuild := docker.Build(context.Background(), cfg, pkg, nil)
	require.True(t, dockerBuild.OK, dockerBuild.Error)
	staged := filepath.Join(root, "docker", cfg.AgentID, cfg.Version, "Dockerfile")
	_, err := os.Stat(staged)
	require.NoError(t, err)

	// The azure scaffold recreates its own project directory from scratch;
	// the docker staging for the same (agent, version) must survive.
	azureBuild := azure.Build(context.Background(), cfg, pkg, nil)
	require.True(t, azureBuild.OK, azureBuild.Error)

	_, err = os.Stat(staged)
	assert.NoError(t, err, "docker staging removed by azure build")
}

func TestAzureRuntimeDetection(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644))

	lang, version := runtimeFor(Config{}, dir)
	assert.Equal(t, "node", lang)
	assert.Equal(t, "20", version)

	// requirements.txt alongside package.json means python wins.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte("httpx\n"), 0o644))
	lang, _ = runtimeFor(Config{}, dir)
	assert.Equal(t, "python", lang)

	// Explicit manifest declaration overrides inspection.
	cfg := Config{PlatformConfig: map[string]interface{}{"runtime_language": "typescript"}}
	lang, version = runtimeFor(cfg, dir)
	assert.Equal(t, "node", lang)
	assert.Equal(t, "20", version)
}

func TestAzureDeploy(t *testing.T) {
	fake := &runner.FakeRunner{}
	fake.Respond([]string{"func", "azure", "functionapp", "publish"}, runner.Result{Stdout: "Deployment successful"})
	a := newAzureDeployer(t, fake)

	pkg := writePackage(t, testutil.HelloPackage(t, "1.0.0"))
	build := a.Build(context.Background(), azureConfig(), pkg, nil)
	require.True(t, build.OK)

	res := a.Deploy(context.Background(), "dep-1", azureConfig(), build, nil)
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "hello-func", res.ExternalID)
	assert.Equal(t, "https://hello-func.azurewebsites.net/api/InvokeAgent", res.AccessURL)

	// No storage_account configured: one is derived from the agent id.
	assert.True(t, fake.CalledWith("az", "storage", "account", "create"))
	call, _ := fake.FindCall("az", "storage", "account", "create")
	assert.Contains(t, call.Argv, "postqodeagent-12")

	settings, ok := fake.FindCall("az", "functionapp", "config", "appsettings", "set")
	require.True(t, ok)
	assert.Contains(t, settings.Argv, "POSTQODE_DEPLOYMENT_ID=dep-1")

	publish, ok := fake.FindCall("func", "azure", "functionapp", "publish", "hello-func")
	require.True(t, ok)
	assert.Equal(t, build.ArtifactHandle, publish.Dir)
	assert.Contains(t, publish.Argv, "--python")
}

func TestAzureDeployToleratesExistingApp(t *testing.T) {
	fake := &runner.FakeRunner{}
	fake.Respond([]string{"az", "functionapp", "create"}, runner.Result{ExitCode: 1, Stderr: "Website with given name hello-func already exists."})
	a := newAzureDeployer(t, fake)

	pkg := writePackage(t, testutil.HelloPackage(t, "1.0.0"))
	build := a.Build(context.Background(), azureConfig(), pkg, nil)
	require.True(t, build.OK)

	res := a.Deploy(context.Background(), "dep-1", azureConfig(), build, nil)
	assert.True(t, res.OK, res.Error)
}

func TestAzureStatus(t *testing.T) {
	fake := &runner.FakeRunner{}
	fake.Respond([]string{"az", "functionapp", "show"}, runner.Result{Stdout: "Running\n"})
	a := newAzureDeployer(t, fake)

	res := a.Status(context.Background(), "dep-1", azureConfig())
	assert.True(t, res.Running)
	assert.Equal(t, "running", res.State)
	assert.Equal(t, "healthy", res.Health)
}

func TestAzureDeleteIdempotent(t *testing.T) {
	fake := &runner.FakeRunner{}
	fake.Respond([]string{"az", "functionapp", "delete"}, runner.Result{ExitCode: 1, Stderr: "ResourceNotFound: app not found"})
	a := newAzureDeployer(t, fake)

	assert.True(t, a.Delete(context.Background(), "dep-1", azureConfig()))
}
