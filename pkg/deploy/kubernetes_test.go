package deploy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sigsyaml "sigs.k8s.io/yaml"

	"github.com/postqode/orchestrator/internal/testutil"
	"github.com/postqode/orchestrator/pkg/runner"
)

func newKubernetesDeployer(t *testing.T, fake *runner.FakeRunner) *KubernetesDeployer {
	t.Helper()
	docker := NewDockerDeployer(fake, t.TempDir(), "http://localhost:8000", zerolog.Nop())
	return NewKubernetesDeployer(fake, docker, t.TempDir(), "registry.local:5000", "http://localhost:8000", zerolog.Nop())
}

func k8sConfig() Config {
	return Config{
		AgentID:   "agent-12345678-rest",
		AgentName: "Hello World",
		Version:   "1.0.0",
		Adapter:   "openai",
		PlatformConfig: map[string]interface{}{
			"namespace": "agents",
			"replicas":  2,
		},
	}
}

func TestKubernetesBuildPushesToRegistry(t *testing.T) {
	fake := &runner.FakeRunner{}
	fake.Respond([]string{"docker", "build"}, runner.Result{Stdout: "ok"})
	k := newKubernetesDeployer(t, fake)

	pkg := writePackage(t, testutil.HelloPackage(t, "1.0.0"))
	res := k.Build(context.Background(), k8sConfig(), pkg, nil)
	require.True(t, res.OK, res.Error)

	// Agent display name is lowercased and dash-joined for the repo.
	assert.Equal(t, "registry.local:5000/hello-world:1.0.0", res.ArtifactHandle)
	assert.True(t, fake.CalledWith("docker", "tag"))
	assert.True(t, fake.CalledWith("docker", "push", "registry.local:5000/hello-world:1.0.0"))
}

func TestKubernetesBuildPushFailureIsFatal(t *testing.T) {
	fake := &runner.FakeRunner{}
	fake.Respond([]string{"docker", "push"}, runner.Result{ExitCode: 1, Stderr: "denied: access forbidden"})
	k := newKubernetesDeployer(t, fake)

	pkg := writePackage(t, testutil.HelloPackage(t, "1.0.0"))
	res := k.Build(context.Background(), k8sConfig(), pkg, nil)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "Failed to push image")
}

func TestKubernetesDeployInstallsRelease(t *testing.T) {
	fake := &runner.FakeRunner{}
	k := newKubernetesDeployer(t, fake)

	build := BuildResult{OK: true, ArtifactHandle: "registry.local:5000/hello-world:1.0.0"}
	res := k.Deploy(context.Background(), "dep-1", k8sConfig(), build, nil)
	require.True(t, res.OK, res.Error)

	// Release is keyed on the agent so redeploys upgrade in place.
	assert.Equal(t, "agent-agent-12", res.ExternalID)

	call, ok := fake.FindCall("helm", "upgrade", "--install")
	require.True(t, ok)
	argv := strings.Join(call.Argv, " ")
	assert.Contains(t, argv, "--namespace agents")
	assert.Contains(t, argv, "--wait")
	assert.Contains(t, argv, "--set deploymentId=dep-1")

	// Chart is synthesized on disk with the injected environment.
	chartPath := call.Argv[4]
	data, err := os.ReadFile(filepath.Join(chartPath, "values.yaml"))
	require.NoError(t, err)
	var values chartValues
	require.NoError(t, sigsyaml.Unmarshal(data, &values))
	assert.Equal(t, 2, values.ReplicaCount)
	assert.Equal(t, "registry.local:5000/hello-world", values.Image.Repository)
	assert.Equal(t, "1.0.0", values.Image.Tag)
	envNames := make([]string, 0, len(values.Env))
	for _, e := range values.Env {
		envNames = append(envNames, e.Name)
	}
	assert.Contains(t, envNames, "POSTQODE_DEPLOYMENT_ID")
	assert.Contains(t, envNames, "POSTQODE_MARKETPLACE_URL")

	for _, f := range []string{"Chart.yaml", "templates/deployment.yaml", "templates/service.yaml", "templates/ingress.yaml"} {
		_, err := os.Stat(filepath.Join(chartPath, f))
		assert.NoError(t, err, f)
	}
}

func TestKubernetesDeployIngressAccessURL(t *testing.T) {
	fake := &runner.FakeRunner{}
	k := newKubernetesDeployer(t, fake)

	cfg := k8sConfig()
	cfg.PlatformConfig["ingress_enabled"] = true
	cfg.PlatformConfig["ingress_host"] = "hello.example.com"

	build := BuildResult{OK: true, ArtifactHandle: "registry.local:5000/hello-world:1.0.0"}
	res := k.Deploy(context.Background(), "dep-1", cfg, build, nil)
	require.True(t, res.OK)
	assert.Equal(t, "https://hello.example.com", res.AccessURL)
}

func TestKubernetesStartStopScale(t *testing.T) {
	fake := &runner.FakeRunner{}
	k := newKubernetesDeployer(t, fake)

	res := k.Stop(context.Background(), "dep-1", k8sConfig())
	assert.Equal(t, "stopped", res.State)
	assert.True(t, fake.CalledWith("kubectl", "scale", "deployment", "agent-agent-12", "--replicas=0"))

	res = k.Start(context.Background(), "dep-1", k8sConfig())
	assert.Equal(t, "running", res.State)
	assert.True(t, fake.CalledWith("kubectl", "scale", "deployment", "agent-agent-12", "--replicas=2"))
}

func TestKubernetesStatusDegraded(t *testing.T) {
	fake := &runner.FakeRunner{}
	fake.Respond([]string{"kubectl", "get", "deployment"}, runner.Result{Stdout: "1/2"})
	k := newKubernetesDeployer(t, fake)

	res := k.Status(context.Background(), "dep-1", k8sConfig())
	assert.True(t, res.Running)
	assert.Equal(t, "updating", res.State)
	assert.Equal(t, "degraded", res.Health)
	assert.Equal(t, "1/2 replicas ready", res.Message)
}

func TestKubernetesDeleteIdempotent(t *testing.T) {
	fake := &runner.FakeRunner{}
	fake.Respond([]string{"helm", "uninstall"}, runner.Result{ExitCode: 1, Stderr: "Error: uninstall: Release not loaded: agent-agent-12: release: not found"})
	k := newKubernetesDeployer(t, fake)

	assert.True(t, k.Delete(context.Background(), "dep-1", k8sConfig()))
}
