package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postqode/orchestrator/internal/testutil"
	"github.com/postqode/orchestrator/pkg/deploy"
	"github.com/postqode/orchestrator/pkg/health"
	"github.com/postqode/orchestrator/pkg/packages"
	"github.com/postqode/orchestrator/pkg/pipeline"
	"github.com/postqode/orchestrator/pkg/runner"
	"github.com/postqode/orchestrator/pkg/store"
)

type apiFixture struct {
	db      *store.Bolt
	fake    *runner.FakeRunner
	handler http.Handler
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "orchestrator.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pkgs := packages.NewStore(t.TempDir(), db, true, zerolog.Nop())

	fake := &runner.FakeRunner{}
	fake.Respond([]string{"docker", "run"}, runner.Result{Stdout: "0123456789abcdef\n"})
	docker := deploy.NewDockerDeployer(fake, t.TempDir(), "http://localhost:8000", zerolog.Nop())
	factory := deploy.NewFactory(docker)

	metrics := pipeline.NewMetrics()
	pipe := pipeline.New(db, pkgs, factory, metrics, zerolog.Nop())

	srv := NewServer(Deps{
		DB:       db,
		Packages: pkgs,
		Pipeline: pipe,
		Health:   health.NewIntake(db, zerolog.Nop()),
		Factory:  factory,
		Docker:   docker,
		Metrics:  metrics.Registry(),
		Logger:   zerolog.Nop(),
	})
	return &apiFixture{db: db, fake: fake, handler: srv.Router()}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, user string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) upload(t *testing.T, path string, pkg []byte, user string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "agent.zip")
	require.NoError(t, err)
	_, err = part.Write(pkg)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func (f *apiFixture) seedAgent(t *testing.T, id string, priceCents int64) {
	t.Helper()
	require.NoError(t, f.db.CreateAgent(context.Background(), store.Agent{
		ID:          id,
		Name:        "Hello",
		PublisherID: "pub-1",
		PriceCents:  priceCents,
	}))
}

func TestCreateAndGetAgent(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/api/agents", map[string]interface{}{
		"name":         "Hello Agent",
		"publisher_id": "pub-1",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "draft", created["status"])

	rec = f.do(t, http.MethodGet, "/api/agents/"+id, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello Agent", decodeBody(t, rec)["name"])

	rec = f.do(t, http.MethodGet, "/api/agents", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])
}

func TestCreateAgentRequiresName(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/api/agents", map[string]interface{}{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadPackage(t *testing.T) {
	f := newAPI(t)
	f.seedAgent(t, "agent-1", 0)

	rec := f.upload(t, "/api/agents/agent-1/upload", testutil.HelloPackage(t, "1.2.0"), "pub-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "Package uploaded successfully", body["message"])
	// Version falls back to the manifest when the form omits it.
	assert.Equal(t, "1.2.0", body["version"])
	assert.Len(t, body["checksum"], 64)
	assert.NotZero(t, body["size_bytes"])
	assert.Contains(t, body["adapters_found"], "openai")
	assert.Equal(t, "/api/packages/agent-1/1.2.0/download", body["package_url"])

	rec = f.do(t, http.MethodGet, "/api/agents/agent-1/versions", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])
}

func TestUploadPackageWrongPublisher(t *testing.T) {
	f := newAPI(t)
	f.seedAgent(t, "agent-1", 0)

	rec := f.upload(t, "/api/agents/agent-1/upload", testutil.HelloPackage(t, "1.0.0"), "someone-else")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["message"], "Only the publisher")
}

func TestUploadPackagePublishedAgentRejected(t *testing.T) {
	f := newAPI(t)
	f.seedAgent(t, "agent-1", 0)
	ctx := context.Background()

	agent, err := f.db.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	agent.Status = store.AgentPublished
	require.NoError(t, f.db.UpdateAgent(ctx, agent))

	rec := f.upload(t, "/api/agents/agent-1/upload", testutil.HelloPackage(t, "1.0.0"), "pub-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["message"], "draft or rejected")
}

func TestUploadInvalidPackage(t *testing.T) {
	f := newAPI(t)
	f.seedAgent(t, "agent-1", 0)

	rec := f.upload(t, "/api/agents/agent-1/upload", []byte("not a zip at all"), "pub-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "Package validation failed", body["message"])
	assert.Contains(t, body["errors"], "File is not a valid ZIP archive")
}

func TestValidatePackageEndpoint(t *testing.T) {
	f := newAPI(t)
	f.seedAgent(t, "agent-1", 0)

	rec := f.upload(t, "/api/agents/agent-1/validate-package", testutil.HelloPackage(t, "2.0.0"), "pub-1")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["valid"])
	m, ok := body["manifest"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "2.0.0", m["version"])
}

func TestDownloadRequiresLicense(t *testing.T) {
	f := newAPI(t)
	f.seedAgent(t, "agent-1", 4999)
	ctx := context.Background()

	rec := f.upload(t, "/api/agents/agent-1/upload", testutil.HelloPackage(t, "1.0.0"), "pub-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/packages/agent-1/1.0.0/download", nil, "user-1")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	_, err := f.db.MintFreeLicense(ctx, "user-1", "agent-1")
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/api/packages/agent-1/1.0.0/download", nil, "user-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "agent-1-1.0.0.zip")
	assert.NotZero(t, rec.Body.Len())

	// The latest alias resolves to the same bytes.
	rec = f.do(t, http.MethodGet, "/api/agents/agent-1/download", nil, "user-1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeletePackage(t *testing.T) {
	f := newAPI(t)
	f.seedAgent(t, "agent-1", 0)

	rec := f.upload(t, "/api/agents/agent-1/upload", testutil.HelloPackage(t, "1.0.0"), "pub-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/packages/agent-1/1.0.0", nil, "pub-1")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/packages/agent-1/1.0.0", nil, "pub-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnvRequirements(t *testing.T) {
	f := newAPI(t)
	f.seedAgent(t, "agent-1", 0)

	rec := f.do(t, http.MethodGet, "/api/agents/agent-1/env-requirements?adapter=anthropic", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "anthropic", body["adapter"])
	assert.Contains(t, body["required"], "ANTHROPIC_API_KEY")
	assert.Contains(t, body["injected"], "POSTQODE_DEPLOYMENT_ID")

	rec = f.do(t, http.MethodGet, "/api/agents/agent-1/env-requirements?adapter=carrier-pigeon", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnvRequirementsIncludesManifestInputs(t *testing.T) {
	f := newAPI(t)
	f.seedAgent(t, "agent-1", 0)

	pkg := testutil.BuildPackage(t, map[string]string{
		"agent.yaml": `apiVersion: postqode.ai/v1
kind: Agent
metadata:
  name: hello
  version: "1.0.0"
spec:
  displayName: Hello
  description: Test agent
  inputs:
    - name: DATABASE_URL
      required: true
    - name: CACHE_TTL
      required: false
`,
		"Dockerfile": "FROM python:3.11-slim\n",
	})
	rec := f.upload(t, "/api/agents/agent-1/upload", pkg, "pub-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/agents/agent-1/env-requirements", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Contains(t, body["required"], "OPENAI_API_KEY")
	assert.Contains(t, body["required"], "DATABASE_URL")
	assert.NotContains(t, body["required"], "CACHE_TTL")
}

// deployAgent uploads a package and deploys it, returning the deployment id.
func (f *apiFixture) deployAgent(t *testing.T, user string) string {
	t.Helper()
	f.seedAgent(t, "agent-1", 0)
	rec := f.upload(t, "/api/agents/agent-1/upload", testutil.HelloPackage(t, "1.0.0"), "pub-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/deploy", map[string]interface{}{
		"agent_id": "agent-1",
		"env_vars": map[string]string{"API_KEY": "secret"},
	}, user)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decodeBody(t, rec)
	assert.Equal(t, "active", body["status"])
	id, _ := body["deployment_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestDeployAndLifecycle(t *testing.T) {
	f := newAPI(t)
	id := f.deployAgent(t, "user-1")

	rec := f.do(t, http.MethodGet, "/api/deployments", nil, "user-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodPost, "/api/deploy/"+id+"/stop", nil, "user-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "stopped", decodeBody(t, rec)["state"])

	rec = f.do(t, http.MethodPost, "/api/deploy/"+id+"/start", nil, "user-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "active", decodeBody(t, rec)["state"])

	rec = f.do(t, http.MethodGet, "/api/deployments/stats/summary", nil, "user-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["total"])

	rec = f.do(t, http.MethodDelete, "/api/deployments/"+id, nil, "user-1")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/deployments/"+id, nil, "user-1")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeployFailureReturns400(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodPost, "/api/deploy", map[string]interface{}{
		"agent_id": "ghost",
	}, "user-1")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Agent not found", decodeBody(t, rec)["error"])
}

func TestDeploymentOwnershipHidesForeignRecords(t *testing.T) {
	f := newAPI(t)
	id := f.deployAgent(t, "user-1")

	rec := f.do(t, http.MethodGet, "/api/deployments/"+id, nil, "intruder")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/deployments", nil, "intruder")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeBody(t, rec)["count"])
}

func TestReconfigureEndpoint(t *testing.T) {
	f := newAPI(t)
	id := f.deployAgent(t, "user-1")

	rec := f.do(t, http.MethodPost, "/api/deploy/"+id+"/reconfigure", map[string]interface{}{
		"env_vars": map[string]string{"API_KEY": "rotated"},
	}, "user-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "active", decodeBody(t, rec)["state"])

	var sawRotated bool
	for _, c := range f.fake.Calls {
		for _, a := range c.Argv {
			if a == "API_KEY=rotated" {
				sawRotated = true
			}
		}
	}
	assert.True(t, sawRotated, "restart runs with the new environment")
}

func TestLogsEndpoint(t *testing.T) {
	f := newAPI(t)
	id := f.deployAgent(t, "user-1")
	f.fake.Respond([]string{"docker", "logs"}, runner.Result{Stdout: "hello from agent\n"})

	rec := f.do(t, http.MethodGet, "/api/deployments/"+id+"/logs?lines=50", nil, "user-1")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Contains(t, body["logs"], "hello from agent")
	assert.Equal(t, float64(50), body["lines"])

	rec = f.do(t, http.MethodGet, "/api/deployments/"+id+"/logs?lines=-3", nil, "user-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthPingEndpoint(t *testing.T) {
	f := newAPI(t)
	id := f.deployAgent(t, "user-1")

	rec := f.do(t, http.MethodPost, "/api/deployments/"+id+"/health", map[string]interface{}{
		"total_invocations": 7,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "active", decodeBody(t, rec)["state"])

	d, err := f.db.GetDeployment(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(7), d.TotalInvocations)
	assert.NotNil(t, d.LastHealthCheck)
}

func TestPlatformEndpoints(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodGet, "/api/platforms", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "docker", body["default"])
	platforms, ok := body["platforms"].([]interface{})
	require.True(t, ok)
	require.Len(t, platforms, 1)

	// The docker alias resolves to the canonical platform.
	rec = f.do(t, http.MethodGet, "/api/platforms/docker/schema", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	schema := decodeBody(t, rec)
	assert.Equal(t, "local_container", schema["platform"])
	assert.Equal(t, true, schema["available"])

	rec = f.do(t, http.MethodGet, "/api/platforms/mainframe/schema", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/platforms/docker/validate", map[string]interface{}{}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["ok"], "placeholder agent_id passes validation")
}

func TestRuntimeEndpoints(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodGet, "/api/runtime/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["docker_available"])

	f.fake.Respond([]string{"docker", "ps"}, runner.Result{
		Stdout: "postqode-agent-1-dep1|postqode-agent-agent-1:1.0.0|Up 2 minutes\n",
	})
	rec = f.do(t, http.MethodGet, "/api/runtime/containers", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["count"])
}

func TestRuntimeStatusDaemonDown(t *testing.T) {
	f := newAPI(t)
	f.fake.Respond([]string{"docker", "version"}, runner.Result{ExitCode: 1, Stderr: "no daemon"})

	rec := f.do(t, http.MethodGet, "/api/runtime/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["docker_available"])
	assert.Contains(t, body["message"], "Docker is not installed")
}

func TestEdgeDevicesUnconfigured(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodGet, "/api/platforms/edge/devices", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLivenessAndMetrics(t *testing.T) {
	f := newAPI(t)

	rec := f.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	f.deployAgent(t, "user-1")
	rec = f.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotZero(t, rec.Body.Len())
}
