package deploy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postqode/orchestrator/internal/testutil"
)

// edgeRegistry is a scripted stand-in for the edge registry HTTP API.
type edgeRegistry struct {
	mux          *http.ServeMux
	uploads      int
	deployments  []map[string]interface{}
	deviceStatus string
}

func newEdgeRegistry(t *testing.T) (*edgeRegistry, *httptest.Server) {
	t.Helper()
	r := &edgeRegistry{mux: http.NewServeMux(), deviceStatus: "online"}

	r.mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.mux.HandleFunc("GET /devices/{id}", func(w http.ResponseWriter, req *http.Request) {
		if req.PathValue("id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"device_id": req.PathValue("id"),
			"status":    r.deviceStatus,
		})
	})
	r.mux.HandleFunc("GET /devices", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"devices": []map[string]interface{}{
				{"device_id": "pi-01", "status": "online"},
				{"device_id": "pi-02", "status": "offline"},
			},
		})
	})
	r.mux.HandleFunc("POST /packages", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseMultipartForm(10<<20))
		require.NotEmpty(t, req.FormValue("manifest"))
		_, _, err := req.FormFile("package")
		require.NoError(t, err)
		r.uploads++
		json.NewEncoder(w).Encode(map[string]string{"package_id": "pkg-42"})
	})
	r.mux.HandleFunc("POST /deployments", func(w http.ResponseWriter, req *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		r.deployments = append(r.deployments, body)
		json.NewEncoder(w).Encode(map[string]string{
			"edge_deployment_id": "edge-dep-1",
			"local_url":          "http://pi-01.local:8080",
			"device_endpoint":    "http://pi-01.local:8080/invoke",
		})
	})
	r.mux.HandleFunc("GET /deployments/{id}/status", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"running":        true,
			"status":         "running",
			"health":         "healthy",
			"uptime_seconds": 120,
		})
	})
	r.mux.HandleFunc("POST /deployments/{id}/stop", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.mux.HandleFunc("GET /deployments/{id}/logs", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "50", req.URL.Query().Get("lines"))
		w.Write([]byte("agent log line\n"))
	})
	r.mux.HandleFunc("DELETE /deployments/{id}", func(w http.ResponseWriter, req *http.Request) {
		if req.PathValue("id") == "gone" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(r.mux)
	t.Cleanup(srv.Close)
	return r, srv
}

func edgeConfig() Config {
	return Config{
		AgentID:   "agent-1",
		AgentName: "Hello",
		Version:   "1.0.0",
		Adapter:   "openai",
		PlatformConfig: map[string]interface{}{
			"device_id": "pi-01",
		},
	}
}

func TestEdgeCheckPrerequisites(t *testing.T) {
	_, srv := newEdgeRegistry(t)
	e := NewEdgeDeployer(srv.URL, t.TempDir(), zerolog.Nop())

	res := e.CheckPrerequisites(context.Background())
	assert.True(t, res.OK)

	down := NewEdgeDeployer("http://127.0.0.1:1", t.TempDir(), zerolog.Nop())
	res = down.CheckPrerequisites(context.Background())
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors, "Edge Registry is not reachable")
}

func TestEdgeValidateConfig(t *testing.T) {
	reg, srv := newEdgeRegistry(t)
	e := NewEdgeDeployer(srv.URL, t.TempDir(), zerolog.Nop())

	res := e.ValidateConfig(context.Background(), Config{AgentID: "agent-1"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Errors, "Either device_id or device_group is required")

	res = e.ValidateConfig(context.Background(), edgeConfig())
	assert.True(t, res.OK)
	assert.Empty(t, res.Warnings)

	// Unknown device is an error; offline device only a warning.
	cfg := edgeConfig()
	cfg.PlatformConfig["device_id"] = "missing"
	res = e.ValidateConfig(context.Background(), cfg)
	assert.False(t, res.OK)

	reg.deviceStatus = "offline"
	res = e.ValidateConfig(context.Background(), edgeConfig())
	assert.True(t, res.OK)
	assert.Contains(t, res.Warnings, "Device pi-01 is currently offline")
}

func TestEdgeBuildAndDeploy(t *testing.T) {
	reg, srv := newEdgeRegistry(t)
	e := NewEdgeDeployer(srv.URL, t.TempDir(), zerolog.Nop())

	pkg := writePackage(t, testutil.HelloPackage(t, "1.0.0"))
	build := e.Build(context.Background(), edgeConfig(), pkg, nil)
	require.True(t, build.OK, build.Error)
	assert.Zero(t, reg.uploads, "build must not contact the registry")

	res := e.Deploy(context.Background(), "dep-1", edgeConfig(), build, nil)
	require.True(t, res.OK, res.Error)
	assert.Equal(t, "edge-dep-1", res.ExternalID)
	assert.Equal(t, "http://pi-01.local:8080", res.AccessURL)
	assert.Equal(t, 1, reg.uploads)

	require.Len(t, reg.deployments, 1)
	sent := reg.deployments[0]
	assert.Equal(t, "dep-1", sent["deployment_id"])
	assert.Equal(t, "pkg-42", sent["package_id"])
	assert.Equal(t, "pi-01", sent["device_id"])
	env := sent["config"].(map[string]interface{})["env_vars"].(map[string]interface{})
	assert.Equal(t, "dep-1", env["POSTQODE_DEPLOYMENT_ID"])
	assert.Equal(t, "openai", env["POSTQODE_ADAPTER"])
}

func TestEdgeDeployRequiresBuild(t *testing.T) {
	reg, srv := newEdgeRegistry(t)
	e := NewEdgeDeployer(srv.URL, t.TempDir(), zerolog.Nop())

	res := e.Deploy(context.Background(), "dep-1", edgeConfig(), BuildResult{}, nil)
	assert.False(t, res.OK)
	assert.Equal(t, "Cannot deploy without successful build", res.Error)
	assert.Zero(t, reg.uploads)
}

func TestEdgeStatusAndLogs(t *testing.T) {
	_, srv := newEdgeRegistry(t)
	e := NewEdgeDeployer(srv.URL, t.TempDir(), zerolog.Nop())

	status := e.Status(context.Background(), "dep-1", edgeConfig())
	assert.True(t, status.Running)
	assert.Equal(t, "running", status.State)
	assert.Equal(t, "healthy", status.Health)
	assert.Equal(t, int64(120), status.UptimeSeconds)

	logs, err := e.Logs(context.Background(), "dep-1", edgeConfig(), 50, false)
	require.NoError(t, err)
	assert.Equal(t, "agent log line\n", logs)
}

func TestEdgeDeleteIdempotent(t *testing.T) {
	_, srv := newEdgeRegistry(t)
	e := NewEdgeDeployer(srv.URL, t.TempDir(), zerolog.Nop())

	assert.True(t, e.Delete(context.Background(), "dep-1", edgeConfig()))
	assert.True(t, e.Delete(context.Background(), "gone", edgeConfig()))
}

func TestEdgeListDevices(t *testing.T) {
	_, srv := newEdgeRegistry(t)
	e := NewEdgeDeployer(srv.URL, t.TempDir(), zerolog.Nop())

	devices, err := e.ListDevices(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, devices, 2)
	assert.Equal(t, "pi-01", devices[0]["device_id"])
}
