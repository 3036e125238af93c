package deploy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postqode/orchestrator/pkg/domain/errors"
	"github.com/postqode/orchestrator/pkg/runner"
)

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	fake := &runner.FakeRunner{}
	docker := NewDockerDeployer(fake, t.TempDir(), "http://localhost:8000", zerolog.Nop())
	return NewFactory(
		docker,
		NewKubernetesDeployer(fake, docker, t.TempDir(), "registry.local:5000", "http://localhost:8000", zerolog.Nop()),
		NewVMDeployer(fake, t.TempDir(), "http://localhost:8000", zerolog.Nop()),
		NewAzureDeployer(fake, t.TempDir(), zerolog.Nop()),
		NewEdgeDeployer("http://127.0.0.1:1", t.TempDir(), zerolog.Nop()),
	)
}

func TestFactoryGet(t *testing.T) {
	f := newTestFactory(t)

	d, err := f.Get("local_container")
	require.NoError(t, err)
	assert.Equal(t, PlatformLocalContainer, d.Platform())

	_, err = f.Get("mainframe")
	require.Error(t, err)
	assert.Equal(t, errors.CodePlatformUnknown, errors.CodeOf(err))
}

func TestFactoryAliases(t *testing.T) {
	f := newTestFactory(t)

	for alias, platform := range map[string]Platform{
		"docker":          PlatformLocalContainer,
		"kubernetes":      PlatformCluster,
		"azure_functions": PlatformServerless,
		"vm_standalone":   PlatformRemoteHost,
		"iot":             PlatformEdge,
	} {
		d, err := f.Get(alias)
		require.NoError(t, err, alias)
		assert.Equal(t, platform, d.Platform(), alias)
	}
}

func TestFactoryListPlatforms(t *testing.T) {
	f := newTestFactory(t)

	infos := f.ListPlatforms(context.Background())
	require.Len(t, infos, 5)

	ids := make([]string, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
		assert.NotEmpty(t, info.DisplayName, info.ID)
		assert.NotNil(t, info.ConfigSchema, info.ID)
	}
	assert.Equal(t, []string{"cluster", "edge", "local_container", "remote_host", "serverless"}, ids)

	// The fake runner answers every subprocess; the edge registry URL does
	// not resolve, so only that backend reports unavailable.
	for _, info := range infos {
		if info.ID == "edge" {
			assert.False(t, info.Available)
		} else {
			assert.True(t, info.Available, info.ID)
		}
	}
}

func TestFactoryPlatforms(t *testing.T) {
	f := newTestFactory(t)
	assert.Equal(t, []string{"cluster", "edge", "local_container", "remote_host", "serverless"}, f.Platforms())
}
