package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postqode/orchestrator/pkg/domain/errors"
)

func newTestStore(t *testing.T) *Bolt {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "orchestrator.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAgentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent := Agent{ID: "agent-1", Name: "Hello", PublisherID: "pub-1", Status: AgentPublished}
	require.NoError(t, s.CreateAgent(ctx, agent))

	err := s.CreateAgent(ctx, agent)
	assert.Equal(t, errors.CodeAlreadyExists, errors.CodeOf(err))

	got, err := s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Name)
	assert.False(t, got.CreatedAt.IsZero())

	got.Description = "updated"
	require.NoError(t, s.UpdateAgent(ctx, got))

	got, err = s.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Description)

	_, err = s.GetAgent(ctx, "missing")
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestPackageRecordUpsertPreservesIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertPackageRecord(ctx, PackageRecord{
		AgentID:       "agent-1",
		Version:       "1.0.0",
		ContentDigest: "aaa",
		ByteLength:    10,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	second, err := s.UpsertPackageRecord(ctx, PackageRecord{
		AgentID:       "agent-1",
		Version:       "1.0.0",
		ContentDigest: "bbb",
		ByteLength:    20,
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "bbb", second.ContentDigest)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestSetLatestIsExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "1.0.1", "2.0.0"} {
		_, err := s.UpsertPackageRecord(ctx, PackageRecord{AgentID: "agent-1", Version: v})
		require.NoError(t, err)
	}

	require.NoError(t, s.SetLatest(ctx, "agent-1", "1.0.1"))
	require.NoError(t, s.SetLatest(ctx, "agent-1", "2.0.0"))

	records, err := s.ListPackageRecords(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, records, 3)

	latest := 0
	for _, r := range records {
		if r.IsLatest {
			latest++
			assert.Equal(t, "2.0.0", r.Version)
		}
	}
	assert.Equal(t, 1, latest)

	err = s.SetLatest(ctx, "agent-1", "9.9.9")
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestListPackageRecordsScopedToAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertPackageRecord(ctx, PackageRecord{AgentID: "agent-1", Version: "1.0.0"})
	require.NoError(t, err)
	_, err = s.UpsertPackageRecord(ctx, PackageRecord{AgentID: "agent-10", Version: "3.0.0"})
	require.NoError(t, err)

	records, err := s.ListPackageRecords(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "1.0.0", records[0].Version)
}

func TestDeploymentPatchAndCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateDeployment(ctx, Deployment{
		UserID:   "user-1",
		AgentID:  "agent-1",
		Platform: "local_container",
	})
	require.NoError(t, err)

	d, err := s.GetDeployment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, d.State)
	assert.Equal(t, "production", d.Environment)

	externalID := "postqode-agent-1-abcd1234"
	state := StateActive
	d, err = s.UpdateDeployment(ctx, id, DeploymentPatch{
		State:      &state,
		ExternalID: &externalID,
	})
	require.NoError(t, err)
	assert.Equal(t, StateActive, d.State)
	assert.Equal(t, externalID, d.ExternalID)

	// Guard holds: active -> stopped.
	now := time.Now().UTC()
	ok, err := s.CompareAndSetState(ctx, id, []DeploymentState{StateActive}, StateStopped, DeploymentPatch{StoppedAt: &now})
	require.NoError(t, err)
	assert.True(t, ok)

	// Guard fails: deployment is stopped, not active.
	ok, err = s.CompareAndSetState(ctx, id, []DeploymentState{StateActive}, StateError, DeploymentPatch{})
	require.NoError(t, err)
	assert.False(t, ok)

	d, err = s.GetDeployment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, d.State)
	require.NotNil(t, d.StoppedAt)
}

func TestListDeploymentsFilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateDeployment(ctx, Deployment{ID: "d1", UserID: "u1", AgentID: "a1", Platform: "local_container"})
	require.NoError(t, err)
	_, err = s.CreateDeployment(ctx, Deployment{ID: "d2", UserID: "u1", AgentID: "a2", Platform: "cluster"})
	require.NoError(t, err)
	_, err = s.CreateDeployment(ctx, Deployment{ID: "d3", UserID: "u2", AgentID: "a1", Platform: "cluster"})
	require.NoError(t, err)

	all, err := s.ListDeployments(ctx, DeploymentFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	cluster, err := s.ListDeployments(ctx, DeploymentFilter{Platform: "cluster"})
	require.NoError(t, err)
	assert.Len(t, cluster, 2)

	byAgent, err := s.ListDeployments(ctx, DeploymentFilter{UserID: "u2", AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, byAgent, 1)
	assert.Equal(t, "d3", byAgent[0].ID)
}

func TestDeleteDeploymentIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateDeployment(ctx, Deployment{UserID: "u1", AgentID: "a1", Platform: "edge"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteDeployment(ctx, id))
	require.NoError(t, s.DeleteDeployment(ctx, id))
}

func TestMintFreeLicenseIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.HasActiveLicense(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.False(t, ok)

	first, err := s.MintFreeLicense(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "free", first.Source)

	second, err := s.MintFreeLicense(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	ok, err = s.HasActiveLicense(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeploymentStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateDeployment(ctx, Deployment{ID: "d1", UserID: "u1", AgentID: "a1", Platform: "local_container"})
	require.NoError(t, err)
	_, err = s.CreateDeployment(ctx, Deployment{ID: "d2", UserID: "u1", AgentID: "a1", Platform: "cluster", State: StateActive})
	require.NoError(t, err)
	_, err = s.CreateDeployment(ctx, Deployment{ID: "d3", UserID: "other", AgentID: "a1", Platform: "cluster"})
	require.NoError(t, err)

	stats, err := s.DeploymentStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByState[StatePending])
	assert.Equal(t, 1, stats.ByState[StateActive])
	assert.Equal(t, 1, stats.Platform["cluster"])
}
