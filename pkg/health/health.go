// Package health receives liveness pings from deployed agents and folds
// them into the deployment record.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/postqode/orchestrator/pkg/store"
)

// Ping is what a running agent reports. Counters are absolute; the agent
// is authoritative for its own invocation count.
type Ping struct {
	TotalInvocations *int64     `json:"total_invocations,omitempty"`
	LastInvocation   *time.Time `json:"last_invocation,omitempty"`
}

// Intake records pings against the deployment store.
type Intake struct {
	db     *store.Bolt
	logger zerolog.Logger
}

// NewIntake creates the health intake.
func NewIntake(db *store.Bolt, logger zerolog.Logger) *Intake {
	return &Intake{
		db:     db,
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// RecordPing stamps last_health_check and applies any reported counters.
// A ping against a pending deployment promotes it to active, the signal
// that the workload came up. No other state transition happens here.
func (i *Intake) RecordPing(ctx context.Context, deploymentID string, ping Ping) (store.Deployment, error) {
	now := time.Now().UTC()
	patch := store.DeploymentPatch{
		LastHealthCheck:  &now,
		TotalInvocations: ping.TotalInvocations,
		LastInvocation:   ping.LastInvocation,
	}

	promoted, err := i.db.CompareAndSetState(ctx, deploymentID,
		[]store.DeploymentState{store.StatePending}, store.StateActive, patch)
	if err != nil {
		return store.Deployment{}, err
	}
	if promoted {
		i.logger.Info().Str("deployment_id", deploymentID).Msg("deployment promoted to active by health ping")
		return i.db.GetDeployment(ctx, deploymentID)
	}
	return i.db.UpdateDeployment(ctx, deploymentID, patch)
}
