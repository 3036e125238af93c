package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/postqode/orchestrator/pkg/deploy"
	"github.com/postqode/orchestrator/pkg/domain/errors"
	"github.com/postqode/orchestrator/pkg/store"
)

// Stop halts the workload and records stopped state. The state transition
// is compare-and-set so a racing start wins or loses cleanly.
func (p *Pipeline) Stop(ctx context.Context, deploymentID, userID string) (store.Deployment, error) {
	d, err := p.stop(ctx, deploymentID, userID)
	p.metrics.observeLifecycle("stop", err)
	return d, err
}

func (p *Pipeline) stop(ctx context.Context, deploymentID, userID string) (store.Deployment, error) {
	d, err := p.owned(ctx, deploymentID, userID)
	if err != nil {
		return store.Deployment{}, err
	}
	// A pending deployment has never run; it must reach active or error
	// before it can be stopped.
	if d.State == store.StatePending {
		return store.Deployment{}, errors.New(errors.CodeInvalidState, "pipeline",
			"deployment has not started yet and cannot be stopped", nil)
	}
	deployer, cfg, err := p.deployerFor(d)
	if err != nil {
		return store.Deployment{}, err
	}

	status := deployer.Stop(ctx, deploymentID, cfg)
	if status.State == "error" {
		return store.Deployment{}, errors.New(errors.CodeDeployFailed, "pipeline",
			fmt.Sprintf("failed to stop deployment: %s", status.Message), nil)
	}

	swapped, err := p.db.CompareAndSetState(ctx, deploymentID,
		[]store.DeploymentState{store.StateActive, store.StateUpdating, store.StateError},
		store.StateStopped,
		store.DeploymentPatch{StoppedAt: timePtr(time.Now().UTC())})
	if err != nil {
		return store.Deployment{}, err
	}
	if !swapped {
		// A concurrent operation moved the state; report what is there now.
		return p.db.GetDeployment(ctx, deploymentID)
	}
	return p.db.GetDeployment(ctx, deploymentID)
}

// Start redeploys the workload from the stored config.
func (p *Pipeline) Start(ctx context.Context, deploymentID, userID string) (store.Deployment, error) {
	d, err := p.start(ctx, deploymentID, userID)
	p.metrics.observeLifecycle("start", err)
	return d, err
}

func (p *Pipeline) start(ctx context.Context, deploymentID, userID string) (store.Deployment, error) {
	d, err := p.owned(ctx, deploymentID, userID)
	if err != nil {
		return store.Deployment{}, err
	}
	deployer, cfg, err := p.deployerFor(d)
	if err != nil {
		return store.Deployment{}, err
	}

	// Rebuild when needed, then deploy; the stored config is authoritative.
	packagePath, err := p.packages.GetPath(ctx, d.AgentID, cfg.Version)
	if err != nil {
		p.markError(ctx, deploymentID, "Package file not found")
		return store.Deployment{}, err
	}
	build := deployer.Build(ctx, cfg, packagePath, nil)
	if !build.OK {
		p.markError(ctx, deploymentID, build.Error)
		return store.Deployment{}, errors.New(errors.CodeBuildFailed, "pipeline", build.Error, nil)
	}
	res := deployer.Deploy(ctx, deploymentID, cfg, build, nil)
	if !res.OK {
		p.markError(ctx, deploymentID, res.Error)
		return store.Deployment{}, errors.New(errors.CodeDeployFailed, "pipeline", res.Error, nil)
	}

	return p.db.UpdateDeployment(ctx, deploymentID, store.DeploymentPatch{
		State:        statePtr(store.StateActive),
		ExternalID:   strPtr(res.ExternalID),
		AccessURL:    strPtr(res.AccessURL),
		ErrorMessage: strPtr(""),
		DeployedAt:   timePtr(time.Now().UTC()),
	})
}

// Restart bounces the workload in place without a rebuild.
func (p *Pipeline) Restart(ctx context.Context, deploymentID, userID string) (store.Deployment, error) {
	d, err := p.restart(ctx, deploymentID, userID)
	p.metrics.observeLifecycle("restart", err)
	return d, err
}

func (p *Pipeline) restart(ctx context.Context, deploymentID, userID string) (store.Deployment, error) {
	d, err := p.owned(ctx, deploymentID, userID)
	if err != nil {
		return store.Deployment{}, err
	}
	deployer, cfg, err := p.deployerFor(d)
	if err != nil {
		return store.Deployment{}, err
	}

	status := deployer.Restart(ctx, deploymentID, cfg)
	if status.State == "error" {
		p.markError(ctx, deploymentID, status.Message)
		return store.Deployment{}, errors.New(errors.CodeDeployFailed, "pipeline",
			fmt.Sprintf("failed to restart deployment: %s", status.Message), nil)
	}

	return p.db.UpdateDeployment(ctx, deploymentID, store.DeploymentPatch{
		State:        statePtr(store.StateActive),
		ErrorMessage: strPtr(""),
	})
}

// Reconfigure replaces the deployment's env vars and optionally bounces
// the workload when it is currently active.
func (p *Pipeline) Reconfigure(ctx context.Context, deploymentID, userID string, envVars map[string]string, restart bool) (store.Deployment, error) {
	d, err := p.reconfigure(ctx, deploymentID, userID, envVars, restart)
	p.metrics.observeLifecycle("reconfigure", err)
	return d, err
}

func (p *Pipeline) reconfigure(ctx context.Context, deploymentID, userID string, envVars map[string]string, restart bool) (store.Deployment, error) {
	d, err := p.owned(ctx, deploymentID, userID)
	if err != nil {
		return store.Deployment{}, err
	}

	cfg := deploy.ConfigFromMap(d.Config)
	cfg.EnvVars = envVars
	d, err = p.db.UpdateDeployment(ctx, deploymentID, store.DeploymentPatch{Config: cfg.ToMap()})
	if err != nil {
		return store.Deployment{}, err
	}

	if restart && d.State == store.StateActive {
		if _, err := p.stop(ctx, deploymentID, userID); err != nil {
			return store.Deployment{}, err
		}
		return p.start(ctx, deploymentID, userID)
	}
	return d, nil
}

// Status queries the live target and refreshes last_health_check.
func (p *Pipeline) Status(ctx context.Context, deploymentID, userID string) (deploy.StatusResult, error) {
	d, err := p.owned(ctx, deploymentID, userID)
	if err != nil {
		return deploy.StatusResult{}, err
	}
	deployer, cfg, err := p.deployerFor(d)
	if err != nil {
		return deploy.StatusResult{}, err
	}
	return deployer.Status(ctx, deploymentID, cfg), nil
}

// Logs fetches workload logs from the target.
func (p *Pipeline) Logs(ctx context.Context, deploymentID, userID string, lines int) (string, error) {
	d, err := p.owned(ctx, deploymentID, userID)
	if err != nil {
		return "", err
	}
	deployer, cfg, err := p.deployerFor(d)
	if err != nil {
		return "", err
	}
	if lines <= 0 {
		lines = 100
	}
	return deployer.Logs(ctx, deploymentID, cfg, lines, false)
}

// AccessInstructions returns the deployer's operator advice for reaching
// the workload.
func (p *Pipeline) AccessInstructions(ctx context.Context, deploymentID, userID string) (map[string]string, error) {
	d, err := p.owned(ctx, deploymentID, userID)
	if err != nil {
		return nil, err
	}
	deployer, cfg, err := p.deployerFor(d)
	if err != nil {
		return nil, err
	}
	return deployer.AccessInstructions(deploymentID, cfg), nil
}

// Delete tears the workload down and removes the record. Target-side
// deletion is idempotent, so a half-deleted deployment can be retried.
func (p *Pipeline) Delete(ctx context.Context, deploymentID, userID string) error {
	err := p.delete(ctx, deploymentID, userID)
	p.metrics.observeLifecycle("delete", err)
	return err
}

func (p *Pipeline) delete(ctx context.Context, deploymentID, userID string) error {
	d, err := p.owned(ctx, deploymentID, userID)
	if err != nil {
		return err
	}
	deployer, cfg, err := p.deployerFor(d)
	if err == nil {
		if ok := deployer.Delete(ctx, deploymentID, cfg); !ok {
			p.logger.Warn().
				Str("deployment_id", deploymentID).
				Str("platform", d.Platform).
				Msg("target-side deletion incomplete")
		}
	}
	return p.db.DeleteDeployment(ctx, deploymentID)
}

// Get returns the stored deployment record.
func (p *Pipeline) Get(ctx context.Context, deploymentID, userID string) (store.Deployment, error) {
	return p.owned(ctx, deploymentID, userID)
}

// List returns the caller's deployments, newest first.
func (p *Pipeline) List(ctx context.Context, filter store.DeploymentFilter) ([]store.Deployment, error) {
	return p.db.ListDeployments(ctx, filter)
}

// Stats summarizes the caller's deployments by state and platform.
func (p *Pipeline) Stats(ctx context.Context, userID string) (store.StatsSummary, error) {
	return p.db.DeploymentStats(ctx, userID)
}
