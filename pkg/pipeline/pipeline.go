package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/postqode/orchestrator/pkg/deploy"
	"github.com/postqode/orchestrator/pkg/domain/errors"
	"github.com/postqode/orchestrator/pkg/packages"
	"github.com/postqode/orchestrator/pkg/store"
)

// Pipeline orchestrates the deployment flow. All dependencies arrive via
// the constructor; the pipeline holds no mutable state of its own.
type Pipeline struct {
	db       *store.Bolt
	packages *packages.Store
	factory  *deploy.Factory
	metrics  *Metrics
	logger   zerolog.Logger
}

// New creates the pipeline. metrics may be nil (no observation).
func New(db *store.Bolt, pkgs *packages.Store, factory *deploy.Factory, metrics *Metrics, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		db:       db,
		packages: pkgs,
		factory:  factory,
		metrics:  metrics,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// errorMessageLimit caps what lands in the deployment record; step events
// carry the untruncated text.
const errorMessageLimit = 500

func truncateError(s string) string {
	if len(s) <= errorMessageLimit {
		return s
	}
	return s[:errorMessageLimit]
}

func statePtr(s store.DeploymentState) *store.DeploymentState { return &s }
func strPtr(s string) *string                                 { return &s }
func timePtr(t time.Time) *time.Time                          { return &t }

// markError transitions the deployment to error with a truncated message.
func (p *Pipeline) markError(ctx context.Context, deploymentID, message string) {
	_, err := p.db.UpdateDeployment(ctx, deploymentID, store.DeploymentPatch{
		State:        statePtr(store.StateError),
		ErrorMessage: strPtr(truncateError(message)),
	})
	if err != nil {
		p.logger.Error().Err(err).Str("deployment_id", deploymentID).Msg("failed to record pipeline error")
	}
}

// Deploy runs the unified flow. Failures are reported in the result, not
// as a returned error; each step emits events through onProgress before
// and after it runs and the pipeline aborts on the first failure.
func (p *Pipeline) Deploy(ctx context.Context, req DeployRequest, onProgress ProgressFunc) Result {
	start := time.Now()
	tracker := &stepTracker{onProgress: onProgress}
	platform := req.platform()

	failEarly := func(step, message string) Result {
		tracker.fail(step, message)
		p.metrics.observeStepFailure(step)
		p.metrics.observeDeploy(platform, "failed", start)
		return Result{FinalState: store.StateError, Steps: tracker.events, Error: message}
	}
	failDeployment := func(deploymentID, step, message string) Result {
		tracker.fail(step, message)
		p.markError(ctx, deploymentID, message)
		p.metrics.observeStepFailure(step)
		p.metrics.observeDeploy(platform, "failed", start)
		return Result{DeploymentID: deploymentID, FinalState: store.StateError, Steps: tracker.events, Error: message}
	}

	// Step 1: the agent must exist.
	tracker.begin("validate_agent", "Validating agent...")
	agent, err := p.db.GetAgent(ctx, req.AgentID)
	if err != nil {
		return failEarly("validate_agent", "Agent not found")
	}
	tracker.complete("validate_agent", fmt.Sprintf("Agent %q validated", agent.Name))

	// Step 2: license check; free agents get one minted on the spot.
	tracker.begin("check_license", "Checking license...")
	licensed, err := p.db.HasActiveLicense(ctx, req.UserID, req.AgentID)
	if err != nil {
		return failEarly("check_license", fmt.Sprintf("License lookup failed: %v", err))
	}
	var licenseID string
	if licensed {
		lic, err := p.db.GetLicense(ctx, req.UserID, req.AgentID)
		if err == nil {
			licenseID = lic.ID
		}
		tracker.complete("check_license", "License verified")
	} else {
		if agent.PriceCents > 0 {
			return failEarly("check_license", "Please purchase a license first")
		}
		lic, err := p.db.MintFreeLicense(ctx, req.UserID, req.AgentID)
		if err != nil {
			return failEarly("check_license", fmt.Sprintf("Failed to mint license: %v", err))
		}
		licenseID = lic.ID
		tracker.complete("check_license", "Free license activated")
	}

	// Resolve the version before creating the record so the stored config
	// is complete.
	version := agent.CurrentVersion
	if version == "" {
		latest, err := p.packages.Latest(ctx, req.AgentID)
		if err != nil {
			return failEarly("validate_agent", "Agent has no uploaded package")
		}
		version = latest.Version
	}

	cfg := deploy.Config{
		AgentID:        req.AgentID,
		AgentName:      agent.Name,
		Version:        version,
		Adapter:        req.adapter(),
		EnvVars:        req.EnvVars,
		PlatformConfig: req.PlatformConfig,
		Port:           req.Port,
		Environment:    req.Environment,
	}

	// Step 3: the deployment record; all later failures patch this row.
	tracker.begin("create_record", "Creating deployment record...")
	deploymentID, err := p.db.CreateDeployment(ctx, store.Deployment{
		UserID:      req.UserID,
		AgentID:     req.AgentID,
		LicenseID:   licenseID,
		Platform:    string(p.factory.Resolve(platform)),
		Adapter:     cfg.Adapter,
		Environment: req.Environment,
		Config:      cfg.ToMap(),
		State:       store.StatePending,
		DeployedAt:  timePtr(time.Now().UTC()),
	})
	if err != nil {
		return failEarly("create_record", fmt.Sprintf("Failed to create deployment record: %v", err))
	}
	tracker.complete("create_record", "Deployment record created")

	// Step 4: resolve the deployer and check the host can actually run it.
	tracker.begin("select_deployer", fmt.Sprintf("Selecting deployer for %s...", platform))
	deployer, err := p.factory.Get(platform)
	if err != nil {
		return failDeployment(deploymentID, "select_deployer", fmt.Sprintf("Unknown platform %q", platform))
	}
	if prereqs := deployer.CheckPrerequisites(ctx); !prereqs.OK {
		msg := fmt.Sprintf("%s prerequisites not met", deployer.DisplayName())
		if len(prereqs.Errors) > 0 {
			msg = prereqs.Errors[0]
		}
		return failDeployment(deploymentID, "select_deployer", msg)
	}
	tracker.complete("select_deployer", fmt.Sprintf("%s is available", deployer.DisplayName()))

	// Step 5: the package bytes must be on disk.
	tracker.begin("resolve_artefact", fmt.Sprintf("Resolving package %s@%s...", req.AgentID, version))
	packagePath, err := p.packages.GetPath(ctx, req.AgentID, version)
	if err != nil {
		return failDeployment(deploymentID, "resolve_artefact", "Package file not found")
	}
	tracker.complete("resolve_artefact", "Package resolved")

	// Step 6: build. Build logs ride on the step event, untruncated.
	tracker.begin("build", "Building deployment artifact...")
	buildProgress := func(msg string) {
		tracker.emit(StepEvent{Name: "build", Status: StepRunning, Message: msg, Timestamp: time.Now().UTC()})
	}
	build := deployer.Build(ctx, cfg, packagePath, buildProgress)
	if !build.OK {
		msg := build.Error
		if build.BuildLogs != "" {
			msg = fmt.Sprintf("%s\n%s", build.Error, build.BuildLogs)
		}
		tracker.fail("build", msg)
		p.markError(ctx, deploymentID, build.Error)
		p.metrics.observeStepFailure("build")
		p.metrics.observeDeploy(platform, "failed", start)
		return Result{DeploymentID: deploymentID, FinalState: store.StateError, Steps: tracker.events, Error: build.Error}
	}
	tracker.complete("build", fmt.Sprintf("Artifact ready: %s", build.ArtifactHandle))

	// Step 7: deploy only when requested; otherwise the record stays
	// pending with the artifact built.
	if !req.autoStart() {
		p.metrics.observeDeploy(platform, string(store.StatePending), start)
		p.logger.Info().
			Str("deployment_id", deploymentID).
			Str("agent_id", req.AgentID).
			Str("platform", platform).
			Msg("deployment built, awaiting start")
		return Result{DeploymentID: deploymentID, FinalState: store.StatePending, Steps: tracker.events}
	}

	tracker.begin("deploy", "Deploying agent...")
	deployProgress := func(msg string) {
		tracker.emit(StepEvent{Name: "deploy", Status: StepRunning, Message: msg, Timestamp: time.Now().UTC()})
	}
	deployRes := deployer.Deploy(ctx, deploymentID, cfg, build, deployProgress)
	if !deployRes.OK {
		tracker.fail("deploy", deployRes.Error)
		p.markError(ctx, deploymentID, deployRes.Error)
		p.metrics.observeStepFailure("deploy")
		p.metrics.observeDeploy(platform, "failed", start)
		return Result{DeploymentID: deploymentID, FinalState: store.StateError, Steps: tracker.events, Error: deployRes.Error}
	}

	_, err = p.db.UpdateDeployment(ctx, deploymentID, store.DeploymentPatch{
		State:        statePtr(store.StateActive),
		ExternalID:   strPtr(deployRes.ExternalID),
		AccessURL:    strPtr(deployRes.AccessURL),
		ErrorMessage: strPtr(""),
		DeployedAt:   timePtr(time.Now().UTC()),
	})
	if err != nil {
		return failDeployment(deploymentID, "deploy", fmt.Sprintf("Failed to record deployment: %v", err))
	}
	tracker.complete("deploy", fmt.Sprintf("Agent running at %s", deployRes.AccessURL))

	p.metrics.observeDeploy(platform, string(store.StateActive), start)
	p.logger.Info().
		Str("deployment_id", deploymentID).
		Str("agent_id", req.AgentID).
		Str("platform", platform).
		Str("access_url", deployRes.AccessURL).
		Msg("deployment active")

	return Result{
		DeploymentID: deploymentID,
		FinalState:   store.StateActive,
		Steps:        tracker.events,
		AccessURL:    deployRes.AccessURL,
	}
}

// deployerFor rebuilds the deploy config from a stored record and resolves
// its deployer.
func (p *Pipeline) deployerFor(d store.Deployment) (deploy.Deployer, deploy.Config, error) {
	deployer, err := p.factory.Get(d.Platform)
	if err != nil {
		return nil, deploy.Config{}, err
	}
	cfg := deploy.ConfigFromMap(d.Config)
	if cfg.AgentID == "" {
		cfg.AgentID = d.AgentID
	}
	if cfg.Adapter == "" {
		cfg.Adapter = d.Adapter
	}
	return deployer, cfg, nil
}

// owned fetches a deployment and enforces ownership.
func (p *Pipeline) owned(ctx context.Context, deploymentID, userID string) (store.Deployment, error) {
	d, err := p.db.GetDeployment(ctx, deploymentID)
	if err != nil {
		return store.Deployment{}, err
	}
	if userID != "" && d.UserID != userID {
		return store.Deployment{}, errors.New(errors.CodeNotFound, "pipeline",
			fmt.Sprintf("deployment %s not found", deploymentID), nil)
	}
	return d, nil
}
