// Package pipeline runs the unified deployment flow: a linear state
// machine from agent validation through build and deploy, emitting a step
// event before and after each stage. It is the only writer of deployment
// state; lifecycle operations (start, stop, reconfigure) live here too.
package pipeline

import (
	"time"

	"github.com/postqode/orchestrator/pkg/store"
)

// StepStatus is the progress state of one pipeline step.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepEvent is one progress notification. Events for a single pipeline
// call arrive in execution order.
type StepEvent struct {
	Name      string     `json:"step"`
	Status    StepStatus `json:"status"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// ProgressFunc receives step events as the pipeline advances. May be nil.
type ProgressFunc func(StepEvent)

// DeployRequest is the single input to the unified pipeline.
type DeployRequest struct {
	AgentID        string                 `json:"agent_id"`
	UserID         string                 `json:"user_id"`
	Adapter        string                 `json:"adapter,omitempty"`
	Platform       string                 `json:"deployment_type,omitempty"`
	Environment    string                 `json:"environment_name,omitempty"`
	Port           int                    `json:"port,omitempty"`
	EnvVars        map[string]string      `json:"env_vars,omitempty"`
	PlatformConfig map[string]interface{} `json:"platform_config,omitempty"`
	AutoStart      *bool                  `json:"auto_start,omitempty"`
}

func (r DeployRequest) adapter() string {
	if r.Adapter == "" {
		return "openai"
	}
	return r.Adapter
}

func (r DeployRequest) platform() string {
	if r.Platform == "" {
		return "local_container"
	}
	return r.Platform
}

func (r DeployRequest) autoStart() bool {
	return r.AutoStart == nil || *r.AutoStart
}

// Result is the outcome of one pipeline call. FinalState mirrors what was
// committed to the deployment record; DeploymentID is empty only when the
// pipeline failed before create_record.
type Result struct {
	DeploymentID string                `json:"deployment_id"`
	FinalState   store.DeploymentState `json:"status"`
	Steps        []StepEvent           `json:"steps"`
	AccessURL    string                `json:"access_url,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// stepTracker accumulates step events and forwards them to the caller.
type stepTracker struct {
	events     []StepEvent
	onProgress ProgressFunc
}

func (t *stepTracker) emit(ev StepEvent) {
	t.events = append(t.events, ev)
	if t.onProgress != nil {
		t.onProgress(ev)
	}
}

func (t *stepTracker) begin(name, message string) {
	t.emit(StepEvent{Name: name, Status: StepRunning, Message: message, Timestamp: time.Now().UTC()})
}

func (t *stepTracker) complete(name, message string) {
	t.emit(StepEvent{Name: name, Status: StepCompleted, Message: message, Timestamp: time.Now().UTC()})
}

func (t *stepTracker) fail(name, message string) {
	t.emit(StepEvent{Name: name, Status: StepFailed, Message: message, Timestamp: time.Now().UTC()})
}
