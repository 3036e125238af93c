// Package store persists the orchestrator's records (agents, package
// versions, deployments, and licenses) in a single bbolt database. All
// serialization is JSON; the database is the only serialization point
// between concurrent requests.
package store

import (
	"time"

	"github.com/postqode/orchestrator/pkg/manifest"
)

// AgentStatus is the marketplace lifecycle of an agent listing.
type AgentStatus string

const (
	AgentDraft     AgentStatus = "draft"
	AgentPending   AgentStatus = "pending"
	AgentPublished AgentStatus = "published"
	AgentArchived  AgentStatus = "archived"
	AgentRejected  AgentStatus = "rejected"
)

// Agent is the publishable unit. Metadata here is display-only and mutable;
// package bytes live in PackageRecord rows.
type Agent struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Description     string      `json:"description"`
	Category        string      `json:"category"`
	PublisherID     string      `json:"publisher_id"`
	Status          AgentStatus `json:"status"`
	CurrentVersion  string      `json:"current_version,omitempty"`
	LatestPackageID string      `json:"latest_package_id,omitempty"`
	PriceCents      int64       `json:"price_cents"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// PackageRecord describes one (agent, version) upload. Immutable once
// written except for IsLatest, and the bytes-related fields on re-upload of
// the same version.
type PackageRecord struct {
	ID            string             `json:"id"`
	AgentID       string             `json:"agent_id"`
	Version       string             `json:"version"`
	ContentDigest string             `json:"content_digest"`
	ByteLength    int64              `json:"byte_length"`
	StorageURI    string             `json:"storage_uri"`
	Manifest      *manifest.Manifest `json:"manifest,omitempty"`
	Adapters      []string           `json:"adapters,omitempty"`
	IsLatest      bool               `json:"is_latest"`
	CreatedAt     time.Time          `json:"created_at"`
}

// DeploymentState is the lifecycle of a deployment record. Only the
// pipeline writes it.
type DeploymentState string

const (
	StatePending  DeploymentState = "pending"
	StateActive   DeploymentState = "active"
	StateStopped  DeploymentState = "stopped"
	StateError    DeploymentState = "error"
	StateUpdating DeploymentState = "updating"
)

// Deployment is one running (or formerly running) instance of an agent on a
// specific platform. Config is the raw deploy-config mapping the deployment
// was created with, kept verbatim so lifecycle operations can rebuild it.
type Deployment struct {
	ID               string                 `json:"id"`
	UserID           string                 `json:"user_id"`
	OrganizationID   string                 `json:"organization_id,omitempty"`
	AgentID          string                 `json:"agent_id"`
	LicenseID        string                 `json:"license_id,omitempty"`
	Platform         string                 `json:"platform"`
	Adapter          string                 `json:"adapter,omitempty"`
	Environment      string                 `json:"environment"`
	Config           map[string]interface{} `json:"config,omitempty"`
	State            DeploymentState        `json:"state"`
	ExternalID       string                 `json:"external_id,omitempty"`
	AccessURL        string                 `json:"access_url,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	DeployedAt       *time.Time             `json:"deployed_at,omitempty"`
	StoppedAt        *time.Time             `json:"stopped_at,omitempty"`
	LastHealthCheck  *time.Time             `json:"last_health_check,omitempty"`
	TotalInvocations int64                  `json:"total_invocations"`
	LastInvocation   *time.Time             `json:"last_invocation,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// DeploymentPatch is a partial update. Nil fields are left untouched.
type DeploymentPatch struct {
	State            *DeploymentState
	ExternalID       *string
	AccessURL        *string
	ErrorMessage     *string
	DeployedAt       *time.Time
	StoppedAt        *time.Time
	LastHealthCheck  *time.Time
	LastInvocation   *time.Time
	TotalInvocations *int64
	Config           map[string]interface{}
}

// DeploymentFilter narrows List results. Zero values match everything.
type DeploymentFilter struct {
	UserID   string
	AgentID  string
	Platform string
	State    DeploymentState
}

func (f DeploymentFilter) matches(d Deployment) bool {
	if f.UserID != "" && d.UserID != f.UserID {
		return false
	}
	if f.AgentID != "" && d.AgentID != f.AgentID {
		return false
	}
	if f.Platform != "" && d.Platform != f.Platform {
		return false
	}
	if f.State != "" && d.State != f.State {
		return false
	}
	return true
}

// License entitles a user to deploy an agent. Zero-priced agents get one
// minted with Source "free" on first deploy.
type License struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	AgentID   string     `json:"agent_id"`
	Status    string     `json:"status"`
	Source    string     `json:"source"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Active reports whether the license currently entitles deployment.
func (l License) Active() bool {
	if l.Status != "active" {
		return false
	}
	return l.ExpiresAt == nil || time.Now().Before(*l.ExpiresAt)
}

// StatsSummary is the per-state deployment count for one owner.
type StatsSummary struct {
	Total    int                     `json:"total"`
	ByState  map[DeploymentState]int `json:"by_state"`
	Platform map[string]int          `json:"by_platform"`
}
