package deploy

import (
	"context"
	"fmt"
	"sort"

	"github.com/postqode/orchestrator/pkg/domain/errors"
)

// PlatformInfo is the discovery record surfaced to UIs for one backend.
type PlatformInfo struct {
	ID              string                 `json:"id"`
	DisplayName     string                 `json:"display_name"`
	Description     string                 `json:"description"`
	Available       bool                   `json:"available"`
	RequirementsMet map[string]bool        `json:"requirements_met,omitempty"`
	ConfigSchema    map[string]interface{} `json:"config_schema"`
}

// Factory resolves platform names to deployers. It is built once at
// startup with an explicit table; legacy platform names are kept as
// aliases so stored deployments keep resolving.
type Factory struct {
	deployers map[Platform]Deployer
	aliases   map[string]Platform
}

// NewFactory registers the given deployers and the canonical alias table.
func NewFactory(deployers ...Deployer) *Factory {
	f := &Factory{
		deployers: make(map[Platform]Deployer, len(deployers)),
		aliases: map[string]Platform{
			"docker":          PlatformLocalContainer,
			"kubernetes":      PlatformCluster,
			"azure_functions": PlatformServerless,
			"vm_standalone":   PlatformRemoteHost,
			"iot":             PlatformEdge,
		},
	}
	for _, d := range deployers {
		f.deployers[d.Platform()] = d
	}
	return f
}

// Resolve maps a user-supplied platform name to its canonical Platform.
func (f *Factory) Resolve(name string) Platform {
	if p, ok := f.aliases[name]; ok {
		return p
	}
	return Platform(name)
}

// Get returns the deployer for platform, accepting aliases.
func (f *Factory) Get(platform string) (Deployer, error) {
	d, ok := f.deployers[f.Resolve(platform)]
	if !ok {
		return nil, errors.New(errors.CodePlatformUnknown, "deploy",
			fmt.Sprintf("no deployer registered for platform %q", platform), nil)
	}
	return d, nil
}

// ListPlatforms returns the discovery records for every registered
// backend, sorted by id. Prerequisite checks run live, so this reflects
// what the host can actually do right now.
func (f *Factory) ListPlatforms(ctx context.Context) []PlatformInfo {
	out := make([]PlatformInfo, 0, len(f.deployers))
	for platform, d := range f.deployers {
		prereq := d.CheckPrerequisites(ctx)
		out = append(out, PlatformInfo{
			ID:              string(platform),
			DisplayName:     d.DisplayName(),
			Description:     d.Description(),
			Available:       prereq.OK,
			RequirementsMet: prereq.RequirementsMet,
			ConfigSchema:    d.ConfigSchema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Platforms returns the canonical platform ids, sorted.
func (f *Factory) Platforms() []string {
	out := make([]string, 0, len(f.deployers))
	for p := range f.deployers {
		out = append(out, string(p))
	}
	sort.Strings(out)
	return out
}
