package manifest

import (
	"fmt"
	"os"
	"path/filepath"
)

// ValidationReport is the result of validating package bytes. The parsed
// manifest is returned even when validation fails so callers can render
// previews.
type ValidationReport struct {
	OK       bool      `json:"ok"`
	Manifest *Manifest `json:"manifest,omitempty"`
	Errors   []string  `json:"errors"`
	Warnings []string  `json:"warnings"`
	Adapters []string  `json:"adapters,omitempty"`
}

// Validate checks package bytes: ZIP integrity, presence of agent.yaml at
// the root or one level deep, YAML well-formedness, and required fields.
// Missing adapters/ or policies/permissions.yaml are warnings only. The
// scratch extraction directory is always removed.
func Validate(pkg []byte) ValidationReport {
	report := ValidationReport{}

	scratch, err := os.MkdirTemp("", "postqode-validate-*")
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("failed to create scratch directory: %v", err))
		return report
	}
	defer os.RemoveAll(scratch)

	if err := ExtractBytes(pkg, scratch); err != nil {
		report.Errors = append(report.Errors, "File is not a valid ZIP archive")
		return report
	}

	manifestPath := FindFile(scratch, "agent.yaml")
	if manifestPath == "" {
		report.Errors = append(report.Errors, "Package must contain agent.yaml in root directory")
		return report
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("failed to read agent.yaml: %v", err))
		return report
	}

	m, err := Parse(data)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("Invalid YAML in agent.yaml: %v", err))
		return report
	}
	report.Manifest = m

	report.Errors = append(report.Errors, requiredFieldErrors(m)...)

	report.Adapters = FindAdapters(scratch)
	if FindDir(scratch, "adapters") == "" {
		report.Warnings = append(report.Warnings, "No adapters directory found - agent may not be portable")
	}
	if permissionsPath(scratch) == "" {
		report.Warnings = append(report.Warnings, "No policies directory found - using default permissions")
	}

	report.OK = len(report.Errors) == 0
	return report
}

// requiredFieldErrors checks the manifest's required shape. One error per
// missing field, in a stable order.
func requiredFieldErrors(m *Manifest) []string {
	var errs []string

	doc := m.Doc()

	if _, ok := doc["apiVersion"]; !ok {
		errs = append(errs, "Missing required field: apiVersion")
	}
	if _, ok := doc["kind"]; !ok {
		errs = append(errs, "Missing required field: kind")
	} else if m.Kind() != "Agent" {
		errs = append(errs, "kind must be 'Agent'")
	}

	if _, ok := doc["metadata"]; !ok {
		errs = append(errs, "Missing required field: metadata")
	} else {
		if m.Name() == "" {
			errs = append(errs, "Missing required field: metadata.name")
		}
		if m.Version() == "" {
			errs = append(errs, "Missing required field: metadata.version")
		}
	}

	if _, ok := doc["spec"]; !ok {
		errs = append(errs, "Missing required field: spec")
	} else {
		if m.DisplayName() == "" {
			errs = append(errs, "Missing required field: spec.displayName")
		}
		if m.Description() == "" {
			errs = append(errs, "Missing required field: spec.description")
		}
	}

	return errs
}

func permissionsPath(root string) string {
	dir := FindDir(root, "policies")
	if dir == "" {
		return ""
	}
	p := filepath.Join(dir, "permissions.yaml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	// A bare policies directory still counts as present.
	return dir
}
