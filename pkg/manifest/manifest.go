// Package manifest parses and validates the agent.yaml descriptor carried
// inside agent packages. The manifest is kept as a free-form document with
// typed accessors for the required fields only.
package manifest

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Manifest is the in-memory view of a parsed agent.yaml. The underlying
// document is preserved verbatim so callers can surface fields this package
// does not model.
type Manifest struct {
	doc map[string]interface{}
}

// Parse decodes YAML bytes into a Manifest.
func Parse(data []byte) (*Manifest, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	return &Manifest{doc: doc}, nil
}

// FromDoc wraps an already-decoded document.
func FromDoc(doc map[string]interface{}) *Manifest {
	if doc == nil {
		doc = map[string]interface{}{}
	}
	return &Manifest{doc: doc}
}

// Doc returns the underlying document.
func (m *Manifest) Doc() map[string]interface{} {
	return m.doc
}

// MarshalJSON serializes the underlying document.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.doc)
}

// UnmarshalJSON restores the underlying document.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &m.doc)
}

func (m *Manifest) APIVersion() string { return m.str("apiVersion") }
func (m *Manifest) Kind() string       { return m.str("kind") }

// Name returns metadata.name, the agent package slug.
func (m *Manifest) Name() string { return m.nestedStr("metadata", "name") }

// Version returns metadata.version.
func (m *Manifest) Version() string { return m.nestedStr("metadata", "version") }

// DisplayName returns spec.displayName.
func (m *Manifest) DisplayName() string { return m.nestedStr("spec", "displayName") }

// Description returns spec.description.
func (m *Manifest) Description() string { return m.nestedStr("spec", "description") }

// Category returns spec.category, or "Other" when absent.
func (m *Manifest) Category() string {
	if c := m.nestedStr("spec", "category"); c != "" {
		return c
	}
	return "Other"
}

// Tags returns spec.tags.
func (m *Manifest) Tags() []string {
	spec, ok := m.doc["spec"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := spec["tags"].([]interface{})
	if !ok {
		return nil
	}
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		if s, ok := t.(string); ok {
			tags = append(tags, s)
		}
	}
	return tags
}

// RuntimeLanguage returns spec.runtime.language when declared. The serverless
// deployer falls back to package-content detection when it is empty.
func (m *Manifest) RuntimeLanguage() string {
	spec, ok := m.doc["spec"].(map[string]interface{})
	if !ok {
		return ""
	}
	rt, ok := spec["runtime"].(map[string]interface{})
	if !ok {
		return ""
	}
	if s, ok := rt["language"].(string); ok {
		return s
	}
	return ""
}

// Inputs returns spec.inputs entries as raw documents.
func (m *Manifest) Inputs() []map[string]interface{} {
	spec, ok := m.doc["spec"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := spec["inputs"].([]interface{})
	if !ok {
		return nil
	}
	inputs := make([]map[string]interface{}, 0, len(raw))
	for _, i := range raw {
		if in, ok := i.(map[string]interface{}); ok {
			inputs = append(inputs, in)
		}
	}
	return inputs
}

func (m *Manifest) str(key string) string {
	if s, ok := m.doc[key].(string); ok {
		return s
	}
	return ""
}

func (m *Manifest) nestedStr(outer, inner string) string {
	sub, ok := m.doc[outer].(map[string]interface{})
	if !ok {
		return ""
	}
	if s, ok := sub[inner].(string); ok {
		return s
	}
	return ""
}
