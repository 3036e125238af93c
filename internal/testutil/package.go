// Package testutil builds in-memory agent packages for tests.
package testutil

import (
	"archive/zip"
	"bytes"
	"fmt"
	"testing"
)

// ValidManifest renders a minimal agent.yaml that passes validation.
func ValidManifest(name, displayName, version string) string {
	return fmt.Sprintf(`apiVersion: postqode.ai/v1
kind: Agent
metadata:
  name: %s
  version: %q
spec:
  displayName: %s
  description: Test agent
`, name, version, displayName)
}

// BuildPackage zips the given files (path -> content) into package bytes.
func BuildPackage(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create %s: %v", name, err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

// HelloPackage builds a small deployable package with a Dockerfile and one
// adapter.
func HelloPackage(t *testing.T, version string) []byte {
	t.Helper()
	return BuildPackage(t, map[string]string{
		"agent.yaml":           ValidManifest("hello", "Hello", version),
		"Dockerfile":           "FROM python:3.11-slim\nCOPY . /app\nCMD [\"python\", \"agent.py\"]\n",
		"agent.py":             "print('hello')\n",
		"requirements.txt":     "httpx\n",
		"adapters/openai.yaml": "apiVersion: postqode.ai/v1\nkind: RuntimeAdapter\n",
	})
}
