package deploy

import (
	"encoding/base64"
	"fmt"
	"os"
	"sort"

	"github.com/postqode/orchestrator/pkg/runner"
)

// sortedEnv renders an env map as KEY=value pairs in a stable order.
func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// buildError summarizes a failed command result. Timeouts get an explicit
// marker so callers can distinguish them from tool failures.
func buildError(res runner.Result) string {
	if res.TimedOut {
		return fmt.Sprintf("timed out after %s", res.Duration.Round(0))
	}
	if res.Err != nil {
		return res.Err.Error()
	}
	if res.Stderr != "" {
		return res.Stderr
	}
	return fmt.Sprintf("command exited with code %d", res.ExitCode)
}

// writeTempSecret materializes base64-encoded credential text (kubeconfig,
// SSH private key) into a mode-0600 temp file. The caller removes it on
// every exit path.
func writeTempSecret(b64, pattern string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("invalid base64 credential: %w", err)
	}
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", err
	}
	if _, err := f.Write(decoded); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}
