// Package report writes run artifacts to the configured output
// directory: latest.json, always overwritten with the most recent
// RunResult, plus a timestamped copy of the same document alongside it.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/flowtestlabs/flowtest/internal/model"
)

// EnvPrefix marks environment variables surfaced into reports.
const EnvPrefix = "FLOW_TEST_"

// Write stores result as dir/latest.json and a timestamped sibling named
// after the run's start time. Variables from env whose names carry
// EnvPrefix are copied into the result's environment section first.
// Returns the path of the timestamped artifact.
func Write(dir string, result model.RunResult, env map[string]string) (string, error) {
	result.Environment = surfacedEnv(env)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("report: failed to create %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("report: failed to marshal run result: %w", err)
	}

	latest := filepath.Join(dir, "latest.json")
	if err := os.WriteFile(latest, data, 0o644); err != nil {
		return "", fmt.Errorf("report: failed to write %s: %w", latest, err)
	}

	stamped := filepath.Join(dir, fmt.Sprintf("run-%s.json", result.StartTime.Format("20060102-150405")))
	if err := os.WriteFile(stamped, data, 0o644); err != nil {
		return "", fmt.Errorf("report: failed to write %s: %w", stamped, err)
	}
	return stamped, nil
}

// Read loads a previously written RunResult artifact.
func Read(path string) (model.RunResult, error) {
	var result model.RunResult
	data, err := os.ReadFile(path)
	if err != nil {
		return result, fmt.Errorf("report: failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("report: failed to parse %s: %w", path, err)
	}
	return result, nil
}

func surfacedEnv(env map[string]string) map[string]string {
	var out map[string]string
	for name, value := range env {
		if strings.HasPrefix(name, EnvPrefix) {
			if out == nil {
				out = make(map[string]string)
			}
			out[name] = value
		}
	}
	return out
}
