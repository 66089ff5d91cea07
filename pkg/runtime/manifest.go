package runtime

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RunManifest records the metadata of one run. Written as run.yaml in the
// run directory after the run ends, whatever the outcome.
type RunManifest struct {
	RunID       string `yaml:"run_id"`
	Protocol    string `yaml:"protocol,omitempty"`
	Mock        bool   `yaml:"mock"`
	Status      string `yaml:"status"`
	StartedAt   string `yaml:"started_at"`
	EndedAt     string `yaml:"ended_at"`
	Steps       int    `yaml:"steps"`
	Cleaves     int    `yaml:"cleaves"`
	Error       string `yaml:"error,omitempty"`
	HeaterError string `yaml:"heater_error,omitempty"`
}

func writeManifest(path string, m *RunManifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode run manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write run manifest: %w", err)
	}
	return nil
}
