// Package config loads the host configuration: instrument endpoints,
// timing tunables, and the output root.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Instrument endpoint ports as deployed. The status port is reserved for
// the on-instrument display and not served by this host.
const (
	DefaultHALPort     = 45400
	DefaultPreviewPort = 45401
	DefaultPromptPort  = 45402
)

// Duration decodes Go duration strings ("2s", "10m") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the host configuration, decoded strictly from YAML: unknown
// keys are an error, so a typo cannot silently fall back to a default.
type Config struct {
	// HALAddress is the instrument host; ports are per service.
	HALAddress  string `yaml:"hal_address"`
	HALPort     int    `yaml:"hal_port"`
	PreviewPort int    `yaml:"preview_port"`
	PromptPort  int    `yaml:"prompt_port"`

	// OutputRoot is where run directories are created.
	OutputRoot string `yaml:"output_root"`

	PollInterval     Duration `yaml:"poll_interval"`
	ResponseTimeout  Duration `yaml:"response_timeout"`
	HeaterMaxTries   int      `yaml:"heater_max_tries"`
	HeaterRetryDelay Duration `yaml:"heater_retry_delay"`
	PreviewBackoff   Duration `yaml:"preview_backoff"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		HALAddress:       "127.0.0.1",
		HALPort:          DefaultHALPort,
		PreviewPort:      DefaultPreviewPort,
		PromptPort:       DefaultPromptPort,
		OutputRoot:       filepath.Join(home, "454", "output"),
		PollInterval:     Duration(1 * time.Second),
		ResponseTimeout:  Duration(10 * time.Minute),
		HeaterMaxTries:   3,
		HeaterRetryDelay: Duration(2 * time.Second),
		PreviewBackoff:   Duration(5 * time.Second),
	}
}

// Load reads and strictly decodes a config file. Values absent from the
// file keep their defaults. A missing file is not an error; the defaults
// are returned unchanged.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse strictly decodes config YAML over the defaults.
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	for name, port := range map[string]int{
		"hal_port":     c.HALPort,
		"preview_port": c.PreviewPort,
		"prompt_port":  c.PromptPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s %d out of range", name, port)
		}
	}
	if c.HeaterMaxTries < 1 {
		return fmt.Errorf("heater_max_tries must be at least 1")
	}
	return nil
}

// HALEndpoint returns the host:port of the command socket.
func (c *Config) HALEndpoint() string {
	return fmt.Sprintf("%s:%d", c.HALAddress, c.HALPort)
}

// PreviewEndpoint returns the host:port of the live-preview stream.
func (c *Config) PreviewEndpoint() string {
	return fmt.Sprintf("%s:%d", c.HALAddress, c.PreviewPort)
}

// PromptEndpoint returns the listen address of the confirmation server.
func (c *Config) PromptEndpoint() string {
	return fmt.Sprintf(":%d", c.PromptPort)
}
