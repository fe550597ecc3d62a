package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dcshock/stagechain/pipeline"
	"gopkg.in/yaml.v3"
)

// ChainConfig is the root structure for a chain definition (e.g. from YAML).
type ChainConfig struct {
	Name     string         `yaml:"name"`
	Start    string         `yaml:"start"`     // optional: defaults to the first stage
	MaxSteps int            `yaml:"max_steps"` // optional: defaults to pipeline.DefaultMaxSteps
	Context  map[string]any `yaml:"context"`   // initial context values; strings expand $VARS
	Stages   []StageConfig  `yaml:"stages"`
}

// StageConfig is a single stage entry: either a plain name or name + options.
// In YAML, a stage can be written as:
//   - fetch
//   - name: detect_volume
//     command: [ffmpeg, -i, "{{.in_file}}", -af, volumedetect, -f, "null", "-"]
//     artifact: volume_detect
//     parse: kv:mean_volume,max_volume
//     on_error: download
//     error_limit: 2
type StageConfig struct {
	Name string `yaml:"name"`

	// Use names a registered stage. Defaults to Name when neither Command nor
	// Download is set.
	Use string `yaml:"use"`

	// Command runs an external tool; elements are text/template strings
	// rendered against the context.
	Command []string `yaml:"command"`
	Dir     string   `yaml:"dir"`
	Env     []string `yaml:"env"`
	Stream  string   `yaml:"stream"` // combined | stdout | stderr

	// Download fetches the URL held in this context key.
	Download string `yaml:"download"`

	// Artifact caches the stage output as <cache_dir>/<artifact>.txt.
	Artifact string `yaml:"artifact"`
	// Into is the context key receiving the (parsed) output. Defaults to Name.
	Into string `yaml:"into"`
	// Parse: "" (raw text) | "json" | "kv" | "kv:key1,key2" (required keys)
	Parse string `yaml:"parse"`

	// Timeout applied around the stage (e.g. "60s").
	Timeout Duration `yaml:"timeout"`

	// Retry: "exponential" | "fixed" | "" (no in-place retry)
	Retry string `yaml:"retry"`
	// For retry: initial backoff ("exponential") or fixed delay ("fixed")
	Initial Duration `yaml:"initial"`
	// For exponential retry: multiplier (default 2), cap (e.g. "5m"), max attempts
	Multiplier  float64  `yaml:"multiplier"`
	Cap         Duration `yaml:"cap"`
	MaxAttempts int      `yaml:"max_attempts"`

	// Routing. OnDone defaults to the next stage in the list (the last one to
	// _done); OnError defaults to _abort.
	OnDone     string `yaml:"on_done"`
	OnError    string `yaml:"on_error"`
	ErrorLimit int    `yaml:"error_limit"` // max times on_error may be taken per run
}

// UnmarshalYAML allows a stage to be a string (stage name only) or a struct.
func (s *StageConfig) UnmarshalYAML(value *yaml.Node) error {
	var nameOnly string
	if err := value.Decode(&nameOnly); err == nil {
		s.Name = nameOnly
		return nil
	}
	type raw StageConfig
	return value.Decode((*raw)(s))
}

// Duration is a time.Duration that unmarshals from YAML strings (e.g. "60s", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Parse parses YAML bytes into a single ChainConfig.
func Parse(data []byte) (*ChainConfig, error) {
	var cfg ChainConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses a chain file.
func Load(path string) (*ChainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// NewState returns the initial run state: the config's context values, with
// $VAR references in strings expanded from the environment, then overrides.
func (c *ChainConfig) NewState(overrides map[string]string) *pipeline.State {
	s := pipeline.NewState(nil)
	for k, v := range c.Context {
		if str, ok := v.(string); ok {
			v = os.ExpandEnv(str)
		}
		s.Set(k, v)
	}
	for k, v := range overrides {
		s.Set(k, v)
	}
	return s
}

// MultiConfig is the root structure for a file that defines multiple chains.
// Top-level key is "chains"; each value is a chain. "sequences" names chains
// to run one after another over a shared context.
type MultiConfig struct {
	Chains    map[string]ChainConfig    `yaml:"chains"`
	Sequences map[string]SequenceConfig `yaml:"sequences"`
}

// SequenceConfig lists chains (by key in MultiConfig.Chains) run in order.
type SequenceConfig struct {
	Name   string   `yaml:"name"`
	Chains []string `yaml:"chains"`
}

// ParseMulti parses YAML bytes that contain a "chains" map from name to chain config.
// Example YAML:
//
//	chains:
//	  fetch:
//	    stages: [download, verify]
//	  media:
//	    stages: [detect_volume, normalize]
//	sequences:
//	  all:
//	    chains: [fetch, media]
func ParseMulti(data []byte) (*MultiConfig, error) {
	var cfg MultiConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
