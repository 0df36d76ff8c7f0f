package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models bylawscan.yml.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`
	Stages struct {
		Download   StageConfig `yaml:"download"`
		Extraction StageConfig `yaml:"extraction"`
		Analysis   StageConfig `yaml:"analysis"`
	} `yaml:"stages"`
	Jobs struct {
		DefaultBatchSize int `yaml:"default_batch_size"`
	} `yaml:"jobs"`
	Fetch struct {
		UserAgent    string `yaml:"user_agent"`
		MaxRedirects int    `yaml:"max_redirects"`
		MaxBodyBytes int64  `yaml:"max_body_bytes"`
	} `yaml:"fetch"`
	Scorer struct {
		Threshold float64 `yaml:"threshold"`
		RepeatCap int     `yaml:"repeat_cap"`
		// Lexicon replaces the built-in phrase weights when non-empty.
		Lexicon map[string]float64 `yaml:"lexicon"`
		// ExtraPhrases adds to the lexicon without replacing it.
		ExtraPhrases map[string]float64 `yaml:"extra_phrases"`
	} `yaml:"scorer"`
}

// StageConfig tunes one pipeline stage's worker pool.
type StageConfig struct {
	Concurrency    int `yaml:"concurrency"`
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the per-document deadline for the stage.
func (s StageConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Load reads config from workspace, falling back to defaults when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config.server.port must be in 1..65535")
	}
	for _, st := range []struct {
		name string
		cfg  StageConfig
	}{
		{"download", c.Stages.Download},
		{"extraction", c.Stages.Extraction},
		{"analysis", c.Stages.Analysis},
	} {
		if st.cfg.Concurrency < 1 {
			return fmt.Errorf("config.stages.%s.concurrency must be >= 1", st.name)
		}
		if st.cfg.TimeoutSeconds < 1 {
			return fmt.Errorf("config.stages.%s.timeout_seconds must be >= 1", st.name)
		}
	}
	if c.Jobs.DefaultBatchSize < 1 {
		return fmt.Errorf("config.jobs.default_batch_size must be >= 1")
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("config.fetch.max_redirects must be >= 0")
	}
	if c.Fetch.MaxBodyBytes < 1 {
		return fmt.Errorf("config.fetch.max_body_bytes must be >= 1")
	}
	if c.Scorer.Threshold < 0 || c.Scorer.Threshold > 1 {
		return fmt.Errorf("config.scorer.threshold must be in [0,1]")
	}
	if c.Scorer.RepeatCap < 1 {
		return fmt.Errorf("config.scorer.repeat_cap must be >= 1")
	}
	for phrase, weight := range c.Scorer.Lexicon {
		if phrase == "" {
			return fmt.Errorf("config.scorer.lexicon contains empty phrase")
		}
		if weight <= 0 {
			return fmt.Errorf("config.scorer.lexicon weight for %q must be > 0", phrase)
		}
	}
	for phrase, weight := range c.Scorer.ExtraPhrases {
		if phrase == "" {
			return fmt.Errorf("config.scorer.extra_phrases contains empty phrase")
		}
		if weight <= 0 {
			return fmt.Errorf("config.scorer.extra_phrases weight for %q must be > 0", phrase)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "bylawscan.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes. Fields the YAML
// omits keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		return nil, fmt.Errorf("invalid default config yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML for bylawscan config init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  host: 127.0.0.1
  port: 8787

stages:
  download:
    concurrency: 5
    timeout_seconds: 30
  extraction:
    concurrency: 3
    timeout_seconds: 60
  analysis:
    concurrency: 10
    timeout_seconds: 15

jobs:
  default_batch_size: 25

fetch:
  user_agent: "bylawscan/1.0 (+municipal document pipeline)"
  max_redirects: 5
  max_body_bytes: 52428800

scorer:
  threshold: 0.1
  repeat_cap: 3
`
