// Package config loads promptforge configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all promptforge configuration.
type Config struct {
	Oracle    OracleConfig    `yaml:"oracle"`
	Store     StoreConfig     `yaml:"store"`
	Critic    CriticConfig    `yaml:"critic"`
	Analyzer  AnalyzerConfig  `yaml:"analyzer"`
	Generator GeneratorConfig `yaml:"generator"`
	Runner    RunnerConfig    `yaml:"runner"`
	Gates     GatesConfig     `yaml:"gates"`
}

// OracleConfig configures the LLM oracle.
type OracleConfig struct {
	Provider    string        `yaml:"provider"` // gemini, mock
	Model       string        `yaml:"model"`
	APIKeyEnv   string        `yaml:"api_key_env"` // env var holding the key
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	Concurrency int           `yaml:"concurrency"` // worker pool bound for parallel scoring
}

// StoreConfig configures SQLite persistence and the prompt file mirror.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
	PromptsDir   string `yaml:"prompts_dir"`
}

// CriticConfig locates the criteria rubrics.
type CriticConfig struct {
	CriteriaPath string `yaml:"criteria_path"`
}

// AnalyzerConfig configures failure pattern detection.
type AnalyzerConfig struct {
	Threshold   float64 `yaml:"threshold"`    // scores below this are failures
	MinSamples  int     `yaml:"min_samples"`  // failures required to form a pattern
	QueryLimit  int     `yaml:"query_limit"`  // evaluation window size
	SampleLimit int     `yaml:"sample_limit"` // query/response pairs kept per pattern
}

// GeneratorConfig configures variant generation.
type GeneratorConfig struct {
	NumVariants     int `yaml:"num_variants"`
	MinEditDistance int `yaml:"min_edit_distance"` // near-duplicate floor
}

// RunnerConfig locates the regression suite.
type RunnerConfig struct {
	TestSuitePath string `yaml:"test_suite_path"`
}

// GatesConfig configures the human-approval checkpoints.
type GatesConfig struct {
	ReviewTTL time.Duration `yaml:"review_ttl"` // pending gate lifetime
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Oracle: OracleConfig{
			Provider:    "gemini",
			Model:       "gemini-2.5-flash",
			APIKeyEnv:   "GEMINI_API_KEY",
			Timeout:     60 * time.Second,
			MaxRetries:  3,
			Concurrency: 4,
		},
		Store: StoreConfig{
			DatabasePath: ".forge/forge.db",
			PromptsDir:   ".forge/prompts",
		},
		Critic: CriticConfig{
			CriteriaPath: "config/criteria.yaml",
		},
		Analyzer: AnalyzerConfig{
			Threshold:   0.6,
			MinSamples:  5,
			QueryLimit:  100,
			SampleLimit: 5,
		},
		Generator: GeneratorConfig{
			NumVariants:     3,
			MinEditDistance: 40,
		},
		Runner: RunnerConfig{
			TestSuitePath: "config/test_suite.yaml",
		},
		Gates: GatesConfig{
			ReviewTTL: 72 * time.Hour,
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file returns
// the defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// APIKey resolves the oracle API key from the configured environment variable.
func (c *Config) APIKey() string {
	if c.Oracle.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Oracle.APIKeyEnv)
}
