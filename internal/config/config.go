package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models storyline.yml.
type Config struct {
	Story struct {
		ID string `yaml:"id"`
	} `yaml:"story"`
	Retry struct {
		MaxRetries     int     `yaml:"max_retries"`
		BackoffBaseSec float64 `yaml:"backoff_base_sec"`
		BackoffCapSec  float64 `yaml:"backoff_cap_sec"`
	} `yaml:"retry"`
	Safety struct {
		BlockThreshold    float64 `yaml:"block_threshold"`
		EscalateThreshold float64 `yaml:"escalate_threshold"`
		GateMinScore      float64 `yaml:"gate_min_score"`
	} `yaml:"safety"`
	Consensus struct {
		Reviewers        []string `yaml:"reviewers"`
		ApproveThreshold float64  `yaml:"approve_threshold"`
		LowScoreCutoff   float64  `yaml:"low_score_cutoff"`
	} `yaml:"consensus"`
	Budget struct {
		TokenLimit   int64   `yaml:"token_limit"`
		CostLimitUSD float64 `yaml:"cost_limit_usd"`
	} `yaml:"budget"`
	Worker struct {
		CallTimeoutSec int `yaml:"call_timeout_sec"`
		MaxConcurrent  int `yaml:"max_concurrent"`
	} `yaml:"worker"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one event sink receiving run events over HTTP.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// WorkerTimeout returns the per-call worker deadline.
func (c *Config) WorkerTimeout() time.Duration {
	if c.Worker.CallTimeoutSec <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.Worker.CallTimeoutSec) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("config.retry.max_retries must be >= 0")
	}
	if c.Retry.BackoffBaseSec <= 0 {
		return fmt.Errorf("config.retry.backoff_base_sec must be > 0")
	}
	if c.Retry.BackoffCapSec < c.Retry.BackoffBaseSec {
		return fmt.Errorf("config.retry.backoff_cap_sec must be >= backoff_base_sec")
	}
	for name, v := range map[string]float64{
		"safety.block_threshold":    c.Safety.BlockThreshold,
		"safety.escalate_threshold": c.Safety.EscalateThreshold,
		"safety.gate_min_score":     c.Safety.GateMinScore,
		"consensus.approve_threshold": c.Consensus.ApproveThreshold,
		"consensus.low_score_cutoff":  c.Consensus.LowScoreCutoff,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("config.%s must be in [0,1]", name)
		}
	}
	if len(c.Consensus.Reviewers) == 0 {
		return fmt.Errorf("config.consensus.reviewers must list at least one reviewer")
	}
	seen := make(map[string]bool, len(c.Consensus.Reviewers))
	for _, r := range c.Consensus.Reviewers {
		if r == "" {
			return fmt.Errorf("config.consensus.reviewers contains empty id")
		}
		if seen[r] {
			return fmt.Errorf("config.consensus.reviewers contains duplicate %s", r)
		}
		seen[r] = true
	}
	if c.Budget.TokenLimit < 0 || c.Budget.CostLimitUSD < 0 {
		return fmt.Errorf("config.budget limits must be >= 0")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "storyline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate with storyctl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
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

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the standard orchestration policy.
func Default() *Config {
	var cfg Config
	cfg.Retry.MaxRetries = 3
	cfg.Retry.BackoffBaseSec = 1
	cfg.Retry.BackoffCapSec = 300
	cfg.Safety.BlockThreshold = 0.6
	cfg.Safety.EscalateThreshold = 0.3
	cfg.Safety.GateMinScore = 0.85
	cfg.Consensus.Reviewers = []string{"reviewer-1", "reviewer-2", "reviewer-3"}
	cfg.Consensus.ApproveThreshold = 0.8
	cfg.Consensus.LowScoreCutoff = 0.5
	cfg.Budget.TokenLimit = 1_000_000
	cfg.Budget.CostLimitUSD = 50
	cfg.Worker.CallTimeoutSec = 120
	cfg.Worker.MaxConcurrent = 8
	cfg.Server.Addr = ":8480"
	cfg.Server.BasePath = "/v0"
	return &cfg
}

// GenerateDefault returns default config YAML for storyctl init.
func GenerateDefault(storyID string) string {
	return fmt.Sprintf(defaultTemplate, storyID)
}

const defaultTemplate = `story:
  id: %s

retry:
  max_retries: 3
  backoff_base_sec: 1
  backoff_cap_sec: 300

safety:
  # Fix attempts scoring below block_threshold are never retried.
  block_threshold: 0.6
  # Scores below escalate_threshold always raise a human escalation.
  escalate_threshold: 0.3
  # The safety gate requires at least this score to advance.
  gate_min_score: 0.85

consensus:
  reviewers: [reviewer-1, reviewer-2, reviewer-3]
  approve_threshold: 0.8
  low_score_cutoff: 0.5

budget:
  token_limit: 1000000
  cost_limit_usd: 50

worker:
  call_timeout_sec: 120
  max_concurrent: 8

server:
  addr: ":8480"
  base_path: /v0

webhooks: []
`
