package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models crewdeck.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Data struct {
		ProjectsRoot string `yaml:"projects_root"`
		TasksRoot    string `yaml:"tasks_root"`
		Store        string `yaml:"store"`
		LogTail      int    `yaml:"log_tail"`
	} `yaml:"data"`
	Workflow struct {
		Command string `yaml:"command"`
		// Script is passed before Args. Relative paths resolve against the
		// data directory since the process runs in the project root.
		Script string   `yaml:"script"`
		Args   []string `yaml:"args"`
	} `yaml:"workflow"`
	Scaffold map[string]ScaffoldRule `yaml:"scaffold"`
	Pricing  struct {
		TokenCostPer1K float64 `yaml:"token_cost_per_1k"`
	} `yaml:"pricing"`
	Simulation struct {
		StepDelay     time.Duration `yaml:"step_delay"`
		ApprovalDelay time.Duration `yaml:"approval_delay"`
		FinalizeDelay time.Duration `yaml:"finalize_delay"`
	} `yaml:"simulation"`
	Broadcast struct {
		QueueSize int           `yaml:"queue_size"`
		Keepalive time.Duration `yaml:"keepalive"`
	} `yaml:"broadcast"`
	NATS struct {
		URL           string `yaml:"url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"nats"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Logging  struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// ScaffoldRule prepares a project root of one type before a run.
// The command runs in the project root and is skipped when a file matching
// the Marker glob (relative to the root) already exists.
type ScaffoldRule struct {
	Marker  string   `yaml:"marker"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type WebhookConfig struct {
	URL    string   `yaml:"url"`
	Events []string `yaml:"events"`
	Secret string   `yaml:"secret"`
}

const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Data.ProjectsRoot == "" {
		return fmt.Errorf("config.data.projects_root is required")
	}
	if c.Data.Store != StoreFile && c.Data.Store != StoreSQLite {
		return fmt.Errorf("config.data.store must be %q or %q", StoreFile, StoreSQLite)
	}
	if c.Data.LogTail <= 0 {
		return fmt.Errorf("config.data.log_tail must be positive")
	}
	if c.Workflow.Command == "" {
		return fmt.Errorf("config.workflow.command is required")
	}
	if c.Pricing.TokenCostPer1K < 0 {
		return fmt.Errorf("config.pricing.token_cost_per_1k must not be negative")
	}
	if c.Broadcast.QueueSize <= 0 {
		return fmt.Errorf("config.broadcast.queue_size must be positive")
	}
	for projectType, rule := range c.Scaffold {
		if rule.Command == "" {
			return fmt.Errorf("scaffold rule %s has empty command", projectType)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a data directory.
func Path(dir string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "crewdeck.yml")
}

// Default returns the default Config rooted at dataDir.
func Default(dataDir string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	if dataDir == "" {
		dataDir = "data"
	}
	cfg.Data.ProjectsRoot = filepath.Join(dataDir, "projects")
	cfg.Data.TasksRoot = filepath.Join(dataDir, "tasks")
	cfg.resolveScript(dataDir)
	return &cfg
}

func (c *Config) resolveScript(dataDir string) {
	if c.Workflow.Script == "" || filepath.IsAbs(c.Workflow.Script) {
		return
	}
	if dataDir == "" {
		dataDir = "data"
	}
	script := filepath.Join(dataDir, c.Workflow.Script)
	if abs, err := filepath.Abs(script); err == nil {
		script = abs
	}
	c.Workflow.Script = script
}

// FromYAML overlays raw YAML onto the defaults and validates the result.
func FromYAML(dataDir string, data []byte) (*Config, error) {
	cfg := Default(dataDir)
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.resolveScript(dataDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(dataDir, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(dataDir, data)
}

// Load reads crewdeck.yml from dataDir, falling back to defaults when absent.
func Load(dataDir string) (*Config, error) {
	data, err := os.ReadFile(Path(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default(dataDir)
			return cfg, cfg.Validate()
		}
		return nil, err
	}
	return FromYAML(dataDir, data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:4000
  base_path: /v0

data:
  store: file
  log_tail: 500

workflow:
  command: python3
  script: multi_agent_workflow.py

scaffold:
  blazor:
    marker: app/*.csproj
    command: dotnet
    args: [new, blazorwasm, -o, app, --no-https]

pricing:
  token_cost_per_1k: 0.002

simulation:
  step_delay: 1s
  approval_delay: 2s
  finalize_delay: 1s

broadcast:
  queue_size: 64
  keepalive: 30s

nats:
  subject_prefix: crewdeck

logging:
  level: info
  format: json
`
